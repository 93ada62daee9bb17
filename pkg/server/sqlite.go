package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pagemark/pagemark/pkg/annotation"
)

// ErrRecordNotFound is returned when a record id is unknown.
var ErrRecordNotFound = errors.New("server: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS annotations (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	document_id   TEXT NOT NULL DEFAULT '',
	collection_id TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	payload       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_annotations_scope
	ON annotations(scope, document_id, collection_id);
`

// DB is the SQLite persistence layer. Records are stored as JSON with
// the scope columns broken out for querying; the payload is canonical.
type DB struct {
	db *sql.DB
}

// OpenDB opens (and migrates) the database at path. Use ":memory:" for
// tests.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// ListByScope returns all records in a scope partition, oldest first.
func (d *DB) ListByScope(ctx context.Context, scope annotation.Scope, scopeID string) ([]annotation.Record, error) {
	query := `SELECT payload FROM annotations WHERE scope = ? ORDER BY created_at, id`
	args := []any{string(scope)}
	switch scope {
	case annotation.ScopeDocument:
		query = `SELECT payload FROM annotations WHERE scope = ? AND document_id = ? ORDER BY created_at, id`
		args = append(args, scopeID)
	case annotation.ScopeCollection:
		query = `SELECT payload FROM annotations WHERE scope = ? AND collection_id = ? ORDER BY created_at, id`
		args = append(args, scopeID)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	var out []annotation.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec annotation.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one record by id.
func (d *DB) Get(ctx context.Context, id string) (annotation.Record, error) {
	var payload string
	err := d.db.QueryRowContext(ctx, `SELECT payload FROM annotations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Record{}, ErrRecordNotFound
	}
	if err != nil {
		return annotation.Record{}, err
	}
	var rec annotation.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return annotation.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Insert persists a new record.
func (d *DB) Insert(ctx context.Context, rec annotation.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO annotations (id, scope, document_id, collection_id, kind, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Scope), rec.DocumentID, rec.CollectionID, string(rec.Kind),
		string(payload), rec.CreatedAt.UTC().Format(timeLayout), rec.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

// Update overwrites a record. Conflicting edits resolve last-write-wins
// on the server, so the newest update simply replaces the row.
func (d *DB) Update(ctx context.Context, rec annotation.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE annotations SET payload = ?, updated_at = ? WHERE id = ?`,
		string(payload), rec.UpdatedAt.UTC().Format(timeLayout), rec.ID)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Delete removes a record by id.
func (d *DB) Delete(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"
