// Package store holds the canonical in-memory annotation collection for
// one scope. It is mutated from two paths, local user actions and
// inbound sync events, which are serialized behind a single mutex so a
// mutation is never observed half-applied. Remote application is
// idempotent by id: the echo of a client's own write may arrive both as
// a direct gateway response and as a broadcast, and the second arrival
// must be a no-op.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagemark/pagemark/pkg/annotation"
)

var (
	// ErrNotFound is returned for mutations referencing an unknown id.
	ErrNotFound = errors.New("store: record not found")

	// ErrNoSuchTemp is returned when confirm/rollback names a temp id
	// that is not pending.
	ErrNoSuchTemp = errors.New("store: no such optimistic record")
)

// TempIDPrefix marks ids assigned to optimistic local inserts before the
// server confirms a durable id.
const TempIDPrefix = "temp-"

// ChangeType says what happened to the working set.
type ChangeType string

const (
	ChangeLoaded    ChangeType = "loaded"
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeRemoved   ChangeType = "removed"
	ChangeConfirmed ChangeType = "confirmed"
)

// Change is delivered to subscribers after every mutation so overlays
// can re-project. Record is nil for removals and full loads.
type Change struct {
	Type   ChangeType
	ID     string
	TempID string
	Record *annotation.Record
}

// ApplyResult reports the outcome of applying a remote event.
type ApplyResult int

const (
	// ApplyApplied means the event mutated the working set.
	ApplyApplied ApplyResult = iota
	// ApplyNoop means the event was already reflected (duplicate or echo).
	ApplyNoop
	// ApplyOrphan means an update/delete referenced an unknown id. The
	// event is dropped, not buffered; the scope load on (re)connect is
	// the source of truth.
	ApplyOrphan
	// ApplyIgnored means the event type carries no record mutation.
	ApplyIgnored
)

// Store owns the working set for one scope. The UI holds only read
// references; copies are returned from every accessor.
type Store struct {
	mu      sync.RWMutex
	scopeID string

	records map[string]*annotation.Record
	order   []string // insertion order, for stable listings

	// remap carries tempID -> serverID for one reconciliation cycle so
	// UI bound to a temp id can still resolve the confirmed record.
	remap map[string]string

	subs    map[int]func(Change)
	nextSub int

	now func() time.Time
}

// New creates an empty store for the given scope id.
func New(scopeID string) *Store {
	return &Store{
		scopeID: scopeID,
		records: make(map[string]*annotation.Record),
		remap:   make(map[string]string),
		subs:    make(map[int]func(Change)),
		now:     time.Now,
	}
}

// ScopeID returns the scope this store was created for.
func (s *Store) ScopeID() string { return s.scopeID }

// Subscribe registers a change callback and returns a cancel func.
// Callbacks run synchronously on the mutating goroutine and must not
// call back into the store.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	for _, fn := range s.subs {
		fn(c)
	}
}

// Load replaces the entire working set, typically from the initial
// gateway fetch or a manual refresh. Derived indices are implicit in the
// record map and rebuilt lazily by the read-side projections.
func (s *Store) Load(records []annotation.Record) {
	s.mu.Lock()
	s.records = make(map[string]*annotation.Record, len(records))
	s.order = s.order[:0]
	s.remap = make(map[string]string)
	for i := range records {
		r := records[i].Clone()
		r.ApplyDefaults()
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
	}
	s.notify(Change{Type: ChangeLoaded})
	s.mu.Unlock()
}

// Create inserts an optimistic record under a temporary id and returns
// it synchronously. The caller must later call Confirm with the
// server-assigned record, or Rollback if the durable write failed.
func (s *Store) Create(draft annotation.Record) annotation.Record {
	r := draft.Clone()
	r.ID = TempIDPrefix + uuid.NewString()
	r.ApplyDefaults()
	ts := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts

	s.mu.Lock()
	s.records[r.ID] = r
	s.order = append(s.order, r.ID)
	s.notify(Change{Type: ChangeCreated, ID: r.ID, Record: r.Clone()})
	s.mu.Unlock()
	return *r.Clone()
}

// Confirm replaces the optimistic entry with the server-confirmed
// record, preserving its position in the working set. If the broadcast
// echo already inserted the server record, the temp entry is dropped and
// the echo wins; either arrival order converges on one record bearing
// the server id.
func (s *Store) Confirm(tempID string, server annotation.Record) error {
	srv := server.Clone()
	srv.ApplyDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[tempID]; !ok {
		if _, echoed := s.records[srv.ID]; echoed {
			// Echo arrived first and ApplyRemote already reconciled.
			s.remap[tempID] = srv.ID
			return nil
		}
		return ErrNoSuchTemp
	}

	delete(s.records, tempID)
	if _, echoed := s.records[srv.ID]; echoed {
		// Echo raced in while the temp entry still existed: drop the
		// temp slot, keep the echoed record where it landed.
		s.dropFromOrder(tempID)
	} else {
		s.records[srv.ID] = srv
		s.replaceInOrder(tempID, srv.ID)
	}
	s.remap[tempID] = srv.ID
	s.notify(Change{Type: ChangeConfirmed, ID: srv.ID, TempID: tempID, Record: srv.Clone()})
	return nil
}

// Rollback removes an optimistic entry after a rejected durable write so
// the UI never holds a record the server refused.
func (s *Store) Rollback(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[tempID]; !ok {
		return ErrNoSuchTemp
	}
	delete(s.records, tempID)
	s.dropFromOrder(tempID)
	s.notify(Change{Type: ChangeRemoved, ID: tempID, TempID: tempID})
	return nil
}

// ApplyRemote applies an inbound create/update/delete from the sync
// channel. It is idempotent by id: duplicate creates/updates and deletes
// of unknown ids are no-ops, never errors.
func (s *Store) ApplyRemote(env annotation.Envelope) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case annotation.EventCreated, annotation.EventUpdated:
		r := env.Record.Clone()
		r.ApplyDefaults()
		if existing, ok := s.records[r.ID]; ok {
			if existing.UpdatedAt.Equal(r.UpdatedAt) {
				return ApplyNoop
			}
			s.records[r.ID] = r
			s.notify(Change{Type: ChangeUpdated, ID: r.ID, Record: r.Clone()})
			return ApplyApplied
		}
		if env.Type == annotation.EventUpdated {
			// Update-before-create can happen when the record was created
			// while this client was disconnected; the event is dropped.
			return ApplyOrphan
		}
		s.records[r.ID] = r
		s.order = append(s.order, r.ID)
		s.notify(Change{Type: ChangeCreated, ID: r.ID, Record: r.Clone()})
		return ApplyApplied

	case annotation.EventDeleted:
		id := s.resolveLocked(env.ID)
		if _, ok := s.records[id]; !ok {
			return ApplyOrphan
		}
		delete(s.records, id)
		s.dropFromOrder(id)
		s.notify(Change{Type: ChangeRemoved, ID: id})
		return ApplyApplied
	}
	return ApplyIgnored
}

// Update mutates a record in place from a local author edit. Submitting
// the patch to the persistence gateway is the caller's job, not the
// store's.
func (s *Store) Update(id string, patch Patch) (annotation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[s.resolveLocked(id)]
	if !ok {
		return annotation.Record{}, ErrNotFound
	}
	patch.applyTo(r)
	r.UpdatedAt = s.now()
	s.notify(Change{Type: ChangeUpdated, ID: r.ID, Record: r.Clone()})
	return *r.Clone(), nil
}

// Remove deletes a record from the working set.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid := s.resolveLocked(id)
	if _, ok := s.records[rid]; !ok {
		return ErrNotFound
	}
	delete(s.records, rid)
	s.dropFromOrder(rid)
	s.notify(Change{Type: ChangeRemoved, ID: rid})
	return nil
}

// Get returns a record by id, following the temp-id remap table so UI
// bound to an optimistic id still resolves after confirmation.
func (s *Store) Get(id string) (annotation.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[s.resolveLocked(id)]
	if !ok {
		return annotation.Record{}, false
	}
	return *r.Clone(), true
}

// List returns the working set in insertion order.
func (s *Store) List() []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]annotation.Record, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.records[id]; ok {
			out = append(out, *r.Clone())
		}
	}
	return out
}

// Len returns the number of records in the working set.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// ByPage returns anchored records on the given 1-based page, ordered by
// vertical position so overlays stack naturally.
func (s *Store) ByPage(page int) []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []annotation.Record
	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok || r.Anchor == nil || r.Anchor.Page != page {
			continue
		}
		out = append(out, *r.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Anchor.Y < out[j].Anchor.Y
	})
	return out
}

// ByTag returns records carrying the given tag, in insertion order.
func (s *Store) ByTag(tag string) []annotation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []annotation.Record
	for _, id := range s.order {
		r, ok := s.records[id]
		if !ok {
			continue
		}
		for _, t := range r.Tags {
			if t == tag {
				out = append(out, *r.Clone())
				break
			}
		}
	}
	return out
}

// resolveLocked follows the temp-id remap table. Callers hold s.mu.
func (s *Store) resolveLocked(id string) string {
	if mapped, ok := s.remap[id]; ok {
		return mapped
	}
	return id
}

func (s *Store) replaceInOrder(oldID, newID string) {
	for i, id := range s.order {
		if id == oldID {
			s.order[i] = newID
			return
		}
	}
	s.order = append(s.order, newID)
}

func (s *Store) dropFromOrder(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Patch carries optional field updates for a local author edit. Nil
// fields are left untouched.
type Patch struct {
	Text         *string
	SelectedText *string
	Color        *string
	Tags         *[]string
	ActionItems  *[]annotation.ActionItem
	Priority     *annotation.Priority
	Status       *annotation.Status
}

func (p Patch) applyTo(r *annotation.Record) {
	if p.Text != nil {
		r.Text = *p.Text
	}
	if p.SelectedText != nil {
		r.SelectedText = *p.SelectedText
	}
	if p.Color != nil {
		r.Color = *p.Color
	}
	if p.Tags != nil {
		r.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.ActionItems != nil {
		r.ActionItems = append([]annotation.ActionItem(nil), (*p.ActionItems)...)
	}
	if p.Priority != nil {
		r.Priority = *p.Priority
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
}
