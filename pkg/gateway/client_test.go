package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemark/pagemark/pkg/annotation"
)

func noteDraft() annotation.Record {
	return annotation.Record{
		Scope:      annotation.ScopeDocument,
		DocumentID: "doc-1",
		Kind:       annotation.KindStickyNote,
		Text:       "note",
		AuthorID:   "u1",
	}
}

func TestListSendsScopeAndIdentity(t *testing.T) {
	var gotQuery url.Values
	var gotIdentity string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/annotations", r.URL.Path)
		gotQuery = r.URL.Query()
		gotIdentity = r.Header.Get(IdentityHeader)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []annotation.Record{{ID: "ann_1", Scope: annotation.ScopeDocument, DocumentID: "doc-1", Kind: annotation.KindStickyNote}},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, WithIdentity("user-7"))
	records, err := c.List(context.Background(), annotation.ScopeDocument, "doc-1", url.Values{"kind": {"sticky-note"}})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "ann_1", records[0].ID)
	assert.Equal(t, "document", gotQuery.Get("scope"))
	assert.Equal(t, "doc-1", gotQuery.Get("scopeId"))
	assert.Equal(t, "sticky-note", gotQuery.Get("kind"))
	assert.Equal(t, "user-7", gotIdentity)
}

func TestCreateStripsClientID(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body annotation.Record
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		// The server assigns ids; a temp id must never leak into the
		// durable write.
		assert.Empty(t, body.ID)

		body.ID = "ann_42"
		body.CreatedAt = time.Now().UTC()
		body.UpdatedAt = body.CreatedAt
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer ts.Close()

	c := New(ts.URL)
	draft := noteDraft()
	draft.ID = "temp-abc"
	created, err := c.Create(context.Background(), draft)
	require.NoError(t, err)
	assert.Equal(t, "ann_42", created.ID)
	assert.Equal(t, "note", created.Text)
}

func TestUpdateAndDelete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			assert.Equal(t, "/annotations/ann_1", r.URL.Path)
			var fields map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
			assert.Equal(t, "edited", fields["text"])
			rec := noteDraft()
			rec.ID = "ann_1"
			rec.Text = "edited"
			_ = json.NewEncoder(w).Encode(rec)
		case http.MethodDelete:
			assert.Equal(t, "/annotations/ann_1", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer ts.Close()

	c := New(ts.URL)
	updated, err := c.Update(context.Background(), "ann_1", map[string]any{"text": "edited"})
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Text)

	require.NoError(t, c.Delete(context.Background(), "ann_1"))
}

func TestWriteRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Create(context.Background(), noteDraft())
	require.Error(t, err)

	var rejected *WriteRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, "create", rejected.Op)
	assert.Contains(t, rejected.Body, "nope")
}
