package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemark/pagemark/pkg/annotation"
)

func draftNote(text string) annotation.Record {
	return annotation.Record{
		Scope:      annotation.ScopeDocument,
		DocumentID: "doc-1",
		Kind:       annotation.KindStickyNote,
		Text:       text,
		AuthorID:   "u1",
	}
}

func serverRecord(id, text string) annotation.Record {
	r := draftNote(text)
	r.ID = id
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	return r
}

func TestCreateAssignsTempID(t *testing.T) {
	s := New("doc-1")
	rec := s.Create(draftNote("hello"))

	assert.True(t, strings.HasPrefix(rec.ID, TempIDPrefix))
	assert.Equal(t, annotation.PriorityNormal, rec.Priority)
	assert.Equal(t, annotation.StatusOpen, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, s.Len())
}

func TestConfirmReplacesTempEntry(t *testing.T) {
	s := New("doc-1")
	temp := s.Create(draftNote("hello"))

	require.NoError(t, s.Confirm(temp.ID, serverRecord("ann_42", "hello")))

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("ann_42")
	assert.True(t, ok)

	// UI bound to the temp id still resolves through the remap table.
	viaTemp, ok := s.Get(temp.ID)
	require.True(t, ok)
	assert.Equal(t, "ann_42", viaTemp.ID)

	// No residual temp entry in listings.
	for _, r := range s.List() {
		assert.False(t, strings.HasPrefix(r.ID, TempIDPrefix))
	}
}

func TestConfirmPreservesPosition(t *testing.T) {
	s := New("doc-1")
	first := s.Create(draftNote("first"))
	s.Create(draftNote("second"))

	require.NoError(t, s.Confirm(first.ID, serverRecord("ann_1", "first")))
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "ann_1", list[0].ID)
}

func TestRollbackRemovesOptimisticEntry(t *testing.T) {
	s := New("doc-1")
	temp := s.Create(draftNote("doomed"))

	require.NoError(t, s.Rollback(temp.ID))
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Rollback(temp.ID), ErrNoSuchTemp)
}

func TestConfirmUnknownTemp(t *testing.T) {
	s := New("doc-1")
	assert.ErrorIs(t, s.Confirm("temp-nope", serverRecord("ann_1", "x")), ErrNoSuchTemp)
}

func TestEchoBeforeConfirm(t *testing.T) {
	// The broadcast of our own write can beat the gateway response.
	s := New("doc-1")
	temp := s.Create(draftNote("hello"))
	srv := serverRecord("ann_42", "hello")

	res := s.ApplyRemote(annotation.Envelope{Type: annotation.EventCreated, Record: &srv})
	assert.Equal(t, ApplyApplied, res)

	require.NoError(t, s.Confirm(temp.ID, srv))
	assert.Equal(t, 1, s.Len())
	got, ok := s.Get("ann_42")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Text)
}

func TestConfirmBeforeEcho(t *testing.T) {
	s := New("doc-1")
	temp := s.Create(draftNote("hello"))
	srv := serverRecord("ann_42", "hello")

	require.NoError(t, s.Confirm(temp.ID, srv))
	// The echo arrives second and must be a no-op.
	res := s.ApplyRemote(annotation.Envelope{Type: annotation.EventCreated, Record: &srv})
	assert.Equal(t, ApplyNoop, res)
	assert.Equal(t, 1, s.Len())
}

func TestApplyRemoteIdempotentCreate(t *testing.T) {
	s := New("doc-1")
	srv := serverRecord("ann_7", "note")
	env := annotation.Envelope{Type: annotation.EventCreated, Record: &srv}

	assert.Equal(t, ApplyApplied, s.ApplyRemote(env))
	before := s.List()
	assert.Equal(t, ApplyNoop, s.ApplyRemote(env))
	assert.Equal(t, before, s.List())
}

func TestApplyRemoteUpdate(t *testing.T) {
	s := New("doc-1")
	srv := serverRecord("ann_7", "note")
	s.ApplyRemote(annotation.Envelope{Type: annotation.EventCreated, Record: &srv})

	edited := srv
	edited.Text = "edited"
	edited.UpdatedAt = srv.UpdatedAt.Add(time.Second)
	assert.Equal(t, ApplyApplied, s.ApplyRemote(annotation.Envelope{Type: annotation.EventUpdated, Record: &edited}))

	got, _ := s.Get("ann_7")
	assert.Equal(t, "edited", got.Text)
}

func TestApplyRemoteOrphans(t *testing.T) {
	s := New("doc-1")

	// Update before create: the record was created while we were
	// disconnected, so the event is dropped.
	srv := serverRecord("ann_9", "x")
	res := s.ApplyRemote(annotation.Envelope{Type: annotation.EventUpdated, Record: &srv})
	assert.Equal(t, ApplyOrphan, res)
	assert.Equal(t, 0, s.Len())

	// Deleting a non-existent id is a no-op, not an error.
	res = s.ApplyRemote(annotation.Envelope{Type: annotation.EventDeleted, ID: "ann_9"})
	assert.Equal(t, ApplyOrphan, res)
}

func TestApplyRemoteDelete(t *testing.T) {
	s := New("doc-1")
	srv := serverRecord("ann_3", "bye")
	s.ApplyRemote(annotation.Envelope{Type: annotation.EventCreated, Record: &srv})

	assert.Equal(t, ApplyApplied, s.ApplyRemote(annotation.Envelope{Type: annotation.EventDeleted, ID: "ann_3"}))
	assert.Equal(t, 0, s.Len())
}

func TestLoadReplacesWorkingSet(t *testing.T) {
	s := New("doc-1")
	s.Create(draftNote("stale"))

	s.Load([]annotation.Record{serverRecord("ann_1", "a"), serverRecord("ann_2", "b")})
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("ann_1")
	assert.True(t, ok)
}

func TestUpdateAndRemoveLocal(t *testing.T) {
	s := New("doc-1")
	s.Load([]annotation.Record{serverRecord("ann_1", "original")})

	text := "changed"
	status := annotation.StatusResolved
	got, err := s.Update("ann_1", Patch{Text: &text, Status: &status})
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Text)
	assert.Equal(t, annotation.StatusResolved, got.Status)

	require.NoError(t, s.Remove("ann_1"))
	assert.ErrorIs(t, s.Remove("ann_1"), ErrNotFound)

	_, err = s.Update("ann_1", Patch{Text: &text})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestByPageSortsVertically(t *testing.T) {
	s := New("doc-1")
	lower := serverRecord("ann_low", "low")
	lower.Kind = annotation.KindHighlight
	lower.Anchor = &annotation.Anchor{Page: 2, X: 0.1, Y: 0.8, Width: 0.2, Height: 0.02}
	upper := serverRecord("ann_up", "up")
	upper.Kind = annotation.KindHighlight
	upper.Anchor = &annotation.Anchor{Page: 2, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.02}
	other := serverRecord("ann_other", "elsewhere")
	other.Kind = annotation.KindHighlight
	other.Anchor = &annotation.Anchor{Page: 5, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.02}
	s.Load([]annotation.Record{lower, upper, other})

	got := s.ByPage(2)
	require.Len(t, got, 2)
	assert.Equal(t, "ann_up", got[0].ID)
	assert.Equal(t, "ann_low", got[1].ID)
}

func TestByTag(t *testing.T) {
	s := New("doc-1")
	tagged := serverRecord("ann_1", "a")
	tagged.Tags = []string{"urgent", "review"}
	plain := serverRecord("ann_2", "b")
	s.Load([]annotation.Record{tagged, plain})

	got := s.ByTag("urgent")
	require.Len(t, got, 1)
	assert.Equal(t, "ann_1", got[0].ID)
	assert.Empty(t, s.ByTag("missing"))
}

func TestSubscribeNotifications(t *testing.T) {
	s := New("doc-1")
	var changes []ChangeType
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c.Type) })

	temp := s.Create(draftNote("x"))
	require.NoError(t, s.Confirm(temp.ID, serverRecord("ann_1", "x")))
	require.NoError(t, s.Remove("ann_1"))

	assert.Equal(t, []ChangeType{ChangeCreated, ChangeConfirmed, ChangeRemoved}, changes)

	cancel()
	s.Create(draftNote("y"))
	assert.Len(t, changes, 3)
}
