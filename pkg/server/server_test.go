package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagemark/pagemark/pkg/annotation"
	"github.com/pagemark/pagemark/pkg/bus"
)

type busRecorder struct {
	mu        sync.Mutex
	envelopes []annotation.Envelope
}

func (r *busRecorder) record(data []byte) {
	env, err := annotation.ParseEnvelope(data)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.envelopes = append(r.envelopes, *env)
	r.mu.Unlock()
}

func (r *busRecorder) types() []annotation.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]annotation.EventType, len(r.envelopes))
	for i, env := range r.envelopes {
		out[i] = env.Type
	}
	return out
}

func newTestServer(t *testing.T, authSecret string) (*httptest.Server, *busRecorder) {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.NewMemoryBus()
	t.Cleanup(func() { b.Close() })

	rec := &busRecorder{}
	_, err = b.Subscribe(context.Background(), bus.ScopeSubject("*"), func(subject string, data []byte) {
		rec.record(data)
	})
	require.NoError(t, err)

	s := New(Config{DB: db, Bus: b, AuthSecret: authSecret})
	_, err = s.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(s.Hub().Shutdown)

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return ts, rec
}

func postJSON(t *testing.T, url string, v any, headers map[string]string) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeRecord(t *testing.T, resp *http.Response) annotation.Record {
	t.Helper()
	defer resp.Body.Close()
	var rec annotation.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	return rec
}

func TestCreateListUpdateDelete(t *testing.T) {
	ts, events := newTestServer(t, "")

	draft := annotation.Record{
		Scope:      annotation.ScopeDocument,
		DocumentID: "doc-1",
		Kind:       annotation.KindStickyNote,
		Text:       "first",
		AuthorID:   "u1",
	}
	resp := postJSON(t, ts.URL+"/annotations", draft, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeRecord(t, resp)
	assert.NotEmpty(t, created.ID)
	assert.True(t, len(created.ID) > 4 && created.ID[:4] == "ann_")
	assert.False(t, created.CreatedAt.IsZero())

	// List sees it.
	listResp, err := http.Get(ts.URL + "/annotations?scope=document&scopeId=doc-1")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listed struct {
		Records []annotation.Record `json:"records"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.Len(t, listed.Records, 1)
	assert.Equal(t, created.ID, listed.Records[0].ID)

	// Patch merges over the stored record.
	patch, _ := json.Marshal(map[string]any{"text": "edited"})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/annotations/"+created.ID, bytes.NewReader(patch))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeRecord(t, resp)
	assert.Equal(t, "edited", updated.Text)
	assert.Equal(t, "doc-1", updated.DocumentID, "fields absent from the patch are preserved")

	// Delete.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/annotations/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Every durable write was published.
	require.Eventually(t, func() bool { return len(events.types()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []annotation.EventType{
		annotation.EventCreated,
		annotation.EventUpdated,
		annotation.EventDeleted,
	}, events.types())
}

func TestCreateRejectsInvalidRecord(t *testing.T) {
	ts, events := newTestServer(t, "")

	// A highlight without an anchor cannot be drawn.
	draft := annotation.Record{
		Scope:      annotation.ScopeDocument,
		DocumentID: "doc-1",
		Kind:       annotation.KindHighlight,
	}
	resp := postJSON(t, ts.URL+"/annotations", draft, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, events.types(), "rejected writes must not publish")
}

func TestUpdateUnknownIDIs404(t *testing.T) {
	ts, _ := newTestServer(t, "")

	patch, _ := json.Marshal(map[string]any{"text": "x"})
	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/annotations/ann_missing", bytes.NewReader(patch))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	ts, _ := newTestServer(t, "test-secret")

	draft := annotation.Record{
		Scope:      annotation.ScopeDocument,
		DocumentID: "doc-1",
		Kind:       annotation.KindStickyNote,
		Text:       "hello",
	}

	resp := postJSON(t, ts.URL+"/annotations", draft, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/annotations", draft, map[string]string{
		"Authorization": "Bearer " + signToken(t, "wrong-secret", "mallory"),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/annotations", draft, map[string]string{
		"Authorization": "Bearer " + signToken(t, "test-secret", "alice"),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeRecord(t, resp)
	assert.Equal(t, "alice", created.AuthorID, "token subject becomes the author")
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
