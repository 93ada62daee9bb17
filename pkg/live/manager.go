package live

import (
	"context"
	"errors"
	"sync"
)

// ErrManagerClosed is returned when subscribing after Close.
var ErrManagerClosed = errors.New("live: manager closed")

// Manager hands out reference-counted subscriptions so every consumer of
// a scope shares one underlying push-channel connection. The channel
// opens on the first subscriber and closes on the last release, never a
// bare global. Duplicate connections would mean duplicate event delivery
// and duplicate reconnect storms.
type Manager struct {
	newClient func(scopeID string) *Client

	mu     sync.Mutex
	conns  map[string]*managedConn
	closed bool
}

type managedConn struct {
	client *Client
	refs   int
}

// NewManager creates a manager. newClient builds the client for a scope
// on first subscription.
func NewManager(newClient func(scopeID string) *Client) *Manager {
	return &Manager{
		newClient: newClient,
		conns:     make(map[string]*managedConn),
	}
}

// Subscribe returns a handle on the shared connection for scopeID,
// dialing it if this is the first subscriber.
func (m *Manager) Subscribe(ctx context.Context, scopeID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}

	mc, ok := m.conns[scopeID]
	if !ok {
		client := m.newClient(scopeID)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		mc = &managedConn{client: client}
		m.conns[scopeID] = mc
	}
	mc.refs++
	return &Handle{m: m, scopeID: scopeID, client: mc.client}, nil
}

// Close releases every connection regardless of outstanding handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	for _, mc := range conns {
		if err := mc.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) release(scopeID string) {
	m.mu.Lock()
	mc, ok := m.conns[scopeID]
	if ok {
		mc.refs--
		if mc.refs <= 0 {
			delete(m.conns, scopeID)
		} else {
			mc = nil
		}
	}
	m.mu.Unlock()

	if ok && mc != nil {
		_ = mc.client.Close()
	}
}

// refs reports the current subscriber count for a scope, for tests.
func (m *Manager) refs(scopeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[scopeID]; ok {
		return mc.refs
	}
	return 0
}

// Handle is one consumer's claim on a shared connection. Close is
// idempotent.
type Handle struct {
	m       *Manager
	scopeID string
	client  *Client
	once    sync.Once
}

// Client exposes the shared connection, e.g. to observe Status.
func (h *Handle) Client() *Client { return h.client }

// Close releases this claim; the underlying connection shuts down when
// the last handle for the scope is closed.
func (h *Handle) Close() {
	h.once.Do(func() { h.m.release(h.scopeID) })
}
