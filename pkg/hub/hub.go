// Package hub fans annotation change envelopes out to connected
// websocket clients. Each client subscribes to one scope; events for
// other scopes are filtered server-side before they reach the wire.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/pagemark/pagemark/pkg/annotation"
	"github.com/pagemark/pagemark/pkg/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 100
)

// Hub manages websocket subscribers and broadcasts envelopes to them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	auth     func(*http.Request) error

	mu          sync.RWMutex
	subscribers map[*subscriber]bool

	// dropLog throttles backpressure warnings so one slow client cannot
	// flood the log.
	dropLog *rate.Limiter
}

type subscriber struct {
	conn    *websocket.Conn
	scopeID string
	send    chan annotation.Envelope
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a hub. auth, when non-nil, is enforced on every upgrade.
func New(logger *slog.Logger, auth func(*http.Request) error) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		auth:        auth,
		subscribers: make(map[*subscriber]bool),
		dropLog:     rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// AttachBus subscribes the hub to annotation subjects on the bus and
// broadcasts everything that arrives. This is how changes published by
// other gateway instances reach this instance's clients.
func (h *Hub) AttachBus(ctx context.Context, b bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(ctx, bus.ScopeSubject("*"), func(subject string, data []byte) {
		env, err := annotation.ParseEnvelope(data)
		if err != nil {
			h.logger.Warn("dropping malformed bus message",
				slog.String("subject", subject),
				slog.Any("error", err))
			return
		}
		h.Broadcast(*env)
	})
}

// HandleWebSocket upgrades the request and registers the client under
// the scope named by the scopeId query parameter.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if err := h.auth(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	scopeID := r.URL.Query().Get("scopeId")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	// The request context is cancelled after the upgrade; the
	// subscriber gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		conn:    conn,
		scopeID: scopeID,
		send:    make(chan annotation.Envelope, sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.mu.Lock()
	h.subscribers[sub] = true
	h.mu.Unlock()
	metricActiveClients.Inc()

	h.logger.Info("websocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("scope", scopeID))

	sub.enqueue(annotation.Envelope{
		Type:      annotation.EventConnectionEstablished,
		ScopeID:   scopeID,
		Timestamp: time.Now().UTC(),
		Message:   "subscribed",
	})

	go sub.writePump()
	go h.readPump(sub)
}

// Broadcast delivers the envelope to every subscriber whose scope
// matches. Slow consumers drop messages rather than stall the hub.
func (h *Hub) Broadcast(env annotation.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if env.ScopeID != "" && sub.scopeID != "" && sub.scopeID != env.ScopeID {
			continue
		}
		if !sub.enqueue(env) {
			metricBackpressureDrops.Inc()
			if h.dropLog.Allow() {
				h.logger.Warn("hub backpressure, dropping event",
					slog.String("type", string(env.Type)),
					slog.String("scope", sub.scopeID))
			}
		}
	}
	metricBroadcasts.Inc()
}

// ActiveClients returns the number of connected subscribers.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Shutdown closes every subscriber connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		sub.cancel()
		_ = sub.conn.Close()
		close(sub.send)
	}
	h.subscribers = make(map[*subscriber]bool)
}

func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.removeSubscriber(sub)
		sub.writeMu.Lock()
		_ = sub.conn.Close()
		sub.writeMu.Unlock()
		metricActiveClients.Dec()
	}()

	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", slog.Any("error", err))
			}
			return
		}
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := annotation.ParseEnvelope(data)
		if err != nil {
			sub.enqueue(annotation.Envelope{
				Type:      annotation.EventError,
				Timestamp: time.Now().UTC(),
				Message:   "invalid message format",
			})
			continue
		}
		if env.Type == annotation.EventHeartbeat {
			sub.enqueue(annotation.Envelope{
				Type:      annotation.EventHeartbeatAck,
				ScopeID:   sub.scopeID,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sub] {
		delete(h.subscribers, sub)
		close(sub.send)
		h.logger.Info("websocket client disconnected", slog.String("scope", sub.scopeID))
	}
}

func (s *subscriber) enqueue(env annotation.Envelope) bool {
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.cancel()
	}()

	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				s.writeMu.Lock()
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				s.writeMu.Unlock()
				return
			}
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteJSON(env)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
			metricMessagesSent.Inc()

		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-s.ctx.Done():
			return
		}
	}
}
