package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/pagemark/pagemark/pkg/annotation"
	"github.com/pagemark/pagemark/pkg/gateway"
	"github.com/pagemark/pagemark/pkg/store"
)

// ErrAlreadyConnected is returned when Connect is called on a running
// client.
var ErrAlreadyConnected = errors.New("live: client already connected")

// ErrGaveUp is passed to the persistent-failure callback after the
// reconnect budget is exhausted. The caller should surface a "live
// updates unavailable" indicator and fall back to manual refresh via the
// gateway.
var ErrGaveUp = errors.New("live: reconnect attempts exhausted")

// Config tunes one push-channel connection.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// ScopeID selects the partition to subscribe to. Inbound events for
	// other scopes are silently ignored.
	ScopeID string
	// Token, when set, is sent as a bearer Authorization header.
	Token string
	// Identity is the opaque acting-user value, passed through on dial.
	Identity string

	BaseDelay         time.Duration
	CapDelay          time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.CapDelay <= 0 {
		c.CapDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client owns one push-channel connection and applies inbound events
// into its store. All callbacks must be registered before Connect.
type Client struct {
	cfg   Config
	store *store.Store

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}

	// alive gates event application so late callbacks after teardown are
	// safely ignored.
	alive atomic.Bool

	downOnce sync.Once
	onDown   func(error)
	onOpen   func(reconnected bool)
	onState  func(Status)
}

// NewClient creates a client bound to st. The store is the single owner
// of the working set; the client is its only network-side writer.
func NewClient(cfg Config, st *store.Store) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:    cfg,
		store:  st,
		status: Status{State: StateDisconnected},
	}
}

// OnPersistentFailure registers a callback fired exactly once when the
// client gives up reconnecting.
func (c *Client) OnPersistentFailure(fn func(error)) { c.onDown = fn }

// OnOpen registers a callback fired whenever the channel reaches Open.
// reconnected is false for the first open. Callers that want to catch
// up on events missed during an outage can trigger a scope reload from
// here.
func (c *Client) OnOpen(fn func(reconnected bool)) { c.onOpen = fn }

// OnStateChange registers a callback observing every transition.
func (c *Client) OnStateChange(fn func(Status)) { c.onState = fn }

// Status returns a snapshot of the connection state machine.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect starts the connection lifecycle. It returns immediately; the
// dial, read loop, and reconnects run on a background goroutine until
// Close or until the reconnect budget is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.alive.Store(true)
	go c.run(runCtx)
	return nil
}

// Close tears the connection down with a normal closure and cancels any
// pending reconnect timer. It blocks until the run loop exits.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	c.alive.Store(false)
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	opened := false
	for {
		if ctx.Err() != nil {
			c.setStatus(Status{State: StateDisconnected})
			return
		}

		c.setStatus(Status{State: StateConnecting, Attempt: attempt})
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setStatus(Status{State: StateDisconnected})
				return
			}
			attempt++
			if !c.backoff(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		c.setStatus(Status{State: StateOpen})
		if opened {
			metricReconnects.Inc()
		}
		if c.onOpen != nil {
			c.onOpen(opened)
		}
		opened = true

		err = c.readLoop(ctx, conn)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
			c.setStatus(Status{State: StateDisconnected})
			return
		}
		c.cfg.Logger.Warn("push channel closed unexpectedly",
			slog.String("scope", c.cfg.ScopeID),
			slog.Any("error", err))

		attempt = 1
		if !c.backoff(ctx, attempt) {
			return
		}
	}
}

// backoff waits out the delay for the given attempt, publishing the
// Reconnecting status. It returns false when the run loop should stop,
// either because the budget is exhausted or the context was cancelled.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	if attempt > c.cfg.MaxAttempts {
		c.setStatus(Status{State: StateDisconnected})
		c.downOnce.Do(func() {
			c.cfg.Logger.Error("live updates unavailable",
				slog.String("scope", c.cfg.ScopeID),
				slog.Int("attempts", c.cfg.MaxAttempts))
			if c.onDown != nil {
				c.onDown(ErrGaveUp)
			}
		})
		return false
	}

	delay := Delay(c.cfg.BaseDelay, c.cfg.CapDelay, attempt)
	c.setStatus(Status{State: StateReconnecting, Attempt: attempt, NextDelay: delay})
	select {
	case <-ctx.Done():
		c.setStatus(Status{State: StateDisconnected})
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("live: parse url: %w", err)
	}
	q := u.Query()
	if c.cfg.ScopeID != "" {
		q.Set("scopeId", c.cfg.ScopeID)
	}
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.cfg.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Identity != "" {
		opts.HTTPHeader.Set(gateway.IdentityHeader, c.cfg.Identity)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), opts)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(32 << 20)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go c.heartbeatLoop(ctx, conn, heartbeatDone)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := annotation.ParseEnvelope(data)
		if err != nil {
			// A single malformed message is discarded; the connection
			// stays up.
			metricMalformed.Inc()
			c.cfg.Logger.Warn("discarding malformed push message", slog.Any("error", err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			env := annotation.Envelope{Type: annotation.EventHeartbeat, ScopeID: c.cfg.ScopeID, Timestamp: time.Now().UTC()}
			data, err := env.Encode()
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				// The read loop observes the broken connection and drives
				// the reconnect.
				return
			}
		}
	}
}

func (c *Client) dispatch(env *annotation.Envelope) {
	if !c.alive.Load() {
		return
	}
	switch env.Type {
	case annotation.EventCreated, annotation.EventUpdated, annotation.EventDeleted:
		if env.ScopeID != "" && c.cfg.ScopeID != "" && env.ScopeID != c.cfg.ScopeID {
			metricEventsFiltered.Inc()
			return
		}
		switch c.store.ApplyRemote(*env) {
		case store.ApplyApplied:
			metricEventsApplied.Inc()
		case store.ApplyOrphan:
			metricEventsOrphaned.Inc()
			c.cfg.Logger.Debug("dropping orphan event",
				slog.String("type", string(env.Type)),
				slog.String("id", env.ID))
		}
	case annotation.EventConnectionEstablished:
		c.cfg.Logger.Debug("connection established", slog.String("message", env.Message))
	case annotation.EventHeartbeatAck:
		c.cfg.Logger.Debug("heartbeat ack")
	case annotation.EventError:
		// Non-fatal to the connection.
		c.cfg.Logger.Warn("server error event", slog.String("message", env.Message))
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	fn := c.onState
	c.mu.Unlock()
	metricConnectionState.Set(float64(s.State))
	if fn != nil {
		fn(s)
	}
}
