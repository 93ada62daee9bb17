// Package gateway is the request/response client for the annotation
// persistence API. It handles the initial scope fetch and durable
// writes; fan-out of the resulting changes arrives back through the push
// channel, not through this client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pagemark/pagemark/pkg/annotation"
)

// IdentityHeader carries the acting user through to the server. The
// client passes it through opaquely.
const IdentityHeader = "X-Acting-User"

const tracerName = "github.com/pagemark/pagemark/pkg/gateway"

// WriteRejectedError reports a non-success response to a durable write.
// The caller recovers by rolling back the optimistic record and
// surfacing a transient, retryable error to the user.
type WriteRejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("gateway: %s rejected with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the persistence gateway.
type Client struct {
	baseURL  string
	http     *http.Client
	identity string
	tracer   trace.Tracer
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithIdentity sets the acting-user value sent on every request.
func WithIdentity(identity string) Option {
	return func(c *Client) { c.identity = identity }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a gateway client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		tracer:  otel.Tracer(tracerName),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List fetches the working set for a scope. Filters are passed through
// as query parameters alongside the scope selector.
func (c *Client) List(ctx context.Context, scope annotation.Scope, scopeID string, filters url.Values) ([]annotation.Record, error) {
	q := url.Values{}
	for k, vs := range filters {
		q[k] = vs
	}
	q.Set("scope", string(scope))
	if scopeID != "" {
		q.Set("scopeId", scopeID)
	}

	var payload struct {
		Records []annotation.Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, "/annotations?"+q.Encode(), nil, &payload, "list"); err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// Create durably persists a draft. The server assigns the id; the
// returned record is what the caller passes to Store.Confirm.
func (c *Client) Create(ctx context.Context, draft annotation.Record) (annotation.Record, error) {
	draft.ID = "" // server-assigned
	var created annotation.Record
	if err := c.do(ctx, http.MethodPost, "/annotations", draft, &created, "create"); err != nil {
		return annotation.Record{}, err
	}
	return created, nil
}

// Update sends a partial edit and returns the updated record.
func (c *Client) Update(ctx context.Context, id string, fields map[string]any) (annotation.Record, error) {
	var updated annotation.Record
	if err := c.do(ctx, http.MethodPatch, "/annotations/"+url.PathEscape(id), fields, &updated, "update"); err != nil {
		return annotation.Record{}, err
	}
	return updated, nil
}

// Delete removes a record durably.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/annotations/"+url.PathEscape(id), nil, nil, "delete")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, op string) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	defer span.End()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("gateway: encode %s: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("gateway: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.identity != "" {
		req.Header.Set(IdentityHeader, c.identity)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("gateway: %s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, resp.Status)
		c.logger.Warn("gateway write rejected",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode))
		return &WriteRejectedError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("gateway: decode %s response: %w", op, err)
		}
	}
	return nil
}
