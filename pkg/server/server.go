// Package server implements the annotation persistence API and push
// fan-out. Durable writes land in SQLite, then broadcast through the
// bus to the hub, where every connected client (including the author's
// own) receives the change envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pagemark/pagemark/pkg/annotation"
	"github.com/pagemark/pagemark/pkg/bus"
	"github.com/pagemark/pagemark/pkg/gateway"
	"github.com/pagemark/pagemark/pkg/hub"
)

const tracerName = "github.com/pagemark/pagemark/pkg/server"

// Server wires the CRUD handlers, the hub, and the bus together.
type Server struct {
	db         *DB
	bus        bus.Bus
	hub        *hub.Hub
	logger     *slog.Logger
	tracer     trace.Tracer
	authSecret []byte
}

// Config configures a Server.
type Config struct {
	DB     *DB
	Bus    bus.Bus
	Logger *slog.Logger
	// AuthSecret, when set, requires a valid HS256 bearer token on every
	// request; the token's subject becomes the acting user.
	AuthSecret string
}

// New creates a server and its hub.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:     cfg.DB,
		bus:    cfg.Bus,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	if cfg.AuthSecret != "" {
		s.authSecret = []byte(cfg.AuthSecret)
	}
	s.hub = hub.New(logger, s.wsAuth())
	return s
}

// Hub exposes the fan-out hub, e.g. to attach it to the bus.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Start attaches the hub to the bus so published changes reach
// websocket clients.
func (s *Server) Start(ctx context.Context) (bus.Subscription, error) {
	return s.hub.AttachBus(ctx, s.bus)
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.HandleWebSocket)

	r.Route("/annotations", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "server.list")
	defer span.End()

	scope := annotation.Scope(r.URL.Query().Get("scope"))
	if !scope.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown scope %q", scope))
		return
	}
	scopeID := r.URL.Query().Get("scopeId")
	span.SetAttributes(attribute.String("annotation.scope", string(scope)))

	records, err := s.db.ListByScope(ctx, scope, scopeID)
	if err != nil {
		s.logger.Error("list failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, errors.New("list failed"))
		return
	}
	if records == nil {
		records = []annotation.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "server.create")
	defer span.End()

	var rec annotation.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	now := time.Now().UTC()
	rec.ID = "ann_" + ulid.Make().String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.AuthorID == "" {
		rec.AuthorID = s.actingUser(r)
	}
	rec.ApplyDefaults()
	if err := rec.Validate(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.db.Insert(ctx, rec); err != nil {
		s.logger.Error("insert failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, errors.New("create failed"))
		return
	}
	s.publish(ctx, annotation.Envelope{
		Type:      annotation.EventCreated,
		Record:    &rec,
		ScopeID:   rec.ScopeID(),
		Timestamp: now,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "server.update")
	defer span.End()

	id := chi.URLParam(r, "id")
	rec, err := s.db.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("lookup failed"))
		return
	}

	// Merge the partial body over the stored record; fields absent from
	// the patch keep their current values.
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	rec.ID = id // immutable
	rec.UpdatedAt = time.Now().UTC()
	if err := rec.Validate(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.db.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("update failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, errors.New("update failed"))
		return
	}
	s.publish(ctx, annotation.Envelope{
		Type:      annotation.EventUpdated,
		Record:    &rec,
		ScopeID:   rec.ScopeID(),
		Timestamp: rec.UpdatedAt,
	})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "server.delete")
	defer span.End()

	id := chi.URLParam(r, "id")
	rec, err := s.db.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, errors.New("lookup failed"))
		return
	}

	if err := s.db.Delete(ctx, id); err != nil && !errors.Is(err, ErrRecordNotFound) {
		s.logger.Error("delete failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, errors.New("delete failed"))
		return
	}
	s.publish(ctx, annotation.Envelope{
		Type:      annotation.EventDeleted,
		ID:        id,
		ScopeID:   rec.ScopeID(),
		Timestamp: time.Now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publish(ctx context.Context, env annotation.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("encode envelope failed", slog.Any("error", err))
		return
	}
	if err := s.bus.Publish(ctx, bus.ScopeSubject(env.ScopeID), data); err != nil {
		s.logger.Error("publish failed",
			slog.String("type", string(env.Type)),
			slog.Any("error", err))
	}
}

// requireAuth enforces the bearer token when a secret is configured and
// stashes nothing: handlers read the acting user per request.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authSecret != nil {
			if _, err := s.verifyToken(r); err != nil {
				respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wsAuth() func(*http.Request) error {
	return func(r *http.Request) error {
		if s.authSecret == nil {
			return nil
		}
		_, err := s.verifyToken(r)
		return err
	}
}

func (s *Server) verifyToken(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return "", errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.authSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	sub, _ := token.Claims.GetSubject()
	return sub, nil
}

// actingUser resolves the user a request acts as: the verified token
// subject when auth is on, otherwise the opaque identity header.
func (s *Server) actingUser(r *http.Request) string {
	if s.authSecret != nil {
		if sub, err := s.verifyToken(r); err == nil && sub != "" {
			return sub
		}
	}
	if id := r.Header.Get(gateway.IdentityHeader); id != "" {
		return id
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
