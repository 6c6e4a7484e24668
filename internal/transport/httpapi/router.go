// Package httpapi assembles the relay's admin HTTP surface on a chi router:
// webhook registration CRUD, a metrics snapshot, a per-tenant metrics
// snapshot, and the WebSocket/long-poll transport mount points.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaycore/core/internal/domain/tenant"
	"github.com/relaycore/core/internal/domain/webhook"
	"github.com/relaycore/core/internal/metrics"
	lp "github.com/relaycore/core/internal/transport/lp"
	ws "github.com/relaycore/core/internal/transport/ws"
)

// tenantSource is the narrow tenant.Registry surface the admin surface
// needs for per-tenant snapshots.
type tenantSource interface {
	Metrics(tenantID string) (tenant.Snapshot, error)
}

// webhookSource is the narrow webhook.Dispatcher surface the admin surface
// needs for registration CRUD.
type webhookSource interface {
	Register(reg webhook.Registration) (string, error)
	Unregister(id string) error
}

// metricsSource is the narrow metrics.Collector surface the admin surface
// needs for the snapshot endpoint.
type metricsSource interface {
	Snapshot() metrics.Snapshot
}

// Server holds the dependencies behind the admin HTTP surface.
type Server struct {
	tenants  tenantSource
	webhooks webhookSource
	stats    metricsSource
	ws       *ws.Handler
	lp       *lp.Handler
	logger   *slog.Logger
}

// New constructs a Server. ws and lp may be nil, in which case their mount
// points are omitted (useful for tests exercising only the admin routes).
func New(tenants tenantSource, webhooks webhookSource, stats metricsSource, wsHandler *ws.Handler, lpHandler *lp.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{tenants: tenants, webhooks: webhooks, stats: stats, ws: wsHandler, lp: lpHandler, logger: logger}
}

// Routes builds the admin router: webhook CRUD, metrics snapshots, and the
// WebSocket/long-poll transport mounts.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/webhooks", s.createWebhook)
	r.Delete("/webhooks/{id}", s.deleteWebhook)

	r.Get("/metrics", s.getMetrics)
	r.Get("/tenants/{id}", s.getTenant)

	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	if s.lp != nil {
		r.Post("/poll/{tenant}/connect", s.lp.Connect)
		r.Get("/poll/{tenant}/{connection}", s.lp.Poll)
		r.Delete("/poll/{tenant}/{connection}", s.lp.Disconnect)
	}

	return r
}

type createWebhookRequest struct {
	EndpointURL   string `json:"endpointUrl"`
	TopicPattern  string `json:"topicPattern"`
	Secret        string `json:"secret"`
	TimeoutMs     int    `json:"timeoutMs"`
	MaxAttempts   int    `json:"maxAttempts"`
	BaseBackoffMs int    `json:"baseBackoffMs"`
	MaxBackoffMs  int    `json:"maxBackoffMs"`
}

type createWebhookResponse struct {
	ID string `json:"id"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EndpointURL == "" || req.TopicPattern == "" {
		writeError(w, http.StatusBadRequest, "endpointUrl and topicPattern are required")
		return
	}

	reg := webhook.Registration{
		EndpointURL:  req.EndpointURL,
		TopicPattern: req.TopicPattern,
		Secret:       req.Secret,
	}
	if req.TimeoutMs > 0 {
		reg.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.MaxAttempts > 0 {
		reg.Retry.MaxAttempts = req.MaxAttempts
	}
	if req.BaseBackoffMs > 0 {
		reg.Retry.BaseBackoff = time.Duration(req.BaseBackoffMs) * time.Millisecond
	}
	if req.MaxBackoffMs > 0 {
		reg.Retry.MaxBackoff = time.Duration(req.MaxBackoffMs) * time.Millisecond
	}

	id, err := s.webhooks.Register(reg)
	if err != nil {
		s.logger.Error("webhook registration failed", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, createWebhookResponse{ID: id})
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.webhooks.Unregister(id); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "unregister failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.tenants.Metrics(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
