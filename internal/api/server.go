package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"task-event-pipeline/internal/broker"
	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/ratelimit"
	"task-event-pipeline/internal/telemetry"
)

// AuditReader is the read side of the audit log used by the trail endpoint.
type AuditReader interface {
	AuditTrail(ctx context.Context, entityType string, entityID int64, limit int) ([]models.AuditLogEntry, error)
}

// Server is the ingress/admin HTTP surface: the task-mutation service
// publishes events through it, and operators query the audit trail and DLQ.
type Server struct {
	cfg     config.Config
	audit   AuditReader
	pub     *broker.Publisher
	redis   *redis.Client
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, audit AuditReader, pub *broker.Publisher, rdb *redis.Client, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		audit:   audit,
		pub:     pub,
		redis:   rdb,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handlePublish)
	r.Get("/audit/{entityType}/{entityID}", s.handleAuditTrail)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type publishResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var event models.TaskEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	// The producer may leave envelope bookkeeping to the ingress.
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if s.limiter != nil && event.UserID != "" {
		allowed, _, err := s.limiter.AllowUser(r.Context(), event.UserID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if err := s.pub.Publish(r.Context(), event); err != nil {
		if errors.Is(err, models.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Transient broker failure: the producer retries.
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(publishResponse{Status: "published", EventID: event.EventID.String()})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	entityID, err := strconv.ParseInt(chi.URLParam(r, "entityID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid entity id", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := s.audit.AuditTrail(r.Context(), entityType, entityID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"count":       len(entries),
		"entries":     entries,
	})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count := int64(50)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}
	entries, err := broker.DLQPeek(r.Context(), s.redis, s.cfg.DLQStream, count)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"id": e.ID, "values": e.Values})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"count": len(out), "entries": out})
}
