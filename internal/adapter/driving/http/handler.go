package httphandler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/domain/port/driven"
)

// Pinger reports whether the database is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Scheduler is the part of the verification scheduler the ops API exposes.
type Scheduler interface {
	Refresh(ctx context.Context, domainID int64) error
	Schedule(domainID int64) (application.ScheduleInfo, bool)
}

// Handler is the HTTP driving adapter for the worker's operational endpoints.
type Handler struct {
	db        Pinger
	scheduler Scheduler
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(db Pinger, scheduler Scheduler, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		db:        db,
		scheduler: scheduler,
		gatherer:  gatherer,
		logger:    logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/domains/{id}/schedule", h.GetSchedule)
	mux.HandleFunc("POST /api/v1/domains/{id}/refresh", h.RefreshDomain)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports ok when the database answers a ping within two seconds.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("health check: database unreachable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Time: now})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: now})
}

// GetSchedule returns the verification schedule of a pending domain.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := domainID(w, r)
	if !ok {
		return
	}

	info, found := h.scheduler.Schedule(id)
	if !found {
		writeError(w, http.StatusNotFound, "no schedule for domain")
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(id, info))
}

// RefreshDomain checks one domain immediately, bypassing its schedule.
func (h *Handler) RefreshDomain(w http.ResponseWriter, r *http.Request) {
	id, ok := domainID(w, r)
	if !ok {
		return
	}

	err := h.scheduler.Refresh(r.Context(), id)
	switch {
	case errors.Is(err, driven.ErrDomainNotFound):
		writeError(w, http.StatusNotFound, "domain not found")
		return
	case driven.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "mail provider unavailable")
		return
	case err != nil:
		h.logger.Error("manual refresh failed", "domain_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "verification check failed")
		return
	}

	resp := RefreshResponse{DomainID: id, Status: "checked"}
	if info, found := h.scheduler.Schedule(id); found {
		sched := toScheduleResponse(id, info)
		resp.Schedule = &sched
	}
	writeJSON(w, http.StatusOK, resp)
}

func domainID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid domain id")
		return 0, false
	}
	return id, true
}
