package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler serves readiness information.
type HealthHandler struct {
	*Handler
	startedAt time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(base *Handler) *HealthHandler {
	return &HealthHandler{Handler: base, startedAt: time.Now()}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health reports database connectivity, live tracker count, and uptime.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.repo.Ping(r.Context()); err != nil {
		h.logger.Error("database health check failed", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]interface{}{
		"status":         status,
		"live_sessions":  h.registry.Len(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
