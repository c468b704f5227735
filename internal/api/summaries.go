package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SummaryHandler serves agent training summaries.
type SummaryHandler struct {
	*Handler
}

// NewSummaryHandler creates a summary handler.
func NewSummaryHandler(base *Handler) *SummaryHandler {
	return &SummaryHandler{Handler: base}
}

// RegisterRoutes registers summary routes.
func (h *SummaryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agents/{agentID}/summary", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/recompute", h.Recompute)
	})
	r.Post("/api/summaries/recompute", h.RecomputeAll)
}

// Get returns the stored summary for an agent.
func (h *SummaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	summary, err := h.repo.GetSummary(r.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to load summary", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	if summary == nil {
		Error(w, http.StatusNotFound, "no summary for agent")
		return
	}
	JSON(w, http.StatusOK, summary)
}

// Recompute rebuilds one agent's summary synchronously and returns it.
func (h *SummaryHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	summary, err := h.engine.Recompute(r.Context(), agentID)
	if err != nil {
		h.logger.Error("summary recompute failed", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "summary recompute failed")
		return
	}
	JSON(w, http.StatusOK, summary)
}

// RecomputeAll rebuilds summaries for every agent with sessions. Partial
// failures still recompute the rest; the response reports both counts.
func (h *SummaryHandler) RecomputeAll(w http.ResponseWriter, r *http.Request) {
	ok, err := h.engine.RecomputeAll(r.Context())
	if err != nil {
		h.logger.Error("bulk summary recompute finished with failures", "recomputed", ok, "error", err)
		JSON(w, http.StatusMultiStatus, map[string]interface{}{
			"recomputed": ok,
			"error":      err.Error(),
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"recomputed": ok})
}
