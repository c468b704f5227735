package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/store"
	"github.com/coachforge/scripttrack/internal/track"
)

// TrackingHandler serves the per-conversation tracking endpoints.
type TrackingHandler struct {
	*Handler
}

// NewTrackingHandler creates a tracking handler.
func NewTrackingHandler(base *Handler) *TrackingHandler {
	return &TrackingHandler{Handler: base}
}

// RegisterRoutes registers tracking routes.
func (h *TrackingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/conversations/{conversationID}", func(r chi.Router) {
		r.Post("/events", h.PostEvent)
		r.Get("/", h.GetSession)
		r.Post("/advance", h.Advance)
		r.Post("/finalize", h.Finalize)
	})
}

type eventRequest struct {
	Role       string `json:"role"`
	Text       string `json:"text"`
	AgentID    string `json:"agent_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	ScriptType string `json:"script_type,omitempty"`
}

// PostEvent ingests one utterance. The first event for a conversation must
// carry agent_id, owner_id and script_type so the session can be created
// against the right active script.
func (h *TrackingHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req eventRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role != domain.RoleAI && req.Role != domain.RoleUser {
		Error(w, http.StatusBadRequest, "role must be \"ai\" or \"user\"")
		return
	}
	if req.Text == "" {
		Error(w, http.StatusBadRequest, "text cannot be empty")
		return
	}

	tracker, err := h.registry.GetOrCreate(r.Context(), track.SessionKey{
		ConversationID: conversationID,
		AgentID:        req.AgentID,
		OwnerID:        req.OwnerID,
		ScriptType:     req.ScriptType,
	})
	if err != nil {
		h.writeSessionError(w, conversationID, err)
		return
	}

	var update track.Update
	if req.Role == domain.RoleAI {
		update, err = tracker.HandleAI(r.Context(), req.Text)
	} else {
		update, err = tracker.HandleUser(r.Context(), req.Text)
	}
	if err != nil {
		if errors.Is(err, track.ErrTrackerEvicted) {
			// The idle sweep won the race; a retry restores the session.
			Error(w, http.StatusConflict, "session evicted, retry the event")
			return
		}
		h.logger.Error("failed to process utterance", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to process utterance")
		return
	}

	JSON(w, http.StatusOK, update)
}

// GetSession returns the full session snapshot. A live tracker is
// preferred; otherwise the persisted state is served without resurrecting
// the tracker.
func (h *TrackingHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	if tracker, ok := h.registry.Get(conversationID); ok {
		JSON(w, http.StatusOK, tracker.Snapshot())
		return
	}

	sess, err := h.repo.GetSession(r.Context(), conversationID)
	if err != nil {
		h.logger.Error("failed to load session", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}

type advanceRequest struct {
	Reason string `json:"reason"`
}

// Advance forcibly moves the session one unit forward. Coach override for
// stuck conversations.
func (h *TrackingHandler) Advance(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req advanceRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		Error(w, http.StatusBadRequest, "reason cannot be empty")
		return
	}

	tracker, ok := h.registry.Get(conversationID)
	if !ok {
		Error(w, http.StatusNotFound, "no live session for conversation")
		return
	}

	update, err := tracker.ForceAdvance(r.Context(), req.Reason)
	if err != nil {
		if errors.Is(err, track.ErrEndOfScript) {
			Error(w, http.StatusConflict, "already at final step of script")
			return
		}
		h.logger.Error("forced advance failed", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "forced advance failed")
		return
	}
	JSON(w, http.StatusOK, update)
}

// Finalize persists the closing state and evicts the live tracker.
func (h *TrackingHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	tracker, ok := h.registry.Get(conversationID)
	if !ok {
		Error(w, http.StatusNotFound, "no live session for conversation")
		return
	}

	update, err := tracker.Finalize(r.Context())
	if err != nil {
		h.logger.Error("finalize failed", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "finalize failed")
		return
	}
	h.registry.Evict(conversationID)
	JSON(w, http.StatusOK, update)
}

// writeSessionError maps script-selection failures to client errors.
func (h *TrackingHandler) writeSessionError(w http.ResponseWriter, conversationID string, err error) {
	switch {
	case errors.Is(err, store.ErrNoActiveScript):
		Error(w, http.StatusConflict, "no active script for owner and script type")
	case errors.Is(err, store.ErrAmbiguousScript):
		Error(w, http.StatusConflict, "multiple active scripts for owner and script type")
	default:
		h.logger.Error("failed to open session", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open session")
	}
}
