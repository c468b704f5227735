package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/script"
	"github.com/coachforge/scripttrack/internal/store"
)

// ScriptHandler serves script upload, activation and inspection.
type ScriptHandler struct {
	*Handler
}

// NewScriptHandler creates a script handler.
func NewScriptHandler(base *Handler) *ScriptHandler {
	return &ScriptHandler{Handler: base}
}

// RegisterRoutes registers script routes.
func (h *ScriptHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/scripts", func(r chi.Router) {
		r.Post("/", h.Upload)
		r.Post("/{scriptID}/activate", h.Activate)
		r.Get("/active", h.GetActive)
	})
}

type uploadRequest struct {
	OwnerID    string `json:"owner_id"`
	ScriptType string `json:"script_type"`
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	Content    string `json:"content"`
}

// Upload stores a new script, inactive. The content is parsed up front so
// a structurally empty script is rejected before it can ever be activated.
func (h *ScriptHandler) Upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" || req.ScriptType == "" || req.Content == "" {
		Error(w, http.StatusBadRequest, "owner_id, script_type and content are required")
		return
	}

	def := script.Parse(req.Content)
	if len(def.Phases) == 0 {
		Error(w, http.StatusUnprocessableEntity, "script parsed to zero phases")
		return
	}

	now := time.Now()
	rec := &domain.ScriptRecord{
		ID:         uuid.NewString(),
		OwnerID:    req.OwnerID,
		ScriptType: req.ScriptType,
		Name:       req.Name,
		Version:    req.Version,
		Content:    req.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.Version == "" {
		rec.Version = "1"
	}
	if err := h.repo.SaveScript(r.Context(), rec); err != nil {
		h.logger.Error("failed to save script", "script_id", rec.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save script")
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"id":          rec.ID,
		"source_hash": def.SourceHash,
		"phases":      len(def.Phases),
		"questions":   def.TotalQuestions(),
	})
}

// Activate makes the script the single active one for its owner and type.
func (h *ScriptHandler) Activate(w http.ResponseWriter, r *http.Request) {
	scriptID := chi.URLParam(r, "scriptID")

	if err := h.repo.ActivateScript(r.Context(), scriptID); err != nil {
		h.logger.Error("failed to activate script", "script_id", scriptID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to activate script")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"id": scriptID, "status": "active"})
}

// GetActive resolves the active script for ?owner_id=&script_type= and
// returns it together with its parsed structure.
func (h *ScriptHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	scriptType := r.URL.Query().Get("script_type")
	if ownerID == "" || scriptType == "" {
		Error(w, http.StatusBadRequest, "owner_id and script_type are required")
		return
	}

	rec, err := h.repo.GetActiveScript(r.Context(), ownerID, scriptType)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoActiveScript):
			Error(w, http.StatusNotFound, "no active script")
		case errors.Is(err, store.ErrAmbiguousScript):
			Error(w, http.StatusConflict, "multiple active scripts")
		default:
			h.logger.Error("failed to resolve active script", "owner_id", ownerID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to resolve active script")
		}
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":          rec.ID,
		"owner_id":    rec.OwnerID,
		"script_type": rec.ScriptType,
		"name":        rec.Name,
		"version":     rec.Version,
		"structure":   script.Parse(rec.Content),
	})
}
