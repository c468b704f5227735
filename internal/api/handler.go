// Package api provides HTTP handlers for the script tracking API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coachforge/scripttrack/internal/aggregate"
	"github.com/coachforge/scripttrack/internal/store"
	"github.com/coachforge/scripttrack/internal/track"
)

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	registry *track.Registry
	engine   *aggregate.Engine
	logger   *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, registry *track.Registry, engine *aggregate.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		registry: registry,
		engine:   engine,
		logger:   logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode parses a JSON request body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
