// Package ingest provides the WebSocket utterance feed. One connection
// carries one conversation; each frame is acknowledged with the updated
// position so the coaching UI can follow along live.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/store"
	"github.com/coachforge/scripttrack/internal/track"
)

// WebSocketHandler handles WebSocket-based utterance ingestion.
type WebSocketHandler struct {
	registry      *track.Registry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *track.Registry, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// Frame types understood on the wire.
const (
	frameAIUtterance   = "ai_utterance"
	frameUserUtterance = "user_utterance"
	frameUpdate        = "update"
	frameSession       = "session"
	frameError         = "error"
)

// wsFrame is the message structure in both directions. Session fields are
// only read from the first frame of a new conversation.
type wsFrame struct {
	Type       string        `json:"type"`
	Text       string        `json:"text,omitempty"`
	AgentID    string        `json:"agent_id,omitempty"`
	OwnerID    string        `json:"owner_id,omitempty"`
	ScriptType string        `json:"script_type,omitempty"`
	Update     *track.Update `json:"update,omitempty"`
	Error      string        `json:"error,omitempty"`

	Position       *domain.Position `json:"position,omitempty"`
	CompletionRate float64          `json:"completion_rate,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	// Session identity may arrive as query parameters instead of frame
	// fields; frames win when both are present.
	defaults := track.SessionKey{
		ConversationID: conversationID,
		AgentID:        r.URL.Query().Get("agent"),
		OwnerID:        r.URL.Query().Get("owner"),
		ScriptType:     r.URL.Query().Get("type"),
	}
	h.logger.Info("websocket connection request", "conversation_id", conversationID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "conversation_id", conversationID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "conversation_id", conversationID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// If the conversation already has a live tracker, greet the client
	// with the restored position so a reconnect resumes mid-script.
	if tracker, ok := h.registry.Get(conversationID); ok {
		snap := tracker.Snapshot()
		h.send(ctx, ws, wsFrame{
			Type:           frameSession,
			Position:       &snap.Position,
			CompletionRate: snap.CompletionRate(),
		})
	}

	h.readLoop(ctx, ws, defaults)
	h.logger.Info("websocket conversation ended", "conversation_id", conversationID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, defaults track.SessionKey) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket read error", "error", err, "conversation_id", defaults.ConversationID)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.send(ctx, ws, wsFrame{Type: frameError, Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case frameAIUtterance, frameUserUtterance:
			h.handleUtterance(ctx, ws, defaults, frame)
		default:
			h.send(ctx, ws, wsFrame{Type: frameError, Error: "unknown frame type"})
		}
	}
}

func (h *WebSocketHandler) handleUtterance(ctx context.Context, ws *websocket.Conn, defaults track.SessionKey, frame wsFrame) {
	if frame.Text == "" {
		h.send(ctx, ws, wsFrame{Type: frameError, Error: "text cannot be empty"})
		return
	}

	key := defaults
	if frame.AgentID != "" {
		key.AgentID = frame.AgentID
	}
	if frame.OwnerID != "" {
		key.OwnerID = frame.OwnerID
	}
	if frame.ScriptType != "" {
		key.ScriptType = frame.ScriptType
	}
	conversationID := key.ConversationID

	tracker, err := h.registry.GetOrCreate(ctx, key)
	if err != nil {
		msg := "failed to open session"
		switch {
		case errors.Is(err, store.ErrNoActiveScript):
			msg = "no active script for owner and script type"
		case errors.Is(err, store.ErrAmbiguousScript):
			msg = "multiple active scripts for owner and script type"
		default:
			h.logger.Error("failed to open session", "conversation_id", conversationID, "error", err)
		}
		h.send(ctx, ws, wsFrame{Type: frameError, Error: msg})
		return
	}

	var update track.Update
	if frame.Type == frameAIUtterance {
		update, err = tracker.HandleAI(ctx, frame.Text)
	} else {
		update, err = tracker.HandleUser(ctx, frame.Text)
	}
	if err != nil {
		h.logger.Error("failed to process utterance", "conversation_id", conversationID, "error", err)
		h.send(ctx, ws, wsFrame{Type: frameError, Error: "failed to process utterance"})
		return
	}

	h.send(ctx, ws, wsFrame{Type: frameUpdate, Update: &update})
}

func (h *WebSocketHandler) send(ctx context.Context, ws *websocket.Conn, frame wsFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Debug("failed to marshal frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("websocket write error", "error", err)
	}
}
