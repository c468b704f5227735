// Package eventlog is the structured analytics sink for tracking events.
// Events are appended asynchronously as NDJSON, one file per conversation,
// with an optional global stream for cross-conversation tooling.
package eventlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds emitted by the tracking engine.
const (
	KindPhaseStarted        = "phase_started"
	KindStepAdvanced        = "step_advanced"
	KindBlockedSkipAttempt  = "blocked_skip_attempt"
	KindCheckpointCompleted = "checkpoint_completed"
	KindCheckpointFailed    = "checkpoint_failed"
	KindLadderActivated     = "ladder_activated"
	KindLadderResponse      = "ladder_response"
	KindForcedAdvance       = "forced_advance"
	KindSessionRestored     = "session_restored"
	KindSessionFinalized    = "session_finalized"
)

// Event is one analytics record. Fields are omitted when empty so the
// NDJSON stays compact.
type Event struct {
	Timestamp      time.Time `json:"ts"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Kind           string    `json:"kind"`
	PhaseID        string    `json:"phase_id,omitempty"`
	StepID         string    `json:"step_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Level          int       `json:"level,omitempty"`
	Similarity     float64   `json:"similarity,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Config controls the sink.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger writes events from a bounded queue on a single goroutine. When
// the queue is full the event is dropped and counted; tracking must never
// block on analytics.
type Logger struct {
	cfg     Config
	logger  *slog.Logger
	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
	closeMu sync.Mutex
	closed  bool
}

// New creates the sink and starts its writer goroutine. A disabled config
// returns a no-op sink.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
		l.cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global event log dir: %w", err)
		}
	}
	l.ch = make(chan Event, l.cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log enqueues an event. Never blocks; a full queue drops the event.
func (l *Logger) Log(ev Event) {
	if !l.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case l.ch <- ev:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("event log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if !l.cfg.Enabled {
		return nil
	}
	close(l.ch)
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.ch {
		l.write(ev)
	}
}

func (l *Logger) write(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("failed to marshal analytics event", "error", err, "kind", ev.Kind)
		return
	}
	data = append(data, '\n')

	path := filepath.Join(l.cfg.Dir, ev.ConversationID+".ndjson")
	if err := appendFile(path, data); err != nil {
		l.logger.Warn("failed to append analytics event", "error", err, "path", path)
	}
	if l.cfg.GlobalEnabled {
		if err := appendFile(l.cfg.GlobalPath, data); err != nil {
			l.logger.Warn("failed to append global analytics event", "error", err, "path", l.cfg.GlobalPath)
		}
	}
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			slog.Debug("failed to close event log file", "path", path, "error", closeErr)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
