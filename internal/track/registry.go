package track

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coachforge/scripttrack/internal/eventlog"
	"github.com/coachforge/scripttrack/internal/script"
	"github.com/coachforge/scripttrack/internal/store"
)

// SessionKey identifies the script a new conversation tracks against.
type SessionKey struct {
	ConversationID string
	AgentID        string
	OwnerID        string
	ScriptType     string
}

// Registry owns the live trackers, one per conversation. Creation is
// single-flight: concurrent lookups for the same conversation share one
// tracker, so there is never more than one writer per conversation ID.
type Registry struct {
	repo      store.Repository
	events    *eventlog.Logger
	logger    *slog.Logger
	matcher   *Matcher
	evaluator CheckpointEvaluator

	mu       sync.Mutex
	trackers map[string]*registryEntry
}

type registryEntry struct {
	ready   chan struct{}
	tracker *Tracker
	err     error
}

// NewRegistry builds a registry. Nil matcher and evaluator fall back to
// the defaults, matching NewTracker.
func NewRegistry(repo store.Repository, events *eventlog.Logger, matcher *Matcher, evaluator CheckpointEvaluator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:      repo,
		events:    events,
		logger:    logger,
		matcher:   matcher,
		evaluator: evaluator,
		trackers:  make(map[string]*registryEntry),
	}
}

// GetOrCreate returns the live tracker for the conversation, restoring
// persisted state when it exists and otherwise starting a fresh session
// against the single active script for (owner, type). Script resolution
// failures, ErrNoActiveScript included, abort creation entirely.
func (r *Registry) GetOrCreate(ctx context.Context, key SessionKey) (*Tracker, error) {
	r.mu.Lock()
	if e, ok := r.trackers[key.ConversationID]; ok {
		r.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.tracker, nil
	}
	e := &registryEntry{ready: make(chan struct{})}
	r.trackers[key.ConversationID] = e
	r.mu.Unlock()

	e.tracker, e.err = r.build(ctx, key)
	if e.err != nil {
		// Drop the failed entry so a later attempt can retry.
		r.mu.Lock()
		delete(r.trackers, key.ConversationID)
		r.mu.Unlock()
	}
	close(e.ready)
	return e.tracker, e.err
}

// Get returns the live tracker for a conversation without creating one.
func (r *Registry) Get(conversationID string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.trackers[conversationID]
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.tracker, true
}

// Evict removes the conversation's tracker from memory and closes it so
// stale handles cannot keep writing. Persisted state is untouched; the
// next GetOrCreate restores it.
func (r *Registry) Evict(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.trackers[conversationID]
	if !ok {
		return
	}
	delete(r.trackers, conversationID)
	select {
	case <-e.ready:
		if e.err == nil {
			e.tracker.close()
		}
	default:
	}
}

// EvictIdle drops trackers untouched for longer than ttl and returns how
// many were removed. The idle check happens under the tracker's own lock,
// so an update racing the sweep either lands first or fails with
// ErrTrackerEvicted.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.trackers {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil {
			delete(r.trackers, id)
			n++
			continue
		}
		if e.tracker.closeIfIdle(cutoff) {
			delete(r.trackers, id)
			n++
		}
	}
	return n
}

// Len reports the number of live trackers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

func (r *Registry) build(ctx context.Context, key SessionKey) (*Tracker, error) {
	sess, err := r.repo.GetSession(ctx, key.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key.ConversationID, err)
	}
	if sess != nil {
		// Reconnect: the persisted snapshot replaces in-memory state
		// wholesale, including the pinned script.
		r.logger.Info("session restored",
			"conversation_id", sess.ConversationID,
			"phase", sess.Position.PhaseID,
			"step", sess.Position.StepID)
		if r.events != nil {
			r.events.Log(eventlog.Event{
				ConversationID: sess.ConversationID,
				AgentID:        sess.AgentID,
				Kind:           eventlog.KindSessionRestored,
				PhaseID:        sess.Position.PhaseID,
				StepID:         sess.Position.StepID,
			})
		}
		return NewTracker(sess, r.repo, r.events, r.matcher, r.evaluator, r.logger), nil
	}

	rec, err := r.repo.GetActiveScript(ctx, key.OwnerID, key.ScriptType)
	if err != nil {
		return nil, fmt.Errorf("resolve script for owner=%s type=%s: %w", key.OwnerID, key.ScriptType, err)
	}
	def := script.Parse(rec.Content)
	if len(def.Phases) == 0 {
		return nil, fmt.Errorf("active script %s parsed to zero phases", rec.ID)
	}

	sess, err = NewSession(key.ConversationID, key.AgentID, key.OwnerID, key.ScriptType, def)
	if err != nil {
		return nil, err
	}
	if err := r.repo.UpsertSession(ctx, sess, 0); err != nil {
		return nil, fmt.Errorf("persist new session %s: %w", key.ConversationID, err)
	}
	r.logger.Info("session created",
		"conversation_id", sess.ConversationID,
		"agent_id", sess.AgentID,
		"script", rec.ID,
		"phases", len(def.Phases))
	if r.events != nil {
		r.events.Log(eventlog.Event{
			ConversationID: sess.ConversationID,
			AgentID:        sess.AgentID,
			Kind:           eventlog.KindPhaseStarted,
			PhaseID:        sess.Position.PhaseID,
		})
	}

	return NewTracker(sess, r.repo, r.events, r.matcher, r.evaluator, r.logger), nil
}
