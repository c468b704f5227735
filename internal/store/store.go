// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/coachforge/scripttrack/internal/domain"
)

// Script-selection precondition failures. Session creation must abort on
// either: tracking a conversation against a guessed script is worse than
// not tracking it at all.
var (
	ErrNoActiveScript  = errors.New("no active script for selector")
	ErrAmbiguousScript = errors.New("multiple active scripts for selector")
)

// SessionRecord is a persisted tracking session plus the storage-side
// derived columns the aggregator reads.
type SessionRecord struct {
	Session         *domain.TrackingSession
	CompletionRate  float64
	DurationSeconds int64
}

// Repository defines persistence for scripts, tracking sessions, and
// agent training summaries.
type Repository interface {
	// SaveScript inserts a new script record (inactive by default).
	SaveScript(ctx context.Context, rec *domain.ScriptRecord) error

	// ActivateScript marks the script active and deactivates any other
	// active script for the same (owner, type) in the same transaction.
	ActivateScript(ctx context.Context, id string) error

	// GetActiveScript resolves the single active script for the selector.
	// Returns ErrNoActiveScript or ErrAmbiguousScript when the row count
	// is not exactly one.
	GetActiveScript(ctx context.Context, ownerID, scriptType string) (*domain.ScriptRecord, error)

	// GetSession fetches the full persisted session for a conversation,
	// or nil when none exists.
	GetSession(ctx context.Context, conversationID string) (*domain.TrackingSession, error)

	// UpsertSession persists the full session state keyed by its
	// conversation ID.
	UpsertSession(ctx context.Context, sess *domain.TrackingSession, durationSeconds int64) error

	// ListSessionsByAgent returns all persisted sessions for an agent.
	ListSessionsByAgent(ctx context.Context, agentID string) ([]*SessionRecord, error)

	// ListAgentIDs returns the distinct agent IDs with at least one
	// persisted session.
	ListAgentIDs(ctx context.Context) ([]string, error)

	// UpsertSummary fully replaces the training summary row for an agent.
	UpsertSummary(ctx context.Context, summary *domain.AgentTrainingSummary) error

	// GetSummary fetches the training summary for an agent, or nil.
	GetSummary(ctx context.Context, agentID string) (*domain.AgentTrainingSummary, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
