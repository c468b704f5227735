package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Serializes session upserts to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS scripts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		script_type TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		content TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scripts_selector ON scripts(owner_id, script_type) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS tracking_sessions (
		conversation_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		script_type TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		current_step TEXT,
		last_ladder_level INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		completion_rate REAL NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON tracking_sessions(agent_id);

	CREATE TABLE IF NOT EXISTS agent_summaries (
		agent_id TEXT PRIMARY KEY,
		summary_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveScript inserts a new script record.
func (s *SQLiteStore) SaveScript(ctx context.Context, rec *domain.ScriptRecord) error {
	query := `
	INSERT INTO scripts (id, owner_id, script_type, name, version, content, active, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	active := 0
	if rec.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.ScriptType, rec.Name, rec.Version, rec.Content,
		active, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

// ActivateScript flips the active flag to the given script, deactivating
// any sibling for the same (owner, type) atomically so the one-active
// invariant holds.
func (s *SQLiteStore) ActivateScript(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var ownerID, scriptType string
	row := tx.QueryRowContext(ctx, `SELECT owner_id, script_type FROM scripts WHERE id = ?`, id)
	if err := row.Scan(&ownerID, &scriptType); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("script %s not found", id)
		}
		return fmt.Errorf("load script for activation: %w", err)
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`UPDATE scripts SET active = 0, updated_at = ? WHERE owner_id = ? AND script_type = ? AND active = 1`,
		now, ownerID, scriptType,
	); err != nil {
		return fmt.Errorf("deactivate sibling scripts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE scripts SET active = 1, updated_at = ? WHERE id = ?`, now, id,
	); err != nil {
		return fmt.Errorf("activate script: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activation: %w", err)
	}
	return nil
}

// GetActiveScript resolves exactly one active script for the selector.
func (s *SQLiteStore) GetActiveScript(ctx context.Context, ownerID, scriptType string) (*domain.ScriptRecord, error) {
	query := `
	SELECT id, owner_id, script_type, name, version, content, active, created_at, updated_at
	FROM scripts WHERE owner_id = ? AND script_type = ? AND active = 1`

	rows, err := s.db.QueryContext(ctx, query, ownerID, scriptType)
	if err != nil {
		return nil, fmt.Errorf("query active scripts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active script rows", "error", closeErr)
		}
	}()

	var recs []*domain.ScriptRecord
	for rows.Next() {
		rec, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active scripts: %w", err)
	}

	switch len(recs) {
	case 0:
		return nil, fmt.Errorf("owner %s type %s: %w", ownerID, scriptType, ErrNoActiveScript)
	case 1:
		return recs[0], nil
	default:
		return nil, fmt.Errorf("owner %s type %s has %d active scripts: %w", ownerID, scriptType, len(recs), ErrAmbiguousScript)
	}
}

func scanScript(rows *sql.Rows) (*domain.ScriptRecord, error) {
	var rec domain.ScriptRecord
	var active int
	var createdAt, updatedAt int64

	if err := rows.Scan(
		&rec.ID, &rec.OwnerID, &rec.ScriptType, &rec.Name, &rec.Version,
		&rec.Content, &active, &createdAt, &updatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan script row: %w", err)
	}
	rec.Active = active != 0
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// GetSession fetches a persisted session, or nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, conversationID string) (*domain.TrackingSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM tracking_sessions WHERE conversation_id = ?`, conversationID)

	var stateJSON string
	err := row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var sess domain.TrackingSession
	if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &sess, nil
}

// UpsertSession persists the full session state keyed by conversation ID.
// Retries on SQLITE_BUSY with exponential backoff: the upsert sits on the
// tracking critical path and a transient lock must not lose state.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.TrackingSession, durationSeconds int64) error {
	stateJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}

	query := `
	INSERT INTO tracking_sessions (
		conversation_id, agent_id, owner_id, script_type,
		current_phase, current_step, last_ladder_level,
		state_json, completion_rate, duration_seconds, started_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		agent_id = excluded.agent_id,
		current_phase = excluded.current_phase,
		current_step = excluded.current_step,
		last_ladder_level = excluded.last_ladder_level,
		state_json = excluded.state_json,
		completion_rate = excluded.completion_rate,
		duration_seconds = excluded.duration_seconds,
		updated_at = excluded.updated_at`

	var currentStep interface{}
	if sess.Position.StepID != "" {
		currentStep = sess.Position.StepID
	}

	return shared.Retry(3, 100*time.Millisecond, func() error {
		s.sessionMu.Lock()
		defer s.sessionMu.Unlock()

		_, err := s.db.ExecContext(ctx, query,
			sess.ConversationID, sess.AgentID, sess.OwnerID, sess.ScriptType,
			sess.Position.PhaseID, currentStep, sess.LastLadderLevel,
			string(stateJSON), sess.CompletionRate(), durationSeconds,
			sess.StartedAt.Unix(), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		return nil
	})
}

// ListSessionsByAgent returns all persisted sessions for an agent.
func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentID string) ([]*SessionRecord, error) {
	query := `
	SELECT state_json, completion_rate, duration_seconds
	FROM tracking_sessions WHERE agent_id = ?`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query agent sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent session rows", "error", closeErr)
		}
	}()

	var records []*SessionRecord
	for rows.Next() {
		var stateJSON string
		var rec SessionRecord
		if err := rows.Scan(&stateJSON, &rec.CompletionRate, &rec.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan agent session row: %w", err)
		}
		var sess domain.TrackingSession
		if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
			return nil, fmt.Errorf("decode agent session state: %w", err)
		}
		rec.Session = &sess
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent sessions: %w", err)
	}
	return records, nil
}

// ListAgentIDs returns the distinct agents with persisted sessions.
func (s *SQLiteStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM tracking_sessions`)
	if err != nil {
		return nil, fmt.Errorf("query agent ids: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent id rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}
	return ids, nil
}

// UpsertSummary fully replaces the stored summary row for the agent.
func (s *SQLiteStore) UpsertSummary(ctx context.Context, summary *domain.AgentTrainingSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	query := `
	INSERT INTO agent_summaries (agent_id, summary_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		summary_json = excluded.summary_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, summary.AgentID, string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// GetSummary fetches the stored summary row, or nil when absent.
func (s *SQLiteStore) GetSummary(ctx context.Context, agentID string) (*domain.AgentTrainingSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT summary_json FROM agent_summaries WHERE agent_id = ?`, agentID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary row: %w", err)
	}

	var summary domain.AgentTrainingSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}
