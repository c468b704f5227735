package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/eventlog"
	"github.com/coachforge/scripttrack/internal/store"
)

// ErrEndOfScript is returned by ForceAdvance when the session is already
// at the last step of the last phase.
var ErrEndOfScript = errors.New("already at final step of script")

// ErrTrackerEvicted is returned by updates on a tracker the registry has
// already evicted. The caller must look the conversation up again, which
// restores it from storage.
var ErrTrackerEvicted = errors.New("tracker evicted")

// Update is the acknowledged outcome of one processed utterance.
type Update struct {
	Position       domain.Position `json:"position"`
	PhaseName      string          `json:"phase_name,omitempty"`
	Advanced       bool            `json:"advanced"`
	Blocked        bool            `json:"blocked,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	LadderLevel    int             `json:"ladder_level,omitempty"`
	CompletionRate float64         `json:"completion_rate"`
}

// Tracker owns the tracking state of one conversation. All updates go
// through its mutex, so there is exactly one writer per conversation; the
// session snapshot is immutable once published and every update builds a
// clone, swaps it in, and writes it through to storage. In-memory state
// is authoritative: storage errors are logged and the next write-through
// catches the database up.
type Tracker struct {
	mu        sync.Mutex
	sess      *domain.TrackingSession
	repo      store.Repository
	events    *eventlog.Logger
	logger    *slog.Logger
	matcher   *Matcher
	ladder    LadderDetector
	evaluator CheckpointEvaluator
	lastTouch time.Time
	closed    bool
}

// NewTracker wraps an existing session snapshot. The snapshot may come
// from NewSession or from persistence on reconnect.
func NewTracker(sess *domain.TrackingSession, repo store.Repository, events *eventlog.Logger, matcher *Matcher, evaluator CheckpointEvaluator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if matcher == nil {
		matcher = NewMatcher(0)
	}
	if evaluator == nil {
		evaluator = &KeywordEvaluator{}
	}
	return &Tracker{
		sess:      sess,
		repo:      repo,
		events:    events,
		logger:    logger,
		matcher:   matcher,
		evaluator: evaluator,
		lastTouch: time.Now(),
	}
}

// NewSession builds a fresh session positioned at the first step of the
// first phase, with that phase already counted as visited.
func NewSession(conversationID, agentID, ownerID, scriptType string, script *domain.ScriptDefinition) (*domain.TrackingSession, error) {
	if script == nil || len(script.Phases) == 0 {
		return nil, errors.New("script has no phases")
	}
	first := &script.Phases[0]
	now := time.Now()
	sess := &domain.TrackingSession{
		ConversationID: conversationID,
		AgentID:        agentID,
		OwnerID:        ownerID,
		ScriptType:     scriptType,
		Script:         script,
		Position:       domain.Position{PhaseID: first.ID},
		VisitedPhases:  []string{first.ID},
		PhaseActivations: []domain.PhaseActivation{{
			PhaseID:   first.ID,
			Trigger:   "conversation_start",
			Timestamp: now,
		}},
		StartedAt: now,
		UpdatedAt: now,
	}
	if first.SemanticType != "" {
		sess.SemanticTypes = []string{first.SemanticType}
	}
	if fs := first.FirstStep(); fs != nil {
		sess.Position.StepID = fs.ID
	}
	return sess, nil
}

// HandleAI processes one AI utterance: ladder detection, question
// matching, transition validation, and position advancement.
func (t *Tracker) HandleAI(ctx context.Context, text string) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.sess.Clone()
	now := time.Now()
	msgID := uuid.NewString()
	next.Transcript = append(next.Transcript, domain.TranscriptEntry{
		MessageID: msgID,
		Role:      domain.RoleAI,
		Text:      text,
		PhaseID:   next.Position.PhaseID,
		StepID:    next.Position.StepID,
		Timestamp: now,
	})

	var pending []eventlog.Event

	if level, ok := t.ladder.Detect(text, next.LastLadderLevel); ok {
		next.LadderEvents = append(next.LadderEvents, domain.LadderEvent{
			PhaseID:   next.Position.PhaseID,
			Level:     level,
			Question:  text,
			Timestamp: now,
		})
		next.LastLadderLevel = level
		next.Reasoning = append(next.Reasoning, domain.ReasoningEntry{
			Decision:  "ladder_activated",
			Detail:    fmt.Sprintf("deepening question at level %d", level),
			PhaseID:   next.Position.PhaseID,
			Timestamp: now,
		})
		pending = append(pending, eventlog.Event{
			ConversationID: next.ConversationID,
			AgentID:        next.AgentID,
			Kind:           eventlog.KindLadderActivated,
			PhaseID:        next.Position.PhaseID,
			Level:          level,
		})
	}

	curOrdinal := 0
	if p := next.CurrentPhase(); p != nil {
		curOrdinal = p.Ordinal
	}
	if match := t.matcher.Match(text, next.Script, curOrdinal); match != nil {
		cand := domain.Position{PhaseID: match.PhaseID, StepID: match.StepID}
		verdict := Validate(next.Script, next.Position, cand)
		asked := domain.AskedQuestion{
			Question:   match.Question,
			PhaseID:    cand.PhaseID,
			StepID:     cand.StepID,
			Similarity: match.Similarity,
			Timestamp:  now,
		}
		switch {
		case verdict.Valid && cand != next.Position:
			asked.Outcome = "advance"
			t.applyMove(next, cand, match, msgID, now, &pending)
		case verdict.Valid:
			asked.Outcome = "stay"
			next.Reasoning = append(next.Reasoning, domain.ReasoningEntry{
				Decision:  "stay",
				Detail:    fmt.Sprintf("re-matched %q at %.2f", match.Question, match.Similarity),
				PhaseID:   next.Position.PhaseID,
				Timestamp: now,
			})
		case !verdict.Valid:
			asked.Outcome = "blocked"
			next.Reasoning = append(next.Reasoning, domain.ReasoningEntry{
				Decision:  "blocked",
				Detail:    verdict.Reason,
				PhaseID:   next.Position.PhaseID,
				Timestamp: now,
			})
			pending = append(pending, eventlog.Event{
				ConversationID: next.ConversationID,
				AgentID:        next.AgentID,
				Kind:           eventlog.KindBlockedSkipAttempt,
				PhaseID:        cand.PhaseID,
				StepID:         cand.StepID,
				Reason:         verdict.Reason,
				Similarity:     match.Similarity,
			})
		}
		next.QuestionsAsked = append(next.QuestionsAsked, asked)
	}

	return t.commit(ctx, next, now, pending)
}

// HandleUser processes one user utterance: ladder response attribution and
// checkpoint evaluation for the current phase.
func (t *Tracker) HandleUser(ctx context.Context, text string) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.sess.Clone()
	now := time.Now()
	msgID := uuid.NewString()
	next.Transcript = append(next.Transcript, domain.TranscriptEntry{
		MessageID: msgID,
		Role:      domain.RoleUser,
		Text:      text,
		PhaseID:   next.Position.PhaseID,
		StepID:    next.Position.StepID,
		Timestamp: now,
	})

	var pending []eventlog.Event

	if n := len(next.LadderEvents); n > 0 && !next.LadderEvents[n-1].Answered {
		ev := &next.LadderEvents[n-1]
		ev.UserResponse = text
		ev.Answered = true
		ev.WasVague = t.ladder.IsVague(text)
		detail := "specific"
		if ev.WasVague {
			detail = "vague"
		} else {
			// A specific answer ends the escalation; the next trigger
			// starts over at level 1.
			next.LastLadderLevel = 0
		}
		pending = append(pending, eventlog.Event{
			ConversationID: next.ConversationID,
			AgentID:        next.AgentID,
			Kind:           eventlog.KindLadderResponse,
			PhaseID:        ev.PhaseID,
			Level:          ev.Level,
			Detail:         detail,
		})
	}

	t.evaluateCheckpoints(next, now, &pending)

	return t.commit(ctx, next, now, pending)
}

// ForceAdvance moves the session one unit forward regardless of matching:
// to the next step, or across the phase boundary when the current step is
// the last one. Used by coaches to unstick a conversation.
func (t *Tracker) ForceAdvance(ctx context.Context, reason string) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.sess.Clone()
	now := time.Now()

	phase := next.CurrentPhase()
	if phase == nil {
		return Update{}, fmt.Errorf("current phase %s not in script", next.Position.PhaseID)
	}

	var cand domain.Position
	cur := phase.StepByID(next.Position.StepID)
	switch {
	case cur == nil:
		fs := phase.FirstStep()
		if fs == nil {
			return Update{}, fmt.Errorf("phase %s has no steps", phase.ID)
		}
		cand = domain.Position{PhaseID: phase.ID, StepID: fs.ID}
	case cur.ID != phase.LastStep().ID:
		cand = domain.Position{PhaseID: phase.ID, StepID: phase.Steps[indexOfStep(phase, cur.ID)+1].ID}
	default:
		np := next.Script.NextPhase(phase.ID)
		if np == nil {
			return Update{}, ErrEndOfScript
		}
		cand = domain.Position{PhaseID: np.ID}
		if fs := np.FirstStep(); fs != nil {
			cand.StepID = fs.ID
		}
	}

	var pending []eventlog.Event
	if cand.PhaseID != next.Position.PhaseID {
		t.enterPhase(next, cand.PhaseID, domain.PhaseActivation{
			PhaseID:   cand.PhaseID,
			Trigger:   "forced",
			Excerpt:   reason,
			Timestamp: now,
		}, &pending)
	}
	next.Position = cand
	next.Reasoning = append(next.Reasoning, domain.ReasoningEntry{
		Decision:  "forced_advance",
		Detail:    reason,
		PhaseID:   cand.PhaseID,
		Timestamp: now,
	})
	pending = append(pending, eventlog.Event{
		ConversationID: next.ConversationID,
		AgentID:        next.AgentID,
		Kind:           eventlog.KindForcedAdvance,
		PhaseID:        cand.PhaseID,
		StepID:         cand.StepID,
		Reason:         reason,
	})

	return t.commit(ctx, next, now, pending)
}

// Finalize persists the closing state and emits the finalized event. The
// tracker stays usable; the registry decides when to evict it.
func (t *Tracker) Finalize(ctx context.Context) (Update, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.sess.Clone()
	now := time.Now()
	return t.commit(ctx, next, now, []eventlog.Event{{
		ConversationID: next.ConversationID,
		AgentID:        next.AgentID,
		Kind:           eventlog.KindSessionFinalized,
		PhaseID:        next.Position.PhaseID,
	}})
}

// Snapshot returns a copy of the current session state, safe to serialize
// while updates continue.
func (t *Tracker) Snapshot() *domain.TrackingSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess.Clone()
}

// LastTouched returns the time of the last processed update, for idle
// eviction.
func (t *Tracker) LastTouched() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTouch
}

// close marks the tracker evicted; later updates fail with
// ErrTrackerEvicted.
func (t *Tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// closeIfIdle closes the tracker only if it has not been touched since
// the cutoff. The re-check under the tracker lock means an update racing
// the idle sweep either lands before the close or fails afterwards, so
// a stale handle can never write alongside a restored tracker.
func (t *Tracker) closeIfIdle(cutoff time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastTouch.Before(cutoff) {
		return false
	}
	t.closed = true
	return true
}

// applyMove commits a validated position change onto the clone and queues
// the matching analytics events.
func (t *Tracker) applyMove(next *domain.TrackingSession, cand domain.Position, match *MatchResult, msgID string, now time.Time, pending *[]eventlog.Event) {
	phaseChanged := cand.PhaseID != next.Position.PhaseID
	if phaseChanged {
		t.enterPhase(next, cand.PhaseID, domain.PhaseActivation{
			PhaseID:         cand.PhaseID,
			Trigger:         "question_match",
			MatchedQuestion: match.Question,
			Keywords:        match.Keywords,
			Similarity:      match.Similarity,
			MessageID:       msgID,
			Excerpt:         excerpt(match.Question, 150),
			Timestamp:       now,
		}, pending)
	}
	next.Position = cand
	next.Reasoning = append(next.Reasoning, domain.ReasoningEntry{
		Decision:  "advance",
		Detail:    fmt.Sprintf("matched %q at %.2f", match.Question, match.Similarity),
		PhaseID:   cand.PhaseID,
		Timestamp: now,
	})
	if !phaseChanged {
		*pending = append(*pending, eventlog.Event{
			ConversationID: next.ConversationID,
			AgentID:        next.AgentID,
			Kind:           eventlog.KindStepAdvanced,
			PhaseID:        cand.PhaseID,
			StepID:         cand.StepID,
			Similarity:     match.Similarity,
		})
	}
}

// enterPhase marks a phase visited, records its activation and semantic
// type, resets the ladder level, and queues the phase_started event.
func (t *Tracker) enterPhase(next *domain.TrackingSession, phaseID string, activation domain.PhaseActivation, pending *[]eventlog.Event) {
	if !next.HasVisited(phaseID) {
		next.VisitedPhases = append(next.VisitedPhases, phaseID)
		if p := next.Script.PhaseByID(phaseID); p != nil && p.SemanticType != "" {
			next.SemanticTypes = appendUnique(next.SemanticTypes, p.SemanticType)
		}
	}
	next.PhaseActivations = append(next.PhaseActivations, activation)
	next.LastLadderLevel = 0
	*pending = append(*pending, eventlog.Event{
		ConversationID: next.ConversationID,
		AgentID:        next.AgentID,
		Kind:           eventlog.KindPhaseStarted,
		PhaseID:        phaseID,
		Similarity:     activation.Similarity,
	})
}

// evaluateCheckpoints re-runs the evaluator for every checkpoint of the
// current phase that has not completed yet, and queues events on status
// transitions.
func (t *Tracker) evaluateCheckpoints(next *domain.TrackingSession, now time.Time, pending *[]eventlog.Event) {
	phase := next.CurrentPhase()
	if phase == nil {
		return
	}
	for _, cp := range phase.Checkpoints {
		prev := next.CheckpointResultFor(cp.ID)
		prevStatus := domain.CheckpointPending
		if prev != nil {
			prevStatus = prev.Status
		}
		if prevStatus == domain.CheckpointCompleted {
			continue
		}
		verifications := t.evaluator.Evaluate(cp, next.Transcript)
		status := RollupStatus(verifications)
		result := domain.CheckpointResult{
			CheckpointID:  cp.ID,
			Status:        status,
			Verifications: verifications,
		}
		if status == domain.CheckpointCompleted {
			result.CompletedAt = now
		}
		if prev != nil {
			*prev = result
		} else {
			next.Checkpoints = append(next.Checkpoints, result)
		}
		if status == prevStatus {
			continue
		}
		switch status {
		case domain.CheckpointCompleted:
			*pending = append(*pending, eventlog.Event{
				ConversationID: next.ConversationID,
				AgentID:        next.AgentID,
				Kind:           eventlog.KindCheckpointCompleted,
				PhaseID:        phase.ID,
				Detail:         cp.ID,
			})
		case domain.CheckpointFailed:
			*pending = append(*pending, eventlog.Event{
				ConversationID: next.ConversationID,
				AgentID:        next.AgentID,
				Kind:           eventlog.KindCheckpointFailed,
				PhaseID:        phase.ID,
				Detail:         cp.ID,
			})
		}
	}
}

// commit swaps the clone in, flushes queued events, and persists the new
// state. The in-memory session stays authoritative: a persistence failure
// is logged and the next update's upsert writes the full state again, so
// no utterance is ever dropped over a transient storage error.
func (t *Tracker) commit(ctx context.Context, next *domain.TrackingSession, now time.Time, pending []eventlog.Event) (Update, error) {
	if t.closed {
		// A handle obtained before eviction must not keep writing while a
		// reconnect builds a fresh tracker from storage.
		return Update{}, ErrTrackerEvicted
	}
	next.UpdatedAt = now
	duration := int64(now.Sub(next.StartedAt).Seconds())
	if err := t.repo.UpsertSession(ctx, next, duration); err != nil {
		t.logger.Error("failed to persist session, keeping in-memory state",
			"conversation_id", next.ConversationID, "error", err)
	}
	t.sess = next
	t.lastTouch = now

	if t.events != nil {
		for _, ev := range pending {
			ev.Timestamp = now
			t.events.Log(ev)
		}
	}

	update := Update{
		Position:       next.Position,
		CompletionRate: next.CompletionRate(),
		LadderLevel:    next.LastLadderLevel,
	}
	if p := next.CurrentPhase(); p != nil {
		update.PhaseName = p.Name
	}
	if n := len(next.Reasoning); n > 0 && next.Reasoning[n-1].Timestamp.Equal(now) {
		last := next.Reasoning[n-1]
		update.Reason = last.Detail
		update.Advanced = last.Decision == "advance" || last.Decision == "forced_advance"
		update.Blocked = last.Decision == "blocked"
	}
	return update, nil
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}

func indexOfStep(p *domain.Phase, id string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return i
		}
	}
	return -1
}
