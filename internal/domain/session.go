package domain

import (
	"time"
)

// Utterance roles as delivered by the messaging pipeline.
const (
	RoleAI   = "ai"
	RoleUser = "user"
)

// Verification statuses for checkpoint requirements.
const (
	VerificationVerified = "verified"
	VerificationPending  = "pending"
	VerificationFailed   = "failed"
)

// Checkpoint rollup statuses.
const (
	CheckpointCompleted = "completed"
	CheckpointPending   = "pending"
	CheckpointFailed    = "failed"
)

// Position is the session's current place in the script. StepID is empty
// only before the first accepted match.
type Position struct {
	PhaseID string `json:"phase_id"`
	StepID  string `json:"step_id,omitempty"`
}

// TranscriptEntry is one utterance with the position it was observed at.
type TranscriptEntry struct {
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	PhaseID   string    `json:"phase_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhaseActivation records the evidence for entering a phase.
type PhaseActivation struct {
	PhaseID         string    `json:"phase_id"`
	Trigger         string    `json:"trigger"`
	MatchedQuestion string    `json:"matched_question,omitempty"`
	Keywords        []string  `json:"keywords,omitempty"`
	Similarity      float64   `json:"similarity,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	Excerpt         string    `json:"excerpt,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Evidence points at the transcript entry that satisfied a requirement.
type Evidence struct {
	MessageID       string    `json:"message_id"`
	Excerpt         string    `json:"excerpt"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Verification is the evaluation of a single checkpoint requirement.
type Verification struct {
	Requirement string    `json:"requirement"`
	Status      string    `json:"status"`
	Evidence    *Evidence `json:"evidence,omitempty"`
}

// CheckpointResult is the rollup of all verifications for one checkpoint.
type CheckpointResult struct {
	CheckpointID  string         `json:"checkpoint_id"`
	Status        string         `json:"status"`
	Verifications []Verification `json:"verifications"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// LadderEvent records one activation of the deepening-question protocol.
// UserResponse and WasVague are filled by the immediately following user
// utterance; later activations never mutate a superseded event.
type LadderEvent struct {
	PhaseID      string    `json:"phase_id"`
	Level        int       `json:"level"`
	Question     string    `json:"question"`
	UserResponse string    `json:"user_response,omitempty"`
	Answered     bool      `json:"answered"`
	WasVague     bool      `json:"was_vague"`
	Timestamp    time.Time `json:"timestamp"`
}

// AskedQuestion records a scripted question recognized in an AI
// utterance, whatever the validator decided about the implied move.
type AskedQuestion struct {
	Question   string    `json:"question"`
	PhaseID    string    `json:"phase_id"`
	StepID     string    `json:"step_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Similarity float64   `json:"similarity"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReasoningEntry explains a tracking decision for later review.
type ReasoningEntry struct {
	Decision  string    `json:"decision"`
	Detail    string    `json:"detail"`
	PhaseID   string    `json:"phase_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TrackingSession is the full per-conversation tracking state. The script
// snapshot is pinned at creation so historical sessions survive script edits.
type TrackingSession struct {
	ConversationID   string             `json:"conversation_id"`
	AgentID          string             `json:"agent_id"`
	OwnerID          string             `json:"owner_id"`
	ScriptType       string             `json:"script_type"`
	Script           *ScriptDefinition  `json:"script"`
	Position         Position           `json:"position"`
	VisitedPhases    []string           `json:"visited_phases"`
	PhaseActivations []PhaseActivation  `json:"phase_activations"`
	Checkpoints      []CheckpointResult `json:"checkpoints"`
	LadderEvents     []LadderEvent      `json:"ladder_events"`
	LastLadderLevel  int                `json:"last_ladder_level"`
	QuestionsAsked   []AskedQuestion    `json:"questions_asked"`
	SemanticTypes    []string           `json:"semantic_types"`
	Transcript       []TranscriptEntry  `json:"transcript"`
	Reasoning        []ReasoningEntry   `json:"reasoning"`
	StartedAt        time.Time          `json:"started_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// HasVisited reports whether the phase is already in the visited set.
func (t *TrackingSession) HasVisited(phaseID string) bool {
	for _, p := range t.VisitedPhases {
		if p == phaseID {
			return true
		}
	}
	return false
}

// CompletionRate is the fraction of script phases visited, in [0,1].
// Visited phases that no longer exist in the snapshot are ignored.
func (t *TrackingSession) CompletionRate() float64 {
	if t.Script == nil || len(t.Script.Phases) == 0 {
		return 0
	}
	valid := make(map[string]struct{}, len(t.Script.Phases))
	for _, p := range t.Script.Phases {
		valid[p.ID] = struct{}{}
	}
	seen := make(map[string]struct{})
	for _, id := range t.VisitedPhases {
		if _, ok := valid[id]; ok {
			seen[id] = struct{}{}
		}
	}
	rate := float64(len(seen)) / float64(len(t.Script.Phases))
	if rate > 1 {
		rate = 1
	}
	return rate
}

// CheckpointResultFor returns the recorded result for a checkpoint, or nil.
func (t *TrackingSession) CheckpointResultFor(checkpointID string) *CheckpointResult {
	for i := range t.Checkpoints {
		if t.Checkpoints[i].CheckpointID == checkpointID {
			return &t.Checkpoints[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the mutable session state. The script
// snapshot is shared: it is immutable once parsed.
func (t *TrackingSession) Clone() *TrackingSession {
	cp := *t
	cp.VisitedPhases = append([]string(nil), t.VisitedPhases...)
	cp.PhaseActivations = append([]PhaseActivation(nil), t.PhaseActivations...)
	cp.Checkpoints = make([]CheckpointResult, len(t.Checkpoints))
	for i, c := range t.Checkpoints {
		c.Verifications = append([]Verification(nil), c.Verifications...)
		cp.Checkpoints[i] = c
	}
	cp.LadderEvents = append([]LadderEvent(nil), t.LadderEvents...)
	cp.QuestionsAsked = append([]AskedQuestion(nil), t.QuestionsAsked...)
	cp.SemanticTypes = append([]string(nil), t.SemanticTypes...)
	cp.Transcript = append([]TranscriptEntry(nil), t.Transcript...)
	cp.Reasoning = append([]ReasoningEntry(nil), t.Reasoning...)
	return &cp
}

// CurrentPhase resolves the session position against the script snapshot.
func (t *TrackingSession) CurrentPhase() *Phase {
	if t.Script == nil {
		return nil
	}
	return t.Script.PhaseByID(t.Position.PhaseID)
}
