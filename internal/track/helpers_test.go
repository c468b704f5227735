package track

import (
	"context"
	"sync"
	"time"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/store"
)

// testScript is a three-phase script exercising steps, checkpoints and the
// deepening-question rule.
func testScript() *domain.ScriptDefinition {
	return &domain.ScriptDefinition{
		SourceHash: "test",
		Phases: []domain.Phase{
			{
				ID: "phase_1", Ordinal: 1, Name: "APERTURA", SemanticType: "opening",
				Steps: []domain.Step{
					{ID: "phase_1_step_1", Ordinal: 1, Name: "Benvenuto", Questions: []domain.Question{
						{Text: "Perché hai deciso di partecipare?"},
					}},
					{ID: "phase_1_step_2", Ordinal: 2, Name: "Aspettative", Questions: []domain.Question{
						{Text: "Cosa ti aspetti di ottenere da questa chiamata?"},
					}},
				},
				Checkpoints: []domain.Checkpoint{
					{ID: "checkpoint_1", Requirements: []string{
						"obiettivo del cliente",
						"motivo della partecipazione",
					}},
				},
			},
			{
				ID: "phase_2", Ordinal: 2, Name: "SITUAZIONE ATTUALE", SemanticType: "discovery",
				Steps: []domain.Step{
					{ID: "phase_2_step_1", Ordinal: 1, Name: "Business", Questions: []domain.Question{
						{Text: "Parlami del tuo business attuale"},
					}},
					{ID: "phase_2_step_2", Ordinal: 2, Name: "Numeri", Questions: []domain.Question{
						{Text: "Quanti clienti nuovi acquisisci ogni mese?"},
					}},
				},
			},
			{
				ID: "phase_3", Ordinal: 3, Name: "GAP STRETCHING", SemanticType: "gap_stretching",
				Steps: []domain.Step{
					{ID: "phase_3_step_1", Ordinal: 1, Name: "Scava", HasLadder: true, MaxLadderLevel: 6,
						Questions: []domain.Question{
							{Text: "Cosa ti impedisce di crescere più velocemente?"},
						}},
				},
			},
		},
	}
}

// fakeRepo is an in-memory store.Repository for engine tests.
type fakeRepo struct {
	mu          sync.Mutex
	scripts     map[string]*domain.ScriptRecord
	sessions    map[string]*store.SessionRecord
	summaries   map[string]*domain.AgentTrainingSummary
	upsertErr   error
	upsertCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		scripts:   make(map[string]*domain.ScriptRecord),
		sessions:  make(map[string]*store.SessionRecord),
		summaries: make(map[string]*domain.AgentTrainingSummary),
	}
}

func (f *fakeRepo) SaveScript(_ context.Context, rec *domain.ScriptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.scripts[rec.ID] = &cp
	return nil
}

func (f *fakeRepo) ActivateScript(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.scripts[id]
	if target == nil {
		return nil
	}
	for _, rec := range f.scripts {
		if rec.OwnerID == target.OwnerID && rec.ScriptType == target.ScriptType {
			rec.Active = rec.ID == id
		}
	}
	return nil
}

func (f *fakeRepo) GetActiveScript(_ context.Context, ownerID, scriptType string) (*domain.ScriptRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*domain.ScriptRecord
	for _, rec := range f.scripts {
		if rec.OwnerID == ownerID && rec.ScriptType == scriptType && rec.Active {
			found = append(found, rec)
		}
	}
	switch len(found) {
	case 0:
		return nil, store.ErrNoActiveScript
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, store.ErrAmbiguousScript
	}
}

func (f *fakeRepo) GetSession(_ context.Context, conversationID string) (*domain.TrackingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.sessions[conversationID]
	if rec == nil {
		return nil, nil
	}
	return rec.Session.Clone(), nil
}

func (f *fakeRepo) UpsertSession(_ context.Context, sess *domain.TrackingSession, durationSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.sessions[sess.ConversationID] = &store.SessionRecord{
		Session:         sess.Clone(),
		CompletionRate:  sess.CompletionRate(),
		DurationSeconds: durationSeconds,
	}
	return nil
}

func (f *fakeRepo) ListSessionsByAgent(_ context.Context, agentID string) ([]*store.SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.SessionRecord
	for _, rec := range f.sessions {
		if rec.Session.AgentID == agentID {
			out = append(out, &store.SessionRecord{
				Session:         rec.Session.Clone(),
				CompletionRate:  rec.CompletionRate,
				DurationSeconds: rec.DurationSeconds,
			})
		}
	}
	return out, nil
}

func (f *fakeRepo) ListAgentIDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range f.sessions {
		if _, ok := seen[rec.Session.AgentID]; ok {
			continue
		}
		seen[rec.Session.AgentID] = struct{}{}
		out = append(out, rec.Session.AgentID)
	}
	return out, nil
}

func (f *fakeRepo) UpsertSummary(_ context.Context, summary *domain.AgentTrainingSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *summary
	f.summaries[summary.AgentID] = &cp
	return nil
}

func (f *fakeRepo) GetSummary(_ context.Context, agentID string) (*domain.AgentTrainingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.summaries[agentID]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

func (f *fakeRepo) sessionFor(conversationID string) *domain.TrackingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.sessions[conversationID]
	if rec == nil {
		return nil
	}
	return rec.Session.Clone()
}

var _ store.Repository = (*fakeRepo)(nil)

// activeTestScript seeds the fake repo with one active script whose
// content parses to the same structure as testScript.
const testScriptSource = "**FASE #1 - APERTURA**\n" +
	"STEP 1 - Benvenuto:\n" +
	"\"Perché hai deciso di partecipare?\"\n" +
	"STEP 2 - Aspettative:\n" +
	"\"Cosa ti aspetti di ottenere da questa chiamata?\"\n" +
	"⛔ CHECKPOINT\n" +
	"✓ Obiettivo del cliente\n" +
	"✓ Motivo della partecipazione\n" +
	"**FASE #2 - SITUAZIONE ATTUALE**\n" +
	"STEP 1 - Business:\n" +
	"\"Parlami del tuo business attuale\"\n" +
	"STEP 2 - Numeri:\n" +
	"\"Quanti clienti nuovi acquisisci ogni mese?\"\n"

func seedActiveScript(f *fakeRepo, ownerID, scriptType string) {
	now := time.Now()
	f.scripts["script-1"] = &domain.ScriptRecord{
		ID:         "script-1",
		OwnerID:    ownerID,
		ScriptType: scriptType,
		Name:       "Discovery v1",
		Version:    "1",
		Content:    testScriptSource,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
