package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coachforge/scripttrack/internal/aggregate"
	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/store"
	"github.com/coachforge/scripttrack/internal/track"
)

type fakeRepo struct {
	mu        sync.Mutex
	scripts   map[string]*domain.ScriptRecord
	sessions  map[string]*store.SessionRecord
	summaries map[string]*domain.AgentTrainingSummary
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
			out = append(out, rec)
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
		if _, ok := seen[rec.Session.AgentID]; !ok {
			seen[rec.Session.AgentID] = struct{}{}
			out = append(out, rec.Session.AgentID)
		}
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

func (f *fakeRepo) Ping(context.Context) error { return nil }
func (f *fakeRepo) Close() error               { return nil }

var _ store.Repository = (*fakeRepo)(nil)

const testScriptSource = "**FASE #1 - APERTURA**\n" +
	"STEP 1 - Benvenuto:\n" +
	"\"Perché hai deciso di partecipare?\"\n" +
	"STEP 2 - Aspettative:\n" +
	"\"Cosa ti aspetti di ottenere da questa chiamata?\"\n" +
	"**FASE #2 - SITUAZIONE ATTUALE**\n" +
	"STEP 1 - Business:\n" +
	"\"Parlami del tuo business attuale\"\n"

func newTestRouter(t *testing.T) (*chi.Mux, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	registry := track.NewRegistry(repo, nil, track.NewMatcher(0), &track.KeywordEvaluator{}, nil)
	engine := aggregate.New(repo, nil)
	base := NewHandler(repo, registry, engine, nil)

	r := chi.NewRouter()
	NewHealthHandler(base).RegisterHealth(r)
	NewTrackingHandler(base).RegisterRoutes(r)
	NewScriptHandler(base).RegisterRoutes(r)
	NewSummaryHandler(base).RegisterRoutes(r)
	return r, repo
}

func seedActiveScript(repo *fakeRepo) {
	now := time.Now()
	repo.scripts["script-1"] = &domain.ScriptRecord{
		ID:         "script-1",
		OwnerID:    "owner-1",
		ScriptType: "discovery",
		Name:       "Discovery v1",
		Version:    "1",
		Content:    testScriptSource,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPostEventTracksConversation(t *testing.T) {
	t.Parallel()

	router, repo := newTestRouter(t)
	seedActiveScript(repo)

	rec := postJSON(t, router, "/api/conversations/conv-1/events", map[string]string{
		"role":        "ai",
		"text":        "Cosa ti aspetti di ottenere da questa chiamata?",
		"agent_id":    "agent-1",
		"owner_id":    "owner-1",
		"script_type": "discovery",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var update track.Update
	if err := json.Unmarshal(rec.Body.Bytes(), &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if !update.Advanced {
		t.Fatalf("expected advance, got %+v", update)
	}
	if update.Position.PhaseID != "phase_1" {
		t.Fatalf("unexpected phase: %s", update.Position.PhaseID)
	}
}

func TestPostEventWithoutActiveScriptConflicts(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/conversations/conv-1/events", map[string]string{
		"role":        "ai",
		"text":        "Perché hai deciso di partecipare?",
		"agent_id":    "agent-1",
		"owner_id":    "owner-1",
		"script_type": "discovery",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPostEventRejectsBadRole(t *testing.T) {
	t.Parallel()

	router, repo := newTestRouter(t)
	seedActiveScript(repo)

	rec := postJSON(t, router, "/api/conversations/conv-1/events", map[string]string{
		"role": "narrator",
		"text": "hello",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetSessionFallsBackToStore(t *testing.T) {
	t.Parallel()

	router, repo := newTestRouter(t)
	seedActiveScript(repo)

	// Track one event, then query the session endpoint.
	postJSON(t, router, "/api/conversations/conv-1/events", map[string]string{
		"role":        "user",
		"text":        "Buongiorno, sono pronto",
		"agent_id":    "agent-1",
		"owner_id":    "owner-1",
		"script_type": "discovery",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var sess domain.TrackingSession
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.ConversationID != "conv-1" || len(sess.Transcript) != 1 {
		t.Fatalf("unexpected session: %+v", sess)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/unknown/", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rec.Code)
	}
}

func TestScriptUploadActivateResolve(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/scripts/", map[string]string{
		"owner_id":    "owner-1",
		"script_type": "discovery",
		"name":        "Discovery v2",
		"content":     testScriptSource,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Phases int    `json:"phases"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if created.Phases != 2 {
		t.Fatalf("expected 2 parsed phases, got %d", created.Phases)
	}

	rec = postJSON(t, router, "/api/scripts/"+created.ID+"/activate", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("activation failed: %d %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/scripts/active?owner_id=owner-1&script_type=discovery", nil)
	resRec := httptest.NewRecorder()
	router.ServeHTTP(resRec, req)
	if resRec.Code != http.StatusOK {
		t.Fatalf("resolve failed: %d %s", resRec.Code, resRec.Body.String())
	}
}

func TestScriptUploadRejectsUnparseable(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/scripts/", map[string]string{
		"owner_id":    "owner-1",
		"script_type": "discovery",
		"content":     "just some prose with no phases at all",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestSummaryEndpoints(t *testing.T) {
	t.Parallel()

	router, repo := newTestRouter(t)
	seedActiveScript(repo)

	// No summary yet.
	req := httptest.NewRequest(http.MethodGet, "/api/agents/agent-1/summary/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before recompute, got %d", rec.Code)
	}

	postJSON(t, router, "/api/conversations/conv-1/events", map[string]string{
		"role":        "ai",
		"text":        "Perché hai deciso di partecipare?",
		"agent_id":    "agent-1",
		"owner_id":    "owner-1",
		"script_type": "discovery",
	})

	rec = postJSON(t, router, "/api/agents/agent-1/summary/recompute", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("recompute failed: %d %s", rec.Code, rec.Body.String())
	}
	var summary domain.AgentTrainingSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.TotalSessions != 1 {
		t.Fatalf("expected 1 session in summary, got %d", summary.TotalSessions)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/agents/agent-1/summary/", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stored summary, got %d", rec.Code)
	}
}
