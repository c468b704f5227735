package track

import (
	"testing"
	"time"

	"github.com/coachforge/scripttrack/internal/domain"
)

func transcriptWith(texts ...string) []domain.TranscriptEntry {
	now := time.Now()
	out := make([]domain.TranscriptEntry, 0, len(texts))
	for i, text := range texts {
		out = append(out, domain.TranscriptEntry{
			MessageID: "msg-" + string(rune('a'+i)),
			Role:      domain.RoleUser,
			Text:      text,
			Timestamp: now,
		})
	}
	return out
}

func TestKeywordEvaluatorVerifiesFromUserEntries(t *testing.T) {
	t.Parallel()

	cp := domain.Checkpoint{
		ID: "checkpoint_1",
		Requirements: []string{
			"obiettivo del cliente",
			"budget disponibile",
		},
	}
	transcript := transcriptWith(
		"L'obiettivo del cliente è raddoppiare il fatturato",
	)

	e := &KeywordEvaluator{}
	got := e.Evaluate(cp, transcript)
	if len(got) != 2 {
		t.Fatalf("expected 2 verifications, got %d", len(got))
	}
	if got[0].Status != domain.VerificationVerified {
		t.Fatalf("first requirement should verify, got %s", got[0].Status)
	}
	if got[0].Evidence == nil || got[0].Evidence.MessageID == "" {
		t.Fatal("verified requirement must carry evidence")
	}
	if got[1].Status != domain.VerificationPending {
		t.Fatalf("unmet requirement should stay pending, got %s", got[1].Status)
	}
}

func TestKeywordEvaluatorIgnoresAIEntries(t *testing.T) {
	t.Parallel()

	cp := domain.Checkpoint{ID: "cp", Requirements: []string{"obiettivo del cliente"}}
	transcript := []domain.TranscriptEntry{{
		MessageID: "msg-ai",
		Role:      domain.RoleAI,
		Text:      "Qual è l'obiettivo del cliente ideale?",
		Timestamp: time.Now(),
	}}

	e := &KeywordEvaluator{}
	got := e.Evaluate(cp, transcript)
	if got[0].Status != domain.VerificationPending {
		t.Fatalf("AI text must not count as evidence, got %s", got[0].Status)
	}
}

func TestSemanticEvaluatorUsesInjectedScore(t *testing.T) {
	t.Parallel()

	cp := domain.Checkpoint{ID: "cp", Requirements: []string{"fatturato mensile"}}
	transcript := transcriptWith("Fatturiamo circa 10k al mese")

	e := &SemanticEvaluator{
		Score: func(requirement, text string) float64 {
			if text == "Fatturiamo circa 10k al mese" {
				return 0.9
			}
			return 0.1
		},
	}
	got := e.Evaluate(cp, transcript)
	if got[0].Status != domain.VerificationVerified {
		t.Fatalf("expected verified, got %s", got[0].Status)
	}
	if got[0].Evidence == nil {
		t.Fatal("expected evidence from the best-scoring entry")
	}

	low := &SemanticEvaluator{Score: func(string, string) float64 { return 0.2 }}
	got = low.Evaluate(cp, transcript)
	if got[0].Status != domain.VerificationPending {
		t.Fatalf("below-threshold score must stay pending, got %s", got[0].Status)
	}
}

func TestRollupStatus(t *testing.T) {
	t.Parallel()

	verified := domain.Verification{Status: domain.VerificationVerified}
	pending := domain.Verification{Status: domain.VerificationPending}
	failed := domain.Verification{Status: domain.VerificationFailed}

	cases := []struct {
		name string
		in   []domain.Verification
		want string
	}{
		{"all verified", []domain.Verification{verified, verified}, domain.CheckpointCompleted},
		{"one pending", []domain.Verification{verified, pending}, domain.CheckpointPending},
		{"any failed", []domain.Verification{verified, failed}, domain.CheckpointFailed},
		{"empty", nil, domain.CheckpointPending},
	}
	for _, tc := range cases {
		if got := RollupStatus(tc.in); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}
