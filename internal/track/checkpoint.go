package track

import (
	"strings"

	"github.com/coachforge/scripttrack/internal/domain"
)

// CheckpointEvaluator verifies the requirements of a checkpoint against
// transcript evidence. Implementations only need to honor the
// requirement/status/evidence tuple; the session model never looks inside.
type CheckpointEvaluator interface {
	Evaluate(cp domain.Checkpoint, transcript []domain.TranscriptEntry) []domain.Verification
}

// RollupStatus folds per-requirement verifications into a checkpoint
// status: completed iff all verified, failed iff any failed, else pending.
func RollupStatus(verifications []domain.Verification) string {
	if len(verifications) == 0 {
		return domain.CheckpointPending
	}
	allVerified := true
	for _, v := range verifications {
		switch v.Status {
		case domain.VerificationFailed:
			return domain.CheckpointFailed
		case domain.VerificationVerified:
		default:
			allVerified = false
		}
	}
	if allVerified {
		return domain.CheckpointCompleted
	}
	return domain.CheckpointPending
}

// KeywordEvaluator is the reference keyword/phrase evaluator: a
// requirement is verified when enough of its significant words appear in a
// single user transcript entry.
type KeywordEvaluator struct {
	// MinOverlap is the fraction of a requirement's significant words
	// that must appear in one entry. Zero means the default.
	MinOverlap float64
}

const defaultKeywordOverlap = 0.5

// Evaluate scans user entries newest-first so evidence points at the most
// recent confirmation.
func (e *KeywordEvaluator) Evaluate(cp domain.Checkpoint, transcript []domain.TranscriptEntry) []domain.Verification {
	minOverlap := e.MinOverlap
	if minOverlap <= 0 {
		minOverlap = defaultKeywordOverlap
	}

	out := make([]domain.Verification, 0, len(cp.Requirements))
	for _, req := range cp.Requirements {
		reqTokens := tokens(strings.ToLower(req))
		v := domain.Verification{Requirement: req, Status: domain.VerificationPending}
		if len(reqTokens) == 0 {
			out = append(out, v)
			continue
		}
		for i := len(transcript) - 1; i >= 0; i-- {
			entry := transcript[i]
			if entry.Role != domain.RoleUser {
				continue
			}
			matched := overlappingTokens(reqTokens, strings.ToLower(entry.Text))
			if float64(len(matched)) >= minOverlap*float64(len(reqTokens)) {
				v.Status = domain.VerificationVerified
				v.Evidence = &domain.Evidence{
					MessageID:       entry.MessageID,
					Excerpt:         excerpt(entry.Text, 150),
					MatchedKeywords: matched,
					Timestamp:       entry.Timestamp,
				}
				break
			}
		}
		out = append(out, v)
	}
	return out
}

// ScoreFunc rates how well a transcript entry satisfies a requirement,
// in [0,1]. It is the seam where an LLM-backed scorer plugs in.
type ScoreFunc func(requirement, text string) float64

// SemanticEvaluator delegates requirement scoring to an injected function,
// keeping the same verification contract as the keyword evaluator.
type SemanticEvaluator struct {
	Score     ScoreFunc
	Threshold float64
}

const defaultSemanticThreshold = 0.7

// Evaluate applies Score to every user entry and verifies a requirement on
// the best entry at or above Threshold.
func (e *SemanticEvaluator) Evaluate(cp domain.Checkpoint, transcript []domain.TranscriptEntry) []domain.Verification {
	threshold := e.Threshold
	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}

	out := make([]domain.Verification, 0, len(cp.Requirements))
	for _, req := range cp.Requirements {
		v := domain.Verification{Requirement: req, Status: domain.VerificationPending}
		if e.Score != nil {
			bestScore := 0.0
			var bestEntry *domain.TranscriptEntry
			for i := range transcript {
				if transcript[i].Role != domain.RoleUser {
					continue
				}
				if s := e.Score(req, transcript[i].Text); s > bestScore {
					bestScore = s
					bestEntry = &transcript[i]
				}
			}
			if bestEntry != nil && bestScore >= threshold {
				v.Status = domain.VerificationVerified
				v.Evidence = &domain.Evidence{
					MessageID: bestEntry.MessageID,
					Excerpt:   excerpt(bestEntry.Text, 150),
					Timestamp: bestEntry.Timestamp,
				}
			}
		}
		out = append(out, v)
	}
	return out
}

func overlappingTokens(reqTokens []string, text string) []string {
	textSet := tokenSet(text)
	var out []string
	seen := make(map[string]struct{})
	for _, w := range reqTokens {
		if _, ok := textSet[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
