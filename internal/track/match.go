// Package track implements the real-time sales conversation tracking engine:
// utterance matching, sequential transition validation, ladder detection,
// checkpoint evaluation, and the per-conversation session tracker.
package track

import (
	"regexp"
	"strings"

	"github.com/coachforge/scripttrack/internal/domain"
)

// DefaultMatchThreshold is the minimum similarity for a question match.
const DefaultMatchThreshold = 0.85

// minUtteranceLength is the shortest utterance worth scoring.
const minUtteranceLength = 10

var (
	placeholderPattern = regexp.MustCompile(`\[[^\]]*\]`)
	nonWordPattern     = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// greetingTokens are greeting/filler words that carry no script signal on
// their own. An utterance made only of these is never scored.
var greetingTokens = map[string]struct{}{
	"ciao": {}, "buongiorno": {}, "buonasera": {}, "salve": {}, "piacere": {},
	"ok": {}, "okay": {}, "perfetto": {}, "grazie": {}, "prego": {},
	"sì": {}, "si": {}, "no": {}, "certo": {}, "esatto": {},
	"eh": {}, "ah": {}, "oh": {}, "uhm": {}, "mmm": {}, "beh": {}, "mah": {}, "boh": {},
}

// MatchResult describes the best-scoring script question for an utterance.
type MatchResult struct {
	PhaseID      string
	PhaseName    string
	PhaseOrdinal int
	SemanticType string
	StepID       string
	StepName     string
	Question     string
	Similarity   float64
	Keywords     []string
}

// Matcher scores utterances against script questions using token-set
// overlap. The similarity function is a coarse deterministic heuristic;
// Threshold is the fixed acceptance bar.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a matcher with the given acceptance threshold;
// non-positive values fall back to the default.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return &Matcher{Threshold: threshold}
}

// Match returns the best-scoring candidate at or above the threshold, or
// nil. Candidates in phases with an ordinal below currentPhaseOrdinal are
// excluded before scoring so a high-similarity match can never pull the
// session backward.
func (m *Matcher) Match(utterance string, script *domain.ScriptDefinition, currentPhaseOrdinal int) *MatchResult {
	if script == nil {
		return nil
	}
	normalized := strings.ToLower(strings.TrimSpace(utterance))
	if isTooGeneric(normalized) {
		return nil
	}

	var best *MatchResult
	for pi := range script.Phases {
		phase := &script.Phases[pi]
		if phase.Ordinal < currentPhaseOrdinal {
			continue
		}
		for si := range phase.Steps {
			step := &phase.Steps[si]
			for _, q := range step.Questions {
				candidate := normalizeQuestion(q.Text)
				sim := Similarity(normalized, candidate)
				if sim < m.Threshold {
					continue
				}
				if best == nil || sim > best.Similarity {
					best = &MatchResult{
						PhaseID:      phase.ID,
						PhaseName:    phase.Name,
						PhaseOrdinal: phase.Ordinal,
						SemanticType: phase.SemanticType,
						StepID:       step.ID,
						StepName:     step.Name,
						Question:     q.Text,
						Similarity:   sim,
						Keywords:     sharedKeywords(normalized, candidate),
					}
				}
			}
		}
	}
	return best
}

// normalizeQuestion lowercases a script question and strips placeholder
// slots such as name insertions.
func normalizeQuestion(q string) string {
	cleaned := placeholderPattern.ReplaceAllString(strings.ToLower(q), "")
	return strings.TrimSpace(cleaned)
}

// Similarity is a symmetric token-set overlap score in [0,1] over words
// longer than two runes: intersection size divided by the smaller set
// size, so a scripted question fully contained in a longer live utterance
// scores 1. Deterministic by construction.
func Similarity(a, b string) float64 {
	wa := tokenSet(a)
	wb := tokenSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	min := len(wa)
	if len(wb) < min {
		min = len(wb)
	}
	return float64(inter) / float64(min)
}

func tokens(s string) []string {
	var out []string
	for _, w := range nonWordPattern.Split(s, -1) {
		if len([]rune(w)) > 2 {
			out = append(out, w)
		}
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range tokens(s) {
		set[w] = struct{}{}
	}
	return set
}

// sharedKeywords returns the overlapping significant words, kept as
// evidence on phase activations.
func sharedKeywords(a, b string) []string {
	wb := tokenSet(b)
	var out []string
	seen := make(map[string]struct{})
	for _, w := range tokens(a) {
		if _, ok := wb[w]; !ok {
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

// isTooGeneric rejects utterances too short or composed only of
// greeting/filler tokens, before any scoring happens.
func isTooGeneric(normalized string) bool {
	if len(normalized) < minUtteranceLength {
		return true
	}
	all := nonWordPattern.Split(normalized, -1)
	sawWord := false
	for _, w := range all {
		if w == "" {
			continue
		}
		sawWord = true
		if _, ok := greetingTokens[w]; !ok {
			return false
		}
	}
	return sawWord
}
