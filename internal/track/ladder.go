package track

import (
	"regexp"
	"strings"
)

// MaxLadderLevel caps the deepening protocol.
const MaxLadderLevel = 6

// ladderKeywords activate the deepening protocol when present in an AI
// utterance.
var ladderKeywords = []string{
	"scava con me",
	"cosa intendi esattamente",
	"pensiamoci insieme",
	"anche solo un esempio",
	"aiutami a capire",
	"dimmi tutto",
	"e perché",
	"cosa succede veramente",
	"livello pratico",
	"punto critico",
	"personalmente",
	"proprio adesso",
}

// ladderLevelPhrase pins a trigger phrase to a specific level. Checked
// most specific first; phrases without a pin escalate one past the last
// level instead.
type ladderLevelPhrase struct {
	level   int
	phrases []string
}

// Levels follow the escalation of the 3-5 perché protocol: clarification,
// first dig, deep dig, technical, emotional, triggering event.
var ladderLevelPhrases = []ladderLevelPhrase{
	{6, []string{"proprio adesso"}},
	{5, []string{"personalmente"}},
	{4, []string{"livello pratico", "punto critico"}},
	{3, []string{"cosa succede veramente"}},
	{2, []string{"capisco. e perché"}},
	{1, []string{"scava con me", "cosa intendi esattamente"}},
}

// vagueTerms mark a user answer as needing further escalation.
var vagueTerms = []string{
	"non lo so", "boh", "non sono sicuro", "forse",
	"problemi", "cose", "roba", "tutto", "niente",
	"così così", "più o meno", "varie", "varii",
}

var (
	digitPattern      = regexp.MustCompile(`\d`)
	domainNounPattern = regexp.MustCompile(`(facebook|google|instagram|vendita|vendite|cliente|clienti|fatturato|soldi|euro|€)`)
)

// minSpecificWords is the word count at which an answer counts as
// specific even without numbers or domain nouns.
const minSpecificWords = 6

// LadderDetector recognizes deepening-question activations in AI
// utterances and classifies the user's answers. Stateless; the session
// carries the current level.
type LadderDetector struct{}

// Detect reports whether the AI utterance activates the ladder, and at
// which level. A phrase pinned to a level sets that level; any other
// trigger escalates one past lastLevel. Capped at MaxLadderLevel.
// Returns 0, false when no trigger is present.
func (LadderDetector) Detect(utterance string, lastLevel int) (int, bool) {
	lower := strings.ToLower(utterance)

	triggered := false
	for _, kw := range ladderKeywords {
		if strings.Contains(lower, kw) {
			triggered = true
			break
		}
	}
	if !triggered {
		return 0, false
	}

	level := lastLevel + 1
	for _, p := range ladderLevelPhrases {
		pinned := false
		for _, phrase := range p.phrases {
			if strings.Contains(lower, phrase) {
				level = p.level
				pinned = true
				break
			}
		}
		if pinned {
			break
		}
	}
	if level > MaxLadderLevel {
		level = MaxLadderLevel
	}
	if level < 1 {
		level = 1
	}
	return level, true
}

// IsVague classifies a user answer. An answer is vague when it contains a
// vague-lexicon term, or when it has no numbers, no domain-specific nouns,
// and too few words to carry substance.
func (LadderDetector) IsVague(response string) bool {
	lower := strings.ToLower(response)

	for _, term := range vagueTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}

	hasNumbers := digitPattern.MatchString(response)
	hasDomainNouns := domainNounPattern.MatchString(lower)
	longEnough := len(strings.Fields(response)) >= minSpecificWords

	return !(hasNumbers || hasDomainNouns || longEnough)
}
