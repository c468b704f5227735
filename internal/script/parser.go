// Package script parses raw sales-script markup into a ScriptDefinition.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coachforge/scripttrack/internal/domain"
)

// Line patterns recognized by the parser. The markup is hand-written by
// coaches, so every pattern tolerates optional bold markers and trailing
// punctuation.
var (
	phasePattern       = regexp.MustCompile(`(?i)^\*\*FASE\s+#(\d+(?:\s+e\s+#\d+)?)\s*-\s*(.+?)\*\*`)
	stepPattern        = regexp.MustCompile(`(?i)^(?:\*\*)?STEP\s+(\d+)\s*-\s*(.+?)(?:\*\*)?:?$`)
	objectivePattern   = regexp.MustCompile(`^🎯\s*OBIETTIVO:\s*(.+)`)
	ladderLevelPattern = regexp.MustCompile(`(?i)^LIVELLO\s+(\d+)[A-Z]?(?:️⃣)?\s*[-:]\s*.+`)
	checkpointPattern  = regexp.MustCompile(`(?i)(?:⛔|🚨)\s*CHECKPOINT\s+(?:OBBLIGATORIO\s+)?(?:FASE\s+)?#?(\d+(?:\s*-\s*\d+)?|\w+)`)
	requirementPattern = regexp.MustCompile(`^(?:✓|✅|\*)\s*(.+)`)
	questionPattern    = regexp.MustCompile(`^"(.+?)"$`)
)

// checkpointLookahead bounds how many lines after a checkpoint header are
// scanned for verification requirement bullets.
const checkpointLookahead = 30

// Parse converts raw script markup into an immutable ScriptDefinition.
// Parsing is total: missing markers produce empty fields, never an error,
// and the same source always yields the same structure and hash.
func Parse(content string) *domain.ScriptDefinition {
	sum := sha256.Sum256([]byte(content))
	def := &domain.ScriptDefinition{
		SourceHash: hex.EncodeToString(sum[:]),
		Phases:     []domain.Phase{},
	}

	lines := strings.Split(content, "\n")

	var phase *domain.Phase
	var step *domain.Step
	insideLadder := false

	flushStep := func() {
		if phase != nil && step != nil {
			phase.Steps = append(phase.Steps, *step)
			step = nil
		}
	}
	flushPhase := func() {
		flushStep()
		if phase != nil {
			def.Phases = append(def.Phases, *phase)
			phase = nil
		}
	}

	for i, raw := range lines {
		line := strings.TrimSpace(raw)

		if m := phasePattern.FindStringSubmatch(line); m != nil {
			flushPhase()
			ordinal := firstNumber(m[1])
			phase = &domain.Phase{
				ID:           phaseID(m[1]),
				Ordinal:      ordinal,
				Name:         strings.TrimSpace(m[2]),
				Description:  phaseDescription(lines, i),
				SemanticType: semanticType(m[2]),
				Steps:        []domain.Step{},
				Checkpoints:  []domain.Checkpoint{},
			}
			insideLadder = false
			continue
		}

		if m := stepPattern.FindStringSubmatch(line); m != nil && phase != nil {
			flushStep()
			ordinal, _ := strconv.Atoi(m[1])
			step = &domain.Step{
				ID:        fmt.Sprintf("%s_step_%d", phase.ID, ordinal),
				Ordinal:   ordinal,
				Name:      strings.TrimSpace(m[2]),
				Objective: stepObjective(lines, i),
				Questions: []domain.Question{},
			}
			insideLadder = false
			continue
		}

		if strings.Contains(line, "3-5 PERCHÉ") || strings.Contains(line, "LADDER") {
			if step != nil {
				step.HasLadder = true
			}
			insideLadder = true
			continue
		}

		if m := ladderLevelPattern.FindStringSubmatch(line); m != nil && insideLadder && step != nil {
			level, _ := strconv.Atoi(m[1])
			if level > step.MaxLadderLevel {
				step.MaxLadderLevel = level
			}
			continue
		}

		if m := checkpointPattern.FindStringSubmatch(line); m != nil && phase != nil {
			phase.Checkpoints = append(phase.Checkpoints, domain.Checkpoint{
				ID:           "checkpoint_" + strings.ReplaceAll(m[1], " ", "_"),
				Description:  line,
				Requirements: collectRequirements(lines, i),
			})
			continue
		}

		if m := questionPattern.FindStringSubmatch(line); m != nil && step != nil {
			next := ""
			if i+1 < len(lines) {
				next = strings.TrimSpace(lines[i+1])
			}
			pause := strings.Contains(next, "⏸️") || strings.Contains(next, "ASPETTA")
			if pause || strings.Contains(line, "?") {
				step.Questions = append(step.Questions, domain.Question{Text: m[1]})
			}
		}
	}
	flushPhase()

	return def
}

// phaseID builds a stable identifier from the raw ordinal capture, e.g.
// "1" -> phase_1, "1 e #2" -> phase_1_2.
func phaseID(rawOrdinal string) string {
	cleaned := regexp.MustCompile(`\s+e\s+#`).ReplaceAllString(rawOrdinal, "_")
	return "phase_" + strings.TrimSpace(cleaned)
}

func firstNumber(s string) int {
	m := regexp.MustCompile(`\d+`).FindString(s)
	n, _ := strconv.Atoi(m)
	return n
}

// phaseDescription reads the line following a phase header when it is a
// bold line that is not itself another phase header.
func phaseDescription(lines []string, idx int) string {
	if idx+1 >= len(lines) {
		return ""
	}
	next := strings.TrimSpace(lines[idx+1])
	if strings.HasPrefix(next, "**") && !strings.Contains(next, "FASE") {
		return strings.Trim(next, "*")
	}
	return ""
}

func stepObjective(lines []string, idx int) string {
	if idx+1 >= len(lines) {
		return ""
	}
	if m := objectivePattern.FindStringSubmatch(strings.TrimSpace(lines[idx+1])); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// collectRequirements scans a bounded window after a checkpoint header and
// collects bullet-style verification lines until a step or phase header.
func collectRequirements(lines []string, idx int) []string {
	reqs := []string{}
	end := idx + 1 + checkpointLookahead
	if end > len(lines) {
		end = len(lines)
	}
	for j := idx + 1; j < end; j++ {
		line := strings.TrimSpace(lines[j])
		if strings.HasPrefix(line, "STEP") || strings.HasPrefix(line, "**STEP") || strings.HasPrefix(line, "**FASE") {
			break
		}
		if m := requirementPattern.FindStringSubmatch(line); m != nil {
			reqs = append(reqs, strings.TrimSuffix(strings.TrimSpace(m[1]), "?"))
		}
	}
	return reqs
}

// semanticType classifies a phase by its name.
func semanticType(phaseName string) string {
	name := strings.ToLower(phaseName)
	switch {
	case strings.Contains(name, "apertura") || strings.Contains(name, "impostazione"):
		return "opening"
	case strings.Contains(name, "pain") || strings.Contains(name, "discovery"):
		return "discovery"
	case strings.Contains(name, "business"):
		return "business_info"
	case strings.Contains(name, "stretch") || strings.Contains(name, "gap"):
		return "gap_stretching"
	case strings.Contains(name, "qualificazione"):
		return "qualification"
	case strings.Contains(name, "urgenza") || strings.Contains(name, "budget") || strings.Contains(name, "serietà"):
		return "urgency_budget"
	case strings.Contains(name, "demo") || strings.Contains(name, "presentazione"):
		return "demo"
	case strings.Contains(name, "obiezioni"):
		return "objection_handling"
	case strings.Contains(name, "closing") || strings.Contains(name, "chiusura"):
		return "closing"
	default:
		return "other"
	}
}
