package track

import (
	"fmt"

	"github.com/coachforge/scripttrack/internal/domain"
)

// Verdict is the outcome of validating a proposed position change.
// Rejections are values, not errors: the session position stays put and
// the attempt is recorded for analytics.
type Verdict struct {
	Valid  bool
	Reason string
}

// Validate enforces strictly sequential progression through the script.
// Allowed moves, in order of evaluation:
//
//  1. no current step yet: only the first step of the current phase
//  2. identical (phase, step): stay
//  3. same phase: step ordinal advances by exactly one
//  4. different phase: immediate next phase, and only from the last step
//     of the current phase
//
// Everything else is rejected with a reason naming the skip or regression.
func Validate(script *domain.ScriptDefinition, cur domain.Position, cand domain.Position) Verdict {
	curPhase := script.PhaseByID(cur.PhaseID)
	if curPhase == nil {
		return Verdict{Valid: false, Reason: fmt.Sprintf("current phase %s not in script", cur.PhaseID)}
	}
	candPhase := script.PhaseByID(cand.PhaseID)
	if candPhase == nil {
		return Verdict{Valid: false, Reason: fmt.Sprintf("candidate phase %s not in script", cand.PhaseID)}
	}
	candStep := candPhase.StepByID(cand.StepID)
	if candStep == nil {
		return Verdict{Valid: false, Reason: fmt.Sprintf("candidate step %s not in phase %s", cand.StepID, cand.PhaseID)}
	}

	// Before the first accepted match the only legal entry point is the
	// first step of the current phase.
	if cur.StepID == "" {
		first := curPhase.FirstStep()
		if first == nil {
			return Verdict{Valid: false, Reason: fmt.Sprintf("phase %s has no steps", cur.PhaseID)}
		}
		if cand.PhaseID == cur.PhaseID && cand.StepID == first.ID {
			return Verdict{Valid: true, Reason: "starting at first step of phase"}
		}
		return Verdict{Valid: false, Reason: fmt.Sprintf("skip: must start at %s, attempted %s", first.ID, cand.StepID)}
	}

	if cur.PhaseID == cand.PhaseID && cur.StepID == cand.StepID {
		return Verdict{Valid: true, Reason: "stay"}
	}

	if cur.PhaseID == cand.PhaseID {
		curStep := curPhase.StepByID(cur.StepID)
		if curStep == nil {
			return Verdict{Valid: false, Reason: fmt.Sprintf("current step %s not in phase %s", cur.StepID, cur.PhaseID)}
		}
		delta := candStep.Ordinal - curStep.Ordinal
		switch {
		case delta == 1:
			return Verdict{Valid: true, Reason: "next step in same phase"}
		case delta > 1:
			return Verdict{Valid: false, Reason: fmt.Sprintf("skip: step %d to %d", curStep.Ordinal, candStep.Ordinal)}
		default:
			return Verdict{Valid: false, Reason: fmt.Sprintf("regression: step %d to %d", curStep.Ordinal, candStep.Ordinal)}
		}
	}

	// Cross-phase: only the immediate next phase, and only once the
	// current phase is exhausted.
	next := script.NextPhase(cur.PhaseID)
	if next == nil || next.ID != cand.PhaseID {
		if candPhase.Ordinal < curPhase.Ordinal {
			return Verdict{Valid: false, Reason: fmt.Sprintf("regression: phase %d to %d", curPhase.Ordinal, candPhase.Ordinal)}
		}
		return Verdict{Valid: false, Reason: fmt.Sprintf("skip: phase %d to %d", curPhase.Ordinal, candPhase.Ordinal)}
	}
	last := curPhase.LastStep()
	if last == nil || cur.StepID != last.ID {
		return Verdict{Valid: false, Reason: fmt.Sprintf("incomplete phase: %s not at last step %s", cur.StepID, lastStepID(curPhase))}
	}
	return Verdict{Valid: true, Reason: "next phase after last step"}
}

func lastStepID(p *domain.Phase) string {
	if s := p.LastStep(); s != nil {
		return s.ID
	}
	return ""
}
