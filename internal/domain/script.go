// Package domain holds the core data model for script tracking.
package domain

// Question is a canonical scripted question inside a step.
type Question struct {
	Text string `json:"text"`
}

// Checkpoint is a set of verification requirements gating progress
// through a phase.
type Checkpoint struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements"`
}

// Step is an ordered sub-unit of a phase.
type Step struct {
	ID             string     `json:"id"`
	Ordinal        int        `json:"ordinal"`
	Name           string     `json:"name"`
	Objective      string     `json:"objective,omitempty"`
	Questions      []Question `json:"questions"`
	HasLadder      bool       `json:"has_ladder,omitempty"`
	MaxLadderLevel int        `json:"max_ladder_level,omitempty"`
}

// Phase is a top-level ordered stage of a sales script.
type Phase struct {
	ID           string       `json:"id"`
	Ordinal      int          `json:"ordinal"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	SemanticType string       `json:"semantic_type"`
	Steps        []Step       `json:"steps"`
	Checkpoints  []Checkpoint `json:"checkpoints"`
}

// ScriptDefinition is the parsed, immutable structure of a sales script.
// SourceHash is a SHA-256 over the raw source, used for staleness checks.
type ScriptDefinition struct {
	SourceHash string  `json:"source_hash"`
	Phases     []Phase `json:"phases"`
}

// PhaseByID returns the phase with the given ID, or nil.
func (s *ScriptDefinition) PhaseByID(id string) *Phase {
	for i := range s.Phases {
		if s.Phases[i].ID == id {
			return &s.Phases[i]
		}
	}
	return nil
}

// StepByID returns the step with the given ID within a phase, or nil.
func (p *Phase) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the first step of the phase, or nil for an empty phase.
func (p *Phase) FirstStep() *Step {
	if len(p.Steps) == 0 {
		return nil
	}
	return &p.Steps[0]
}

// LastStep returns the last step of the phase, or nil for an empty phase.
func (p *Phase) LastStep() *Step {
	if len(p.Steps) == 0 {
		return nil
	}
	return &p.Steps[len(p.Steps)-1]
}

// NextPhase returns the phase immediately after the given one, or nil.
func (s *ScriptDefinition) NextPhase(id string) *Phase {
	for i := range s.Phases {
		if s.Phases[i].ID == id && i+1 < len(s.Phases) {
			return &s.Phases[i+1]
		}
	}
	return nil
}

// TotalQuestions counts questions across all phases and steps.
func (s *ScriptDefinition) TotalQuestions() int {
	n := 0
	for _, p := range s.Phases {
		for _, st := range p.Steps {
			n += len(st.Questions)
		}
	}
	return n
}
