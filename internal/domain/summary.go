package domain

import (
	"time"
)

// DropOffPoint ranks a phase by how often sessions fail to reach it.
type DropOffPoint struct {
	PhaseID     string  `json:"phase_id"`
	DropOffRate float64 `json:"drop_off_rate"`
	Missed      int     `json:"missed"`
}

// AgentTrainingSummary is the batch-computed per-agent statistics row.
// Rows are fully replaced on recompute, never updated incrementally.
type AgentTrainingSummary struct {
	AgentID                  string             `json:"agent_id"`
	TotalSessions            int                `json:"total_sessions"`
	AvgCompletionRate        float64            `json:"avg_completion_rate"`
	PhaseReachRate           map[string]float64 `json:"phase_reach_rate"`
	CheckpointCompletionRate map[string]float64 `json:"checkpoint_completion_rate"`
	DropOffRanking           []DropOffPoint     `json:"drop_off_ranking"`
	LadderActivationRate     float64            `json:"ladder_activation_rate"`
	AvgLadderDepth           float64            `json:"avg_ladder_depth"`
	BestPhases               []string           `json:"best_phases"`
	WorstPhases              []string           `json:"worst_phases"`
	AvgDurationSeconds       int64              `json:"avg_duration_seconds"`
	UpdatedAt                time.Time          `json:"updated_at"`
}
