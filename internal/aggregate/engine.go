// Package aggregate computes per-agent training statistics from persisted
// tracking sessions. Summaries are recomputed from scratch and fully
// replace the stored row, so a recompute is always safe to repeat.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coachforge/scripttrack/internal/domain"
	"github.com/coachforge/scripttrack/internal/store"
)

// maxDropOffPoints caps the drop-off ranking.
const maxDropOffPoints = 5

// maxRankedPhases caps the best/worst phase lists.
const maxRankedPhases = 3

// Engine recomputes agent training summaries.
type Engine struct {
	repo   store.Repository
	logger *slog.Logger
}

// New returns an aggregation engine.
func New(repo store.Repository, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, logger: logger}
}

// Recompute rebuilds and stores the summary for one agent. An agent with
// no persisted sessions still gets a row, with zeroed metrics, so
// dashboards can tell "never trained" apart from "not yet aggregated".
func (e *Engine) Recompute(ctx context.Context, agentID string) (*domain.AgentTrainingSummary, error) {
	records, err := e.repo.ListSessionsByAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for agent %s: %w", agentID, err)
	}

	summary := e.summarize(agentID, records)
	if err := e.repo.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("store summary for agent %s: %w", agentID, err)
	}
	return summary, nil
}

// RecomputeAll rebuilds summaries for every agent with persisted sessions.
// One agent failing does not stop the others; the error reports how many
// failed.
func (e *Engine) RecomputeAll(ctx context.Context) (int, error) {
	agentIDs, err := e.repo.ListAgentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agent ids: %w", err)
	}

	failed := 0
	for _, id := range agentIDs {
		if _, err := e.Recompute(ctx, id); err != nil {
			failed++
			e.logger.Error("summary recompute failed", "agent_id", id, "error", err)
		}
	}
	if failed > 0 {
		return len(agentIDs) - failed, fmt.Errorf("recompute failed for %d of %d agents", failed, len(agentIDs))
	}
	return len(agentIDs), nil
}

func (e *Engine) summarize(agentID string, records []*store.SessionRecord) *domain.AgentTrainingSummary {
	summary := &domain.AgentTrainingSummary{
		AgentID:                  agentID,
		TotalSessions:            len(records),
		PhaseReachRate:           map[string]float64{},
		CheckpointCompletionRate: map[string]float64{},
		UpdatedAt:                time.Now(),
	}
	if len(records) == 0 {
		return summary
	}

	// Every rate divides by the agent's full session count. A phase that
	// only newer script revisions contain therefore reads lower across a
	// mixed history, which is what the reach numbers are meant to show.
	phases := map[string]*phaseTally{}
	checkpoints := map[string]int{}

	var completionSum float64
	var durationSum int64
	ladderSessions := 0
	var ladderDepthSum int

	for _, rec := range records {
		sess := rec.Session
		completionSum += rec.CompletionRate
		durationSum += rec.DurationSeconds

		if sess == nil || sess.Script == nil {
			continue
		}
		for _, p := range sess.Script.Phases {
			t := phases[p.ID]
			if t == nil {
				t = &phaseTally{ordinal: p.Ordinal}
				phases[p.ID] = t
			}
			if sess.HasVisited(p.ID) {
				t.reached++
			}
			for _, cp := range p.Checkpoints {
				if _, ok := checkpoints[cp.ID]; !ok {
					checkpoints[cp.ID] = 0
				}
				if res := sess.CheckpointResultFor(cp.ID); res != nil && res.Status == domain.CheckpointCompleted {
					checkpoints[cp.ID]++
				}
			}
		}
		if len(sess.LadderEvents) > 0 {
			ladderSessions++
			depth := 0
			for _, ev := range sess.LadderEvents {
				if ev.Level > depth {
					depth = ev.Level
				}
			}
			ladderDepthSum += depth
		}
	}

	n := float64(len(records))
	summary.AvgCompletionRate = completionSum / n
	summary.AvgDurationSeconds = durationSum / int64(len(records))
	summary.LadderActivationRate = float64(ladderSessions) / n
	if ladderSessions > 0 {
		summary.AvgLadderDepth = float64(ladderDepthSum) / float64(ladderSessions)
	}

	for id, t := range phases {
		summary.PhaseReachRate[id] = float64(t.reached) / n
	}
	for id, completed := range checkpoints {
		summary.CheckpointCompletionRate[id] = float64(completed) / n
	}
	summary.DropOffRanking = dropOffRanking(phases, len(records))
	summary.BestPhases, summary.WorstPhases = rankPhases(phases, len(records))
	return summary
}

// dropOffRanking lists the phases sessions most often fail to reach,
// worst first, capped at maxDropOffPoints. Fully reached phases are
// omitted.
func dropOffRanking(phases map[string]*phaseTally, total int) []domain.DropOffPoint {
	var out []domain.DropOffPoint
	for id, t := range phases {
		missed := total - t.reached
		if missed == 0 {
			continue
		}
		out = append(out, domain.DropOffPoint{
			PhaseID:     id,
			DropOffRate: float64(missed) / float64(total),
			Missed:      missed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DropOffRate != out[j].DropOffRate {
			return out[i].DropOffRate > out[j].DropOffRate
		}
		return out[i].PhaseID < out[j].PhaseID
	})
	if len(out) > maxDropOffPoints {
		out = out[:maxDropOffPoints]
	}
	return out
}

// rankPhases returns the top and bottom phases by reach rate, script
// order breaking ties.
func rankPhases(phases map[string]*phaseTally, total int) (best, worst []string) {
	type ranked struct {
		id      string
		ordinal int
		rate    float64
	}
	all := make([]ranked, 0, len(phases))
	for id, t := range phases {
		all = append(all, ranked{id: id, ordinal: t.ordinal, rate: float64(t.reached) / float64(total)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].rate != all[j].rate {
			return all[i].rate > all[j].rate
		}
		return all[i].ordinal < all[j].ordinal
	})
	for i := 0; i < len(all) && i < maxRankedPhases; i++ {
		best = append(best, all[i].id)
	}
	for i := len(all) - 1; i >= 0 && len(worst) < maxRankedPhases; i-- {
		worst = append(worst, all[i].id)
	}
	return best, worst
}

type phaseTally struct {
	ordinal int
	reached int
}
