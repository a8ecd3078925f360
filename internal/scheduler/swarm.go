package scheduler

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/types"
)

// runSwarmBatch selects up to Swarm.MaxParallelAgents independent issues,
// runs their sessions concurrently (fail-soft: one agent's failure never
// cancels the others), then records results into the failure tracker and
// checkpoint engine in deterministic (priority, id) order.
func (s *Scheduler) runSwarmBatch(ctx context.Context, independent []*types.Issue) error {
	n := s.Swarm.MaxParallelAgents
	if n <= 0 || n > len(independent) {
		n = len(independent)
	}
	batch := independent[:n]

	batchCtx := ctx
	var cancel context.CancelFunc
	if s.Swarm.BatchTimeout > 0 {
		batchCtx, cancel = context.WithTimeout(ctx, s.Swarm.BatchTimeout)
		defer cancel()
	}

	results := make([]*types.SessionResult, len(batch))
	statuses := make([]checkpoint.AgentStatus, len(batch))

	g, gctx := errgroup.WithContext(batchCtx)
	for i, issue := range batch {
		i, issue := i, issue
		agentID := fmt.Sprintf("agent-%d", i+1)
		if err := s.Store.UpdateStatus(batchCtx, issue.ID, types.StatusInProgress); err != nil {
			statuses[i] = checkpoint.AgentStatus{AgentID: agentID, IssueID: issue.ID, Status: "failed", Error: err.Error()}
			continue
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				statuses[i] = checkpoint.AgentStatus{AgentID: agentID, IssueID: issue.ID, Status: "cancelled"}
				return nil
			default:
			}
			prompt := s.buildPrompt(issue)
			model := s.effectiveModel(issue)
			result := s.Run(batchCtx, issue, model, "", prompt)
			result.IssueID = issue.ID
			results[i] = result
			status := "completed"
			if result.Outcome != types.OutcomeSuccess {
				status = "failed"
			}
			statuses[i] = checkpoint.AgentStatus{AgentID: agentID, IssueID: issue.ID, Status: status, Outcome: result.Outcome, Error: result.Error}
			return nil
		})
	}
	// fail-soft: never propagate a single agent's error, so g.Wait() only
	// surfaces unexpected programmer errors, never agent-session failures.
	_ = g.Wait()

	order := make([]int, len(batch))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := batch[order[a]], batch[order[b]]
		if ia.Priority != ib.Priority {
			return ia.Priority < ib.Priority
		}
		return ia.ID < ib.ID
	})

	for _, idx := range order {
		result := results[idx]
		if result == nil {
			continue
		}
		if err := s.applyResult(ctx, batch[idx], result); err != nil {
			return err
		}
	}

	orderedStatuses := make([]checkpoint.AgentStatus, len(order))
	for i, idx := range order {
		orderedStatuses[i] = statuses[idx]
	}
	s.lastSwarmStatuses = orderedStatuses

	return nil
}
