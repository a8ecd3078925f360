// Package checkpoint keeps a rolling buffer of session results since
// the last checkpoint, applies the trigger policy and confidence
// formula, and persists each checkpoint through the issue store as a
// linked record.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// Engine accumulates SessionResults and decides when to checkpoint.
type Engine struct {
	policy         types.CheckpointPolicy
	store          store.Store
	runID          string
	sequence       int
	buffer         []*types.SessionResult
	lastCheckpoint time.Time
}

// New constructs an engine for one run.
func New(policy types.CheckpointPolicy, st store.Store, runID string) *Engine {
	return &Engine{policy: policy, store: st, runID: runID, lastCheckpoint: time.Now()}
}

// Record appends a session result to the rolling buffer.
func (e *Engine) Record(result *types.SessionResult) {
	e.buffer = append(e.buffer, result)
}

// ShouldCheckpoint reports whether any trigger condition has fired.
func (e *Engine) ShouldCheckpoint(redirectDetected bool) bool {
	if len(e.buffer) >= e.policy.AfterSessions {
		return true
	}
	if time.Since(e.lastCheckpoint).Hours() >= e.policy.AfterHours {
		return true
	}
	if e.policy.OnError && e.lastOutcome() == types.OutcomeFailure {
		return true
	}
	if e.policy.OnRedirect && redirectDetected {
		return true
	}
	return false
}

// Buffer returns the session results accumulated since the last
// checkpoint (or run start), for callers that need to consult
// Confidence without triggering a checkpoint.
func (e *Engine) Buffer() []*types.SessionResult {
	return append([]*types.SessionResult(nil), e.buffer...)
}

func (e *Engine) lastOutcome() types.Outcome {
	if len(e.buffer) == 0 {
		return ""
	}
	return e.buffer[len(e.buffer)-1].Outcome
}

// Confidence scores a window of session results: successes count 1,
// partials 0.5, with a penalty for failures among the last three,
// clamped to [0, 1].
func Confidence(results []*types.SessionResult) float64 {
	if len(results) == 0 {
		return 1
	}
	var score float64
	for _, r := range results {
		switch r.Outcome {
		case types.OutcomeSuccess:
			score += 1
		case types.OutcomePartial:
			score += 0.5
		}
	}
	score /= float64(len(results))

	failuresInLastThree := 0
	start := len(results) - 3
	if start < 0 {
		start = 0
	}
	for _, r := range results[start:] {
		if r.Outcome == types.OutcomeFailure {
			failuresInLastThree++
		}
	}
	penalty := 0.15 * float64(failuresInLastThree)

	confidence := score - penalty
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// AgentStatus describes one agent's contribution to a swarm checkpoint.
type AgentStatus = types.AgentStatus

// Checkpoint writes a linked checkpoint record via the Issue-Store
// Adapter and resets the rolling buffer. redirectNotes and swarm are
// optional (swarm may be nil for sequential-mode checkpoints).
func (e *Engine) Checkpoint(ctx context.Context, issueIDs []string, lastCommit string, redirectNotes []string, lastSessionID string, accumulatedCost float64, swarm []AgentStatus) (*types.Checkpoint, error) {
	e.sequence++
	confidence := Confidence(e.buffer)

	cp := &types.Checkpoint{
		RunID:              e.runID,
		SessionNumber:      e.sequence,
		Timestamp:          time.Now(),
		IssuesCompleted:    append([]string(nil), issueIDs...),
		Confidence:         confidence,
		GitCommit:          lastCommit,
		RedirectNotes:      append([]string(nil), redirectNotes...),
		LastSessionID:      lastSessionID,
		AccumulatedCostUsd: accumulatedCost,
	}

	// Priority stays low so the record never reads as a new urgent issue
	// to the Redirect Detector's snapshot diff.
	desc := renderDescription(cp, swarm)
	id, err := e.store.Create(ctx, fmt.Sprintf("checkpoint %s #%d", e.runID, e.sequence), store.CreateOptions{
		Type:        types.TypeTask,
		Priority:    3,
		Description: desc,
		Labels:      []string{"checkpoint", "run:" + e.runID},
		Meta:        map[string]string{"run_id": e.runID},
	})
	if err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	cp.ID = id

	e.buffer = nil
	e.lastCheckpoint = time.Now()
	return cp, nil
}

func renderDescription(cp *types.Checkpoint, swarm []AgentStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\nsequence: %d\nconfidence: %.2f\ncommit: %s\nlast_session_id: %s\naccumulated_cost: %.4f\n",
		cp.RunID, cp.SessionNumber, cp.Confidence, cp.GitCommit, cp.LastSessionID, cp.AccumulatedCostUsd)

	if len(cp.IssuesCompleted) > 0 {
		b.WriteString("issues:\n")
		for _, id := range cp.IssuesCompleted {
			fmt.Fprintf(&b, "  - %s\n", id)
		}
	}
	if len(cp.RedirectNotes) > 0 {
		b.WriteString("redirects:\n")
		for _, note := range cp.RedirectNotes {
			fmt.Fprintf(&b, "  - %s\n", note)
		}
	}
	if len(swarm) > 0 {
		successes, failures := 0, 0
		b.WriteString("swarm:\n")
		for _, a := range swarm {
			fmt.Fprintf(&b, "  - agent=%s issue=%s status=%s\n", a.AgentID, a.IssueID, a.Status)
			switch a.Status {
			case "completed":
				successes++
			case "failed":
				failures++
			}
		}
		var efficiency float64
		if successes+failures > 0 {
			efficiency = float64(successes) / float64(successes+failures)
		}
		fmt.Fprintf(&b, "parallelism_efficiency: %.2f\n", efficiency)
	}
	return b.String()
}
