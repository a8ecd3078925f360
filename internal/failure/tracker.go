// Package failure tracks per-issue attempt history, decides between
// retry, skip, and pause after each session, and applies the orthogonal
// model-escalation rule.
package failure

import (
	"fmt"
	"time"

	"github.com/lowlandforge/vigil/internal/types"
)

// Strategy is the configured action for a given session outcome, before
// the tracker's own override rules (consecutive-failure pause, retry
// exhaustion) are applied.
type Strategy = types.Action

// Policy configures the tracker.
type Policy struct {
	MaxRetries             int
	RetryDelay             time.Duration
	ContinueOnFailure      bool
	MaxConsecutiveFailures int
	AnnotateFailures       bool
	OutcomeStrategy        map[types.Outcome]Strategy
}

// DefaultPolicy returns the default per-outcome action mapping.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:             3,
		RetryDelay:             10 * time.Second,
		ContinueOnFailure:      true,
		MaxConsecutiveFailures: 3,
		AnnotateFailures:       true,
		OutcomeStrategy: map[types.Outcome]Strategy{
			types.OutcomeContextOverflow: types.ActionSkip,
			types.OutcomePartial:         types.ActionSkip,
			types.OutcomeFailure:         types.ActionRetry,
		},
	}
}

// Tracker holds per-run failure state across all issues.
type Tracker struct {
	policy Policy

	records             map[string]*types.FailureRecord
	consecutiveFailures int
	totalFailures       int
	totalRetries        int
	successfulRetries   int
}

// New constructs a tracker bound to policy.
func New(policy Policy) *Tracker {
	if policy.OutcomeStrategy == nil {
		policy.OutcomeStrategy = DefaultPolicy().OutcomeStrategy
	}
	return &Tracker{policy: policy, records: make(map[string]*types.FailureRecord)}
}

// Decide records the session result and returns the action to take.
func (t *Tracker) Decide(result *types.SessionResult) types.Decision {
	rec := t.recordFor(result.IssueID)

	if result.Outcome == types.OutcomeSuccess {
		t.consecutiveFailures = 0
		if len(rec.Attempts) > 0 {
			t.successfulRetries++
		}
		rec.LastOutcome = types.OutcomeSuccess
		rec.FinalAction = types.ActionSkip
		return types.Decision{Action: types.ActionSkip, Reason: "success", ShouldContinue: true}
	}

	t.consecutiveFailures++
	t.totalFailures++
	attempt := types.FailureAttempt{
		AttemptNumber: len(rec.Attempts) + 1,
		Timestamp:     time.Now(),
		Outcome:       result.Outcome,
		Error:         result.Error,
		DurationMs:    result.DurationMs,
		Model:         result.Model,
	}
	rec.Attempts = append(rec.Attempts, attempt)
	rec.LastOutcome = result.Outcome

	if t.consecutiveFailures >= t.policy.MaxConsecutiveFailures {
		rec.FinalAction = types.ActionPause
		return types.Decision{Action: types.ActionPause, Reason: fmt.Sprintf("%d consecutive failures", t.consecutiveFailures), ShouldContinue: false, RequestCheckpoint: true}
	}

	strategy, ok := t.policy.OutcomeStrategy[result.Outcome]
	if !ok {
		strategy = types.ActionRetry
	}

	if strategy == types.ActionRetry {
		t.totalRetries++
		// The first attempt is not a retry: an issue gets MaxRetries
		// retries on top of it, so total attempts cap at MaxRetries+1.
		if len(rec.Attempts) > t.policy.MaxRetries {
			rec.FinalAction = types.ActionSkip
			return types.Decision{Action: types.ActionSkip, Reason: "max retries exhausted", ShouldContinue: t.policy.ContinueOnFailure, RequestCheckpoint: true}
		}
		rec.FinalAction = types.ActionRetry
		return types.Decision{Action: types.ActionRetry, Reason: string(result.Outcome), ShouldContinue: true, RetryAfterMs: t.policy.RetryDelay.Milliseconds()}
	}

	rec.FinalAction = strategy
	return types.Decision{Action: strategy, Reason: string(result.Outcome), ShouldContinue: t.policy.ContinueOnFailure}
}

func (t *Tracker) recordFor(issueID string) *types.FailureRecord {
	rec, ok := t.records[issueID]
	if !ok {
		rec = &types.FailureRecord{IssueID: issueID}
		t.records[issueID] = rec
	}
	return rec
}

// Record returns a copy of the accumulated failure record for issueID,
// or nil if no attempt has been recorded.
func (t *Tracker) Record(issueID string) *types.FailureRecord {
	rec, ok := t.records[issueID]
	if !ok {
		return nil
	}
	cp := *rec
	cp.Attempts = append([]types.FailureAttempt(nil), rec.Attempts...)
	return &cp
}

// Totals exposes the run-wide counters for observability.
type Totals struct {
	ConsecutiveFailures int
	TotalFailures       int
	TotalRetries        int
	SuccessfulRetries   int
}

func (t *Tracker) Totals() Totals {
	return Totals{
		ConsecutiveFailures: t.consecutiveFailures,
		TotalFailures:       t.totalFailures,
		TotalRetries:        t.totalRetries,
		SuccessfulRetries:   t.successfulRetries,
	}
}
