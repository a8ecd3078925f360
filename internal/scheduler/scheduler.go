// Package scheduler implements the main orchestration loop: redirect
// check, independent-set computation, sequential-vs-swarm mode decision,
// agent session invocation, failure-tracker and checkpoint-engine
// consultation, and the inter-iteration delay.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lowlandforge/vigil/internal/breaker"
	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/failure"
	"github.com/lowlandforge/vigil/internal/git"
	"github.com/lowlandforge/vigil/internal/priming"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/review"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// iterationDelay is the base inter-iteration sleep. It grows under
// PollPolicy once consecutive iterations find no actionable work and
// resets the moment an issue becomes runnable again.
const iterationDelay = 2 * time.Second

// SwarmPolicy gates sequential-vs-swarm mode selection.
type SwarmPolicy struct {
	Enabled           bool
	MinTasksForSwarm  int
	MaxParallelAgents int
	BatchTimeout      time.Duration
}

// PollPolicy configures steady-state poll backoff.
type PollPolicy struct {
	Base              time.Duration // 0 disables backoff; iterationDelay is used unscaled
	Max               time.Duration
	SteadyStateRounds int // consecutive idle iterations before backoff starts growing
}

func (p PollPolicy) base() time.Duration {
	if p.Base <= 0 {
		return iterationDelay
	}
	return p.Base
}

// RunnerFunc invokes one Session Runner session for an issue.
type RunnerFunc func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult

// ReviewRunner invokes the Reviewer Pipeline for a checkpoint boundary.
type ReviewRunner func(ctx context.Context, reviewCtx review.Context) ([]types.ReviewerResult, error)

// Scheduler owns RunState and drives the main loop.
type Scheduler struct {
	Store           store.Store
	Tracker         *failure.Tracker
	Checkpoints     *checkpoint.Engine
	Redirects       *redirect.Detector
	Git             *git.Git
	Run             RunnerFunc
	Review          ReviewRunner
	ReviewPolicy    review.Policy
	Reviewers       []review.Reviewer
	MetaReview      review.MetaRunnerFunc
	Ladder          failure.Ladder
	RoutingPatterns map[string]string // complexity level -> ladder tier
	AdapterBreaker  *breaker.Breaker
	Swarm           SwarmPolicy
	Poll            PollPolicy
	BlockerPriority bool
	ConfidenceFloor float64

	state                    *types.RunState
	lastSwarmStatuses        []checkpoint.AgentStatus
	completedSinceCheckpoint []string
	notesSinceCheckpoint     []string // redirect notes accumulated since the last checkpoint
	selfClosed               map[string]bool
	currentPollInterval      time.Duration
	steadyStateCount         int
}

// New constructs a Scheduler bound to one RunState.
func New(state *types.RunState, deps Scheduler) *Scheduler {
	deps.state = state
	return &deps
}

// State returns the current RunState.
func (s *Scheduler) State() *types.RunState { return s.state }

// RunUntilPausedOrDone runs iterations until the RunState leaves
// `running` (paused, completed, or failed).
func (s *Scheduler) RunUntilPausedOrDone(ctx context.Context) error {
	s.currentPollInterval = s.Poll.base()
	for s.state.Status == types.RunRunning {
		idle, err := s.iterate(ctx)
		if err != nil {
			s.state.Status = types.RunFailed
			s.state.PauseReason = err.Error()
			s.writeFinalCheckpoint(ctx)
			return err
		}
		if s.state.Status != types.RunRunning {
			break
		}
		s.adjustPollInterval(idle)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.currentPollInterval):
		}
	}
	return nil
}

// adjustPollInterval implements steady-state poll backoff: the
// interval grows (capped at Poll.Max) once SteadyStateRounds
// consecutive iterations find nothing to run, and resets the instant
// an iteration runs a session again.
func (s *Scheduler) adjustPollInterval(idle bool) {
	if s.Poll.SteadyStateRounds <= 0 || s.Poll.Max <= 0 {
		return
	}
	if !idle {
		s.steadyStateCount = 0
		s.currentPollInterval = s.Poll.base()
		return
	}
	s.steadyStateCount++
	if s.steadyStateCount < s.Poll.SteadyStateRounds {
		return
	}
	next := s.currentPollInterval * 2
	if next > s.Poll.Max {
		next = s.Poll.Max
	}
	s.currentPollInterval = next
}

// errAdapterRejected marks an issue-store call the circuit breaker
// refused outright: the loop backs off and retries at the next
// iteration rather than failing the run.
var errAdapterRejected = errors.New("issue-store call rejected by open circuit breaker")

// retriableAdapter reports whether an adapter-path error should be
// retried at the next iteration (breaker rejection or a transient
// store failure) instead of ending the run.
func retriableAdapter(err error) bool {
	return errors.Is(err, errAdapterRejected) || store.IsTransient(err)
}

// iterate runs one scheduling pass and reports whether it was idle
// (no independent issue was runnable this pass).
func (s *Scheduler) iterate(ctx context.Context) (bool, error) {
	// Step 1: redirect detection.
	redirects, err := s.detectRedirects(ctx)
	if err != nil {
		if retriableAdapter(err) {
			return true, nil
		}
		return false, fmt.Errorf("redirect detection: %w", err)
	}
	s.notesSinceCheckpoint = append(s.notesSinceCheckpoint, redirectNotes(redirects)...)
	if most, ok := redirect.MostUrgent(redirects); ok {
		if most.Kind == types.RedirectPauseRequested {
			s.state.Status = types.RunPaused
			s.state.PauseReason = "pause requested: " + most.Note
			s.writeFinalCheckpoint(ctx)
			return false, nil
		}
		if most.RequiresImmediateAction() {
			s.checkpointNow(ctx)
		}
	}

	// Step 2: list pending work.
	pending, err := s.listPending(ctx)
	if err != nil {
		if retriableAdapter(err) {
			return true, nil
		}
		return false, fmt.Errorf("list pending work: %w", err)
	}
	if len(pending) == 0 {
		s.state.Status = types.RunCompleted
		return false, nil
	}

	// Step 3: independent set + mode decision.
	independent := s.independentSet(pending)
	if len(independent) == 0 {
		return true, nil
	}
	useSwarm := s.Swarm.Enabled && len(independent) >= s.Swarm.MinTasksForSwarm && len(independent) > 1

	if useSwarm {
		if err := s.runSwarmBatch(ctx, independent); err != nil {
			return false, fmt.Errorf("swarm batch: %w", err)
		}
	} else {
		if err := s.runSequential(ctx, independent); err != nil {
			return false, fmt.Errorf("sequential session: %w", err)
		}
	}

	// Step 6: checkpoint engine consultation.
	redirectDetected := len(redirects) > 0
	if s.Checkpoints.ShouldCheckpoint(redirectDetected) {
		blocked, err := s.checkpointNow(ctx)
		if err != nil {
			return false, fmt.Errorf("checkpoint: %w", err)
		}
		if blocked {
			s.state.Status = types.RunPaused
			s.state.PauseReason = "review blocked checkpoint"
			return false, nil
		}
	}

	// Step 7: confidence floor.
	if s.ConfidenceFloor > 0 {
		conf := checkpoint.Confidence(s.Checkpoints.Buffer())
		if conf < s.ConfidenceFloor && s.state.Status == types.RunRunning {
			s.checkpointNow(ctx)
			s.state.Status = types.RunPaused
			s.state.PauseReason = "confidence below threshold"
		}
	}

	return false, nil
}

func redirectNotes(redirects []types.Redirect) []string {
	notes := make([]string, 0, len(redirects))
	for _, r := range redirects {
		notes = append(notes, string(r.Kind)+": "+r.Note)
	}
	return notes
}

// detectRedirects diffs the issue store and drops issue_closed redirects
// for closes this scheduler performed itself: the detector reports any
// close, but only externally-initiated ones are redirects.
func (s *Scheduler) detectRedirects(ctx context.Context) ([]types.Redirect, error) {
	redirects, err := s.Redirects.Detect(ctx)
	if err != nil {
		return nil, err
	}
	out := redirects[:0]
	for _, r := range redirects {
		if r.Kind == types.RedirectIssueClosed && s.selfClosed[r.IssueID] {
			delete(s.selfClosed, r.IssueID)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Scheduler) listPending(ctx context.Context) ([]*types.Issue, error) {
	var all []*types.Issue
	res := s.callAdapter(ctx, func(ctx context.Context) error {
		var err error
		all, err = s.Store.ListReady(ctx, types.IssueFilter{RunID: s.state.ID, ExcludeLabels: []string{"checkpoint", "run-epic"}})
		return err
	})
	if res.Rejected {
		return nil, errAdapterRejected
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return all, nil
}

func (s *Scheduler) callAdapter(ctx context.Context, fn func(context.Context) error) breaker.Result {
	if s.AdapterBreaker == nil {
		return breaker.Result{Err: fn(ctx)}
	}
	return s.AdapterBreaker.Call(ctx, fn)
}

// independentSet returns the subset of issues whose "blocks"
// predecessors among pending are closed, sorted by priority, then (if
// BlockerPriority is enabled) by whether the issue itself blocks
// another pending issue, then by id.
func (s *Scheduler) independentSet(pending []*types.Issue) []*types.Issue {
	byID := make(map[string]*types.Issue, len(pending))
	for _, iss := range pending {
		byID[iss.ID] = iss
	}
	var out []*types.Issue
	for _, iss := range pending {
		if store.IsReady(iss, byID) {
			out = append(out, iss)
		}
	}

	var blockers map[string]bool
	if s.BlockerPriority {
		blockers = blockerIDs(pending)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if blockers != nil && blockers[out[i].ID] != blockers[out[j].ID] {
			return blockers[out[i].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// blockerIDs returns the set of issue ids that another pending issue
// depends on via a "blocks" dependency.
func blockerIDs(pending []*types.Issue) map[string]bool {
	out := make(map[string]bool)
	for _, iss := range pending {
		for _, dep := range iss.Dependencies {
			if dep.Kind == types.DepBlocks {
				out[dep.DependsOnID] = true
			}
		}
	}
	return out
}

func (s *Scheduler) runSequential(ctx context.Context, independent []*types.Issue) error {
	if len(independent) == 0 {
		return nil
	}
	issue := independent[0]

	if err := s.Store.UpdateStatus(ctx, issue.ID, types.StatusInProgress); err != nil {
		return err
	}

	prompt := s.buildPrompt(issue)
	model := s.effectiveModel(issue)
	result := s.Run(ctx, issue, model, s.lastSessionIDFor(issue.ID), prompt)
	result.IssueID = issue.ID

	return s.applyResult(ctx, issue, result)
}

func (s *Scheduler) buildPrompt(issue *types.Issue) string {
	var recent []string
	if s.Git != nil {
		recent, _ = s.Git.RecentCommitSubjects(context.Background(), 10)
	}
	in := priming.Input{
		Issue:             issue,
		RecentCommitLines: recent,
		RedirectNotes:     s.notesSinceCheckpoint,
	}
	if s.state.LastCheckpoint != nil {
		in.LastCheckpointBody = s.state.LastCheckpoint.Summary
	}
	return priming.Build(in)
}

// effectiveModel seeds the first attempt from the issue's complexity
// label, then lets the failure record escalate from that rung.
func (s *Scheduler) effectiveModel(issue *types.Issue) string {
	if len(s.Ladder) == 0 {
		return ""
	}
	patterns := s.RoutingPatterns
	if patterns == nil {
		patterns = failure.DefaultRoutingPatterns()
	}
	initial := failure.SelectModelForTask(s.Ladder, issue, patterns)
	rec := s.Tracker.Record(issue.ID)
	return failure.Escalate(s.Ladder, initial, rec).Name
}

func (s *Scheduler) lastSessionIDFor(issueID string) string {
	rec := s.Tracker.Record(issueID)
	if rec == nil || len(rec.Attempts) == 0 {
		return ""
	}
	return s.state.LastSessionID
}

// applyResult records the session into the Checkpoint Engine, consults
// the Failure Tracker, and mutates issue/run state accordingly.
func (s *Scheduler) applyResult(ctx context.Context, issue *types.Issue, result *types.SessionResult) error {
	s.Checkpoints.Record(result)
	s.state.SessionsCompleted++
	s.state.CurrentSession++
	s.state.TotalCost += result.CostUsd
	if result.SessionID != "" {
		s.state.LastSessionID = result.SessionID
	}

	decision := s.Tracker.Decide(result)

	switch decision.Action {
	case types.ActionSkip:
		if result.Outcome == types.OutcomeSuccess {
			if err := s.Store.UpdateStatus(ctx, issue.ID, types.StatusClosed); err != nil {
				return err
			}
			if s.selfClosed == nil {
				s.selfClosed = make(map[string]bool)
			}
			s.selfClosed[issue.ID] = true
			s.annotateEscalatedSuccess(ctx, issue, result)
			s.state.FeaturesCompleted++
			s.completedSinceCheckpoint = append(s.completedSinceCheckpoint, issue.ID)
		} else {
			s.state.FeaturesFailed++
			_ = s.Store.Annotate(ctx, issue.ID, fmt.Sprintf("skipped after outcome=%s: %s", result.Outcome, decision.Reason))
		}
	case types.ActionRetry:
		// reopen so the next iteration's independent-set computation picks
		// this issue up again.
		if err := s.Store.UpdateStatus(ctx, issue.ID, types.StatusOpen); err != nil {
			return err
		}
		if decision.RetryAfterMs > 0 {
			time.Sleep(time.Duration(decision.RetryAfterMs) * time.Millisecond)
		}
	case types.ActionPause:
		_ = s.Store.UpdateStatus(ctx, issue.ID, types.StatusOpen)
		s.state.Status = types.RunPaused
		s.state.PauseReason = decision.Reason
	case types.ActionEscalate:
		// handled implicitly: the next effectiveModel() call re-reads the
		// failure record and escalates.
	}

	if decision.RequestCheckpoint {
		s.checkpointNow(ctx)
	}
	return nil
}

// annotateEscalatedSuccess leaves a note on an issue that succeeded on a
// higher-capability model than its first attempt used, recording the
// title keywords for later routing-rule tuning.
func (s *Scheduler) annotateEscalatedSuccess(ctx context.Context, issue *types.Issue, result *types.SessionResult) {
	rec := s.Tracker.Record(issue.ID)
	if rec == nil || len(rec.Attempts) == 0 {
		return
	}
	if result.Model == "" || result.Model == rec.Attempts[0].Model {
		return
	}
	kws := priming.Keywords(issue.Title)
	_ = s.Store.Annotate(ctx, issue.ID, fmt.Sprintf(
		"succeeded on %s after %d failed attempt(s) on lower tiers; pattern keywords: %s",
		result.Model, len(rec.Attempts), strings.Join(kws, ", ")))
}

// checkpointNow renders and persists a checkpoint carrying the redirect
// notes accumulated since the previous one, optionally running the
// Reviewer Pipeline, and reports whether a review block occurred.
func (s *Scheduler) checkpointNow(ctx context.Context) (bool, error) {
	var commit string
	if s.Git != nil {
		commit, _ = s.Git.HeadCommit(ctx)
	}

	swarm := s.lastSwarmStatuses
	s.lastSwarmStatuses = nil
	completed := s.completedSinceCheckpoint
	s.completedSinceCheckpoint = nil
	notes := s.notesSinceCheckpoint
	s.notesSinceCheckpoint = nil

	cp, err := s.Checkpoints.Checkpoint(ctx, completed, commit, notes, s.state.LastSessionID, s.state.TotalCost, swarm)
	if err != nil {
		return false, err
	}
	s.state.LastCheckpoint = cp

	if s.Review == nil {
		return false, nil
	}
	results, err := s.Review(ctx, review.Context{
		CheckpointSummary: cp.Summary,
		CompletedIssueIDs: cp.IssuesCompleted,
	})
	if err != nil {
		return false, err
	}
	agg := review.Aggregate(results, s.Reviewers, s.ReviewPolicy)

	if s.MetaReview != nil && review.NeedsMetaReview(agg, s.ReviewPolicy) {
		if meta, err := review.RunMetaReview(ctx, agg, s.Reviewers, s.MetaReview, 0); err == nil {
			_ = s.Store.Annotate(ctx, cp.ID, fmt.Sprintf("meta-review (%s): %s", meta.Model, meta.Summary))
			for _, title := range meta.ProposedFollowUps {
				_, _ = s.Store.Create(ctx, title, store.CreateOptions{
					Type:        types.TypeTask,
					Priority:    2,
					Description: fmt.Sprintf("proposed by meta-review synthesis for run %s", s.state.ID),
					Labels:      []string{"meta-review-followup"},
					Meta:        map[string]string{"run_id": s.state.ID},
				})
			}
		}
	}

	return !agg.ShouldAdvance, nil
}

func (s *Scheduler) writeFinalCheckpoint(ctx context.Context) {
	s.notesSinceCheckpoint = append(s.notesSinceCheckpoint, "final checkpoint: "+s.state.PauseReason)
	s.checkpointNow(ctx)
}
