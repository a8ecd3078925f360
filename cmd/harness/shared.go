package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lowlandforge/vigil/internal/breaker"
	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/failure"
	"github.com/lowlandforge/vigil/internal/git"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/review"
	"github.com/lowlandforge/vigil/internal/routing"
	"github.com/lowlandforge/vigil/internal/runner"
	"github.com/lowlandforge/vigil/internal/scheduler"
	"github.com/lowlandforge/vigil/internal/specinput"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// runEpicLabel and checkpointLabel tag the linked records the scheduler
// writes into the issue store so the CLI layer can find them again
// across process invocations.
const (
	runEpicLabel    = "run-epic"
	checkpointLabel = "checkpoint"
)

// openStore resolves the configured issue-store backend: the shell-out
// tracker CLI when TrackerBin is set, else a JSONL sidecar file.
func openStore(cfg config.HarnessConfig) (store.Store, error) {
	if cfg.TrackerBin != "" {
		return store.NewShellCLI(cfg.TrackerBin, 30*time.Second)
	}
	path := cfg.TrackerStateFile
	if path == "" {
		path = ".harness/issues.jsonl"
	}
	return store.NewJSONL(path)
}

func openLedger(cfg config.HarnessConfig) *routing.Ledger {
	path := cfg.TrackerStateFile
	dir := ".harness"
	if path != "" {
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			dir = path[:idx]
		}
	}
	l, err := routing.Open(dir + "/routing-log.jsonl")
	if err != nil {
		return nil
	}
	return l
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify renders the slug portion of a harness/<slug>-<YYYYMMDD> branch.
func slugify(title string) string {
	s := strings.ToLower(strings.TrimSpace(title))
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "run"
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

func newRunID() string { return "run-" + uuid.NewString()[:8] }

// runIssueCounts tallies, among the issues belonging to runID (excluding
// the run epic and checkpoint records), how many are open, in progress,
// or closed. Both status.go's report and resume.go's RunState
// reconstruction need the true cumulative closed count, not a single
// checkpoint's per-window snapshot.
func runIssueCounts(all []*types.Issue, runID string) (open, inProgress, closed int) {
	for _, iss := range all {
		if iss.Metadata["run_id"] != runID || iss.HasLabel(runEpicLabel) || iss.HasLabel(checkpointLabel) {
			continue
		}
		switch iss.Status {
		case types.StatusOpen:
			open++
		case types.StatusInProgress:
			inProgress++
		case types.StatusClosed:
			closed++
		}
	}
	return open, inProgress, closed
}

// runnerFuncFor adapts runner.Run to the scheduler's RunnerFunc shape. A
// non-nil limiter paces session spawns, chiefly bounding swarm burst
// rate against the agent provider. Every completed session is also
// appended to the routing ledger.
func runnerFuncFor(cfg config.HarnessConfig, workingDir string, ledger *routing.Ledger, limiter *rate.Limiter, agentBreaker *breaker.Breaker) scheduler.RunnerFunc {
	return func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult {
		if limiter != nil {
			_ = limiter.Wait(ctx)
		}
		args := append([]string(nil), cfg.AgentArgs...)

		var result *types.SessionResult
		spawn := func(ctx context.Context) error {
			result = runner.Run(ctx, runner.Config{
				Bin:           cfg.AgentBin,
				Args:          args,
				WorkingDir:    workingDir,
				Issue:         issue,
				Model:         model,
				ResumeSession: resumeSession,
				Timeout:       30 * time.Minute,
			}, prompt)
			if result.Outcome == types.OutcomeFailure {
				return fmt.Errorf("%s", result.Error)
			}
			return nil
		}

		if agentBreaker != nil {
			res := agentBreaker.Call(ctx, spawn)
			if res.Rejected {
				return &types.SessionResult{IssueID: issue.ID, Outcome: types.OutcomeFailure, Error: "circuit breaker open: agent spawn rejected", Model: model}
			}
		} else {
			_ = spawn(ctx)
		}

		if ledger != nil {
			_ = ledger.RecordSession(result, "scheduler")
		}
		return result
	}
}

// reviewRunnerFor adapts review.Run to the scheduler's ReviewRunner
// shape, filling in the full-run diff from git before dispatch.
func reviewRunnerFor(cfg config.HarnessConfig, workingDir string, g *git.Git, reviewers []review.Reviewer, policy review.Policy, baseRef string) scheduler.ReviewRunner {
	run := review.DefaultRunnerFunc(cfg.AgentBin, workingDir)
	return func(ctx context.Context, reviewCtx review.Context) ([]types.ReviewerResult, error) {
		if g != nil && baseRef != "" {
			reviewCtx.FullRunDiff, _ = g.DiffSince(ctx, baseRef)
			reviewCtx.SpanDiff = reviewCtx.FullRunDiff
		}
		return review.Run(ctx, reviewers, reviewCtx, policy, run)
	}
}

// findRunEpic locates the run-epic issue for runID, or (when runID is
// empty) the most recently updated run-epic of any status.
func findRunEpic(ctx context.Context, st store.Store, runID string) (*types.Issue, error) {
	all, err := st.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var best *types.Issue
	for _, iss := range all {
		if !iss.HasLabel(runEpicLabel) {
			continue
		}
		if runID != "" && iss.Metadata["run_id"] != runID {
			continue
		}
		if best == nil || iss.UpdatedAt.After(best.UpdatedAt) {
			best = iss
		}
	}
	if best == nil {
		if runID != "" {
			return nil, fmt.Errorf("no run found with id %s", runID)
		}
		return nil, fmt.Errorf("no run found")
	}
	return best, nil
}

// latestCheckpointFor returns the highest-sequence checkpoint record for
// runID, parsed back into a types.Checkpoint.
func latestCheckpointFor(ctx context.Context, st store.Store, runID string) (*types.Checkpoint, error) {
	all, err := st.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var best *types.Checkpoint
	for _, iss := range all {
		if !iss.HasLabel(checkpointLabel) || iss.Metadata["run_id"] != runID {
			continue
		}
		cp, err := checkpoint.Parse(iss.Description)
		if err != nil {
			continue
		}
		cp.ID = iss.ID
		if best == nil || cp.SessionNumber > best.SessionNumber {
			best = cp
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no checkpoint found for run %s", runID)
	}
	return best, nil
}

// runEpicFields extracts the "key: value" lines runStart writes into the
// run epic's description (spec, branch, base_commit, features), the
// inverse of the fmt.Sprintf in start.go.
func runEpicFields(desc string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(desc, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}

// materializeSpec creates one issue per feature, wiring depends_on
// titles into "blocks" dependencies. Each feature is labelled
// complexity:<level> (default "standard") so model routing and priming
// domain hints can key off it.
func materializeSpec(ctx context.Context, st store.Store, spec *specinput.Spec, runID string) ([]string, error) {
	idByTitle := make(map[string]string, len(spec.Features))
	created := make([]*specinput.Feature, 0, len(spec.Features))

	for _, f := range spec.Features {
		f := f
		complexity := f.Complexity
		if complexity == "" {
			complexity = "standard"
		}
		priority := f.Priority
		desc := f.Description
		if desc == "" {
			desc = f.Title
		}
		for _, acc := range f.Acceptance {
			if acc.Text != "" {
				desc += "\n- " + acc.Text
			} else if acc.Test != "" {
				desc += "\n- test: " + acc.Test
			}
		}
		id, err := st.Create(ctx, f.Title, store.CreateOptions{
			Type:        types.TypeFeature,
			Priority:    priority,
			Description: desc,
			Labels:      []string{"complexity:" + complexity},
			Meta:        map[string]string{"run_id": runID},
		})
		if err != nil {
			return nil, fmt.Errorf("create issue for feature %q: %w", f.Title, err)
		}
		idByTitle[f.Title] = id
		created = append(created, &f)
	}

	ids := make([]string, 0, len(created))
	for _, f := range created {
		fromID := idByTitle[f.Title]
		ids = append(ids, fromID)
		for _, dep := range f.DependsOn {
			toID, ok := idByTitle[dep]
			if !ok {
				continue
			}
			if err := st.AddDependency(ctx, fromID, toID, types.DepBlocks); err != nil {
				return ids, fmt.Errorf("wire dependency %q -> %q: %w", f.Title, dep, err)
			}
		}
	}

	return ids, nil
}

// buildScheduler wires every component the main loop consumes (issue
// store, failure tracker, checkpoint engine, redirect detector, session
// runner, reviewer pipeline) behind one breaker-wrapped adapter and one
// rate-limited, breaker-wrapped agent invocation.
func buildScheduler(state *types.RunState, cfg config.HarnessConfig, st store.Store, g *git.Git, workingDir string) *scheduler.Scheduler {
	ledger := openLedger(cfg)
	limiter := rate.NewLimiter(rate.Limit(2), 4)
	agentBreaker := breaker.New("agent-spawn", breaker.DefaultConfig())
	adapterBreaker := breaker.New("issue-store", breaker.DefaultConfig())

	var reviewRunner scheduler.ReviewRunner
	var reviewers []review.Reviewer
	var metaReview review.MetaRunnerFunc
	if cfg.Review.Enabled {
		reviewers = cfg.ToReviewers()
		reviewRunner = reviewRunnerFor(cfg, workingDir, g, reviewers, cfg.ToReviewPolicy(), state.BaseCommit)
		metaReview = review.DefaultMetaRunnerFunc(cfg.AgentBin, workingDir)
	}

	return scheduler.New(state, scheduler.Scheduler{
		Store:           st,
		Tracker:         failure.New(cfg.ToFailurePolicy()),
		Checkpoints:     checkpoint.New(cfg.CheckpointPolicy(), st, state.ID),
		Redirects:       redirect.New(st, state.ID),
		Git:             g,
		Run:             runnerFuncFor(cfg, workingDir, ledger, limiter, agentBreaker),
		Review:          reviewRunner,
		ReviewPolicy:    cfg.ToReviewPolicy(),
		Reviewers:       reviewers,
		MetaReview:      metaReview,
		Ladder:          cfg.Models.Ladder(),
		RoutingPatterns: cfg.Models.Patterns,
		AdapterBreaker:  adapterBreaker,
		Swarm:           scheduler.SwarmPolicy{Enabled: cfg.Swarm.Enabled, MinTasksForSwarm: cfg.Swarm.MinTasksForSwarm, MaxParallelAgents: cfg.Swarm.MaxParallelAgents, BatchTimeout: cfg.Swarm.BatchTimeout},
		Poll:            scheduler.PollPolicy{Base: cfg.Poll.Base, Max: cfg.Poll.Max, SteadyStateRounds: cfg.Poll.SteadyStateRounds},
		BlockerPriority: cfg.BlockerPriority,
		ConfidenceFloor: cfg.Checkpoint.OnConfidenceBelow,
	})
}

// runSingleSession exposes runner.Run's single-session entry point to the `work`
// command, which bypasses the scheduler entirely for an ad hoc session.
func runSingleSession(ctx context.Context, cfg config.HarnessConfig, workingDir string, issue *types.Issue, model, resumeSession, prompt string, ledger *routing.Ledger) *types.SessionResult {
	fn := runnerFuncFor(cfg, workingDir, ledger, nil, nil)
	return fn(ctx, issue, model, resumeSession, prompt)
}

func readSpecFile(path string) (*specinput.Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	spec, err := specinput.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse spec %s: %w", path, err)
	}
	if errs := spec.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid spec: %s", strings.Join(msgs, "; "))
	}
	return spec, nil
}
