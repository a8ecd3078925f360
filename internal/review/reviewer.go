// Package review fans out one agent session per configured reviewer
// over a checkpoint's diff and aggregates their structured findings
// into a single advance/block verdict.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lowlandforge/vigil/internal/runner"
	"github.com/lowlandforge/vigil/internal/types"
)

// ReviewerType is one of the configured reviewer kinds.
type ReviewerType string

const (
	TypeSecurity     ReviewerType = "security"
	TypeArchitecture ReviewerType = "architecture"
	TypeQuality      ReviewerType = "quality"
	TypeCustom       ReviewerType = "custom"
)

// Reviewer is one configured reviewer.
type Reviewer struct {
	ID           string
	Type         ReviewerType
	Enabled      bool
	CanBlock     bool
	MinSeverity  types.Severity
	CustomPrompt string
	Timeout      time.Duration
}

// Policy configures aggregation thresholds.
type Policy struct {
	MaxParallelism         int
	BlockOnCritical        bool
	BlockOnHigh            bool
	MinConfidenceToAdvance float64
	MetaReviewThreshold    int
}

// Context is what each reviewer session is given to judge.
type Context struct {
	CheckpointSummary string
	CompletedIssueIDs []string
	SpanDiff          string
	FullRunDiff       string
}

var typePrompts = map[ReviewerType]string{
	TypeSecurity:     "Review the diff for security issues: injection, auth bypass, secret leakage, unsafe deserialization.",
	TypeArchitecture: "Review the diff for architectural issues: layering violations, leaked abstractions, inconsistent patterns.",
	TypeQuality:      "Review the diff for code quality issues: missing error handling, dead code, unclear naming, untested logic.",
}

func promptFor(r Reviewer, ctx Context) string {
	base := r.CustomPrompt
	if base == "" {
		base = typePrompts[r.Type]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Review task (%s)\n\n%s\n\n", r.Type, base)
	b.WriteString("Respond with a single JSON object: {\"outcome\":\"pass|pass_with_findings|fail|error\",\"confidence\":0-1,\"summary\":\"...\",\"findings\":[{\"severity\":\"critical|high|medium|low|info\",\"category\":\"...\",\"title\":\"...\",\"description\":\"...\",\"file\":\"...\",\"line\":0,\"quote\":\"...\",\"suggestion\":\"...\"}]}\n\n")
	if ctx.CheckpointSummary != "" {
		fmt.Fprintf(&b, "## Checkpoint summary\n\n%s\n\n", ctx.CheckpointSummary)
	}
	fmt.Fprintf(&b, "## Completed issues\n\n%s\n\n", strings.Join(ctx.CompletedIssueIDs, ", "))
	fmt.Fprintf(&b, "## Diff since last checkpoint\n\n%s\n\n", ctx.SpanDiff)
	fmt.Fprintf(&b, "## Full-run diff\n\n%s\n", ctx.FullRunDiff)
	return b.String()
}

// envelope is the wire shape a reviewer session must emit.
type envelope struct {
	Outcome    types.ReviewOutcome `json:"outcome"`
	Confidence float64             `json:"confidence"`
	Summary    string              `json:"summary"`
	Findings   []types.Finding     `json:"findings"`
}

// RunnerFunc abstracts invoking the Session Runner so tests can stub it
// without spawning a real subprocess.
type RunnerFunc func(ctx context.Context, reviewerID string, prompt string, timeout time.Duration) *types.SessionResult

// DefaultRunnerFunc shells out via runner.Run using bin for every reviewer.
func DefaultRunnerFunc(bin, workingDir string) RunnerFunc {
	return func(ctx context.Context, reviewerID, prompt string, timeout time.Duration) *types.SessionResult {
		return runner.Run(ctx, runner.Config{Bin: bin, WorkingDir: workingDir, Timeout: timeout}, prompt)
	}
}

// MetaRunnerFunc abstracts invoking the optional meta-review synthesis
// session at a specific model tier, distinct from RunnerFunc since the
// meta-review is a single pass over already-aggregated output rather
// than one of the fanned-out reviewers.
type MetaRunnerFunc func(ctx context.Context, prompt, model string, timeout time.Duration) *types.SessionResult

// DefaultMetaRunnerFunc shells out via runner.Run using bin. The model
// tier MetaReviewModelTier selected goes into runner.Config.Model, which
// runner.Run records on the result but does not pass to the agent binary.
func DefaultMetaRunnerFunc(bin, workingDir string) MetaRunnerFunc {
	return func(ctx context.Context, prompt, model string, timeout time.Duration) *types.SessionResult {
		return runner.Run(ctx, runner.Config{Bin: bin, WorkingDir: workingDir, Model: model, Timeout: timeout}, prompt)
	}
}

// Run fans the enabled reviewers out concurrently (bounded by
// policy.MaxParallelism) and returns their individual results. Disabled
// reviewers are excluded entirely so they contribute nothing to the
// aggregation's confidence mean.
func Run(ctx context.Context, reviewers []Reviewer, reviewCtx Context, policy Policy, run RunnerFunc) ([]types.ReviewerResult, error) {
	enabled := make([]Reviewer, 0, len(reviewers))
	for _, rev := range reviewers {
		if rev.Enabled {
			enabled = append(enabled, rev)
		}
	}

	limit := policy.MaxParallelism
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	g, gctx := errgroup.WithContext(ctx)
	results := make([]types.ReviewerResult, len(enabled))

	for i, rev := range enabled {
		i, rev := i, rev
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			timeout := rev.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Minute
			}
			prompt := promptFor(rev, reviewCtx)
			sessionResult := run(gctx, rev.ID, prompt, timeout)
			results[i] = parseResult(rev.ID, sessionResult)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func parseResult(reviewerID string, sessionResult *types.SessionResult) types.ReviewerResult {
	if sessionResult == nil || sessionResult.Outcome == types.OutcomeFailure {
		return types.ReviewerResult{ReviewerID: reviewerID, Outcome: types.ReviewError, Summary: "reviewer session failed"}
	}
	env, ok := firstJSONObject(sessionResult.Summary)
	if !ok {
		return types.ReviewerResult{ReviewerID: reviewerID, Outcome: types.ReviewError, Summary: "reviewer returned no parseable envelope"}
	}
	return types.ReviewerResult{
		ReviewerID: reviewerID,
		Outcome:    env.Outcome,
		Confidence: env.Confidence,
		Summary:    env.Summary,
		Findings:   env.Findings,
	}
}

// firstJSONObject finds and decodes the first top-level {...} object in
// text.
func firstJSONObject(text string) (envelope, bool) {
	start := strings.Index(text, "{")
	if start < 0 {
		return envelope{}, false
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, false
	}
	return env, true
}
