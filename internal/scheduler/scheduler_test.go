package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowlandforge/vigil/internal/breaker"
	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/failure"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	j, err := store.NewJSONL(filepath.Join(t.TempDir(), "issues.jsonl"))
	require.NoError(t, err)
	return j
}

func newScheduler(t *testing.T, st store.Store, run RunnerFunc) *Scheduler {
	t.Helper()
	state := &types.RunState{ID: "run-1", Status: types.RunRunning, FeaturesTotal: 10}
	policy := types.DefaultCheckpointPolicy()
	policy.AfterSessions = 3
	policy.AfterHours = 999
	policy.OnError = false
	policy.OnRedirect = false

	failurePolicy := failure.DefaultPolicy()
	failurePolicy.RetryDelay = 0

	return New(state, Scheduler{
		Store:       st,
		Tracker:     failure.New(failurePolicy),
		Checkpoints: checkpoint.New(policy, st, state.ID),
		Redirects:   redirect.New(st, state.ID),
		Run:         run,
	})
}

func successRunner(outcome types.Outcome) RunnerFunc {
	return func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult {
		return &types.SessionResult{IssueID: issue.ID, Outcome: outcome}
	}
}

func TestIterateClosesIssueOnSuccessAndCompletesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Create(ctx, "feature A", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "desc"})
	require.NoError(t, err)

	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	_, err = sched.iterate(ctx)
	require.NoError(t, err)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.StatusClosed, all[0].Status)
	assert.Equal(t, 1, sched.state.FeaturesCompleted)

	_, err = sched.iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, sched.state.Status)
}

func TestIteratePicksHighestPriorityIndependentIssue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lowPriID, err := st.Create(ctx, "low priority", store.CreateOptions{Type: types.TypeFeature, Priority: 3, Description: "d"})
	require.NoError(t, err)
	_, err = st.Create(ctx, "high priority", store.CreateOptions{Type: types.TypeFeature, Priority: 0, Description: "d"})
	require.NoError(t, err)

	var picked string
	sched := newScheduler(t, st, func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult {
		picked = issue.ID
		return &types.SessionResult{IssueID: issue.ID, Outcome: types.OutcomeSuccess}
	})

	_, err = sched.iterate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, lowPriID, picked)
}

func TestIterateRespectsBlocksDependency(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	blockerID, err := st.Create(ctx, "blocker", store.CreateOptions{Type: types.TypeFeature, Priority: 1, Description: "d"})
	require.NoError(t, err)
	blockedID, err := st.Create(ctx, "blocked", store.CreateOptions{Type: types.TypeFeature, Priority: 0, Description: "d"})
	require.NoError(t, err)
	require.NoError(t, st.AddDependency(ctx, blockedID, blockerID, types.DepBlocks))

	var picked string
	sched := newScheduler(t, st, func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult {
		picked = issue.ID
		return &types.SessionResult{IssueID: issue.ID, Outcome: types.OutcomeSuccess}
	})

	_, err = sched.iterate(ctx)
	require.NoError(t, err)
	assert.Equal(t, blockerID, picked, "blocked issue must not run before its blocker closes")
}

func TestIterateCheckspointsAfterConfiguredSessionCount(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := st.Create(ctx, "feature", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
		require.NoError(t, err)
	}

	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	for i := 0; i < 3; i++ {
		_, err := sched.iterate(ctx)
		require.NoError(t, err)
	}

	require.NotNil(t, sched.state.LastCheckpoint)
	assert.Equal(t, 3, len(sched.state.LastCheckpoint.IssuesCompleted))
}

func TestIteratePausesAfterMaxConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Create(ctx, "feature", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
	require.NoError(t, err)

	sched := newScheduler(t, st, successRunner(types.OutcomeFailure))
	for i := 0; i < 3 && sched.state.Status == types.RunRunning; i++ {
		_, err := sched.iterate(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, types.RunPaused, sched.state.Status)
	assert.Contains(t, sched.state.PauseReason, "consecutive failures")
}

func TestRunSwarmBatchRunsIndependentIssuesConcurrently(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	for i := 0; i < 4; i++ {
		_, err := st.Create(ctx, "feature", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
		require.NoError(t, err)
	}

	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	sched.Swarm = SwarmPolicy{Enabled: true, MinTasksForSwarm: 2, MaxParallelAgents: 4}

	_, err := sched.iterate(ctx)
	require.NoError(t, err)
	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	closed := 0
	for _, iss := range all {
		if iss.Status == types.StatusClosed && !iss.HasLabel("checkpoint") {
			closed++
		}
	}
	assert.Equal(t, 4, closed)
	// the batch pushed the buffer past AfterSessions, so the swarm
	// statuses were folded into a checkpoint
	require.NotNil(t, sched.state.LastCheckpoint)
	assert.Nil(t, sched.lastSwarmStatuses)
}

func TestEffectiveModelRoutesStandardComplexityToMidThenHigh(t *testing.T) {
	st := newTestStore(t)
	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	sched.Ladder = failure.Ladder{
		{Name: "haiku", Capability: "v1.0.0"},
		{Name: "sonnet", Capability: "v2.0.0"},
		{Name: "opus", Capability: "v3.0.0"},
	}
	issue := &types.Issue{ID: "iss-1", Labels: []string{"complexity:standard"}}

	assert.Equal(t, "sonnet", sched.effectiveModel(issue))

	sched.Tracker.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure, Model: "sonnet"})
	assert.Equal(t, "sonnet", sched.effectiveModel(issue), "one mid failure retries on mid")

	sched.Tracker.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure, Model: "sonnet"})
	assert.Equal(t, "opus", sched.effectiveModel(issue), "two mid failures escalate to high")
}

func TestSuccessAfterEscalationAnnotatesIssue(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	id, err := st.Create(ctx, "fix login timeout", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
	require.NoError(t, err)

	attempt := 0
	sched := newScheduler(t, st, func(ctx context.Context, issue *types.Issue, model, resumeSession, prompt string) *types.SessionResult {
		attempt++
		if attempt == 1 {
			return &types.SessionResult{IssueID: issue.ID, Outcome: types.OutcomeFailure, Model: "haiku", Error: "boom"}
		}
		return &types.SessionResult{IssueID: issue.ID, Outcome: types.OutcomeSuccess, Model: "opus"}
	})

	_, err = sched.iterate(ctx)
	require.NoError(t, err)
	_, err = sched.iterate(ctx)
	require.NoError(t, err)

	iss, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, iss.Status)
	assert.Contains(t, iss.Metadata["notes"], "opus")
	assert.Contains(t, iss.Metadata["notes"], "login")
}

func TestDetectRedirectsIgnoresSelfClosedIssues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mine, err := st.Create(ctx, "mine", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
	require.NoError(t, err)
	external, err := st.Create(ctx, "external", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
	require.NoError(t, err)

	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	_, err = sched.detectRedirects(ctx)
	require.NoError(t, err)

	require.NoError(t, st.UpdateStatus(ctx, mine, types.StatusClosed))
	require.NoError(t, st.UpdateStatus(ctx, external, types.StatusClosed))
	sched.selfClosed = map[string]bool{mine: true}

	redirects, err := sched.detectRedirects(ctx)
	require.NoError(t, err)
	require.Len(t, redirects, 1)
	assert.Equal(t, types.RedirectIssueClosed, redirects[0].Kind)
	assert.Equal(t, external, redirects[0].IssueID)
}

func TestIterateBacksOffWhenAdapterBreakerIsOpen(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.Create(ctx, "feature", store.CreateOptions{Type: types.TypeFeature, Priority: 2, Description: "d"})
	require.NoError(t, err)

	sched := newScheduler(t, st, successRunner(types.OutcomeSuccess))
	b := breaker.New("issue-store", breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, FailureWindow: time.Hour})
	b.Call(ctx, func(context.Context) error { return errors.New("tracker down") })
	require.Equal(t, breaker.Open, b.State())
	sched.AdapterBreaker = b

	idle, err := sched.iterate(ctx)
	require.NoError(t, err)
	assert.True(t, idle)
	assert.Equal(t, types.RunRunning, sched.state.Status)
}

func TestIndependentSetExcludesIssuesBlockedByOpenPredecessor(t *testing.T) {
	a := &types.Issue{ID: "a", Status: types.StatusOpen, Priority: 1}
	b := &types.Issue{ID: "b", Status: types.StatusOpen, Priority: 0, Dependencies: []types.Dependency{{DependsOnID: "a", Kind: types.DepBlocks}}}
	out := (&Scheduler{}).independentSet([]*types.Issue{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
}
