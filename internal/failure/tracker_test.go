package failure

import (
	"testing"

	"github.com/lowlandforge/vigil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideSuccessResetsConsecutiveFailures(t *testing.T) {
	tr := New(DefaultPolicy())
	tr.consecutiveFailures = 2

	d := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeSuccess})
	assert.Equal(t, types.ActionSkip, d.Action)
	assert.True(t, d.ShouldContinue)
	assert.Equal(t, 0, tr.Totals().ConsecutiveFailures)
}

func TestDecideSuccessAfterPriorAttemptsCountsSuccessfulRetry(t *testing.T) {
	tr := New(DefaultPolicy())
	tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure})
	tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeSuccess})
	assert.Equal(t, 1, tr.Totals().SuccessfulRetries)
}

func TestDecideRetriesFailureUntilMaxRetries(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.MaxConsecutiveFailures = 100
	tr := New(policy)

	// The first attempt plus MaxRetries retries: skip only on attempt
	// MaxRetries+1's failure, keeping total attempts at MaxRetries+1.
	d1 := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure})
	require.Equal(t, types.ActionRetry, d1.Action)

	d2 := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure})
	require.Equal(t, types.ActionRetry, d2.Action)

	d3 := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure})
	require.Equal(t, types.ActionSkip, d3.Action)
	assert.True(t, d3.RequestCheckpoint)
}

func TestDecideRetryTwiceThenSucceedClosesOut(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxRetries = 2
	policy.MaxConsecutiveFailures = 100
	tr := New(policy)

	require.Equal(t, types.ActionRetry, tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure}).Action)
	require.Equal(t, types.ActionRetry, tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure}).Action)

	d := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeSuccess})
	assert.Equal(t, types.ActionSkip, d.Action)
	assert.True(t, d.ShouldContinue)

	totals := tr.Totals()
	assert.Equal(t, 1, totals.SuccessfulRetries)
	assert.Equal(t, 0, totals.ConsecutiveFailures)
	assert.Len(t, tr.Record("iss-1").Attempts, 2)
}

func TestDecidePausesAtMaxConsecutiveFailures(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConsecutiveFailures = 2
	policy.MaxRetries = 100
	tr := New(policy)

	tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeFailure})
	d := tr.Decide(&types.SessionResult{IssueID: "iss-2", Outcome: types.OutcomeFailure})

	assert.Equal(t, types.ActionPause, d.Action)
	assert.True(t, d.RequestCheckpoint)
	assert.False(t, d.ShouldContinue)
}

func TestDecideContextOverflowSkipsImmediately(t *testing.T) {
	tr := New(DefaultPolicy())
	d := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomeContextOverflow})
	assert.Equal(t, types.ActionSkip, d.Action)
}

func TestDecidePartialSkipsImmediately(t *testing.T) {
	tr := New(DefaultPolicy())
	d := tr.Decide(&types.SessionResult{IssueID: "iss-1", Outcome: types.OutcomePartial})
	assert.Equal(t, types.ActionSkip, d.Action)
}

func testLadder() Ladder {
	return Ladder{
		{Name: "haiku", Capability: "v1.0.0"},
		{Name: "sonnet", Capability: "v2.0.0"},
		{Name: "opus", Capability: "v3.0.0"},
	}
}

func TestEscalateStaysOnInitialRungWithNoFailures(t *testing.T) {
	ladder := testLadder()
	route := Escalate(ladder, ModelRoute{}, nil)
	assert.Equal(t, "haiku", route.Name)

	route = Escalate(ladder, ladder[1], nil)
	assert.Equal(t, "sonnet", route.Name)
}

func TestEscalateMovesToMidAfterOneLowFailure(t *testing.T) {
	ladder := testLadder()
	rec := &types.FailureRecord{Attempts: []types.FailureAttempt{{Model: "haiku"}}}
	route := Escalate(ladder, ladder[0], rec)
	assert.Equal(t, "sonnet", route.Name)
}

func TestEscalateMovesToHighAfterLowAndMidFail(t *testing.T) {
	ladder := testLadder()
	rec := &types.FailureRecord{Attempts: []types.FailureAttempt{
		{Model: "haiku"}, {Model: "sonnet"},
	}}
	route := Escalate(ladder, ladder[0], rec)
	assert.Equal(t, "opus", route.Name)
}

func TestEscalateMovesToHighAfterTwoMidFailuresEvenWithoutLowFailure(t *testing.T) {
	ladder := testLadder()
	rec := &types.FailureRecord{Attempts: []types.FailureAttempt{
		{Model: "sonnet"}, {Model: "sonnet"},
	}}
	route := Escalate(ladder, ladder[1], rec)
	assert.Equal(t, "opus", route.Name)
}

func TestEscalateRetriesMidOnceBeforeMovingToHigh(t *testing.T) {
	ladder := testLadder()
	rec := &types.FailureRecord{Attempts: []types.FailureAttempt{{Model: "sonnet"}}}
	route := Escalate(ladder, ladder[1], rec)
	assert.Equal(t, "sonnet", route.Name)
}

func TestSelectModelForTaskRoutesStandardComplexityToMid(t *testing.T) {
	ladder := testLadder()
	issue := &types.Issue{ID: "iss-1", Labels: []string{"complexity:standard"}}
	route := SelectModelForTask(ladder, issue, DefaultRoutingPatterns())
	assert.Equal(t, "sonnet", route.Name)
}

func TestSelectModelForTaskDefaultsToLowWithoutLabelOrPattern(t *testing.T) {
	ladder := testLadder()
	route := SelectModelForTask(ladder, &types.Issue{ID: "iss-1"}, DefaultRoutingPatterns())
	assert.Equal(t, "haiku", route.Name)

	unknown := &types.Issue{ID: "iss-2", Labels: []string{"complexity:weird"}}
	route = SelectModelForTask(ladder, unknown, DefaultRoutingPatterns())
	assert.Equal(t, "haiku", route.Name)
}

func TestLadderSortedAscendingOrdersByCapability(t *testing.T) {
	ladder := Ladder{
		{Name: "opus", Capability: "v3.0.0"},
		{Name: "haiku", Capability: "v1.0.0"},
		{Name: "sonnet", Capability: "v2.0.0"},
	}
	sorted := ladder.SortedAscending()
	assert.Equal(t, []string{"haiku", "sonnet", "opus"}, []string{sorted[0].Name, sorted[1].Name, sorted[2].Name})
}
