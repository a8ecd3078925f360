package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueValidate(t *testing.T) {
	base := Issue{Title: "fix the thing", Status: StatusOpen, IssueType: TypeBug, Priority: 2}
	require.NoError(t, base.Validate())

	noTitle := base
	noTitle.Title = ""
	assert.Error(t, noTitle.Validate())

	badPriority := base
	badPriority.Priority = 9
	assert.Error(t, badPriority.Validate())

	badStatus := base
	badStatus.Status = Status("deleted")
	assert.Error(t, badStatus.Validate())
}

func TestIssueHasLabel(t *testing.T) {
	i := Issue{Labels: []string{"pause", "urgent"}}
	assert.True(t, i.HasLabel("pause"))
	assert.False(t, i.HasLabel("missing"))
}

func TestRunStateValidate(t *testing.T) {
	r := RunState{Status: RunRunning, FeaturesTotal: 3, FeaturesCompleted: 2, FeaturesFailed: 1}
	require.NoError(t, r.Validate())

	over := r
	over.FeaturesFailed = 2
	assert.Error(t, over.Validate())

	pausedNoReason := RunState{Status: RunPaused}
	assert.Error(t, pausedNoReason.Validate())

	runningWithReason := RunState{Status: RunRunning, PauseReason: "huh"}
	assert.Error(t, runningWithReason.Validate())
}

func TestRedirectUrgencyOrdering(t *testing.T) {
	pause := Redirect{Kind: RedirectPauseRequested}
	urgent := Redirect{Kind: RedirectNewUrgent}
	priority := Redirect{Kind: RedirectPriorityChange}
	closed := Redirect{Kind: RedirectIssueClosed}

	assert.True(t, pause.MoreUrgent(urgent))
	assert.True(t, urgent.MoreUrgent(priority))
	assert.True(t, priority.MoreUrgent(closed))
	assert.False(t, closed.MoreUrgent(pause))

	assert.True(t, pause.RequiresImmediateAction())
	assert.True(t, urgent.RequiresImmediateAction())
	assert.False(t, priority.RequiresImmediateAction())
}

func TestDefaultCheckpointPolicy(t *testing.T) {
	p := DefaultCheckpointPolicy()
	assert.Greater(t, p.AfterSessions, 0)
	assert.Greater(t, p.AfterHours, 0.0)
	assert.True(t, p.OnError)
	assert.True(t, p.OnRedirect)
}

func TestSnapshotShape(t *testing.T) {
	s := Snapshot{
		TakenAt: time.Now(),
		Issues: map[string]IssueSnapshot{
			"vc-1": {Status: StatusOpen, Priority: 0, UpdatedAt: time.Now()},
		},
	}
	assert.Len(t, s.Issues, 1)
}
