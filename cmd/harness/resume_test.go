package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// TestResumeFeaturesCompletedReflectsCumulativeClosedIssues reproduces
// the reconstruction resume.go performs and checks that featuresCompleted
// equals the number of issues closed
// under the run's label, across more than one checkpoint -- not just
// the most recent checkpoint's per-window IssuesCompleted list (which
// checkpoint/engine.go resets after every write).
func TestResumeFeaturesCompletedReflectsCumulativeClosedIssues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	const runID = "run-resume-1"

	epicID, err := st.Create(ctx, "harness run: demo", store.CreateOptions{
		Type:        types.TypeEpic,
		Priority:    2,
		Description: "spec: demo.md\nbranch: harness/demo-20260101\nbase_commit: abc123\nfeatures: 3",
		Labels:      []string{runEpicLabel, "run:" + runID},
		Meta:        map[string]string{"run_id": runID},
	})
	require.NoError(t, err)

	var featureIDs []string
	for i := 0; i < 3; i++ {
		id, err := st.Create(ctx, "feature", store.CreateOptions{
			Type: types.TypeFeature, Description: "d", Meta: map[string]string{"run_id": runID},
		})
		require.NoError(t, err)
		featureIDs = append(featureIDs, id)
	}

	engine := checkpoint.New(types.CheckpointPolicy{AfterSessions: 1, AfterHours: 999}, st, runID)

	// First checkpoint: close feature 0.
	require.NoError(t, st.UpdateStatus(ctx, featureIDs[0], types.StatusClosed))
	engine.Record(&types.SessionResult{Outcome: types.OutcomeSuccess})
	_, err = engine.Checkpoint(ctx, []string{featureIDs[0]}, "c1", nil, "sess-1", 1.0, nil)
	require.NoError(t, err)

	// Second checkpoint: close feature 1. The buffer/IssuesCompleted list
	// from the first checkpoint is gone by now -- only feature 1 shows up
	// in this checkpoint's own IssuesCompleted.
	require.NoError(t, st.UpdateStatus(ctx, featureIDs[1], types.StatusClosed))
	engine.Record(&types.SessionResult{Outcome: types.OutcomeSuccess})
	latest, err := engine.Checkpoint(ctx, []string{featureIDs[1]}, "c2", nil, "sess-2", 2.0, nil)
	require.NoError(t, err)

	// The naive bug used len(latestCheckpoint.IssuesCompleted), which
	// would read 1 here even though 2 issues are actually closed.
	require.Len(t, latest.IssuesCompleted, 1)

	epic, err := findRunEpic(ctx, st, runID)
	require.NoError(t, err)
	assert.Equal(t, epicID, epic.ID)

	cp, err := latestCheckpointFor(ctx, st, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.SessionNumber)

	all, err := st.ListAll(ctx)
	require.NoError(t, err)
	_, _, closed := runIssueCounts(all, runID)
	assert.Equal(t, 2, closed)
}
