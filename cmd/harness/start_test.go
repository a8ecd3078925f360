package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/git"
	"github.com/lowlandforge/vigil/internal/saga"
	"github.com/lowlandforge/vigil/internal/specinput"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

// failingEpicStore wraps a Store and fails the create-epic step's Create
// call specifically, so tests can exercise the saga's compensation of
// earlier steps (materialize-spec, create-branch) without a real
// tracker backend that supports injected failures.
type failingEpicStore struct {
	store.Store
}

func (f *failingEpicStore) Create(ctx context.Context, title string, opts store.CreateOptions) (string, error) {
	if opts.Type == types.TypeEpic {
		return "", fmt.Errorf("injected create-epic failure")
	}
	return f.Store.Create(ctx, title, opts)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial commit")
	return dir
}

func testSpec() *specinput.Spec {
	return &specinput.Spec{
		Title: "demo",
		Features: []specinput.Feature{
			{Title: "A", Priority: 1},
			{Title: "B", Priority: 2},
		},
	}
}

// TestStartupSagaCompletesAndMaterializesSpec exercises the happy path
// of the branch-create -> baseline-gates -> materialize-spec -> create-
// epic saga: every step should complete and hand back the expected
// result values for runStart to build a RunState from.
func TestStartupSagaCompletesAndMaterializesSpec(t *testing.T) {
	dir := initGitRepo(t)
	g, err := git.New(context.Background(), dir)
	require.NoError(t, err)

	st := newTestStore(t)
	cfg := config.HarnessConfig{
		Gates: []config.GateConfig{{Name: "always-pass", Command: []string{"true"}}},
	}
	spec := testSpec()

	setup := newStartupSaga(context.Background(), g, cfg, st, spec, "demo.md", "run-ok", "harness/demo-20260101", dir)
	result := setup.Run(context.Background())
	require.Equal(t, saga.StatusCompleted, result.Status)

	baseCommit, ok := result.Results["create-branch"].(string)
	require.True(t, ok)
	assert.Len(t, baseCommit, 40)

	featureIDs, ok := result.Results["materialize-spec"].([]string)
	require.True(t, ok)
	assert.Len(t, featureIDs, 2)

	epicID, ok := result.Results["create-epic"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, epicID)

	branch, err := g.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "harness/demo-20260101", branch)

	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3) // 2 features + 1 epic
}

// TestStartupSagaCompensatesOnGateFailure checks that a failing baseline
// gate rolls back the already-completed create-branch step: the
// original branch is restored and the run branch is deleted, rather
// than leaving a half-initialized run behind.
func TestStartupSagaCompensatesOnGateFailure(t *testing.T) {
	dir := initGitRepo(t)
	g, err := git.New(context.Background(), dir)
	require.NoError(t, err)
	original, err := g.CurrentBranch(context.Background())
	require.NoError(t, err)

	st := newTestStore(t)
	cfg := config.HarnessConfig{
		Gates: []config.GateConfig{{Name: "always-fail", Command: []string{"false"}, Timeout: 5 * time.Second}},
	}
	spec := testSpec()

	setup := newStartupSaga(context.Background(), g, cfg, st, spec, "demo.md", "run-fail", "harness/demo-fail-20260101", dir)
	result := setup.Run(context.Background())
	require.NotEqual(t, saga.StatusCompleted, result.Status)
	require.Error(t, result.Err)

	branch, err := g.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, original, branch)

	// The failing gate's blocker issue is the only record left behind: no
	// features were materialized and no epic was created.
	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].HasLabel("blocker"))
}

// TestStartupSagaCompensatesMaterializedSpecOnLaterFailure checks that
// issues created by materialize-spec are closed again if a later step
// (create-epic) fails, since the issue store has no delete operation.
func TestStartupSagaCompensatesMaterializedSpecOnLaterFailure(t *testing.T) {
	dir := initGitRepo(t)
	g, err := git.New(context.Background(), dir)
	require.NoError(t, err)

	st := &failingEpicStore{Store: newTestStore(t)}
	cfg := config.HarnessConfig{
		Gates: []config.GateConfig{{Name: "always-pass", Command: []string{"true"}}},
	}
	spec := testSpec()

	setup := newStartupSaga(context.Background(), g, cfg, st, spec, "demo.md", "run-epic-fail", "harness/demo-epic-fail-20260101", dir)
	result := setup.Run(context.Background())
	require.NotEqual(t, saga.StatusCompleted, result.Status)

	all, err := st.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, iss := range all {
		assert.Equal(t, types.StatusClosed, iss.Status)
	}
}
