package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
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

func TestRunBranchNameFormatsSlugAndDate(t *testing.T) {
	at := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "harness/fix-login-20260731", RunBranchName("fix-login", at))
}

func TestCreateRunBranchAndCurrentBranch(t *testing.T) {
	dir := initRepo(t)
	g, err := New(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, g.CreateRunBranch(context.Background(), "harness/test-20260731"))
	branch, err := g.CurrentBranch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "harness/test-20260731", branch)
}

func TestCreateRunBranchIsIdempotent(t *testing.T) {
	dir := initRepo(t)
	g, err := New(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, g.CreateRunBranch(context.Background(), "harness/test-20260731"))
	require.NoError(t, g.CreateRunBranch(context.Background(), "harness/test-20260731"))
}

func TestHeadCommitReturnsFullHash(t *testing.T) {
	dir := initRepo(t)
	g, err := New(context.Background(), dir)
	require.NoError(t, err)

	hash, err := g.HeadCommit(context.Background())
	require.NoError(t, err)
	assert.Len(t, hash, 40)
}

func TestRecentCommitSubjects(t *testing.T) {
	dir := initRepo(t)
	g, err := New(context.Background(), dir)
	require.NoError(t, err)

	subjects, err := g.RecentCommitSubjects(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "initial commit", subjects[0])
}

func TestHasUncommittedChangesFalseOnCleanRepo(t *testing.T) {
	dir := initRepo(t)
	g, err := New(context.Background(), dir)
	require.NoError(t, err)

	dirty, err := g.HasUncommittedChanges(context.Background())
	require.NoError(t, err)
	assert.False(t, dirty)
}
