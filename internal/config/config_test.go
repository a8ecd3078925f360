package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.AgentBin)
	assert.Equal(t, "claude-sonnet", cfg.Models.Mid)
	assert.Equal(t, "mid", cfg.Models.Patterns["standard"])
	assert.Equal(t, 3, cfg.FailurePolicy.MaxRetries)
	assert.Equal(t, 5, cfg.Checkpoint.AfterSessions)
	assert.Equal(t, 3, cfg.Poll.SteadyStateRounds)
	assert.True(t, cfg.BlockerPriority)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	body := "agent_bin: my-agent\nmodels:\n  low: m-low\n  mid: m-mid\n  high: m-high\nswarm:\n  enabled: true\n  max_parallel_agents: 8\nfailure_policy:\n  max_retries: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", cfg.AgentBin)
	assert.Equal(t, "m-high", cfg.Models.High)
	assert.True(t, cfg.Swarm.Enabled)
	assert.Equal(t, 8, cfg.Swarm.MaxParallelAgents)
	assert.Equal(t, 5, cfg.FailurePolicy.MaxRetries)
	// untouched defaults survive the overlay
	assert.Equal(t, 3, cfg.Review.MaxParallelReviewers)
}

func TestLoadMarkdownFrontmatter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.md")
	body := "---\nagent_bin: agent-from-frontmatter\nreview:\n  block_on_high: true\n---\n\n# Harness config\n\nNotes go here.\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "agent-from-frontmatter", cfg.AgentBin)
	assert.True(t, cfg.Review.BlockOnHigh)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent_bin: file-agent\n"), 0o644))

	t.Setenv("HARNESS_AGENT_BIN", "env-agent")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-agent", cfg.AgentBin)
}

func TestModelRoutingLadderOrdersLowMidHigh(t *testing.T) {
	m := ModelRouting{Low: "a", Mid: "b", High: "c"}
	ladder := m.Ladder()
	require.Len(t, ladder, 3)
	assert.Equal(t, "a", ladder[0].Name)
	assert.Equal(t, "c", ladder[2].Name)
}

func TestToFailurePolicyAppliesOverridesOverDefaults(t *testing.T) {
	cfg := defaults()
	cfg.FailurePolicy.MaxRetries = 7
	cfg.FailurePolicy.RetryDelay = 2 * time.Minute
	p := cfg.ToFailurePolicy()
	assert.Equal(t, 7, p.MaxRetries)
	assert.Equal(t, 2*time.Minute, p.RetryDelay)
}

func TestToReviewersConvertsConfiguredEntries(t *testing.T) {
	cfg := defaults()
	cfg.Review.Reviewers = []ReviewerConfig{
		{ID: "sec", Type: "security", Enabled: true, CanBlock: true, MinSeverity: "high"},
	}
	reviewers := cfg.ToReviewers()
	require.Len(t, reviewers, 1)
	assert.Equal(t, "sec", reviewers[0].ID)
	assert.True(t, reviewers[0].CanBlock)
}

func TestCheckpointPolicyConvertsConfigToTypesPolicy(t *testing.T) {
	cfg := defaults()
	p := cfg.CheckpointPolicy()
	assert.Equal(t, cfg.Checkpoint.AfterSessions, p.AfterSessions)
	assert.Equal(t, cfg.Checkpoint.OnConfidenceBelow, p.OnConfidenceBelow)
}
