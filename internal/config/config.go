// Package config loads HarnessConfig from a YAML file (or markdown with
// a YAML frontmatter block, matching the spec-file convention), layered
// with environment variable overrides and built-in defaults via
// github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lowlandforge/vigil/internal/failure"
	"github.com/lowlandforge/vigil/internal/gates"
	"github.com/lowlandforge/vigil/internal/review"
	"github.com/lowlandforge/vigil/internal/types"
)

// ModelRouting names the three capability rungs used for escalation and
// the complexity-level patterns that pick an issue's initial rung.
type ModelRouting struct {
	Low  string `mapstructure:"low"`
	Mid  string `mapstructure:"mid"`
	High string `mapstructure:"high"`
	// Patterns maps a complexity level ("standard") to a tier name
	// ("low", "mid", "high") for the initial model selection.
	Patterns map[string]string `mapstructure:"patterns"`
}

// Ladder converts the routing table into a failure.Ladder ordered by
// semver-shaped capability tags.
func (m ModelRouting) Ladder() failure.Ladder {
	return failure.Ladder{
		{Name: m.Low, Capability: "v1.0.0"},
		{Name: m.Mid, Capability: "v2.0.0"},
		{Name: m.High, Capability: "v3.0.0"},
	}
}

// SwarmConfig configures swarm-mode scheduling.
type SwarmConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MinTasksForSwarm  int           `mapstructure:"min_tasks_for_swarm"`
	MaxParallelAgents int           `mapstructure:"max_parallel_agents"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
}

// ReviewerConfig is one entry of the configured reviewer set.
type ReviewerConfig struct {
	ID           string        `mapstructure:"id"`
	Type         string        `mapstructure:"type"`
	Enabled      bool          `mapstructure:"enabled"`
	CanBlock     bool          `mapstructure:"can_block"`
	MinSeverity  string        `mapstructure:"min_severity"`
	CustomPrompt string        `mapstructure:"custom_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ReviewConfig configures the Reviewer Pipeline.
type ReviewConfig struct {
	Enabled                bool             `mapstructure:"enabled"`
	MaxParallelReviewers   int              `mapstructure:"max_parallel_reviewers"`
	BlockOnCritical        bool             `mapstructure:"block_on_critical"`
	BlockOnHigh            bool             `mapstructure:"block_on_high"`
	MinConfidenceToAdvance float64          `mapstructure:"min_confidence_to_advance"`
	MetaReviewThreshold    int              `mapstructure:"meta_review_threshold"`
	Reviewers              []ReviewerConfig `mapstructure:"reviewers"`
}

// PollConfig configures the scheduler's steady-state poll backoff.
type PollConfig struct {
	Base              time.Duration `mapstructure:"base"`
	Max               time.Duration `mapstructure:"max"`
	SteadyStateRounds int           `mapstructure:"steady_state_rounds"`
}

// GateConfig describes one configured baseline gate.
type GateConfig struct {
	Name    string        `mapstructure:"name"`
	Command []string      `mapstructure:"command"`
	AutoFix []string      `mapstructure:"auto_fix"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FailurePolicyConfig mirrors failure.Policy in viper-loadable form.
type FailurePolicyConfig struct {
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	ContinueOnFailure      bool          `mapstructure:"continue_on_failure"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	AnnotateFailures       bool          `mapstructure:"annotate_failures"`
}

// CheckpointConfig mirrors types.CheckpointPolicy in viper-loadable form
// (that struct carries json/yaml tags only, not mapstructure ones).
type CheckpointConfig struct {
	AfterSessions     int     `mapstructure:"after_sessions"`
	AfterHours        float64 `mapstructure:"after_hours"`
	OnError           bool    `mapstructure:"on_error"`
	OnConfidenceBelow float64 `mapstructure:"on_confidence_below"`
	OnRedirect        bool    `mapstructure:"on_redirect"`
}

func (c CheckpointConfig) toPolicy() types.CheckpointPolicy {
	return types.CheckpointPolicy{
		AfterSessions:     c.AfterSessions,
		AfterHours:        c.AfterHours,
		OnError:           c.OnError,
		OnConfidenceBelow: c.OnConfidenceBelow,
		OnRedirect:        c.OnRedirect,
	}
}

// HarnessConfig is the full configuration surface for one harness run.
type HarnessConfig struct {
	AgentBin         string              `mapstructure:"agent_bin"`
	AgentArgs        []string            `mapstructure:"agent_args"`
	Models           ModelRouting        `mapstructure:"models"`
	Swarm            SwarmConfig         `mapstructure:"swarm"`
	Review           ReviewConfig        `mapstructure:"review"`
	Gates            []GateConfig        `mapstructure:"gates"`
	FailurePolicy    FailurePolicyConfig `mapstructure:"failure_policy"`
	Checkpoint       CheckpointConfig    `mapstructure:"checkpoint"`
	Poll             PollConfig          `mapstructure:"poll"`
	BlockerPriority  bool                `mapstructure:"blocker_priority"`
	TrackerBin       string              `mapstructure:"tracker_bin"`
	TrackerStateFile string              `mapstructure:"tracker_state_file"`
}

// CheckpointPolicy converts the loaded checkpoint config into a
// types.CheckpointPolicy.
func (c HarnessConfig) CheckpointPolicy() types.CheckpointPolicy {
	return c.Checkpoint.toPolicy()
}

// ToFailurePolicy converts the loaded config into a failure.Policy with
// the default outcome-strategy mapping; there is no per-outcome override
// surface in the CLI.
func (c HarnessConfig) ToFailurePolicy() failure.Policy {
	p := failure.DefaultPolicy()
	if c.FailurePolicy.MaxRetries > 0 {
		p.MaxRetries = c.FailurePolicy.MaxRetries
	}
	if c.FailurePolicy.RetryDelay > 0 {
		p.RetryDelay = c.FailurePolicy.RetryDelay
	}
	p.ContinueOnFailure = c.FailurePolicy.ContinueOnFailure
	if c.FailurePolicy.MaxConsecutiveFailures > 0 {
		p.MaxConsecutiveFailures = c.FailurePolicy.MaxConsecutiveFailures
	}
	p.AnnotateFailures = c.FailurePolicy.AnnotateFailures
	return p
}

// ToReviewPolicy converts the loaded config into a review.Policy.
func (c HarnessConfig) ToReviewPolicy() review.Policy {
	return review.Policy{
		MaxParallelism:         c.Review.MaxParallelReviewers,
		BlockOnCritical:        c.Review.BlockOnCritical,
		BlockOnHigh:            c.Review.BlockOnHigh,
		MinConfidenceToAdvance: c.Review.MinConfidenceToAdvance,
		MetaReviewThreshold:    c.Review.MetaReviewThreshold,
	}
}

// ToReviewers converts the loaded reviewer config entries into
// review.Reviewer values.
func (c HarnessConfig) ToReviewers() []review.Reviewer {
	out := make([]review.Reviewer, 0, len(c.Review.Reviewers))
	for _, r := range c.Review.Reviewers {
		out = append(out, review.Reviewer{
			ID:           r.ID,
			Type:         review.ReviewerType(r.Type),
			Enabled:      r.Enabled,
			CanBlock:     r.CanBlock,
			MinSeverity:  types.Severity(r.MinSeverity),
			CustomPrompt: r.CustomPrompt,
			Timeout:      r.Timeout,
		})
	}
	return out
}

// ToGates converts the loaded gate config entries into gates.Gate
// values. An empty config falls back to gates.DefaultGates.
func (c HarnessConfig) ToGates(defaultTimeout time.Duration) []gates.Gate {
	if len(c.Gates) == 0 {
		return gates.DefaultGates(defaultTimeout)
	}
	out := make([]gates.Gate, 0, len(c.Gates))
	for _, g := range c.Gates {
		timeout := g.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		out = append(out, gates.Gate{
			Name:    g.Name,
			Command: g.Command,
			AutoFix: g.AutoFix,
			Timeout: timeout,
		})
	}
	return out
}

func defaults() HarnessConfig {
	return HarnessConfig{
		AgentBin: "claude",
		Models: ModelRouting{
			Low:      "claude-haiku",
			Mid:      "claude-sonnet",
			High:     "claude-opus",
			Patterns: failure.DefaultRoutingPatterns(),
		},
		Swarm: SwarmConfig{
			Enabled:           false,
			MinTasksForSwarm:  3,
			MaxParallelAgents: 4,
			BatchTimeout:      2 * time.Hour,
		},
		Review: ReviewConfig{
			Enabled:                true,
			MaxParallelReviewers:   3,
			BlockOnCritical:        true,
			MinConfidenceToAdvance: 0.6,
		},
		FailurePolicy: FailurePolicyConfig{
			MaxRetries:             3,
			RetryDelay:             10 * time.Second,
			ContinueOnFailure:      true,
			MaxConsecutiveFailures: 3,
			AnnotateFailures:       true,
		},
		Checkpoint: checkpointConfigFromPolicy(types.DefaultCheckpointPolicy()),
		Poll: PollConfig{
			Base:              2 * time.Second,
			Max:               30 * time.Second,
			SteadyStateRounds: 3,
		},
		BlockerPriority:  true,
		TrackerStateFile: ".harness/issues.jsonl",
	}
}

func checkpointConfigFromPolicy(p types.CheckpointPolicy) CheckpointConfig {
	return CheckpointConfig{
		AfterSessions:     p.AfterSessions,
		AfterHours:        p.AfterHours,
		OnError:           p.OnError,
		OnConfidenceBelow: p.OnConfidenceBelow,
		OnRedirect:        p.OnRedirect,
	}
}

// Load layers defaults, then a config file at path (if non-empty), then
// HARNESS_-prefixed environment variables, in that order of increasing
// precedence.
func Load(path string) (HarnessConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("HARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaults()
	applyDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".md") {
			if err := loadFrontmatter(v, path); err != nil {
				return HarnessConfig{}, fmt.Errorf("load config frontmatter: %w", err)
			}
		} else if err := v.ReadInConfig(); err != nil {
			return HarnessConfig{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	var cfg HarnessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return HarnessConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, def HarnessConfig) {
	v.SetDefault("agent_bin", def.AgentBin)
	v.SetDefault("models.low", def.Models.Low)
	v.SetDefault("models.mid", def.Models.Mid)
	v.SetDefault("models.high", def.Models.High)
	v.SetDefault("models.patterns", def.Models.Patterns)
	v.SetDefault("swarm.enabled", def.Swarm.Enabled)
	v.SetDefault("swarm.min_tasks_for_swarm", def.Swarm.MinTasksForSwarm)
	v.SetDefault("swarm.max_parallel_agents", def.Swarm.MaxParallelAgents)
	v.SetDefault("swarm.batch_timeout", def.Swarm.BatchTimeout)
	v.SetDefault("review.enabled", def.Review.Enabled)
	v.SetDefault("review.max_parallel_reviewers", def.Review.MaxParallelReviewers)
	v.SetDefault("review.block_on_critical", def.Review.BlockOnCritical)
	v.SetDefault("review.min_confidence_to_advance", def.Review.MinConfidenceToAdvance)
	v.SetDefault("failure_policy.max_retries", def.FailurePolicy.MaxRetries)
	v.SetDefault("failure_policy.retry_delay", def.FailurePolicy.RetryDelay)
	v.SetDefault("failure_policy.continue_on_failure", def.FailurePolicy.ContinueOnFailure)
	v.SetDefault("failure_policy.max_consecutive_failures", def.FailurePolicy.MaxConsecutiveFailures)
	v.SetDefault("failure_policy.annotate_failures", def.FailurePolicy.AnnotateFailures)
	v.SetDefault("checkpoint.after_sessions", def.Checkpoint.AfterSessions)
	v.SetDefault("checkpoint.after_hours", def.Checkpoint.AfterHours)
	v.SetDefault("checkpoint.on_error", def.Checkpoint.OnError)
	v.SetDefault("checkpoint.on_confidence_below", def.Checkpoint.OnConfidenceBelow)
	v.SetDefault("checkpoint.on_redirect", def.Checkpoint.OnRedirect)
	v.SetDefault("poll.base", def.Poll.Base)
	v.SetDefault("poll.max", def.Poll.Max)
	v.SetDefault("poll.steady_state_rounds", def.Poll.SteadyStateRounds)
	v.SetDefault("blocker_priority", def.BlockerPriority)
	v.SetDefault("tracker_state_file", def.TrackerStateFile)
}
