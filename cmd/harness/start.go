package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/gates"
	"github.com/lowlandforge/vigil/internal/git"
	"github.com/lowlandforge/vigil/internal/review"
	"github.com/lowlandforge/vigil/internal/saga"
	"github.com/lowlandforge/vigil/internal/specinput"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

var startCmd = &cobra.Command{
	Use:   "start <spec-path>",
	Short: "Initialize a new harness run from a spec file and drive it to completion or pause",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	startCmd.Flags().Int("checkpoint-every", 0, "override checkpoint.after_sessions")
	startCmd.Flags().Float64("max-hours", 0, "override checkpoint.after_hours")
	startCmd.Flags().String("config", "", "path to a HarnessConfig file (markdown+frontmatter or YAML)")
	startCmd.Flags().String("reviewers", "", "comma-separated reviewer type shorthand, e.g. s,a,q")
	startCmd.Flags().Bool("no-review", false, "disable the Reviewer Pipeline for this run")
	startCmd.Flags().Bool("review-block-high", false, "block checkpoint advance on any high-severity finding")
	startCmd.Flags().Bool("swarm", false, "enable bounded-parallel swarm mode")
	startCmd.Flags().Int("max-agents", 0, "override swarm.max_parallel_agents")
	startCmd.Flags().Int("min-tasks", 0, "override swarm.min_tasks_for_swarm")
	startCmd.Flags().Bool("dry-run", false, "validate and print the run plan without writing anything")
	rootCmd.AddCommand(startCmd)
}

var reviewerShorthand = map[byte]review.ReviewerType{
	's': review.TypeSecurity,
	'a': review.TypeArchitecture,
	'q': review.TypeQuality,
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	specPath := args[0]

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetInt("checkpoint-every"); v > 0 {
		cfg.Checkpoint.AfterSessions = v
	}
	if v, _ := cmd.Flags().GetFloat64("max-hours"); v > 0 {
		cfg.Checkpoint.AfterHours = v
	}
	if noReview, _ := cmd.Flags().GetBool("no-review"); noReview {
		cfg.Review.Enabled = false
	}
	if blockHigh, _ := cmd.Flags().GetBool("review-block-high"); blockHigh {
		cfg.Review.BlockOnHigh = true
	}
	if swarmFlag, _ := cmd.Flags().GetBool("swarm"); swarmFlag {
		cfg.Swarm.Enabled = true
	}
	if v, _ := cmd.Flags().GetInt("max-agents"); v > 0 {
		cfg.Swarm.MaxParallelAgents = v
	}
	if v, _ := cmd.Flags().GetInt("min-tasks"); v > 0 {
		cfg.Swarm.MinTasksForSwarm = v
	}
	if shorthand, _ := cmd.Flags().GetString("reviewers"); shorthand != "" {
		cfg.Review.Reviewers = nil
		for _, tok := range strings.Split(shorthand, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if t, ok := reviewerShorthand[tok[0]]; ok {
				cfg.Review.Reviewers = append(cfg.Review.Reviewers, config.ReviewerConfig{
					ID: string(t), Type: string(t), Enabled: true, CanBlock: t == review.TypeSecurity,
				})
			}
		}
	}

	spec, err := readSpecFile(specPath)
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")

	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("%s %s (%d features)\n", bold("Spec:"), spec.Title, len(spec.Features))

	if dryRun {
		fmt.Printf("%s dry-run: no issues created, no branch created, no sessions spawned\n", cyan("plan"))
		for _, f := range spec.Features {
			fmt.Printf("  - [%d] %s\n", f.Priority, f.Title)
		}
		fmt.Printf("swarm enabled=%v min_tasks=%d max_agents=%d\n", cfg.Swarm.Enabled, cfg.Swarm.MinTasksForSwarm, cfg.Swarm.MaxParallelAgents)
		fmt.Printf("review enabled=%v reviewers=%d\n", cfg.Review.Enabled, len(cfg.Review.Reviewers))
		return nil
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open issue store: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	g, err := git.New(ctx, cwd)
	if err != nil {
		return fmt.Errorf("harness must run inside a git working tree: %w", err)
	}

	runID := newRunID()
	slug := slugify(spec.Title)
	branch := git.RunBranchName(slug, time.Now())

	setup := newStartupSaga(ctx, g, cfg, st, spec, specPath, runID, branch, cwd)
	result := setup.Run(ctx)
	if result.Status != saga.StatusCompleted {
		if result.Status == saga.StatusCompensationFailed {
			fmt.Printf("%s setup failed and compensation also failed; the working tree and issue store may be left partially modified\n",
				color.New(color.FgRed).SprintFunc()("warning:"))
		}
		return fmt.Errorf("run setup: %w", result.Err)
	}

	baseCommit := result.Results["create-branch"].(string)
	featureIDs := result.Results["materialize-spec"].([]string)
	epicID := result.Results["create-epic"].(string)

	state := &types.RunState{
		ID:               runID,
		Status:           types.RunRunning,
		SpecRef:          specPath,
		Branch:           branch,
		BaseCommit:       baseCommit,
		StartedAt:        time.Now(),
		FeaturesTotal:    len(featureIDs),
		CheckpointPolicy: cfg.CheckpointPolicy(),
	}

	sched := buildScheduler(state, cfg, st, g, cwd)

	fmt.Printf("%s run %s on branch %s (epic %s)\n", bold("starting"), runID, branch, epicID)
	runErr := sched.RunUntilPausedOrDone(ctx)

	printRunSummary(sched.State())
	if runErr != nil {
		return runErr
	}
	if sched.State().Status == types.RunFailed {
		os.Exit(1)
	}
	return nil
}

// newStartupSaga wires run initialization as a compensating saga: create
// the dedicated run branch, run baseline gates, materialize the spec's
// features, and create the run epic. A failure partway through rolls
// back the steps already completed — deleting the run branch and
// closing any issues already created — rather than leaving the working
// tree and issue store half set up.
func newStartupSaga(ctx context.Context, g *git.Git, cfg config.HarnessConfig, st store.Store, spec *specinput.Spec, specPath, runID, branch, cwd string) *saga.Saga {
	originalBranch, _ := g.CurrentBranch(ctx)

	steps := []saga.Step{
		{
			Name: "create-branch",
			Execute: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				baseCommit, err := g.HeadCommit(ctx)
				if err != nil {
					return nil, fmt.Errorf("resolve HEAD commit: %w", err)
				}
				if err := g.CreateRunBranch(ctx, branch); err != nil {
					return nil, fmt.Errorf("create run branch: %w", err)
				}
				return baseCommit, nil
			},
			Compensate: func(ctx context.Context, _ interface{}, _ map[string]interface{}) error {
				if originalBranch == "" || originalBranch == branch {
					return nil
				}
				if err := g.CreateRunBranch(ctx, originalBranch); err != nil {
					return err
				}
				return g.DeleteBranch(ctx, branch)
			},
		},
		{
			Name: "baseline-gates",
			Execute: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				gateRunner := gates.NewRunner(cfg.ToGates(10*time.Minute), cwd, st, runID)
				results, ok := gateRunner.RunAll(ctx)
				if !ok {
					for _, r := range results {
						if !r.Passed {
							fmt.Printf("%s baseline gate %q failed: %s\n", color.New(color.FgRed).SprintFunc()("blocked"), r.Gate, r.Error)
						}
					}
					return nil, fmt.Errorf("baseline gates failed; see blocker issues in the store")
				}
				return nil, nil
			},
		},
		{
			Name: "materialize-spec",
			Execute: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				ids, err := materializeSpec(ctx, st, spec, runID)
				if err != nil {
					return ids, fmt.Errorf("materialize spec: %w", err)
				}
				return ids, nil
			},
			Compensate: func(ctx context.Context, ownResult interface{}, _ map[string]interface{}) error {
				ids, _ := ownResult.([]string)
				var firstErr error
				for _, id := range ids {
					if err := st.UpdateStatus(ctx, id, types.StatusClosed); err != nil && firstErr == nil {
						firstErr = err
					}
				}
				return firstErr
			},
		},
		{
			Name: "create-epic",
			Execute: func(ctx context.Context, previous map[string]interface{}) (interface{}, error) {
				baseCommit, _ := previous["create-branch"].(string)
				featureIDs, _ := previous["materialize-spec"].([]string)
				epicID, err := st.Create(ctx, "harness run: "+spec.Title, store.CreateOptions{
					Type:        types.TypeEpic,
					Priority:    2,
					Description: fmt.Sprintf("spec: %s\nbranch: %s\nbase_commit: %s\nfeatures: %d", specPath, branch, baseCommit, len(featureIDs)),
					Labels:      []string{runEpicLabel, "run:" + runID},
					Meta:        map[string]string{"run_id": runID, "kind": "run-epic"},
				})
				if err != nil {
					return nil, fmt.Errorf("create run epic: %w", err)
				}
				return epicID, nil
			},
			Compensate: func(ctx context.Context, ownResult interface{}, _ map[string]interface{}) error {
				id, _ := ownResult.(string)
				if id == "" {
					return nil
				}
				return st.UpdateStatus(ctx, id, types.StatusClosed)
			},
		},
	}

	return saga.New("harness-run-setup", steps, saga.Config{ContinueCompensatingOnError: true})
}

func printRunSummary(state *types.RunState) {
	fmt.Printf("\nrun %s: status=%s sessions=%d completed=%d/%d failed=%d cost=$%.2f\n",
		state.ID, state.Status, state.SessionsCompleted, state.FeaturesCompleted, state.FeaturesTotal, state.FeaturesFailed, state.TotalCost)
	if state.PauseReason != "" {
		fmt.Printf("reason: %s\n", state.PauseReason)
	}
}
