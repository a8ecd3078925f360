package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/git"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/types"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused or interrupted run from its latest checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().String("run-id", "", "run to resume; defaults to the most recently updated run")
	resumeCmd.Flags().String("config", "", "path to a HarnessConfig file")
	resumeCmd.Flags().Bool("dry-run", false, "print the reconstructed run state without writing anything or spawning sessions")
	rootCmd.AddCommand(resumeCmd)
}

// runResume reconstructs a RunState from the run epic and its latest
// checkpoint record, re-checks-out the run branch, and re-enters the
// scheduler loop where it left off.
func runResume(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open issue store: %w", err)
	}

	runIDFlag, _ := cmd.Flags().GetString("run-id")
	epic, err := findRunEpic(ctx, st, runIDFlag)
	if err != nil {
		return err
	}
	runID := epic.Metadata["run_id"]
	fields := runEpicFields(epic.Description)

	featuresTotal, _ := strconv.Atoi(fields["features"])

	state := &types.RunState{
		ID:               runID,
		Status:           types.RunRunning,
		SpecRef:          fields["spec"],
		Branch:           fields["branch"],
		BaseCommit:       fields["base_commit"],
		StartedAt:        epic.CreatedAt,
		FeaturesTotal:    featuresTotal,
		CheckpointPolicy: cfg.CheckpointPolicy(),
	}

	cp, err := latestCheckpointFor(ctx, st, runID)
	if err == nil {
		state.SessionsCompleted = cp.SessionNumber
		state.TotalCost = cp.AccumulatedCostUsd
		state.LastSessionID = cp.LastSessionID
		state.LastCheckpoint = cp
	}

	// An unresolved pause marker would otherwise be detected again on the
	// very first loop iteration and re-pause the run immediately; resume
	// is the operator's explicit override, so close it first.
	all, err := st.ListAll(ctx)
	if err != nil {
		return err
	}

	// FeaturesCompleted must be the run's true cumulative closed-issue
	// count, not just the latest checkpoint's
	// per-window IssuesCompleted list, which checkpoint/engine.go resets
	// after every write.
	_, _, closed := runIssueCounts(all, runID)
	state.FeaturesCompleted = closed

	for _, iss := range all {
		if iss.Status == types.StatusOpen && iss.HasLabel(redirect.PauseLabel) && iss.Metadata["run_id"] == runID {
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); !dryRun {
				_ = st.UpdateStatus(ctx, iss.ID, types.StatusClosed)
			}
		}
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s run %s: sessions=%d completed=%d/%d cost=$%.2f branch=%s\n",
		bold("resuming"), state.ID, state.SessionsCompleted, state.FeaturesCompleted, state.FeaturesTotal, state.TotalCost, state.Branch)

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	g, err := git.New(ctx, cwd)
	if err != nil {
		return fmt.Errorf("harness must run inside a git working tree: %w", err)
	}
	if state.Branch != "" {
		if err := g.CreateRunBranch(ctx, state.Branch); err != nil {
			return fmt.Errorf("checkout run branch: %w", err)
		}
	}

	sched := buildScheduler(state, cfg, st, g, cwd)
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
