package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the current state of a run from its run epic and latest checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("run-id", "", "run to report on; defaults to the most recently updated run")
	statusCmd.Flags().String("config", "", "path to a HarnessConfig file")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	statusColor := green
	switch epic.Status {
	case types.StatusClosed:
		statusColor = green
	default:
		statusColor = yellow
	}

	fmt.Printf("%s %s\n", bold("run:"), runID)
	fmt.Printf("  epic status: %s\n", statusColor(epic.Status))
	fmt.Printf("  branch:      %s\n", fields["branch"])
	fmt.Printf("  base commit: %s\n", fields["base_commit"])
	fmt.Printf("  spec:        %s\n", fields["spec"])
	fmt.Printf("  features:    %s\n", fields["features"])

	all, err := st.ListAll(ctx)
	if err != nil {
		return err
	}
	open, inProgress, closed := runIssueCounts(all, runID)
	fmt.Printf("  issues:      open=%d in_progress=%d closed=%d\n", open, inProgress, closed)

	cp, err := latestCheckpointFor(ctx, st, runID)
	if err != nil {
		fmt.Printf("  checkpoint:  %s\n", yellow("none yet"))
		return nil
	}
	fmt.Printf("%s\n", bold("latest checkpoint:"))
	fmt.Printf("  sequence:    %d\n", cp.SessionNumber)
	confColor := green
	if cp.Confidence < 0.5 {
		confColor = red
	} else if cp.Confidence < 0.75 {
		confColor = yellow
	}
	fmt.Printf("  confidence:  %s\n", confColor(fmt.Sprintf("%.2f", cp.Confidence)))
	fmt.Printf("  commit:      %s\n", cp.GitCommit)
	fmt.Printf("  cost:        $%.2f\n", cp.AccumulatedCostUsd)
	fmt.Printf("  completed:   %d\n", len(cp.IssuesCompleted))
	if len(cp.RedirectNotes) > 0 {
		fmt.Printf("  redirects:\n")
		for _, n := range cp.RedirectNotes {
			fmt.Printf("    - %s\n", n)
		}
	}

	var pauseReq bool
	for _, iss := range all {
		if iss.Status == types.StatusOpen && iss.HasLabel(redirect.PauseLabel) && iss.Metadata["run_id"] == runID {
			pauseReq = true
		}
	}
	if pauseReq {
		fmt.Printf("  %s pause requested, not yet observed by a running scheduler\n", yellow("note:"))
	}

	return nil
}
