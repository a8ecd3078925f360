package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/checkpoint"
	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/routing"
	"github.com/lowlandforge/vigil/internal/types"
)

// archivedLabel marks a checkpoint record as pruned by cleanup, so a
// later cleanup pass skips it.
const archivedLabel = "archived"

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune routing-log entries and superseded checkpoint records older than a retention window",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().Int("retention-days", 30, "prune routing-log entries and checkpoints older than this many days")
	cleanupCmd.Flags().String("config", "", "path to a HarnessConfig file")
	cleanupCmd.Flags().Bool("dry-run", false, "report what would be pruned without writing anything")
	rootCmd.AddCommand(cleanupCmd)
}

// runCleanup prunes bookkeeping for completed runs: for every closed run
// whose epic was last updated before the retention window, it
// supersedes all but its most recent checkpoint record (the adapter
// contract has no delete operation, so "prune" means close + label
// "archived" rather than remove), and truncates the routing-experiment
// ledger to the same window.
func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	retentionDays, _ := cmd.Flags().GetInt("retention-days")
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open issue store: %w", err)
	}

	all, err := st.ListAll(ctx)
	if err != nil {
		return err
	}

	// Group checkpoint records by run id, restricted to runs whose epic
	// is closed and was last updated before the cutoff.
	staleRuns := make(map[string]bool)
	for _, iss := range all {
		if iss.HasLabel(runEpicLabel) && iss.Status == types.StatusClosed && iss.UpdatedAt.Before(cutoff) {
			staleRuns[iss.Metadata["run_id"]] = true
		}
	}

	type cpRecord struct {
		issue *types.Issue
		seq   int
	}
	byRun := make(map[string][]cpRecord)
	for _, iss := range all {
		if !iss.HasLabel(checkpointLabel) || iss.HasLabel(archivedLabel) {
			continue
		}
		runID := iss.Metadata["run_id"]
		if !staleRuns[runID] {
			continue
		}
		seq := 0
		if cp, err := checkpoint.Parse(iss.Description); err == nil {
			seq = cp.SessionNumber
		}
		byRun[runID] = append(byRun[runID], cpRecord{issue: iss, seq: seq})
	}

	bold := color.New(color.Bold).SprintFunc()
	var prunedCheckpoints int
	for runID, records := range byRun {
		if len(records) <= 1 {
			continue
		}
		latest := records[0]
		for _, r := range records[1:] {
			if r.seq > latest.seq {
				latest = r
			}
		}
		for _, r := range records {
			if r.issue.ID == latest.issue.ID {
				continue
			}
			prunedCheckpoints++
			fmt.Printf("  prune checkpoint %s (run %s, seq %d)\n", r.issue.ID, runID, r.seq)
			if dryRun {
				continue
			}
			_ = st.AddLabel(ctx, r.issue.ID, archivedLabel)
			_ = st.UpdateStatus(ctx, r.issue.ID, types.StatusClosed)
			_ = st.Annotate(ctx, r.issue.ID, fmt.Sprintf("pruned by cleanup: retention_days=%d", retentionDays))
		}
	}

	var prunedLedgerEntries int
	if ledger := openLedger(cfg); ledger != nil {
		if dryRun {
			entries, _ := routing.ReadAll(ledger.Path())
			for _, e := range entries {
				if e.Timestamp.Before(cutoff) {
					prunedLedgerEntries++
				}
			}
		} else {
			prunedLedgerEntries, err = routing.Prune(ledger.Path(), cutoff)
			if err != nil {
				return fmt.Errorf("prune routing ledger: %w", err)
			}
		}
	}

	action := "pruned"
	if dryRun {
		action = "would prune"
	}
	fmt.Printf("%s %s: %d checkpoint(s) across %d run(s), %d routing-log entr(ies)\n",
		bold("cleanup"), action, prunedCheckpoints, len(staleRuns), prunedLedgerEntries)
	return nil
}
