package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/redirect"
	"github.com/lowlandforge/vigil/internal/store"
	"github.com/lowlandforge/vigil/internal/types"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Request a pause on a running harness run via an advisory marker issue",
	Args:  cobra.NoArgs,
	RunE:  runPause,
}

func init() {
	pauseCmd.Flags().String("run-id", "", "run to pause; defaults to the most recently updated run")
	pauseCmd.Flags().String("reason", "operator requested pause", "reason recorded on the pause marker")
	pauseCmd.Flags().String("config", "", "path to a HarnessConfig file")
	rootCmd.AddCommand(pauseCmd)
}

// runPause writes an advisory pause marker: a new open issue, labeled
// redirect.PauseLabel and tagged with the
// target run_id, that the Redirect Detector picks up on its next poll.
// The scheduler only runs in the foreground per invocation, so there is
// no daemon to signal directly; the marker is instead observed the next
// time `start` or `resume` drives that run.
func runPause(cmd *cobra.Command, args []string) error {
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

	runID, _ := cmd.Flags().GetString("run-id")
	epic, err := findRunEpic(ctx, st, runID)
	if err != nil {
		return err
	}
	runID = epic.Metadata["run_id"]

	reason, _ := cmd.Flags().GetString("reason")
	id, err := st.Create(ctx, "pause requested: "+runID, store.CreateOptions{
		Type:        types.TypeChore,
		Priority:    0,
		Description: reason,
		Labels:      []string{redirect.PauseLabel},
		Meta:        map[string]string{"run_id": runID},
	})
	if err != nil {
		return fmt.Errorf("write pause marker: %w", err)
	}

	fmt.Printf("pause requested for run %s (marker %s): %s\n", runID, id, reason)
	return nil
}
