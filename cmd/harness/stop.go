package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lowlandforge/vigil/internal/config"
	"github.com/lowlandforge/vigil/internal/types"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Forcibly end a run, closing its run epic without waiting for a pause to be observed",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().String("run-id", "", "run to stop; defaults to the most recently updated run")
	stopCmd.Flags().String("reason", "operator requested stop", "reason recorded on the run epic")
	stopCmd.Flags().String("config", "", "path to a HarnessConfig file")
	rootCmd.AddCommand(stopCmd)
}

// runStop ends a run unconditionally, unlike pause's advisory marker:
// since the harness has no daemon, there is no in-flight process to
// interrupt, so stopping means marking the record a future `resume`
// would otherwise pick up as closed.
func runStop(cmd *cobra.Command, args []string) error {
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

	reason, _ := cmd.Flags().GetString("reason")
	if err := st.Annotate(ctx, epic.ID, "stopped: "+reason); err != nil {
		return fmt.Errorf("annotate run epic: %w", err)
	}
	if err := st.UpdateStatus(ctx, epic.ID, types.StatusClosed); err != nil {
		return fmt.Errorf("close run epic: %w", err)
	}

	fmt.Printf("run %s stopped: %s\n", runID, reason)
	return nil
}
