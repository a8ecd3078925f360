// Command harness drives the autonomous agent loop: parsing a spec file,
// scheduling agent sessions against an issue store, checkpointing
// progress, and running review and baseline-gate passes. One file per
// subcommand; package-level *cobra.Command vars are wired in init().
package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harness",
	Short: "Autonomous coding-agent orchestration harness",
	Long: `harness drives a coding agent through a backlog of features derived
from a spec file, checkpointing progress and pausing on review blocks,
gate failures, or externally requested redirects.`,
}
