package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

// AddMaxTurnsFlag adds the --max-turns flag
func AddMaxTurnsFlag(cmd *cobra.Command, dest *int) {
	cmd.Flags().IntVar(dest, "max-turns", 0, "Max agentic turns per claude invocation (overrides config)")
}

// AddTimeoutFlag adds the --timeout flag
func AddTimeoutFlag(cmd *cobra.Command, dest *time.Duration) {
	cmd.Flags().DurationVar(dest, "timeout", 0, "Kill claude after this long, e.g. 90s or 5m (overrides config)")
}

// AddClaudeBinFlag adds the --claude-bin flag
func AddClaudeBinFlag(cmd *cobra.Command, dest *string) {
	cmd.Flags().StringVar(dest, "claude-bin", "", "Path to the claude executable (overrides config)")
}
