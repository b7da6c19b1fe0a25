package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/franz/datalog-merge/internal/report"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the merged database",
	Long: `Show row and sensor counts, the covered time span, the last merge and the
watermark of every source file the destination has copied from.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	dest, err := requireDest()
	if err != nil {
		return err
	}

	status, err := report.GenerateStatus(ctx, dest, GetConfigDuration("busy-timeout", 10*time.Second))
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	return report.WriteText(os.Stdout, status)
}
