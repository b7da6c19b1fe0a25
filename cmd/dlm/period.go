package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/cobra"
)

var periodCmd = &cobra.Command{
	Use:   "period",
	Short: "Show the time span covered by the merged database",
	RunE:  runPeriod,
}

func init() {
	rootCmd.AddCommand(periodCmd)
}

func runPeriod(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	period, err := r.TimePeriod(ctx)
	if errors.Is(err, util.ErrNoData) {
		util.WarnLog("Destination holds no readings yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read time period: %w", err)
	}

	fmt.Printf("Start: %s UTC\n", util.FormatTime(period.Start))
	fmt.Printf("End:   %s UTC\n", util.FormatTime(period.End))
	fmt.Printf("Span:  %v\n", period.End.Sub(period.Start))
	return nil
}
