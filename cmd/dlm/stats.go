package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats <alias>",
	Short: "Summarise one sensor",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	stats, err := r.SensorStats(ctx, args[0])
	if err != nil {
		return err
	}

	s := stats.Sensor
	fmt.Printf("Sensor:   %s (id %d, %s)\n", s.Alias, s.ID, s.DataType)
	if len(s.Aliases) > 1 {
		fmt.Printf("Names:    %s\n", strings.Join(s.Aliases, ", "))
	}
	fmt.Printf("Column:   %s\n", s.Column)
	fmt.Printf("Readings: %s\n", util.FormatCount(stats.Count))
	fmt.Printf("First:    %s UTC\n", util.FormatTime(stats.First))
	fmt.Printf("Last:     %s UTC\n", util.FormatTime(stats.Last))
	return nil
}
