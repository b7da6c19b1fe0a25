package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/franz/datalog-merge/internal/merge"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Bring the destination up to date with the source tree",
	Long: `Merge every logger session file below the source folder into the destination.

Only rows newer than each file's watermark are copied. Nothing is done when no
source changed since the last complete run. A missing or damaged destination,
or --force, rebuilds the database into a temporary file that then replaces
the old one.

Interrupting a merge (Ctrl+C) keeps every file that was fully copied; the next
run picks up the rest.`,
	RunE: runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)

	mergeCmd.Flags().Bool("force", false, "Rebuild the destination from scratch")
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	force, _ := cmd.Flags().GetBool("force")

	logger := newEventLogger()
	defer logger.Close()

	cfg, err := engineConfig(logger)
	if err != nil {
		return err
	}

	util.InfoLog("=== Merge ===")
	util.InfoLog("Source: %s", cfg.Source)
	util.InfoLog("Destination: %s", cfg.Dest)

	engine := merge.New(cfg)
	summary, err := engine.EnsureUpToDate(ctx, merge.Options{Force: force})
	printSummary(summary)
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	if summary.Failed() {
		return fmt.Errorf("%d source file(s) failed, see log above", len(summary.Errors))
	}

	if logger.Path() != "" && !viper.GetBool("quiet") {
		util.InfoLog("Event log: %s", logger.Path())
	}
	return nil
}

// printSummary reports one run in the log
func printSummary(s *merge.RunSummary) {
	if s == nil {
		return
	}

	util.InfoLog("")
	if s.Regime == merge.RegimeSkipped {
		util.SuccessLog("Up to date (%d sources, checked in %v)", s.Sources, s.Duration.Round(time.Millisecond))
		return
	}
	if s.Regime == "" {
		return
	}

	util.SuccessLog("=== Merge Summary (%s) ===", s.Regime)
	util.InfoLog("  Sources:       %d", s.Sources)
	util.InfoLog("  Copied from:   %d", s.Copied())
	if s.Unchanged > 0 {
		util.InfoLog("  Unchanged:     %d", s.Unchanged)
	}
	if n := s.SkippedFiles(); n > 0 {
		util.WarnLog("  Skipped:       %d", n)
	}
	util.InfoLog("  Rows copied:   %s", util.FormatCount(s.RowsCopied))
	util.InfoLog("  Sensors:       %d (%d new columns)", s.Sensors, s.ColumnsAdded)
	util.InfoLog("  Duration:      %v", s.Duration.Round(time.Millisecond))

	if s.Corrupt {
		util.WarnLog("  Previous destination was corrupt and has been rebuilt")
	}
	if s.Degraded {
		util.WarnLog("  Published by copy instead of rename")
	}
	for _, o := range s.Outcomes {
		if o.Skipped {
			util.WarnLog("  skipped %s: %s", o.Path, o.Reason)
		}
	}
	for _, e := range s.Errors {
		util.ErrorLog("  %v", e)
	}
}
