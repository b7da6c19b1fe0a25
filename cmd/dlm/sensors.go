package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/franz/datalog-merge/internal/reader"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/cobra"
)

var sensorsCmd = &cobra.Command{
	Use:   "sensors",
	Short: "List the sensors of the merged database",
	Long: `List every alias the destination knows, with the sensor id and column it
resolves to. A sensor named differently by several loggers shows each name;
when two sensors share a name the lower id answers for it.`,
	RunE: runSensors,
}

func init() {
	rootCmd.AddCommand(sensorsCmd)
}

func runSensors(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	sensors, err := r.SensorCatalog(ctx)
	if errors.Is(err, util.ErrNoData) {
		util.WarnLog("No sensors found. Run 'dlm merge' first.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sensors: %w", err)
	}

	return writeSensors(os.Stdout, sensors)
}

// writeSensors prints one line per alias, ordered by id then alias
func writeSensors(w io.Writer, sensors map[string]reader.SensorDescriptor) error {
	list := make([]reader.SensorDescriptor, 0, len(sensors))
	for alias, s := range sensors {
		s.Alias = alias
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].ID != list[j].ID {
			return list[i].ID < list[j].ID
		}
		return list[i].Alias < list[j].Alias
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALIAS\tTYPE\tCOLUMN\tALL NAMES")
	for _, s := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Alias, s.DataType, s.Column, strings.Join(s.Aliases, ", "))
	}
	return tw.Flush()
}
