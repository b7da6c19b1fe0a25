package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/franz/datalog-merge/internal/reader"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <alias>",
	Short: "Print the readings of one sensor",
	Long: `Print the readings of one sensor, oldest first.

Bounds are inclusive and given in UTC as "2006-01-02 15:04:05". Results too
large for the memory budget are fetched page by page, so exporting a long
history does not load it all at once.

Examples:
  dlm read "Boiler Temp" --start "2024-03-01 00:00:00" --format csv > boiler.csv
  dlm read T01 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().String("start", "", "Earliest timestamp (inclusive, UTC)")
	readCmd.Flags().String("end", "", "Latest timestamp (inclusive, UTC)")
	readCmd.Flags().StringP("format", "f", "csv", "Output format: csv, json")
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	startFlag, _ := cmd.Flags().GetString("start")
	endFlag, _ := cmd.Flags().GetString("end")
	format, _ := cmd.Flags().GetString("format")

	start, err := parseBound(startFlag, "start")
	if err != nil {
		return err
	}
	end, err := parseBound(endFlag, "end")
	if err != nil {
		return err
	}

	var write func(io.Writer, reader.ReadingSequence) (int, error)
	switch format {
	case "csv":
		write = writeReadingsCSV
	case "json":
		write = writeReadingsJSON
	default:
		return fmt.Errorf("%w: unknown format %q (use csv or json)", util.ErrInvalidConfig, format)
	}

	r, err := openReader()
	if err != nil {
		return err
	}
	defer r.Close()

	seq, err := r.StreamReadings(ctx, args[0], start, end)
	if err != nil {
		return err
	}
	defer seq.Close()

	n, err := write(os.Stdout, seq)
	if err != nil {
		return err
	}
	util.DebugLog("Wrote %d readings (%s mode)", n, seq.Mode())
	return nil
}

// writeReadingsCSV writes a timestamp,value header and one line per reading
func writeReadingsCSV(w io.Writer, seq reader.ReadingSequence) (int, error) {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "value"}); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	n := 0
	for seq.Next() {
		for _, rd := range seq.Chunk() {
			record := []string{util.FormatTime(rd.Time), strconv.FormatFloat(rd.Value, 'g', -1, 64)}
			if err := writer.Write(record); err != nil {
				return n, fmt.Errorf("failed to write CSV row: %w", err)
			}
			n++
		}
	}
	if err := seq.Err(); err != nil {
		return n, err
	}
	writer.Flush()
	return n, writer.Error()
}

// writeReadingsJSON writes one JSON object per line
func writeReadingsJSON(w io.Writer, seq reader.ReadingSequence) (int, error) {
	encoder := json.NewEncoder(w)

	n := 0
	for seq.Next() {
		for _, rd := range seq.Chunk() {
			obj := map[string]interface{}{
				"timestamp": util.FormatTime(rd.Time),
				"unix":      util.TimeToUnix(rd.Time),
				"value":     rd.Value,
			}
			if err := encoder.Encode(obj); err != nil {
				return n, fmt.Errorf("failed to encode JSON: %w", err)
			}
			n++
		}
	}
	return n, seq.Err()
}
