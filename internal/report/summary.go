package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
)

// StatusReport describes a destination and its side documents
type StatusReport struct {
	GeneratedAt time.Time

	// Destination
	DestinationPath string
	SizeBytes       int64
	RowCount        int64
	SensorColumns   int
	FirstTS         *float64
	LastTS          *float64

	// Side documents
	LastMerge     time.Time
	SourceCount   int
	SensorCount   int
	TrackedFiles  int
	MetadataValid bool
	SensorMapErr  string

	Sources []SourceStatus
}

// SourceStatus is one tracked source as recorded in the destination
type SourceStatus struct {
	Path     string
	RowCount int64
	MaxTS    float64
}

// GenerateStatus gathers statistics from a destination without modifying it
func GenerateStatus(ctx context.Context, dest string, busyTimeout time.Duration) (*StatusReport, error) {
	report := &StatusReport{
		GeneratedAt:     time.Now(),
		DestinationPath: dest,
		Sources:         make([]SourceStatus, 0),
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: destination %s: %v", util.ErrNotFound, dest, err)
	}
	report.SizeBytes = info.Size()

	db, err := store.OpenWithOptions(dest, &store.OpenOptions{BusyTimeout: busyTimeout, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if report.RowCount, err = db.RowCount(ctx); err != nil {
		return nil, err
	}
	columns, err := db.SensorColumns(ctx)
	if err != nil {
		return nil, err
	}
	report.SensorColumns = len(columns)

	if report.RowCount > 0 {
		var first, last float64
		err := db.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(%[1]s), MAX(%[1]s) FROM %[2]s",
			store.Quote(store.TimeColumn), store.Quote(store.DataTable))).Scan(&first, &last)
		if err != nil {
			return nil, fmt.Errorf("failed to read time range: %w", err)
		}
		report.FirstTS, report.LastTS = &first, &last
	}

	marks, err := db.Watermarks(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range marks {
		report.Sources = append(report.Sources, SourceStatus{Path: w.Path, RowCount: w.RowCount, MaxTS: w.MaxTS})
	}
	sort.Slice(report.Sources, func(i, j int) bool { return report.Sources[i].Path < report.Sources[j].Path })

	if meta := state.LoadMetadata(state.MetaPath(dest)); meta != nil {
		report.MetadataValid = meta.FormatVersion == state.FormatVersion
		report.LastMerge = meta.LastMerge
		report.SourceCount = meta.SourceCount
	}

	report.TrackedFiles = state.LoadMergeState(state.StatePath(dest)).Len()

	cat, err := catalog.Load(state.SensorsPath(dest))
	if err != nil {
		report.SensorMapErr = err.Error()
	}
	report.SensorCount = cat.Len()

	return report, nil
}

// WriteText renders the report as aligned plain text
func WriteText(w io.Writer, report *StatusReport) error {
	var b strings.Builder

	row := func(label, value string) {
		fmt.Fprintf(&b, "  %-18s %s\n", label+":", value)
	}

	b.WriteString("Destination\n")
	row("Path", report.DestinationPath)
	row("Size", util.FormatBytes(report.SizeBytes))
	row("Rows", util.FormatCount(report.RowCount))
	row("Sensor columns", fmt.Sprintf("%d", report.SensorColumns))
	if report.FirstTS != nil && report.LastTS != nil {
		row("Period", fmt.Sprintf("%s .. %s",
			util.FormatTime(util.UnixToTime(*report.FirstTS)),
			util.FormatTime(util.UnixToTime(*report.LastTS))))
	} else {
		row("Period", "(no data)")
	}

	b.WriteString("\nLast merge\n")
	if report.LastMerge.IsZero() {
		row("Completed", "never (or metadata unreadable)")
	} else {
		row("Completed", util.FormatTime(report.LastMerge.UTC()))
		row("Sources", fmt.Sprintf("%d", report.SourceCount))
	}
	if !report.MetadataValid {
		row("Next run", "full check required")
	}
	row("Tracked files", fmt.Sprintf("%d", report.TrackedFiles))
	row("Known sensors", fmt.Sprintf("%d", report.SensorCount))
	if report.SensorMapErr != "" {
		row("Sensor map", "UNREADABLE, next merge rebuilds")
	}

	if len(report.Sources) > 0 {
		b.WriteString("\nSources\n")
		for _, s := range report.Sources {
			fmt.Fprintf(&b, "  %-60s %12s  %s\n",
				truncatePath(s.Path, 60),
				util.FormatCount(s.RowCount),
				util.FormatTime(util.UnixToTime(s.MaxTS)))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// truncatePath truncates a file path to a maximum length
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	// Truncate from the middle, keeping start and end
	start := maxLen/2 - 2
	end := len(path) - (maxLen/2 - 2)
	return path[:start] + "..." + path[end:]
}
