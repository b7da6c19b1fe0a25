package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
)

func setupDestination(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "merged.db")

	db, err := store.Open(dest)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := db.Evolve(ctx, []store.CatalogRow{{Index: 0, Aliases: "T1", DataType: "REAL"}}); err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		ins, err := store.NewInserter(ctx, tx, []int{0})
		if err != nil {
			return err
		}
		defer ins.Close()
		for i := 0; i < 3; i++ {
			v := sql.NullFloat64{Float64: float64(i), Valid: true}
			if err := ins.Insert(ctx, 1700000000+float64(i), []sql.NullFloat64{v}); err != nil {
				return err
			}
		}
		return store.PutWatermark(ctx, tx, store.Watermark{Path: "/logs/a/1.db", MaxTS: 1700000002, RowCount: 3})
	})
	if err != nil {
		t.Fatalf("Failed to insert rows: %v", err)
	}
	if err := db.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	meta := &state.MergeMetadata{
		LastMerge:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceHash:    "abc",
		SourceCount:   1,
		FormatVersion: state.FormatVersion,
	}
	if err := meta.Save(state.MetaPath(dest)); err != nil {
		t.Fatalf("Failed to save metadata: %v", err)
	}
	return dest
}

func TestGenerateStatus(t *testing.T) {
	dest := setupDestination(t)

	report, err := GenerateStatus(context.Background(), dest, 0)
	if err != nil {
		t.Fatalf("GenerateStatus failed: %v", err)
	}

	if report.RowCount != 3 {
		t.Errorf("Expected 3 rows, got %d", report.RowCount)
	}
	if report.SensorColumns != 1 {
		t.Errorf("Expected 1 sensor column, got %d", report.SensorColumns)
	}
	if report.FirstTS == nil || *report.FirstTS != 1700000000 || *report.LastTS != 1700000002 {
		t.Errorf("Unexpected time range %v..%v", report.FirstTS, report.LastTS)
	}
	if !report.MetadataValid || report.SourceCount != 1 {
		t.Errorf("Expected valid metadata for 1 source, got %+v", report)
	}
	if len(report.Sources) != 1 || report.Sources[0].RowCount != 3 {
		t.Errorf("Unexpected sources %+v", report.Sources)
	}
	if report.SensorMapErr != "" {
		t.Errorf("Missing sensor map should not be an error, got %s", report.SensorMapErr)
	}
}

func TestGenerateStatusCorruptSensorMap(t *testing.T) {
	dest := setupDestination(t)
	if err := os.WriteFile(state.SensorsPath(dest), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateStatus(context.Background(), dest, 0)
	if err != nil {
		t.Fatalf("GenerateStatus failed: %v", err)
	}
	if report.SensorMapErr == "" {
		t.Error("Expected sensor map error to be reported")
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, report); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(buf.String(), "UNREADABLE") {
		t.Errorf("Expected unreadable sensor map in output:\n%s", buf.String())
	}
}

func TestGenerateStatusMissingDestination(t *testing.T) {
	_, err := GenerateStatus(context.Background(), filepath.Join(t.TempDir(), "none.db"), 0)
	if !errors.Is(err, util.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestWriteText(t *testing.T) {
	first, last := 1700000000.0, 1700003600.0
	report := &StatusReport{
		DestinationPath: "/data/merged.db",
		SizeBytes:       2048,
		RowCount:        12345,
		SensorColumns:   4,
		FirstTS:         &first,
		LastTS:          &last,
		LastMerge:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceCount:     2,
		MetadataValid:   true,
		Sources: []SourceStatus{
			{Path: "/logs/a/1.db", RowCount: 12345, MaxTS: last},
		},
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, report); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"/data/merged.db", "12,345", "2.0 KiB", "2023-11-14 22:13:20", "2024-03-01 12:00:00", "/logs/a/1.db"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncatePath(t *testing.T) {
	long := "/very/long/path/" + strings.Repeat("x", 100) + "/file.db"
	got := truncatePath(long, 40)
	if len(got) > 40 {
		t.Errorf("Truncated path too long: %d", len(got))
	}
	if !strings.HasSuffix(got, "file.db") {
		t.Errorf("Truncated path lost its tail: %s", got)
	}
	if truncatePath("/short.db", 40) != "/short.db" {
		t.Error("Short path should be unchanged")
	}
}
