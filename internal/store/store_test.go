package store

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/franz/datalog-merge/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "merged.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreOpenAndMigrate(t *testing.T) {
	store := openTestStore(t)

	version, err := store.getSchemaVersion()
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}

	tables := []string{"data", "data_format", "source_watermarks", "schema_version"}
	for _, table := range tables {
		ok, err := HasTable(context.Background(), store.db, table)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if !ok {
			t.Errorf("expected table %s to exist", table)
		}
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %s", mode)
	}
}

func TestEvolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rows := []CatalogRow{
		{Index: 0, Aliases: "T01", DataType: "REAL"},
		{Index: 1, Aliases: "T02", DataType: ""},
	}

	added, err := store.Evolve(ctx, rows)
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}
	if added != 2 {
		t.Errorf("expected 2 columns added, got %d", added)
	}

	rows[0].Aliases = "T01|Tvo1"
	added, err = store.Evolve(ctx, rows)
	if err != nil {
		t.Fatalf("second Evolve failed: %v", err)
	}
	if added != 0 {
		t.Errorf("expected no new columns, got %d", added)
	}

	indexes, err := store.SensorColumns(ctx)
	if err != nil {
		t.Fatalf("SensorColumns failed: %v", err)
	}
	if len(indexes) != 2 || indexes[0] != 0 || indexes[1] != 1 {
		t.Errorf("unexpected sensor columns: %v", indexes)
	}

	catalog, err := store.CatalogRows(ctx)
	if err != nil {
		t.Fatalf("CatalogRows failed: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected 2 catalog rows, got %d", len(catalog))
	}
	if catalog[0].Aliases != "T01|Tvo1" {
		t.Errorf("expected updated aliases, got %q", catalog[0].Aliases)
	}
	if catalog[1].DataType != DefaultDataType {
		t.Errorf("expected default data type, got %q", catalog[1].DataType)
	}
}

func TestInserterAndWatermarks(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.Evolve(ctx, []CatalogRow{{Index: 3, Aliases: "P1"}}); err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}

	err := store.Transaction(ctx, func(tx *sql.Tx) error {
		ins, err := NewInserter(ctx, tx, []int{3})
		if err != nil {
			return err
		}
		defer ins.Close()

		for i := 0; i < 5; i++ {
			if err := ins.Insert(ctx, float64(100+i), []sql.NullFloat64{{Float64: 1.5, Valid: true}}); err != nil {
				return err
			}
		}
		return PutWatermark(ctx, tx, Watermark{Path: "/src/a.db", MaxTS: 104, RowCount: 5})
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	// A lower watermark never moves the mark backwards
	err = store.Transaction(ctx, func(tx *sql.Tx) error {
		return PutWatermark(ctx, tx, Watermark{Path: "/src/a.db", MaxTS: 50, RowCount: 0})
	})
	if err != nil {
		t.Fatalf("second watermark failed: %v", err)
	}

	count, err := store.RowCount(ctx)
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 rows, got %d", count)
	}

	marks, err := store.Watermarks(ctx)
	if err != nil {
		t.Fatalf("Watermarks failed: %v", err)
	}
	w, ok := marks["/src/a.db"]
	if !ok {
		t.Fatal("expected watermark for /src/a.db")
	}
	if w.MaxTS != 104 || w.RowCount != 5 {
		t.Errorf("unexpected watermark: %+v", w)
	}
}

func TestInserterRejectsWrongWidth(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	store.Evolve(ctx, []CatalogRow{{Index: 0, Aliases: "T01"}})

	err := store.Transaction(ctx, func(tx *sql.Tx) error {
		ins, err := NewInserter(ctx, tx, []int{0})
		if err != nil {
			return err
		}
		defer ins.Close()
		return ins.Insert(ctx, 1, nil)
	})
	if err == nil {
		t.Error("expected width mismatch error")
	}
}

func TestCheckpointTruncatesWAL(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	store.Evolve(ctx, []CatalogRow{{Index: 0, Aliases: "T01"}})

	if err := store.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	info, err := os.Stat(store.Path() + "-wal")
	if err == nil && info.Size() != 0 {
		t.Errorf("expected empty WAL after checkpoint, got %d bytes", info.Size())
	}
}

func TestIsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("not an sqlite file "), 128), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenWithOptions(path, &OpenOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("open should be lazy, got %v", err)
	}
	defer s.Close()

	_, err = s.RowCount(context.Background())
	if err == nil {
		t.Fatal("expected query on garbage file to fail")
	}
	if !IsMalformed(err) {
		t.Errorf("expected malformed classification for %v", err)
	}

	if IsMalformed(sql.ErrNoRows) {
		t.Error("ErrNoRows must not be classified as malformed")
	}
}

func TestParseColumnIndex(t *testing.T) {
	tests := []struct {
		column string
		index  int
		ok     bool
	}{
		{"data_format_0", 0, true},
		{"data_format_17", 17, true},
		{"data_format_", 0, false},
		{"data_format_1x", 0, false},
		{"data_format_01", 0, false},
		{"data_format_-1", 0, false},
		{"time@timestamp", 0, false},
		{"id", 0, false},
	}

	for _, tt := range tests {
		index, ok := ParseColumnIndex(tt.column)
		if ok != tt.ok || index != tt.index {
			t.Errorf("ParseColumnIndex(%q) = (%d, %v), expected (%d, %v)",
				tt.column, index, ok, tt.index, tt.ok)
		}
	}
}

func TestSourceReading(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session", "log 1.db")
	sensors := []storetest.Sensor{
		{Index: 0, Name: " T01 ", DataType: "REAL"},
		{Index: 1, Name: "T02", DataType: "REAL"},
	}
	storetest.WriteSource(t, path, sensors, storetest.Rows(sensors, 1000, 10, 20))

	src, err := OpenSource(path, 0)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer src.Close()

	catalog, err := src.Sensors(ctx)
	if err != nil {
		t.Fatalf("Sensors failed: %v", err)
	}
	if len(catalog) != 2 || catalog[0].Name != "T01" {
		t.Errorf("unexpected catalog: %+v", catalog)
	}

	columns, err := src.DataColumns(ctx)
	if err != nil {
		t.Fatalf("DataColumns failed: %v", err)
	}
	if !columns[0] || !columns[1] || len(columns) != 2 {
		t.Errorf("unexpected columns: %v", columns)
	}

	after := 1004.0
	rows, err := src.Rows(ctx, []int{1}, &after)
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	defer rows.Close()

	var got []float64
	for rows.Next() {
		var ts float64
		var v sql.NullFloat64
		if err := rows.Scan(&ts, &v); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		got = append(got, ts)
	}
	if len(got) != 5 || got[0] != 1005 || got[4] != 1009 {
		t.Errorf("unexpected timestamps after watermark: %v", got)
	}
}

func TestSourceMissingTables(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatal(err)
	}
	db.Exec("CREATE TABLE other (x INTEGER)")
	db.Close()

	src, err := OpenSource(path, 0)
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	defer src.Close()

	if _, err := src.Sensors(ctx); err == nil {
		t.Error("expected error for missing data_format table")
	}
	if _, err := src.DataColumns(ctx); err == nil {
		t.Error("expected error for missing data table")
	}
}
