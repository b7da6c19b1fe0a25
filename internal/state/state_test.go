package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/datalog-merge/internal/scan"
)

func TestMergeStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.db.state.json")

	s := NewMergeState()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put("/logs/a/1.db", SourceRecord{SizeBytes: 4096, MtimeUnix: 1700000000, MaxTS: 1700000099.5, HasMaxTS: true, RowCount: 100, UpdatedAt: now})
	s.Put("/logs/b/2.db", SourceRecord{SizeBytes: 8192, MtimeUnix: 1700000100})

	if !s.Dirty() {
		t.Error("Expected state to be dirty after Put")
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := LoadMergeState(path)
	if loaded.Len() != 2 {
		t.Fatalf("Expected 2 records, got %d", loaded.Len())
	}

	rec, ok := loaded.Get("/logs/a/1.db")
	if !ok {
		t.Fatal("Record for /logs/a/1.db missing")
	}
	if rec.Path != "/logs/a/1.db" || rec.MaxTS != 1700000099.5 || !rec.HasMaxTS || rec.RowCount != 100 {
		t.Errorf("Unexpected record %+v", rec)
	}
	if !rec.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, expected %v", rec.UpdatedAt, now)
	}

	rec, _ = loaded.Get("/logs/b/2.db")
	if rec.HasMaxTS {
		t.Error("Record without rows should not have a max timestamp")
	}

	loaded.Reset()
	if loaded.Len() != 0 || !loaded.Dirty() {
		t.Error("Reset should empty the state and mark it dirty")
	}
}

func TestLoadMergeStateFallbacks(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content *string
	}{
		{"missing", nil},
		{"garbage", strPtr("{{{")},
		{"future version", strPtr(`{"version": 99, "sources": [{"path": "/x.db"}]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0644); err != nil {
					t.Fatalf("Failed to write file: %v", err)
				}
			}
			if s := LoadMergeState(path); s.Len() != 0 {
				t.Errorf("Expected empty state, got %d records", s.Len())
			}
		})
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.db.meta.json")

	if LoadMetadata(path) != nil {
		t.Fatal("Expected nil metadata for missing file")
	}

	meta := &MergeMetadata{
		LastMerge:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		SourceHash:    "abc",
		SourceCount:   3,
		FormatVersion: FormatVersion,
	}
	if err := meta.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := LoadMetadata(path)
	if loaded == nil {
		t.Fatal("Expected metadata after save")
	}
	if loaded.SourceHash != "abc" || loaded.SourceCount != 3 || !loaded.LastMerge.Equal(meta.LastMerge) {
		t.Errorf("Unexpected metadata %+v", loaded)
	}

	if err := os.WriteFile(path, []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if LoadMetadata(path) != nil {
		t.Error("Expected nil metadata for malformed file")
	}
}

func TestSourceHash(t *testing.T) {
	a := scan.SourceFile{Path: "/logs/a.db", SizeBytes: 10, MtimeUnix: 100}
	b := scan.SourceFile{Path: "/logs/b.db", SizeBytes: 20, MtimeUnix: 200}

	if SourceHash([]scan.SourceFile{a, b}) != SourceHash([]scan.SourceFile{b, a}) {
		t.Error("Hash should not depend on order")
	}

	grown := b
	grown.SizeBytes = 21
	touched := b
	touched.MtimeUnix = 201

	base := SourceHash([]scan.SourceFile{a, b})
	for name, files := range map[string][]scan.SourceFile{
		"size":    {a, grown},
		"mtime":   {a, touched},
		"removed": {a},
		"empty":   nil,
	} {
		if SourceHash(files) == base {
			t.Errorf("Hash unchanged after %s change", name)
		}
	}
}

func TestFreshnessOracle(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "merged.db")
	files := []scan.SourceFile{{Path: "/logs/a.db", SizeBytes: 10, MtimeUnix: 100}}
	hash := SourceHash(files)

	if err := os.WriteFile(dest, []byte("db"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		dest     string
		meta     *MergeMetadata
		expected bool
	}{
		{"no metadata", dest, nil, false},
		{"old format", dest, &MergeMetadata{SourceHash: hash, FormatVersion: FormatVersion - 1}, false},
		{"missing destination", filepath.Join(dir, "gone.db"), &MergeMetadata{SourceHash: hash, FormatVersion: FormatVersion}, false},
		{"hash differs", dest, &MergeMetadata{SourceHash: "other", FormatVersion: FormatVersion}, false},
		{"up to date", dest, &MergeMetadata{SourceHash: hash, FormatVersion: FormatVersion}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := &FreshnessOracle{Dest: tt.dest, Meta: tt.meta}
			if got := oracle.IsUpToDate(files); got != tt.expected {
				t.Errorf("IsUpToDate = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestSidePaths(t *testing.T) {
	paths := SidePaths("/data/merged.db")
	expected := []string{"/data/merged.db.state.json", "/data/merged.db.sensors.json", "/data/merged.db.meta.json"}
	for i := range expected {
		if paths[i] != expected[i] {
			t.Errorf("SidePaths[%d] = %s, expected %s", i, paths[i], expected[i])
		}
	}
}

func strPtr(s string) *string { return &s }
