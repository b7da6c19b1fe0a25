package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/franz/datalog-merge/internal/util"
)

func TestResolveAllocatesSequentialIDs(t *testing.T) {
	c := New()

	tests := []struct {
		group    string
		index    uint32
		name     string
		expected GlobalID
	}{
		{"/logs/a", 0, "T1", 0},
		{"/logs/a", 1, "T2", 1},
		{"/logs/b", 0, "T1", 2}, // same local index, other group
		{"/logs/a", 0, "T1", 0}, // already known
		{"/logs/a", 7, "", 3},
	}

	for _, tt := range tests {
		got := c.Resolve(tt.group, tt.index, tt.name, "")
		if got != tt.expected {
			t.Errorf("Resolve(%s, %d) = %d, expected %d", tt.group, tt.index, got, tt.expected)
		}
	}

	if c.Len() != 4 {
		t.Errorf("Expected 4 sensors, got %d", c.Len())
	}
	if c.NextID() != 4 {
		t.Errorf("Expected next id 4, got %d", c.NextID())
	}
	if got := c.AliasString(3); got != "sensor_7" {
		t.Errorf("Blank name alias = %q, expected sensor_7", got)
	}
}

func TestResolveAliasesAndTypes(t *testing.T) {
	c := New()

	id := c.Resolve("/logs/a", 2, "Temperature", "")
	c.Resolve("/logs/a", 2, "  Temperature ", "INTEGER") // trimmed duplicate, type ignored
	c.Resolve("/logs/a", 2, "Temp Kessel", "REAL")
	c.Resolve("/logs/a", 2, "Cafe\u0301", "") // decomposed
	c.Resolve("/logs/a", 2, "Caf\u00e9", "")  // composed, same after NFC

	sensors := c.Sensors()
	if len(sensors) != 1 {
		t.Fatalf("Expected 1 sensor, got %d", len(sensors))
	}
	s := sensors[0]
	if s.ID != id {
		t.Errorf("Expected id %d, got %d", id, s.ID)
	}
	if s.DataType != DefaultDataType {
		t.Errorf("Expected data type %s, got %s", DefaultDataType, s.DataType)
	}
	if got := s.AliasString(); got != "Temperature|Temp Kessel|Caf\u00e9" {
		t.Errorf("Unexpected aliases %q", got)
	}

	c.Resolve("/logs/b", 0, "Druck", "INTEGER")
	if got := c.Sensors()[1].DataType; got != "INTEGER" {
		t.Errorf("Expected declared type INTEGER, got %s", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merged.db.sensors.json")

	c := New()
	c.Resolve("/logs/a", 0, "T1", "")
	c.Resolve("/logs/a", 1, "T2", "")
	c.Resolve("/logs/a", 1, "T2 neu", "")
	c.Resolve("/logs/b", 4, "P", "INTEGER")

	if !c.Dirty() {
		t.Error("Expected catalog to be dirty after allocation")
	}
	if err := c.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if c.Dirty() {
		t.Error("Expected catalog to be clean after save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := c.Sensors()
	got := loaded.Sensors()
	if len(got) != len(want) {
		t.Fatalf("Expected %d sensors, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Key != want[i].Key ||
			got[i].AliasString() != want[i].AliasString() || got[i].DataType != want[i].DataType {
			t.Errorf("Sensor %d differs: %+v vs %+v", i, got[i], want[i])
		}
	}

	if id := loaded.Resolve("/logs/c", 0, "new", ""); id != 3 {
		t.Errorf("Expected next allocation 3 after reload, got %d", id)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if c.Len() != 0 || c.NextID() != 0 {
		t.Errorf("Expected empty catalog, got %d sensors", c.Len())
	}
}

func TestLoadCorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "{not json"},
		{"wrong version", `{"version": 9, "next_id": 0, "sensors": []}`},
		{"duplicate id", `{"version": 1, "next_id": 2, "sensors": [
			{"group": "a", "local_index": 0, "global_id": 0, "aliases": ["x"]},
			{"group": "a", "local_index": 1, "global_id": 0, "aliases": ["y"]}]}`},
		{"duplicate key", `{"version": 1, "next_id": 2, "sensors": [
			{"group": "a", "local_index": 0, "global_id": 0, "aliases": ["x"]},
			{"group": "a", "local_index": 0, "global_id": 1, "aliases": ["y"]}]}`},
		{"id beyond next", `{"version": 1, "next_id": 1, "sensors": [
			{"group": "a", "local_index": 0, "global_id": 1, "aliases": ["x"]}]}`},
		{"no aliases", `{"version": 1, "next_id": 1, "sensors": [
			{"group": "a", "local_index": 0, "global_id": 0, "aliases": []}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sensors.json")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write file: %v", err)
			}

			c, err := Load(path)
			if !errors.Is(err, util.ErrStateCorrupt) {
				t.Errorf("Expected ErrStateCorrupt, got %v", err)
			}
			if c == nil || c.Len() != 0 {
				t.Error("Expected empty catalog alongside the error")
			}
		})
	}
}

func TestNormalizeAlias(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  T1 ", "T1"},
		{"Cafe\u0301", "Caf\u00e9"},
		{"", ""},
		{"\t\n", ""},
	}
	for _, tt := range tests {
		if got := NormalizeAlias(tt.in); got != tt.want {
			t.Errorf("NormalizeAlias(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}
