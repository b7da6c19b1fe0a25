package store

import (
	"fmt"
	"strings"
)

const (
	// DataTable holds one row per logged sample
	DataTable = "data"
	// CatalogTable maps sensor indexes to aliases and value types
	CatalogTable = "data_format"
	// TimeColumn is the sample timestamp in unix seconds
	TimeColumn = "time@timestamp"
	// ColumnPrefix prefixes every per-sensor value column
	ColumnPrefix = "data_format_"
	// DefaultDataType is recorded when a source leaves the type blank
	DefaultDataType = "REAL"
)

// Schema v1 - destination layout. Sensor columns are added later by Evolve.
// The data/data_format pair mirrors the logger's own file format so tools
// that read source files can read the merged store as well.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS data (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  "time@timestamp" REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_data_time ON data("time@timestamp");

CREATE TABLE IF NOT EXISTS data_format (
  data_format_index INTEGER PRIMARY KEY,
  comment TEXT NOT NULL,
  data_type TEXT NOT NULL DEFAULT 'REAL'
);

-- Per-source high-water marks, written in the same transaction as the rows
CREATE TABLE IF NOT EXISTS source_watermarks (
  path TEXT PRIMARY KEY,
  max_ts REAL NOT NULL,
  row_count INTEGER NOT NULL DEFAULT 0,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ColumnName returns the value column for a sensor index
func ColumnName(index int) string {
	return fmt.Sprintf("%s%d", ColumnPrefix, index)
}

// ParseColumnIndex extracts the sensor index from a value column name
func ParseColumnIndex(column string) (int, bool) {
	if !strings.HasPrefix(column, ColumnPrefix) {
		return 0, false
	}
	var index int
	if _, err := fmt.Sscanf(column[len(ColumnPrefix):], "%d", &index); err != nil {
		return 0, false
	}
	if index < 0 || ColumnName(index) != column {
		return 0, false
	}
	return index, true
}

// Quote quotes an SQL identifier
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
