// Package storetest builds logger-format SQLite files for tests.
package storetest

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite" // SQLite driver
)

// Sensor is a catalog entry of a fake logger file
type Sensor struct {
	Index    int
	Name     string
	DataType string
}

// Row is one sample; Values is keyed by local sensor index, missing keys are NULL
type Row struct {
	TS     float64
	Values map[int]float64
}

// WriteSource creates a logger file at path with the given catalog and rows
func WriteSource(t testing.TB, path string, sensors []Sensor, rows []Row) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	db := open(t, path)
	defer db.Close()

	columns := []string{`"time@timestamp" INTEGER`}
	for _, s := range sensors {
		columns = append(columns, fmt.Sprintf("data_format_%d REAL", s.Index))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE data (id INTEGER PRIMARY KEY AUTOINCREMENT, %s)", strings.Join(columns, ", ")),
		"CREATE TABLE data_format (data_format_index INTEGER, comment TEXT, data_type TEXT)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to create source schema: %v", err)
		}
	}

	for _, s := range sensors {
		if _, err := db.Exec("INSERT INTO data_format VALUES (?, ?, ?)", s.Index, s.Name, s.DataType); err != nil {
			t.Fatalf("failed to insert catalog row: %v", err)
		}
	}

	insertRows(t, db, sensors, rows)
}

// AppendRows adds rows to an existing logger file
func AppendRows(t testing.TB, path string, sensors []Sensor, rows []Row) {
	t.Helper()

	db := open(t, path)
	defer db.Close()
	insertRows(t, db, sensors, rows)
}

// Rows builds n rows starting at ts0, one second apart, with every sensor set
// to base+i
func Rows(sensors []Sensor, ts0 float64, n int, base float64) []Row {
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		values := make(map[int]float64, len(sensors))
		for _, s := range sensors {
			values[s.Index] = base + float64(i)
		}
		rows = append(rows, Row{TS: ts0 + float64(i), Values: values})
	}
	return rows
}

func open(t testing.TB, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func insertRows(t testing.TB, db *sql.DB, sensors []Sensor, rows []Row) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		columns := []string{`"time@timestamp"`}
		args := []any{r.TS}
		for _, s := range sensors {
			v, ok := r.Values[s.Index]
			if !ok {
				continue
			}
			columns = append(columns, fmt.Sprintf("data_format_%d", s.Index))
			args = append(args, v)
		}
		query := fmt.Sprintf("INSERT INTO data (%s) VALUES (%s)",
			strings.Join(columns, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", "))
		if _, err := tx.Exec(query, args...); err != nil {
			t.Fatalf("failed to insert row: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit rows: %v", err)
	}
}
