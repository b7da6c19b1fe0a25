package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceSensor is one catalog entry of a logger file
type SourceSensor struct {
	LocalIndex int
	Name       string
	DataType   string
}

// Source is a read-only handle on one logger file
type Source struct {
	db   *sql.DB
	path string
}

// OpenSource opens a logger file read-only
func OpenSource(path string, busyTimeout time.Duration) (*Source, error) {
	db, err := openDB(path, busyTimeout, true)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Source{db: db, path: path}, nil
}

// Close closes the source connection
func (src *Source) Close() error {
	return src.db.Close()
}

// Path returns the file the source was opened from
func (src *Source) Path() string {
	return src.path
}

// Sensors reads the file's catalog, ordered by local index. Duplicate local
// indexes keep their first row.
func (src *Source) Sensors(ctx context.Context) ([]SourceSensor, error) {
	ok, err := HasTable(ctx, src.db, CatalogTable)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", src.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("no %s table", CatalogTable)
	}

	rows, err := src.db.QueryContext(ctx, `
		SELECT data_format_index, COALESCE(comment, ''), COALESCE(data_type, '')
		FROM data_format
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	seen := make(map[int]bool)
	var sensors []SourceSensor
	for rows.Next() {
		var s SourceSensor
		var index sql.NullInt64
		if err := rows.Scan(&index, &s.Name, &s.DataType); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		if !index.Valid || index.Int64 < 0 || seen[int(index.Int64)] {
			continue
		}
		s.LocalIndex = int(index.Int64)
		s.Name = strings.TrimSpace(s.Name)
		seen[s.LocalIndex] = true
		sensors = append(sensors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sensors, func(i, j int) bool { return sensors[i].LocalIndex < sensors[j].LocalIndex })
	return sensors, nil
}

// DataColumns returns the sensor indexes that have a value column in the data table
func (src *Source) DataColumns(ctx context.Context) (map[int]bool, error) {
	ok, err := HasTable(ctx, src.db, DataTable)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", src.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("no %s table", DataTable)
	}

	columns, err := TableColumns(ctx, src.db, DataTable)
	if err != nil {
		return nil, err
	}
	if !columns[TimeColumn] {
		return nil, fmt.Errorf("no %s column", TimeColumn)
	}

	indexes := make(map[int]bool)
	for name := range columns {
		if index, ok := ParseColumnIndex(name); ok {
			indexes[index] = true
		}
	}
	return indexes, nil
}

// Rows selects samples newer than the watermark (all samples when after is nil),
// ascending by timestamp. Each row scans as (timestamp, value per index).
func (src *Source) Rows(ctx context.Context, indexes []int, after *float64) (*sql.Rows, error) {
	columns := make([]string, 0, len(indexes)+1)
	columns = append(columns, Quote(TimeColumn))
	for _, index := range indexes {
		columns = append(columns, Quote(ColumnName(index)))
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s IS NOT NULL",
		strings.Join(columns, ", "), Quote(DataTable), Quote(TimeColumn))
	var args []any
	if after != nil {
		query += fmt.Sprintf(" AND %s > ?", Quote(TimeColumn))
		args = append(args, *after)
	}
	query += fmt.Sprintf(" ORDER BY %s", Quote(TimeColumn))

	rows, err := src.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select rows: %w", err)
	}
	return rows, nil
}
