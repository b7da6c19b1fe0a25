package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Watermark is a source file's last copied timestamp as recorded in the destination
type Watermark struct {
	Path     string
	MaxTS    float64
	RowCount int64
}

// Watermarks loads every recorded source watermark
func (s *Store) Watermarks(ctx context.Context) (map[string]Watermark, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, max_ts, row_count FROM source_watermarks")
	if err != nil {
		return nil, fmt.Errorf("failed to query watermarks: %w", err)
	}
	defer rows.Close()

	marks := make(map[string]Watermark)
	for rows.Next() {
		var w Watermark
		if err := rows.Scan(&w.Path, &w.MaxTS, &w.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		marks[w.Path] = w
	}
	return marks, rows.Err()
}

// PutWatermark records a source watermark inside the copy transaction.
// The row count accumulates across runs.
func PutWatermark(ctx context.Context, tx Querier, w Watermark) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO source_watermarks (path, max_ts, row_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			max_ts = MAX(source_watermarks.max_ts, excluded.max_ts),
			row_count = source_watermarks.row_count + excluded.row_count,
			updated_at = CURRENT_TIMESTAMP
	`, w.Path, w.MaxTS, w.RowCount)
	if err != nil {
		return fmt.Errorf("failed to record watermark for %s: %w", w.Path, err)
	}
	return nil
}

// RowCount returns the number of rows in the data table
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM data").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// SensorColumns returns the sensor indexes that have a value column, ascending
func (s *Store) SensorColumns(ctx context.Context) ([]int, error) {
	columns, err := TableColumns(ctx, s.db, DataTable)
	if err != nil {
		return nil, err
	}

	var indexes []int
	for name := range columns {
		if index, ok := ParseColumnIndex(name); ok {
			indexes = append(indexes, index)
		}
	}
	sort.Ints(indexes)
	return indexes, nil
}

// CatalogRows returns the catalog ordered by index
func (s *Store) CatalogRows(ctx context.Context) ([]CatalogRow, error) {
	return ReadCatalog(ctx, s.db)
}

// ReadCatalog reads a destination catalog table ordered by index
func ReadCatalog(ctx context.Context, q Querier) ([]CatalogRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT data_format_index, COALESCE(comment, ''), COALESCE(data_type, '')
		FROM data_format
		ORDER BY data_format_index
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var result []CatalogRow
	for rows.Next() {
		var row CatalogRow
		if err := rows.Scan(&row.Index, &row.Aliases, &row.DataType); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Inserter writes sample rows for a fixed set of sensor columns through one
// prepared statement
type Inserter struct {
	stmt  *sql.Stmt
	width int
}

// NewInserter prepares an insert for the given sensor indexes inside tx
func NewInserter(ctx context.Context, tx *sql.Tx, indexes []int) (*Inserter, error) {
	columns := make([]string, 0, len(indexes)+1)
	columns = append(columns, Quote(TimeColumn))
	for _, index := range indexes {
		columns = append(columns, Quote(ColumnName(index)))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		Quote(DataTable), strings.Join(columns, ", "), placeholders)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	return &Inserter{stmt: stmt, width: len(indexes)}, nil
}

// Insert writes one row; values must line up with the indexes given to NewInserter
func (ins *Inserter) Insert(ctx context.Context, ts float64, values []sql.NullFloat64) error {
	if len(values) != ins.width {
		return fmt.Errorf("insert: got %d values for %d columns", len(values), ins.width)
	}
	args := make([]any, 0, len(values)+1)
	args = append(args, ts)
	for _, v := range values {
		args = append(args, v)
	}
	if _, err := ins.stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to insert row: %w", err)
	}
	return nil
}

// Close releases the prepared statement
func (ins *Inserter) Close() error {
	return ins.stmt.Close()
}
