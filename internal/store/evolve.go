package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CatalogRow is one row of the destination catalog table
type CatalogRow struct {
	Index    int
	Aliases  string // Pipe-joined
	DataType string
}

// TableColumns returns the live column set of a table
func TableColumns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", Quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}

	return columns, rows.Err()
}

// HasTable reports whether a table exists
func HasTable(ctx context.Context, q Querier, table string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// EnsureColumn adds the value column for a sensor if the live schema lacks it.
// Returns true when the column was added.
func EnsureColumn(ctx context.Context, tx Querier, index int) (bool, error) {
	columns, err := TableColumns(ctx, tx, DataTable)
	if err != nil {
		return false, err
	}
	return ensureColumn(ctx, tx, columns, index)
}

func ensureColumn(ctx context.Context, tx Querier, columns map[string]bool, index int) (bool, error) {
	name := ColumnName(index)
	if columns[name] {
		return false, nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s REAL", Quote(DataTable), Quote(name))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("failed to add column %s: %w", name, err)
	}
	columns[name] = true
	return true, nil
}

// UpsertCatalogRow inserts or refreshes a catalog entry
func UpsertCatalogRow(ctx context.Context, tx Querier, row CatalogRow) error {
	dataType := row.DataType
	if dataType == "" {
		dataType = DefaultDataType
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO data_format (data_format_index, comment, data_type)
		VALUES (?, ?, ?)
		ON CONFLICT(data_format_index) DO UPDATE SET
			comment = excluded.comment,
			data_type = excluded.data_type
	`, row.Index, row.Aliases, dataType)
	if err != nil {
		return fmt.Errorf("failed to upsert catalog row %d: %w", row.Index, err)
	}
	return nil
}

// Evolve grows the schema to cover every catalog row: columns first, then
// catalog entries, all in one transaction so readers never see one without
// the other. Returns the number of columns added.
func (s *Store) Evolve(ctx context.Context, rows []CatalogRow) (int, error) {
	added := 0
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		columns, err := TableColumns(ctx, tx, DataTable)
		if err != nil {
			return err
		}

		for _, row := range rows {
			ok, err := ensureColumn(ctx, tx, columns, row.Index)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
			if err := UpsertCatalogRow(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}
