package merge

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
)

// DefaultBatchSize is the number of rows buffered between insert flushes
const DefaultBatchSize = 10000

// Copier moves rows from logger files into the destination
type Copier struct {
	BatchSize   int
	BusyTimeout time.Duration
}

// filePlan maps the recognised local columns of one source to global columns
type filePlan struct {
	file   scan.SourceFile
	local  []int
	global []int
}

type bufferedRow struct {
	ts     float64
	values []sql.NullFloat64
}

// Inspect reads a source's catalog and resolves every recognised sensor
// column to its global id. A column is recognised when it exists in the
// data table and is declared in the source catalog.
func (c *Copier) Inspect(ctx context.Context, file scan.SourceFile, cat *catalog.Catalog) (*filePlan, error) {
	src, err := store.OpenSource(file.Path, c.BusyTimeout)
	if err != nil {
		return nil, &FileError{Path: file.Path, Op: "open", Err: err}
	}
	defer src.Close()

	sensors, err := src.Sensors(ctx)
	if err != nil {
		return nil, &FileError{Path: file.Path, Op: "read catalog", Err: err}
	}
	columns, err := src.DataColumns(ctx)
	if err != nil {
		return nil, &FileError{Path: file.Path, Op: "read schema", Err: err}
	}

	plan := &filePlan{file: file}
	declared := make(map[int]bool, len(sensors))
	for _, s := range sensors {
		declared[s.LocalIndex] = true
		if !columns[s.LocalIndex] {
			util.DebugLog("%s: sensor %d (%q) has no data column", file.Path, s.LocalIndex, s.Name)
			continue
		}
		id := cat.Resolve(file.Group, uint32(s.LocalIndex), s.Name, s.DataType)
		plan.local = append(plan.local, s.LocalIndex)
		plan.global = append(plan.global, int(id))
	}

	for index := range columns {
		if !declared[index] {
			util.DebugLog("%s: column %s is not declared, ignoring", file.Path, store.ColumnName(index))
		}
	}

	return plan, nil
}

// Copy appends the rows of plan newer than the watermark to the destination.
// The rows and the source's watermark row commit in one transaction, so a
// failure leaves the destination without any row from this file.
func (c *Copier) Copy(ctx context.Context, db *store.Store, plan *filePlan, after *float64) (FileOutcome, error) {
	path := plan.file.Path
	outcome := FileOutcome{Path: path}
	if after != nil {
		outcome.MaxTS, outcome.HasMaxTS = *after, true
	}

	if len(plan.local) == 0 {
		outcome.Skipped = true
		outcome.Reason = "no recognised sensor columns"
		return outcome, nil
	}

	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	src, err := store.OpenSource(path, c.BusyTimeout)
	if err != nil {
		return FileOutcome{Path: path}, &FileError{Path: path, Op: "open", Err: err}
	}
	defer src.Close()

	rows, err := src.Rows(ctx, plan.local, after)
	if err != nil {
		return FileOutcome{Path: path}, &FileError{Path: path, Op: "select", Err: err}
	}
	defer rows.Close()

	var copied int64
	maxTS, hasMax := outcome.MaxTS, outcome.HasMaxTS

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		ins, err := store.NewInserter(ctx, tx, plan.global)
		if err != nil {
			return err
		}
		defer ins.Close()

		batch := make([]bufferedRow, 0, min(batchSize, 1024))
		flush := func() error {
			for _, r := range batch {
				if err := ins.Insert(ctx, r.ts, r.values); err != nil {
					return err
				}
			}
			copied += int64(len(batch))
			batch = batch[:0]
			return ctx.Err()
		}

		dest := make([]any, len(plan.local)+1)
		for rows.Next() {
			var r bufferedRow
			r.values = make([]sql.NullFloat64, len(plan.local))
			dest[0] = &r.ts
			for i := range r.values {
				dest[i+1] = &r.values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				return fmt.Errorf("failed to scan source row: %w", err)
			}

			if !hasMax || r.ts > maxTS {
				maxTS, hasMax = r.ts, true
			}
			batch = append(batch, r)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read source rows: %w", err)
		}
		if err := flush(); err != nil {
			return err
		}

		if copied == 0 {
			return nil
		}
		return store.PutWatermark(ctx, tx, store.Watermark{Path: path, MaxTS: maxTS, RowCount: copied})
	})
	if err != nil {
		return FileOutcome{Path: path}, &FileError{Path: path, Op: "copy", Err: err}
	}

	outcome.RowsCopied = copied
	outcome.MaxTS, outcome.HasMaxTS = maxTS, hasMax
	return outcome, nil
}

// catalogRows converts catalog entries to destination catalog rows
func catalogRows(sensors []catalog.Sensor) []store.CatalogRow {
	rows := make([]store.CatalogRow, 0, len(sensors))
	for _, s := range sensors {
		rows = append(rows, store.CatalogRow{
			Index:    int(s.ID),
			Aliases:  s.AliasString(),
			DataType: s.DataType,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	return rows
}
