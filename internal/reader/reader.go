// Package reader answers queries against a published destination without
// ever writing to it. Large result sets are streamed in pages sized against
// the memory currently available.
package reader

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/pbnjay/memory"
)

const (
	// DefaultCacheTTL bounds how long cached catalog and period answers live
	DefaultCacheTTL = 24 * time.Hour

	// DefaultBytesPerRow estimates the in-memory cost of one reading
	DefaultBytesPerRow = 32

	// DefaultMemoryFraction is the share of available memory one query may use
	DefaultMemoryFraction = 0.25

	// MinPageSize is the smallest page fetched in paged mode
	MinPageSize = 1000

	cacheKeyTimePeriod    = "time_period"
	cacheKeySensorCatalog = "sensor_catalog"
)

// Options holds reader configuration
type Options struct {
	BusyTimeout    time.Duration
	Cache          Cache // nil disables caching
	CacheTTL       time.Duration
	BytesPerRow    int64
	MemoryFraction float64

	// AvailableMemory reports free memory in bytes; defaults to the OS value
	AvailableMemory func() uint64
}

// Period is the time span covered by the destination
type Period struct {
	Start time.Time
	End   time.Time
}

// SensorDescriptor describes the destination column behind an alias
type SensorDescriptor struct {
	ID       int
	Alias    string
	Aliases  []string
	DataType string
	Column   string
}

// Reading is one sample of one sensor
type Reading struct {
	Time  time.Time
	Value float64
}

// SensorStats summarises one sensor's samples
type SensorStats struct {
	Sensor SensorDescriptor
	Count  int64
	First  time.Time
	Last   time.Time
}

// Reader is a read-only view of a destination
type Reader struct {
	db   *store.Store
	opts Options
}

// Open opens dest read-only
func Open(dest string, opts *Options) (*Reader, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.BytesPerRow <= 0 {
		o.BytesPerRow = DefaultBytesPerRow
	}
	if o.MemoryFraction <= 0 || o.MemoryFraction > 1 {
		o.MemoryFraction = DefaultMemoryFraction
	}
	if o.AvailableMemory == nil {
		o.AvailableMemory = memory.FreeMemory
	}

	if !util.FileExists(dest) {
		return nil, fmt.Errorf("%w: destination %s", util.ErrNotFound, dest)
	}

	db, err := store.OpenWithOptions(dest, &store.OpenOptions{BusyTimeout: o.BusyTimeout, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &Reader{db: db, opts: o}, nil
}

// Close closes the underlying connection
func (r *Reader) Close() error {
	return r.db.Close()
}

// InvalidateCache drops every cached answer
func (r *Reader) InvalidateCache() {
	if r.opts.Cache == nil {
		return
	}
	r.opts.Cache.Delete(cacheKeyTimePeriod)
	r.opts.Cache.Delete(cacheKeySensorCatalog)
	util.DebugLog("Reader cache invalidated")
}

// TimePeriod returns the earliest and latest timestamp in the destination
func (r *Reader) TimePeriod(ctx context.Context) (Period, error) {
	if v, ok := r.cached(cacheKeyTimePeriod); ok {
		return v.(Period), nil
	}

	var first, last *float64
	err := r.db.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT MIN(%[1]s), MAX(%[1]s) FROM %[2]s",
		store.Quote(store.TimeColumn), store.Quote(store.DataTable))).Scan(&first, &last)
	if err != nil {
		return Period{}, fmt.Errorf("failed to query time period: %w", err)
	}
	if first == nil || last == nil {
		return Period{}, fmt.Errorf("%w: destination has no rows", util.ErrNoData)
	}

	p := Period{Start: util.UnixToTime(*first), End: util.UnixToTime(*last)}
	r.remember(cacheKeyTimePeriod, p)
	return p, nil
}

// SensorCatalog maps every alias to its sensor. An alias shared by several
// sensors resolves to the one with the lowest id.
func (r *Reader) SensorCatalog(ctx context.Context) (map[string]SensorDescriptor, error) {
	sensors, err := r.sensorCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return maps.Clone(sensors), nil
}

// sensorCatalog returns the shared, possibly cached map; callers must not modify it
func (r *Reader) sensorCatalog(ctx context.Context) (map[string]SensorDescriptor, error) {
	if v, ok := r.cached(cacheKeySensorCatalog); ok {
		return v.(map[string]SensorDescriptor), nil
	}

	rows, err := r.db.CatalogRows(ctx)
	if err != nil {
		return nil, err
	}
	columns, err := store.TableColumns(ctx, r.db.DB(), store.DataTable)
	if err != nil {
		return nil, err
	}

	result := make(map[string]SensorDescriptor)
	for _, row := range rows {
		column := store.ColumnName(row.Index)
		if !columns[column] {
			util.DebugLog("Catalog entry %d has no column, ignoring", row.Index)
			continue
		}

		aliases := splitAliases(row.Aliases)
		if len(aliases) == 0 {
			aliases = []string{fmt.Sprintf("sensor_%d", row.Index)}
		}
		dataType := row.DataType
		if dataType == "" {
			dataType = store.DefaultDataType
		}

		for _, alias := range aliases {
			if prev, dup := result[alias]; dup {
				util.WarnLog("Alias %q used by sensors %d and %d, keeping %d", alias, prev.ID, row.Index, prev.ID)
				continue
			}
			result[alias] = SensorDescriptor{
				ID:       row.Index,
				Alias:    alias,
				Aliases:  aliases,
				DataType: dataType,
				Column:   column,
			}
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no sensors in catalog", util.ErrNoData)
	}

	r.remember(cacheKeySensorCatalog, result)
	return result, nil
}

// Sensor looks up one alias
func (r *Reader) Sensor(ctx context.Context, alias string) (SensorDescriptor, error) {
	sensors, err := r.sensorCatalog(ctx)
	if err != nil {
		return SensorDescriptor{}, err
	}
	s, ok := sensors[catalog.NormalizeAlias(alias)]
	if !ok {
		return SensorDescriptor{}, fmt.Errorf("%w: sensor %q", util.ErrNotFound, alias)
	}
	return s, nil
}

// StreamReadings returns the readings of alias within [start, end]; nil
// bounds are open. Small results are loaded at once, larger ones paged.
func (r *Reader) StreamReadings(ctx context.Context, alias string, start, end *time.Time) (ReadingSequence, error) {
	sensor, err := r.Sensor(ctx, alias)
	if err != nil {
		return nil, err
	}

	where, args := rangeFilter(sensor.Column, start, end)

	// Rows are only ever appended, so the highest id seen together with the
	// count pins every later page to the same snapshot
	var count, maxID int64
	countQuery := fmt.Sprintf("SELECT COUNT(*), (SELECT COALESCE(MAX(id), 0) FROM %[1]s) FROM %[1]s WHERE %[2]s",
		store.Quote(store.DataTable), where)
	if err := r.db.DB().QueryRowContext(ctx, countQuery, args...).Scan(&count, &maxID); err != nil {
		return nil, fmt.Errorf("failed to count readings: %w", err)
	}
	where += " AND id <= ?"
	args = append(args, maxID)

	selectQuery := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s ORDER BY %s, id",
		store.Quote(store.TimeColumn), store.Quote(sensor.Column), store.Quote(store.DataTable),
		where, store.Quote(store.TimeColumn))

	budget := r.memoryBudget()
	needed := count * r.opts.BytesPerRow
	if needed <= budget {
		util.DebugLog("Loading %d readings of %s at once (%s of %s budget)",
			count, alias, util.FormatBytes(needed), util.FormatBytes(budget))

		rows, err := r.db.DB().QueryContext(ctx, selectQuery, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query readings: %w", err)
		}
		readings, err := scanReadings(rows, int(count))
		if err != nil {
			return nil, err
		}
		return &materialized{readings: readings}, nil
	}

	pageSize := PageSize(budget, count, r.opts.BytesPerRow)
	util.DebugLog("Paging %d readings of %s (%s exceeds %s budget), %d per page",
		count, alias, util.FormatBytes(needed), util.FormatBytes(budget), pageSize)

	return &paged{
		ctx:      ctx,
		db:       r.db.DB(),
		query:    selectQuery + " LIMIT ? OFFSET ?",
		args:     args,
		pageSize: pageSize,
		total:    count,
	}, nil
}

// SensorStats returns count and time span of one sensor's samples
func (r *Reader) SensorStats(ctx context.Context, alias string) (SensorStats, error) {
	sensor, err := r.Sensor(ctx, alias)
	if err != nil {
		return SensorStats{}, err
	}

	var (
		count       int64
		first, last *float64
	)
	query := fmt.Sprintf("SELECT COUNT(*), MIN(%[1]s), MAX(%[1]s) FROM %[2]s WHERE %[3]s IS NOT NULL",
		store.Quote(store.TimeColumn), store.Quote(store.DataTable), store.Quote(sensor.Column))
	if err := r.db.DB().QueryRowContext(ctx, query).Scan(&count, &first, &last); err != nil {
		return SensorStats{}, fmt.Errorf("failed to query sensor stats: %w", err)
	}
	if count == 0 || first == nil || last == nil {
		return SensorStats{}, fmt.Errorf("%w: sensor %q has no readings", util.ErrNoData, alias)
	}

	return SensorStats{
		Sensor: sensor,
		Count:  count,
		First:  util.UnixToTime(*first),
		Last:   util.UnixToTime(*last),
	}, nil
}

// PageSize sizes pages to the memory budget, at least MinPageSize and at
// most a tenth of the result
func PageSize(budget, count, bytesPerRow int64) int {
	if bytesPerRow <= 0 {
		bytesPerRow = DefaultBytesPerRow
	}
	size := min(budget/bytesPerRow, count/10+1)
	return int(max(MinPageSize, size))
}

func (r *Reader) memoryBudget() int64 {
	avail := r.opts.AvailableMemory()
	return int64(float64(avail) * r.opts.MemoryFraction)
}

func rangeFilter(column string, start, end *time.Time) (string, []any) {
	clauses := []string{store.Quote(column) + " IS NOT NULL"}
	var args []any
	if start != nil {
		clauses = append(clauses, store.Quote(store.TimeColumn)+" >= ?")
		args = append(args, util.TimeToUnix(*start))
	}
	if end != nil {
		clauses = append(clauses, store.Quote(store.TimeColumn)+" <= ?")
		args = append(args, util.TimeToUnix(*end))
	}
	return strings.Join(clauses, " AND "), args
}

func splitAliases(s string) []string {
	var aliases []string
	for _, a := range strings.Split(s, catalog.AliasSeparator) {
		if a = strings.TrimSpace(a); a != "" {
			aliases = append(aliases, a)
		}
	}
	return aliases
}

func (r *Reader) cached(key string) (any, bool) {
	if r.opts.Cache == nil {
		return nil, false
	}
	return r.opts.Cache.Get(key)
}

func (r *Reader) remember(key string, value any) {
	if r.opts.Cache != nil {
		r.opts.Cache.Set(key, value, r.opts.CacheTTL)
	}
}
