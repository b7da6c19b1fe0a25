// Package merge folds logger session files into the merged destination.
//
// A run scans the source tree, skips itself when nothing changed since the
// last successful run, resolves every sensor to its global id, grows the
// destination schema and appends the rows each source gained since its
// watermark. A destination that is missing, invalid or corrupt, or a forced
// run, is rebuilt into a temporary file and published over the old one.
package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/franz/datalog-merge/internal/report"
	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/schollz/progressbar/v3"
)

// CacheInvalidator is notified after a run changed the destination
type CacheInvalidator interface {
	InvalidateCache()
}

// Config holds engine configuration
type Config struct {
	Source      string
	Dest        string
	BatchSize   int
	BusyTimeout time.Duration
	Retry       *util.RetryConfig
	Logger      *report.EventLogger

	Invalidators []CacheInvalidator
}

// Options controls a single run
type Options struct {
	Force bool // Rebuild the destination from scratch
}

// Engine runs merges for one destination. Runs must not overlap.
type Engine struct {
	cfg       Config
	scanner   *scan.Scanner
	copier    *Copier
	publisher *Publisher
	logger    *report.EventLogger
}

// New creates an Engine
func New(cfg *Config) *Engine {
	c := *cfg
	if c.Retry == nil {
		c.Retry = util.LockRetryConfig(0, 0)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}

	publisher := NewPublisher(c.Retry)
	if c.BusyTimeout > 0 {
		publisher.BusyTimeout = c.BusyTimeout
	}

	return &Engine{
		cfg:       c,
		scanner:   scan.New(&scan.Config{Destination: c.Dest}),
		copier:    &Copier{BatchSize: c.BatchSize, BusyTimeout: c.BusyTimeout},
		publisher: publisher,
		logger:    c.Logger,
	}
}

// AddInvalidator registers a cache to drop after runs that copied rows
func (e *Engine) AddInvalidator(inv CacheInvalidator) {
	e.cfg.Invalidators = append(e.cfg.Invalidators, inv)
}

// EnsureUpToDate brings the destination in line with the source tree
func (e *Engine) EnsureUpToDate(ctx context.Context, opts Options) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}
	defer func() { summary.Duration = time.Since(start) }()

	files, err := e.scanner.Scan(ctx, e.cfg.Source)
	if err != nil {
		return summary, err
	}
	summary.Sources = len(files)

	mc := OpenContext(e.cfg.Dest)

	fresh := opts.Force
	if fresh {
		util.InfoLog("Forced rebuild of %s", e.cfg.Dest)
	}

	health, reason := Probe(ctx, e.cfg.Dest, e.cfg.BusyTimeout, e.cfg.Retry)
	switch health {
	case HealthUnavailable:
		if !fresh {
			return summary, fmt.Errorf("cannot examine destination %s: %w", e.cfg.Dest, reason)
		}
		util.WarnLog("Destination %s could not be examined (%v)", e.cfg.Dest, reason)
	case HealthMissing:
		fresh = true
	case HealthCorrupt:
		util.WarnLog("Destination %s is corrupt (%v), rebuilding", e.cfg.Dest, reason)
		e.logger.LogCorrupt(e.cfg.Dest, fmt.Sprint(reason))
		summary.Corrupt = true
		if err := util.RemoveDatabase(e.cfg.Dest, e.cfg.Retry); err != nil {
			return summary, fmt.Errorf("failed to remove corrupt destination: %w", err)
		}
		fresh = true
	case HealthInvalid:
		util.WarnLog("Destination %s is not a merged database (%v), rebuilding", e.cfg.Dest, reason)
		fresh = true
	}

	if mc.SensorMapErr != nil && health == HealthOK && !fresh {
		util.WarnLog("Sensor map unreadable while %s exists, rebuilding", e.cfg.Dest)
		fresh = true
	}

	if !fresh {
		oracle := &state.FreshnessOracle{Dest: e.cfg.Dest, Meta: mc.Meta}
		if oracle.IsUpToDate(files) {
			util.InfoLog("Destination is up to date (%d sources)", len(files))
			e.logger.LogUpToDate(e.cfg.Dest, len(files))
			summary.Regime = RegimeSkipped
			return summary, nil
		}
	}

	if !fresh {
		db, err := store.OpenWithOptions(e.cfg.Dest, &store.OpenOptions{BusyTimeout: e.cfg.BusyTimeout})
		if err != nil {
			return summary, fmt.Errorf("failed to open destination: %w", err)
		}
		inSync, err := e.catalogInSync(ctx, db, mc)
		if err != nil {
			db.Close()
			return summary, err
		}
		if inSync {
			return summary, e.runIncremental(ctx, db, mc, files, summary)
		}
		db.Close()
		util.WarnLog("Sensor map does not cover all destination columns, rebuilding")
	}

	return summary, e.runFresh(ctx, mc, files, summary)
}

// catalogInSync reports whether every sensor column in the destination was
// allocated by the loaded sensor map
func (e *Engine) catalogInSync(ctx context.Context, db *store.Store, mc *MergeContext) (bool, error) {
	columns, err := db.SensorColumns(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range columns {
		if id >= int(mc.Catalog.NextID()) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) runIncremental(ctx context.Context, db *store.Store, mc *MergeContext, files []scan.SourceFile, summary *RunSummary) error {
	summary.Regime = RegimeIncremental
	e.logger.LogMergeStart(e.cfg.Dest, string(summary.Regime), len(files))
	util.InfoLog("Incremental merge of %d sources into %s", len(files), e.cfg.Dest)

	marks, err := db.Watermarks(ctx)
	if err != nil {
		db.Close()
		return err
	}
	destMarks := make(map[string]float64, len(marks))
	for path, w := range marks {
		destMarks[path] = w.MaxTS
	}

	runErr := e.mergeFiles(ctx, db, mc, files, destMarks, summary)

	if err := db.Checkpoint(ctx); err != nil {
		util.WarnLog("Checkpoint of %s incomplete: %v", e.cfg.Dest, err)
	}
	if err := db.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close destination: %w", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}

	// Rows committed so far are durable; record them even on cancellation
	if err := e.commit(mc, files, summary, runErr == nil); err != nil {
		return err
	}
	return runErr
}

func (e *Engine) runFresh(ctx context.Context, mc *MergeContext, files []scan.SourceFile, summary *RunSummary) error {
	summary.Regime = RegimeFresh
	e.logger.LogMergeStart(e.cfg.Dest, string(summary.Regime), len(files))
	util.InfoLog("Building %s from %d sources", e.cfg.Dest, len(files))

	if err := os.MkdirAll(filepath.Dir(e.cfg.Dest), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	RemoveStaleBuilds(e.cfg.Dest, e.cfg.Retry)
	mc.State.Reset()

	tmp := BuildPath(e.cfg.Dest)
	discard := func() {
		if err := util.RemoveDatabase(tmp, e.cfg.Retry); err != nil {
			util.WarnLog("Failed to remove build %s: %v", tmp, err)
		}
	}

	db, err := store.OpenWithOptions(tmp, &store.OpenOptions{BusyTimeout: e.cfg.BusyTimeout})
	if err != nil {
		discard()
		return fmt.Errorf("failed to create build database: %w", err)
	}

	if err := e.mergeFiles(ctx, db, mc, files, nil, summary); err != nil {
		db.Close()
		discard()
		return err
	}

	if err := db.Checkpoint(ctx); err != nil {
		db.Close()
		discard()
		return fmt.Errorf("failed to checkpoint build: %w", err)
	}
	if err := db.Close(); err != nil {
		discard()
		return fmt.Errorf("failed to close build: %w", err)
	}

	degraded, err := e.publisher.Publish(ctx, tmp, e.cfg.Dest)
	e.logger.LogPublish(tmp, e.cfg.Dest, degraded, err)
	if err != nil {
		discard()
		return err
	}
	if degraded {
		summary.Degraded = true
		util.WarnLog("Published %s by copying (degraded)", e.cfg.Dest)
	}

	return e.commit(mc, files, summary, true)
}

// mergeFiles evolves the schema for every changed file and copies each of
// them in its own transaction. destMarks is nil for fresh builds.
func (e *Engine) mergeFiles(ctx context.Context, db *store.Store, mc *MergeContext, files []scan.SourceFile, destMarks map[string]float64, summary *RunSummary) error {
	fresh := destMarks == nil

	var plans []*filePlan
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, known := mc.State.Get(f.Path)
		if !fresh && known {
			if rec.SizeBytes == f.SizeBytes && rec.MtimeUnix == f.MtimeUnix {
				summary.Unchanged++
				continue
			}
			if f.SizeBytes < rec.SizeBytes {
				util.WarnLog("%s shrank from %s to %s, treating as rewritten",
					f.Path, util.FormatBytes(rec.SizeBytes), util.FormatBytes(f.SizeBytes))
			}
		}

		plan, err := e.copier.Inspect(ctx, f, mc.Catalog)
		if err != nil {
			e.recordError(summary, err)
			continue
		}
		plans = append(plans, plan)
	}

	sensors := mc.Catalog.Sensors()
	summary.Sensors = len(sensors)
	added, err := db.Evolve(ctx, catalogRows(sensors))
	if err != nil {
		return fmt.Errorf("schema evolution failed: %w", err)
	}
	summary.ColumnsAdded = added
	e.logger.LogSchema(db.Path(), len(sensors), added)
	if added > 0 {
		util.InfoLog("Added %d sensor columns", added)
	}

	// Ids are live in the destination schema from here on
	if err := mc.SaveCatalog(); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if util.ShowProgress() && len(plans) > 1 {
		bar = progressbar.NewOptions(len(plans),
			progressbar.OptionSetDescription("Merging"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := plan.file.Path
		var after *float64
		if !fresh {
			if ts, ok := mc.watermark(path, destMarks); ok {
				after = &ts
			}
		}

		fileStart := time.Now()
		outcome, err := e.copier.Copy(ctx, db, plan, after)
		if bar != nil {
			bar.Add(1)
		}
		if err != nil {
			e.recordError(summary, err)
			continue
		}
		summary.add(outcome)

		prev, _ := mc.State.Get(path)
		mc.State.Put(path, state.SourceRecord{
			SizeBytes: plan.file.SizeBytes,
			MtimeUnix: plan.file.MtimeUnix,
			MaxTS:     outcome.MaxTS,
			HasMaxTS:  outcome.HasMaxTS,
			RowCount:  prev.RowCount + outcome.RowsCopied,
			UpdatedAt: time.Now().UTC(),
		})

		if outcome.Skipped {
			util.DebugLog("Skipped %s: %s", path, outcome.Reason)
			e.logger.LogFileSkipped(path, outcome.Reason)
			continue
		}
		e.logger.LogFileCopied(path, outcome.RowsCopied, outcome.MaxTS, time.Since(fileStart))
		if outcome.RowsCopied > 0 {
			util.DebugLog("Copied %s rows from %s", util.FormatCount(outcome.RowsCopied), path)
		}
	}

	return nil
}

func (e *Engine) recordError(summary *RunSummary, err error) {
	var fe *FileError
	if !errors.As(err, &fe) {
		fe = &FileError{Op: "merge", Err: err}
	}
	summary.Errors = append(summary.Errors, fe)
	util.ErrorLog("%v", fe)
	e.logger.LogError(report.EventFileError, fe.Path, fe.Err)
}

// commit persists the side documents. The source hash is only recorded for
// complete runs so failed files are retried even if nothing else changes.
func (e *Engine) commit(mc *MergeContext, files []scan.SourceFile, summary *RunSummary, complete bool) error {
	hash := ""
	if complete && !summary.Failed() {
		hash = state.SourceHash(files)
	}
	mc.Meta = &state.MergeMetadata{
		LastMerge:     time.Now().UTC(),
		SourceHash:    hash,
		SourceCount:   len(files),
		FormatVersion: state.FormatVersion,
	}

	if err := mc.Commit(); err != nil {
		return fmt.Errorf("failed to persist merge state: %w", err)
	}

	if summary.RowsCopied > 0 || summary.Regime == RegimeFresh {
		for _, inv := range e.cfg.Invalidators {
			inv.InvalidateCache()
		}
	}

	util.SuccessLog("Merge complete: %s rows from %d files (%d unchanged, %d skipped, %d errors)",
		util.FormatCount(summary.RowsCopied), summary.Copied(), summary.Unchanged,
		summary.SkippedFiles(), len(summary.Errors))
	return nil
}
