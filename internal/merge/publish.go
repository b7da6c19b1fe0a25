package merge

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/google/uuid"
)

// Health is the result of probing a destination
type Health int

const (
	HealthMissing Health = iota
	HealthOK
	HealthCorrupt
	HealthInvalid
	// HealthUnavailable means the destination could not be examined, for
	// example because another process holds it locked. It is no rebuild verdict.
	HealthUnavailable
)

func (h Health) String() string {
	switch h {
	case HealthMissing:
		return "missing"
	case HealthOK:
		return "ok"
	case HealthCorrupt:
		return "corrupt"
	case HealthInvalid:
		return "invalid"
	case HealthUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Probe classifies the destination at dest. The returned error explains a
// corrupt, invalid or unavailable verdict. Lock contention is retried per
// retry; when it persists the error wraps util.ErrLocked.
func Probe(ctx context.Context, dest string, busyTimeout time.Duration, retry *util.RetryConfig) (Health, error) {
	if !util.FileExists(dest) {
		return HealthMissing, nil
	}
	if retry == nil {
		retry = util.LockRetryConfig(0, 0)
	}

	var (
		health Health
		reason error
	)
	err := util.Retry(retry, func() error {
		health, reason = probeOnce(ctx, dest, busyTimeout)
		if health == HealthUnavailable && util.IsLockError(reason) {
			return reason
		}
		return nil
	}, "probe "+dest)
	if err != nil {
		return HealthUnavailable, fmt.Errorf("%w: %s: %v", util.ErrLocked, dest, err)
	}
	return health, reason
}

func probeOnce(ctx context.Context, dest string, busyTimeout time.Duration) (Health, error) {
	db, err := store.OpenWithOptions(dest, &store.OpenOptions{BusyTimeout: busyTimeout, ReadOnly: true})
	if err != nil {
		return classify(err)
	}
	defer db.Close()

	for _, table := range []string{store.DataTable, store.CatalogTable} {
		ok, err := store.HasTable(ctx, db.DB(), table)
		if err != nil {
			return classify(err)
		}
		if !ok {
			return HealthInvalid, fmt.Errorf("no %s table", table)
		}
	}

	columns, err := store.TableColumns(ctx, db.DB(), store.DataTable)
	if err != nil {
		return classify(err)
	}
	if !columns[store.TimeColumn] {
		return HealthInvalid, fmt.Errorf("no %s column", store.TimeColumn)
	}

	// Touch the last page of the data table
	var ts *float64
	err = db.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid DESC LIMIT 1",
		store.Quote(store.TimeColumn), store.Quote(store.DataTable))).Scan(&ts)
	if err != nil && err != sql.ErrNoRows {
		return classify(err)
	}

	return HealthOK, nil
}

// classify maps a query error to a verdict. Only damage to the file itself
// counts as corrupt; anything else leaves the destination alone.
func classify(err error) (Health, error) {
	if store.IsMalformed(err) {
		return HealthCorrupt, err
	}
	return HealthUnavailable, err
}

// BuildPath returns a fresh temporary build path next to dest
func BuildPath(dest string) string {
	return fmt.Sprintf("%s.build-%s.tmp", dest, uuid.NewString()[:8])
}

// RemoveStaleBuilds deletes build files left behind by interrupted runs
func RemoveStaleBuilds(dest string, cfg *util.RetryConfig) {
	matches, err := filepath.Glob(dest + ".build-*.tmp")
	if err != nil {
		return
	}
	for _, m := range matches {
		util.DebugLog("Removing stale build %s", m)
		if err := util.RemoveDatabase(m, cfg); err != nil {
			util.WarnLog("Failed to remove stale build %s: %v", m, err)
		}
	}
}

// Publisher moves a finished build over the destination
type Publisher struct {
	Retry       *util.RetryConfig
	BusyTimeout time.Duration

	rename     func(oldpath, newpath string) error
	copy       func(ctx context.Context, src, dst string) (int64, error)
	checkpoint func(ctx context.Context, path string) error
}

// NewPublisher creates a publisher retrying locked renames per cfg
func NewPublisher(cfg *util.RetryConfig) *Publisher {
	if cfg == nil {
		cfg = util.LockRetryConfig(0, 0)
	}
	p := &Publisher{
		Retry:       cfg,
		BusyTimeout: store.DefaultBusyTimeout,
		copy:        util.CopyFile,
	}
	p.rename = func(oldpath, newpath string) error {
		return util.RetryableRename(oldpath, newpath, p.Retry)
	}
	p.checkpoint = func(ctx context.Context, path string) error {
		return store.CheckpointFile(ctx, path, p.BusyTimeout)
	}
	return p
}

// Publish replaces dest with the checkpointed, closed build at tmp. It
// returns degraded=true when the rename had to fall back to copying. On
// failure the previous destination is left in place and the error wraps
// util.ErrPublish.
func (p *Publisher) Publish(ctx context.Context, tmp, dest string) (degraded bool, err error) {
	if err := p.settle(ctx, dest); err != nil {
		return false, err
	}
	if err := util.RemoveCompanions(dest, p.Retry); err != nil {
		util.WarnLog("Failed to remove companions of %s: %v", dest, err)
	}

	renameErr := p.rename(tmp, dest)
	if renameErr == nil {
		util.DebugLog("Published %s", dest)
		return false, nil
	}

	util.WarnLog("Rename of build over %s failed (%v), falling back to copy", dest, renameErr)

	if err := p.copyOver(ctx, tmp, dest); err != nil {
		return true, fmt.Errorf("%w: rename: %v; copy: %v", util.ErrPublish, renameErr, err)
	}

	if err := util.RemoveDatabase(tmp, p.Retry); err != nil {
		util.WarnLog("Failed to remove build %s after copy: %v", tmp, err)
	}
	return true, nil
}

// settle folds committed frames still sitting in the write-ahead log of
// dest into its main file, so removing the companions loses nothing if the
// publish fails afterwards. An unreadable dest has nothing worth keeping.
func (p *Publisher) settle(ctx context.Context, dest string) error {
	info, err := os.Stat(dest + "-wal")
	if err != nil || info.Size() == 0 {
		return nil
	}
	if err := p.checkpoint(ctx, dest); err != nil {
		if store.IsMalformed(err) {
			util.WarnLog("Discarding write-ahead log of unreadable %s: %v", dest, err)
			return nil
		}
		return fmt.Errorf("%w: checkpoint of %s: %v", util.ErrPublish, dest, err)
	}
	return nil
}

// copyOver overwrites dest with tmp, keeping a backup to restore from if the
// copy breaks off
func (p *Publisher) copyOver(ctx context.Context, tmp, dest string) error {
	backup := ""
	if util.FileExists(dest) {
		backup = dest + ".bak"
		if _, err := p.copy(ctx, dest, backup); err != nil {
			os.Remove(backup)
			return fmt.Errorf("backup failed: %w", err)
		}
	}

	if _, err := p.copy(ctx, tmp, dest); err != nil {
		if backup != "" {
			if _, restoreErr := p.copy(context.Background(), backup, dest); restoreErr != nil {
				util.ErrorLog("Failed to restore %s from %s: %v", dest, backup, restoreErr)
				return fmt.Errorf("%w (backup kept at %s)", err, backup)
			}
			os.Remove(backup)
		}
		return err
	}

	if backup != "" {
		os.Remove(backup)
	}
	return nil
}
