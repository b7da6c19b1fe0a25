package merge

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/store/storetest"
	"github.com/franz/datalog-merge/internal/util"
)

const ts0 = 1700000000

var loggerSensors = []storetest.Sensor{
	{Index: 0, Name: "T01", DataType: "REAL"},
	{Index: 1, Name: "T02", DataType: "REAL"},
}

// fixture is a source tree plus a destination outside of it
type fixture struct {
	t      *testing.T
	root   string
	dest   string
	engine *Engine
	bumps  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:    t,
		root: filepath.Join(dir, "sources"),
		dest: filepath.Join(dir, "out", "merged.db"),
	}
	if err := os.MkdirAll(f.root, 0755); err != nil {
		t.Fatal(err)
	}
	f.engine = New(&Config{
		Source:    f.root,
		Dest:      f.dest,
		BatchSize: 4,
		Retry:     util.LockRetryConfig(1, time.Millisecond),
	})
	return f
}

func (f *fixture) source(rel string) string {
	return filepath.Join(f.root, rel)
}

func (f *fixture) write(rel string, sensors []storetest.Sensor, rows []storetest.Row) string {
	f.t.Helper()
	path := f.source(rel)
	storetest.WriteSource(f.t, path, sensors, rows)
	return path
}

// appendRows adds rows and moves the mtime forward so the change is always visible
func (f *fixture) appendRows(rel string, sensors []storetest.Sensor, rows []storetest.Row) {
	f.t.Helper()
	path := f.source(rel)
	storetest.AppendRows(f.t, path, sensors, rows)
	f.bumps++
	later := time.Now().Add(time.Duration(f.bumps) * time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		f.t.Fatalf("Failed to touch %s: %v", path, err)
	}
}

// rows returns n rows of loggerSensors starting at ts0+from
func (f *fixture) rows(from, n int) []storetest.Row {
	return storetest.Rows(loggerSensors, ts0+float64(from), n, float64(from))
}

func (f *fixture) run(opts Options) *RunSummary {
	f.t.Helper()
	summary, err := f.engine.EnsureUpToDate(context.Background(), opts)
	if err != nil {
		f.t.Fatalf("EnsureUpToDate failed: %v", err)
	}
	return summary
}

func (f *fixture) rowCount() int64 {
	f.t.Helper()
	return destRowCount(f.t, f.dest)
}

func destRowCount(t *testing.T, dest string) int64 {
	t.Helper()
	db, err := store.OpenWithOptions(dest, &store.OpenOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("Failed to open destination: %v", err)
	}
	defer db.Close()

	n, err := db.RowCount(context.Background())
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	return n
}

func sourceFile(t *testing.T, path string) scan.SourceFile {
	t.Helper()
	size, mtime, err := util.GetFileMetadata(path)
	if err != nil {
		t.Fatal(err)
	}
	return scan.SourceFile{Path: path, Group: filepath.Dir(path), SizeBytes: size, MtimeUnix: mtime}
}

// lockDestination holds an exclusive lock on dest until the returned release
// is called or the test ends
func lockDestination(t *testing.T, dest string) (release func()) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+dest+"?_pragma=locking_mode(EXCLUSIVE)")
	if err != nil {
		t.Fatalf("Failed to open %s: %v", dest, err)
	}
	db.SetMaxOpenConns(1)

	// The first write takes the lock; exclusive mode keeps it after commit
	if _, err := db.Exec("INSERT INTO source_watermarks (path, max_ts) VALUES ('lock-holder', 0)"); err != nil {
		db.Close()
		t.Fatalf("Failed to lock %s: %v", dest, err)
	}
	if _, err := db.Exec("DELETE FROM source_watermarks WHERE path = 'lock-holder'"); err != nil {
		db.Close()
		t.Fatalf("Failed to lock %s: %v", dest, err)
	}

	released := false
	release = func() {
		if !released {
			released = true
			db.Close()
		}
	}
	t.Cleanup(release)
	return release
}
