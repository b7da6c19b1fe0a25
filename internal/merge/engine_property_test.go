package merge

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/store/storetest"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// snapshot captures the id assignment and destination schema after a run
type snapshot struct {
	ids     map[catalog.SourceKey]catalog.GlobalID
	columns map[int]bool
	aliases map[int]string
}

func takeSnapshot(dest string) (*snapshot, error) {
	cat, err := catalog.Load(state.SensorsPath(dest))
	if err != nil {
		return nil, err
	}
	snap := &snapshot{
		ids:     make(map[catalog.SourceKey]catalog.GlobalID),
		columns: make(map[int]bool),
		aliases: make(map[int]string),
	}
	for _, s := range cat.Sensors() {
		snap.ids[s.Key] = s.ID
	}

	db, err := store.OpenWithOptions(dest, &store.OpenOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	ctx := context.Background()
	columns, err := db.SensorColumns(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range columns {
		snap.columns[c] = true
	}
	rows, err := db.CatalogRows(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		snap.aliases[row.Index] = row.Aliases
	}
	return snap, nil
}

// grows reports whether next keeps every id, column and catalog meaning of prev
func (prev *snapshot) grows(next *snapshot) bool {
	for key, id := range prev.ids {
		if next.ids[key] != id {
			return false
		}
	}
	for c := range prev.columns {
		if !next.columns[c] {
			return false
		}
	}
	for index, aliases := range prev.aliases {
		// Aliases may only be appended
		if !strings.HasPrefix(next.aliases[index], aliases) {
			return false
		}
	}
	return true
}

func (prev *snapshot) equal(next *snapshot) bool {
	return prev.grows(next) && next.grows(prev) &&
		len(prev.ids) == len(next.ids) && len(prev.columns) == len(next.columns)
}

// opSensors derives a logger configuration from an operation code
func opSensors(op int) []storetest.Sensor {
	n := 1 + op%3
	sensors := make([]storetest.Sensor, 0, n)
	for i := 0; i < n; i++ {
		sensors = append(sensors, storetest.Sensor{Index: i, Name: fmt.Sprintf("S%d-%d", op%4, i)})
	}
	return sensors
}

// For any sequence of source changes, every run keeps earlier id assignments,
// columns and catalog rows, and an immediate rerun assigns identical ids.
func TestProperty_RunsKeepIDsAndSchema(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("ids stable and schema monotonic across runs", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t)
			type file struct {
				rel     string
				sensors []storetest.Sensor
			}
			var files []*file

			var prev *snapshot
			for step, op := range ops {
				if len(files) == 0 || op%3 == 0 {
					fl := &file{
						rel:     fmt.Sprintf("group%d/%02d.db", op%2, step),
						sensors: opSensors(op),
					}
					f.write(fl.rel, fl.sensors, storetest.Rows(fl.sensors, ts0+float64(step*1000), 3, 0))
					files = append(files, fl)
				} else {
					fl := files[op%len(files)]
					f.appendRows(fl.rel, fl.sensors, storetest.Rows(fl.sensors, ts0+float64(step*1000), 2, 0))
				}

				if _, err := f.engine.EnsureUpToDate(context.Background(), Options{}); err != nil {
					t.Logf("run failed: %v", err)
					return false
				}
				first, err := takeSnapshot(f.dest)
				if err != nil {
					t.Logf("snapshot failed: %v", err)
					return false
				}

				if _, err := f.engine.EnsureUpToDate(context.Background(), Options{}); err != nil {
					return false
				}
				second, err := takeSnapshot(f.dest)
				if err != nil || !first.equal(second) {
					return false
				}

				if prev != nil && !prev.grows(first) {
					return false
				}
				prev = first
			}
			return true
		},
		gen.SliceOfN(5, gen.IntRange(0, 99)),
	))

	properties.TestingRun(t)
}
