package merge

import (
	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/util"
)

// MergeContext carries everything a run loads from and persists next to the destination
type MergeContext struct {
	Dest    string
	Catalog *catalog.Catalog
	State   *state.MergeState
	Meta    *state.MergeMetadata

	// SensorMapErr is set when the sensor map existed but could not be used
	SensorMapErr error
}

// OpenContext loads the side documents of dest. Unreadable documents are
// logged and replaced by empty ones.
func OpenContext(dest string) *MergeContext {
	mc := &MergeContext{
		Dest:  dest,
		State: state.LoadMergeState(state.StatePath(dest)),
		Meta:  state.LoadMetadata(state.MetaPath(dest)),
	}

	cat, err := catalog.Load(state.SensorsPath(dest))
	if err != nil {
		util.WarnLog("Sensor map unusable: %v", err)
		mc.SensorMapErr = err
	}
	mc.Catalog = cat

	return mc
}

// SaveCatalog persists the sensor map on its own
func (mc *MergeContext) SaveCatalog() error {
	return mc.Catalog.Save(state.SensorsPath(mc.Dest))
}

// Commit persists sensor map, per-source state and metadata
func (mc *MergeContext) Commit() error {
	if err := mc.SaveCatalog(); err != nil {
		return err
	}
	if err := mc.State.Save(state.StatePath(mc.Dest)); err != nil {
		return err
	}
	if mc.Meta != nil {
		if err := mc.Meta.Save(state.MetaPath(mc.Dest)); err != nil {
			return err
		}
	}
	util.DebugLog("Committed merge context for %s (%d sensors, %d sources)",
		mc.Dest, mc.Catalog.Len(), mc.State.Len())
	return nil
}

// watermark returns the position after which rows of path still need copying
func (mc *MergeContext) watermark(path string, dest map[string]float64) (float64, bool) {
	var (
		ts  float64
		has bool
	)
	if rec, ok := mc.State.Get(path); ok && rec.HasMaxTS {
		ts, has = rec.MaxTS, true
	}
	if d, ok := dest[path]; ok && (!has || d > ts) {
		if has && d != ts {
			util.DebugLog("Destination watermark for %s ahead of state (%v > %v)", path, d, ts)
		}
		ts, has = d, true
	}
	return ts, has
}
