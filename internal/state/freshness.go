package state

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/util"
)

// SourceHash fingerprints a source population from path, size and whole-second mtime
func SourceHash(files []scan.SourceFile) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, fmt.Sprintf("%s|%d|%d", f.Path, f.SizeBytes, f.MtimeUnix))
	}
	sort.Strings(lines)

	h := sha1.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FreshnessOracle compares the current source population with the last run
type FreshnessOracle struct {
	Dest string
	Meta *MergeMetadata
}

// IsUpToDate reports whether a merge run would change nothing
func (o *FreshnessOracle) IsUpToDate(files []scan.SourceFile) bool {
	if o.Meta == nil {
		util.DebugLog("No merge metadata, run required")
		return false
	}
	if o.Meta.FormatVersion != FormatVersion {
		util.DebugLog("Metadata format version %d != %d, run required", o.Meta.FormatVersion, FormatVersion)
		return false
	}
	if !util.FileExists(o.Dest) {
		util.DebugLog("Destination %s missing, run required", o.Dest)
		return false
	}
	return o.Meta.SourceHash == SourceHash(files)
}
