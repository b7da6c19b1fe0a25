package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/franz/datalog-merge/internal/util"
)

// FormatVersion is bumped whenever the destination layout changes in a way
// that requires a rebuild
const FormatVersion = 1

// MergeMetadata describes the last successful run
type MergeMetadata struct {
	LastMerge     time.Time `json:"last_merge"`
	SourceHash    string    `json:"source_hash"`
	SourceCount   int       `json:"source_count"`
	FormatVersion int       `json:"format_version"`
}

// LoadMetadata reads the metadata document. It returns nil when the document
// is missing or cannot be decoded.
func LoadMetadata(path string) *MergeMetadata {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		util.WarnLog("Ignoring unreadable merge metadata %s: %v", path, err)
		return nil
	}

	var meta MergeMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		util.WarnLog("Ignoring malformed merge metadata %s: %v", path, err)
		return nil
	}
	return &meta
}

// Save writes the metadata document atomically
func (m *MergeMetadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode merge metadata: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write merge metadata: %w", err)
	}
	return nil
}
