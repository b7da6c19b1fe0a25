// Package state persists per-source merge progress and run metadata next to
// the destination, and decides whether a merge run can be skipped.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/franz/datalog-merge/internal/util"
)

const stateVersion = 1

// SourceRecord is the last observed state of one source file
type SourceRecord struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	MtimeUnix int64     `json:"mtime_unix"`
	MaxTS     float64   `json:"max_ts"`
	HasMaxTS  bool      `json:"has_max_ts"`
	RowCount  int64     `json:"row_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeState maps source path to its record
type MergeState struct {
	records map[string]SourceRecord
	dirty   bool
}

type stateDocument struct {
	Version int            `json:"version"`
	Sources []SourceRecord `json:"sources"`
}

// NewMergeState returns an empty state
func NewMergeState() *MergeState {
	return &MergeState{records: make(map[string]SourceRecord)}
}

// Get returns the record of path
func (s *MergeState) Get(path string) (SourceRecord, bool) {
	rec, ok := s.records[path]
	return rec, ok
}

// Put stores rec under path
func (s *MergeState) Put(path string, rec SourceRecord) {
	rec.Path = path
	s.records[path] = rec
	s.dirty = true
}

// Reset drops all records
func (s *MergeState) Reset() {
	if len(s.records) > 0 {
		s.dirty = true
	}
	s.records = make(map[string]SourceRecord)
}

// Len returns the number of tracked sources
func (s *MergeState) Len() int {
	return len(s.records)
}

// Records returns all records sorted by path
func (s *MergeState) Records() []SourceRecord {
	recs := make([]SourceRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
	return recs
}

// Dirty reports whether Put or Reset changed the state since the last Save
func (s *MergeState) Dirty() bool {
	return s.dirty
}

// LoadMergeState reads the state document. A missing document is an empty
// state. A malformed one is logged and also treated as empty.
func LoadMergeState(path string) *MergeState {
	s := NewMergeState()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s
	}
	if err != nil {
		util.WarnLog("Ignoring unreadable merge state %s: %v", path, err)
		return s
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		util.WarnLog("Ignoring malformed merge state %s: %v", path, err)
		return s
	}
	if doc.Version != stateVersion {
		util.WarnLog("Ignoring merge state %s with version %d", path, doc.Version)
		return s
	}

	for _, rec := range doc.Sources {
		if rec.Path == "" {
			continue
		}
		s.records[rec.Path] = rec
	}
	return s
}

// Save writes the state document atomically
func (s *MergeState) Save(path string) error {
	doc := stateDocument{Version: stateVersion, Sources: s.Records()}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode merge state: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write merge state: %w", err)
	}
	s.dirty = false
	return nil
}
