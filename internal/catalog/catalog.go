// Package catalog assigns process-stable global ids to logger sensors.
//
// Each logger session numbers its sensors locally. A sensor is identified
// across files by its SourceKey: the folder the file lives in (one folder
// per logger configuration) plus the local column index. The first time a
// key is seen it receives the next global id; ids are never reused,
// renumbered or removed, and the table is persisted between runs.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/franz/datalog-merge/internal/util"
	"golang.org/x/text/unicode/norm"
)

const (
	documentVersion = 1

	// DefaultDataType is recorded for sensors whose source leaves the type blank
	DefaultDataType = "REAL"

	// AliasSeparator joins aliases in the destination catalog table
	AliasSeparator = "|"
)

// GlobalID identifies one logical sensor across all source files
type GlobalID int

// SourceKey identifies a sensor inside one source group
type SourceKey struct {
	Group      string
	LocalIndex uint32
}

func (k SourceKey) String() string {
	return fmt.Sprintf("%s#%d", k.Group, k.LocalIndex)
}

// Sensor is one catalog entry
type Sensor struct {
	ID       GlobalID
	Key      SourceKey
	Aliases  []string
	DataType string
}

// AliasString joins the sensor's aliases for the destination catalog table
func (s *Sensor) AliasString() string {
	return strings.Join(s.Aliases, AliasSeparator)
}

func (s *Sensor) hasAlias(alias string) bool {
	for _, a := range s.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// Catalog is the key -> global id table
type Catalog struct {
	nextID GlobalID
	byKey  map[SourceKey]*Sensor
	dirty  bool
}

// New returns an empty catalog
func New() *Catalog {
	return &Catalog{byKey: make(map[SourceKey]*Sensor)}
}

// NormalizeAlias trims and NFC-normalizes a sensor name so the same name
// typed on different logger firmware compares equal
func NormalizeAlias(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Resolve returns the global id for (group, localIndex), allocating one on
// first sight. Later calls only add novel aliases; the data type stays as the
// first caller declared it.
func (c *Catalog) Resolve(group string, localIndex uint32, declaredName, declaredType string) GlobalID {
	key := SourceKey{Group: group, LocalIndex: localIndex}

	alias := NormalizeAlias(declaredName)
	if alias == "" {
		alias = fmt.Sprintf("sensor_%d", localIndex)
	}
	dataType := strings.TrimSpace(declaredType)

	if s, ok := c.byKey[key]; ok {
		if !s.hasAlias(alias) {
			s.Aliases = append(s.Aliases, alias)
			c.dirty = true
			util.DebugLog("Sensor %d: new alias %q (%s)", s.ID, alias, key)
		}
		if dataType != "" && !strings.EqualFold(dataType, s.DataType) {
			util.WarnLog("Sensor %d (%s): declared type %q differs from recorded %q, keeping %q",
				s.ID, key, dataType, s.DataType, s.DataType)
		}
		return s.ID
	}

	if dataType == "" {
		dataType = DefaultDataType
	}

	s := &Sensor{
		ID:       c.nextID,
		Key:      key,
		Aliases:  []string{alias},
		DataType: dataType,
	}
	c.byKey[key] = s
	c.nextID++
	c.dirty = true

	util.DebugLog("Sensor %d: allocated for %s (%q, %s)", s.ID, key, alias, dataType)
	return s.ID
}

// Lookup returns the id of a key without allocating
func (c *Catalog) Lookup(group string, localIndex uint32) (GlobalID, bool) {
	s, ok := c.byKey[SourceKey{Group: group, LocalIndex: localIndex}]
	if !ok {
		return 0, false
	}
	return s.ID, true
}

// Sensors returns a snapshot of all entries ordered by global id
func (c *Catalog) Sensors() []Sensor {
	sensors := make([]Sensor, 0, len(c.byKey))
	for _, s := range c.byKey {
		cp := *s
		cp.Aliases = append([]string(nil), s.Aliases...)
		sensors = append(sensors, cp)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].ID < sensors[j].ID })
	return sensors
}

// AliasString returns the pipe-joined aliases of id, or "" if id is unknown
func (c *Catalog) AliasString(id GlobalID) string {
	for _, s := range c.byKey {
		if s.ID == id {
			return s.AliasString()
		}
	}
	return ""
}

// Len returns the number of known sensors
func (c *Catalog) Len() int {
	return len(c.byKey)
}

// NextID returns the id the next unseen key will receive
func (c *Catalog) NextID() GlobalID {
	return c.nextID
}

// Dirty reports whether the catalog changed since it was loaded or saved
func (c *Catalog) Dirty() bool {
	return c.dirty
}

type document struct {
	Version int             `json:"version"`
	NextID  GlobalID        `json:"next_id"`
	Sensors []documentEntry `json:"sensors"`
}

type documentEntry struct {
	Group      string   `json:"group"`
	LocalIndex uint32   `json:"local_index"`
	GlobalID   GlobalID `json:"global_id"`
	Aliases    []string `json:"aliases"`
	DataType   string   `json:"data_type"`
}

// Load reads the mapping document at path. A missing file yields an empty
// catalog; an unreadable or inconsistent one yields an empty catalog and an
// error wrapping util.ErrStateCorrupt.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return New(), fmt.Errorf("%w: failed to read %s: %v", util.ErrStateCorrupt, path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return New(), fmt.Errorf("%w: failed to decode %s: %v", util.ErrStateCorrupt, path, err)
	}

	c, err := fromDocument(&doc)
	if err != nil {
		return New(), fmt.Errorf("%w: %s: %v", util.ErrStateCorrupt, path, err)
	}
	return c, nil
}

func fromDocument(doc *document) (*Catalog, error) {
	if doc.Version != documentVersion {
		return nil, fmt.Errorf("unsupported version %d", doc.Version)
	}

	c := New()
	seenIDs := make(map[GlobalID]bool)
	for _, e := range doc.Sensors {
		key := SourceKey{Group: e.Group, LocalIndex: e.LocalIndex}
		if _, dup := c.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate key %s", key)
		}
		if seenIDs[e.GlobalID] {
			return nil, fmt.Errorf("duplicate global id %d", e.GlobalID)
		}
		if e.GlobalID < 0 || e.GlobalID >= doc.NextID {
			return nil, fmt.Errorf("global id %d outside [0, %d)", e.GlobalID, doc.NextID)
		}
		if len(e.Aliases) == 0 {
			return nil, fmt.Errorf("global id %d has no aliases", e.GlobalID)
		}
		dataType := e.DataType
		if dataType == "" {
			dataType = DefaultDataType
		}
		seenIDs[e.GlobalID] = true
		c.byKey[key] = &Sensor{
			ID:       e.GlobalID,
			Key:      key,
			Aliases:  append([]string(nil), e.Aliases...),
			DataType: dataType,
		}
	}
	c.nextID = doc.NextID
	return c, nil
}

// Save writes the mapping document atomically
func (c *Catalog) Save(path string) error {
	doc := document{
		Version: documentVersion,
		NextID:  c.nextID,
		Sensors: make([]documentEntry, 0, len(c.byKey)),
	}
	for _, s := range c.Sensors() {
		doc.Sensors = append(doc.Sensors, documentEntry{
			Group:      s.Key.Group,
			LocalIndex: s.Key.LocalIndex,
			GlobalID:   s.ID,
			Aliases:    s.Aliases,
			DataType:   s.DataType,
		})
	}

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sensor map: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sensor map: %w", err)
	}

	c.dirty = false
	return nil
}
