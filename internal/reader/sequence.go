package reader

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/franz/datalog-merge/internal/util"
)

// Mode is the retrieval strategy chosen for a ReadingSequence
type Mode int

const (
	ModeMaterialized Mode = iota
	ModePaged
)

func (m Mode) String() string {
	if m == ModePaged {
		return "paged"
	}
	return "materialized"
}

// ReadingSequence yields readings in ascending time order, one chunk per Next
type ReadingSequence interface {
	Next() bool
	Chunk() []Reading
	Err() error
	Close() error
	Mode() Mode
}

// Collect drains seq into a single slice and closes it
func Collect(seq ReadingSequence) ([]Reading, error) {
	defer seq.Close()

	var all []Reading
	for seq.Next() {
		all = append(all, seq.Chunk()...)
	}
	return all, seq.Err()
}

// materialized holds the whole result in memory as a single chunk
type materialized struct {
	readings []Reading
	done     bool
	current  []Reading
}

func (m *materialized) Next() bool {
	if m.done {
		m.current = nil
		return false
	}
	m.done = true
	m.current = m.readings
	return len(m.current) > 0
}

func (m *materialized) Chunk() []Reading { return m.current }
func (m *materialized) Err() error       { return nil }
func (m *materialized) Mode() Mode       { return ModeMaterialized }

func (m *materialized) Close() error {
	m.done = true
	m.readings, m.current = nil, nil
	return nil
}

// paged fetches one LIMIT/OFFSET page per Next
type paged struct {
	ctx      context.Context
	db       *sql.DB
	query    string
	args     []any
	pageSize int
	offset   int64
	total    int64

	current []Reading
	err     error
	closed  bool
}

func (p *paged) Next() bool {
	if p.closed || p.err != nil || p.offset >= p.total {
		p.current = nil
		return false
	}

	args := append(append([]any{}, p.args...), p.pageSize, p.offset)
	rows, err := p.db.QueryContext(p.ctx, p.query, args...)
	if err != nil {
		p.err = fmt.Errorf("failed to fetch page at offset %d: %w", p.offset, err)
		return false
	}

	p.current, p.err = scanReadings(rows, p.pageSize)
	if p.err != nil {
		return false
	}
	if len(p.current) == 0 {
		return false
	}

	p.offset += int64(len(p.current))
	util.DebugLog("Fetched page of %d readings (%d/%d)", len(p.current), p.offset, p.total)
	return true
}

func (p *paged) Chunk() []Reading { return p.current }
func (p *paged) Err() error       { return p.err }
func (p *paged) Mode() Mode       { return ModePaged }

func (p *paged) Close() error {
	p.closed = true
	p.current = nil
	return nil
}

func scanReadings(rows *sql.Rows, capHint int) ([]Reading, error) {
	defer rows.Close()

	readings := make([]Reading, 0, capHint)
	for rows.Next() {
		var ts, v float64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, Reading{Time: util.UnixToTime(ts), Value: v})
	}
	return readings, rows.Err()
}
