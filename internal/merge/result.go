package merge

import (
	"fmt"
	"time"
)

// Regime describes how a run treated the destination
type Regime string

const (
	RegimeFresh       Regime = "fresh"
	RegimeIncremental Regime = "incremental"
	RegimeSkipped     Regime = "skipped"
)

// FileOutcome is the result of copying one source file
type FileOutcome struct {
	Path       string
	RowsCopied int64
	MaxTS      float64
	HasMaxTS   bool
	Skipped    bool
	Reason     string
}

// FileError is a per-file failure. The file contributed no rows and is
// retried on the next run.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// RunSummary aggregates a merge run
type RunSummary struct {
	Regime       Regime
	Sources      int
	Unchanged    int
	Outcomes     []FileOutcome
	Errors       []*FileError
	RowsCopied   int64
	ColumnsAdded int
	Sensors      int
	Degraded     bool
	Corrupt      bool
	Duration     time.Duration
}

// Failed reports whether any file errored
func (s *RunSummary) Failed() bool {
	return len(s.Errors) > 0
}

// Copied returns the number of files that contributed rows
func (s *RunSummary) Copied() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.RowsCopied > 0 {
			n++
		}
	}
	return n
}

// SkippedFiles returns the number of files without recognised columns
func (s *RunSummary) SkippedFiles() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

func (s *RunSummary) add(o FileOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	s.RowsCopied += o.RowsCopied
}
