package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventMergeStart      EventType = "merge_start"
	EventUpToDate        EventType = "up_to_date"
	EventSchema          EventType = "schema"
	EventFileCopied      EventType = "file_copied"
	EventFileSkipped     EventType = "file_skipped"
	EventFileError       EventType = "file_error"
	EventCorrupt         EventType = "corrupt"
	EventPublish         EventType = "publish"
	EventPublishDegraded EventType = "publish_degraded"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Event represents a single event of a merge run
type Event struct {
	Timestamp  time.Time         `json:"ts"`
	Level      EventLevel        `json:"level"`
	Event      EventType         `json:"event"`
	SrcPath    string            `json:"src_path,omitempty"`
	DestPath   string            `json:"dest_path,omitempty"`
	Regime     string            `json:"regime,omitempty"`
	RowsCopied int64             `json:"rows_copied,omitempty"`
	MaxTS      float64           `json:"max_ts,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Duration   int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error      string            `json:"error,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

// NewEventLogger creates a new event logger with a minimum log level
// minLevel determines which events are written (e.g., LevelInfo skips LevelDebug)
func NewEventLogger(outputDir string, minLevel EventLevel) (*EventLogger, error) {
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Generate filename with timestamp
	timestamp := time.Now().Format("20060102-150405")
	filename := fmt.Sprintf("events-%s.jsonl", timestamp)
	path := filepath.Join(outputDir, filename)

	// Open file for writing
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil || l.file == nil {
		return nil // Silently ignore if logger not initialized
	}

	// Filter by minimum level
	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil // Skip events below minimum level
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return nil
}

// LogMergeStart logs the start of a merge run
func (l *EventLogger) LogMergeStart(destPath, regime string, sourceCount int) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventMergeStart,
		DestPath: destPath,
		Regime:   regime,
		Extra: map[string]string{
			"source_count": fmt.Sprintf("%d", sourceCount),
		},
	})
}

// LogUpToDate logs a run that found nothing to do
func (l *EventLogger) LogUpToDate(destPath string, sourceCount int) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventUpToDate,
		DestPath: destPath,
		Extra: map[string]string{
			"source_count": fmt.Sprintf("%d", sourceCount),
		},
	})
}

// LogSchema logs a schema evolution step
func (l *EventLogger) LogSchema(destPath string, sensorCount, columnsAdded int) error {
	level := LevelDebug
	if columnsAdded > 0 {
		level = LevelInfo
	}

	return l.Log(&Event{
		Level:    level,
		Event:    EventSchema,
		DestPath: destPath,
		Extra: map[string]string{
			"sensor_count":  fmt.Sprintf("%d", sensorCount),
			"columns_added": fmt.Sprintf("%d", columnsAdded),
		},
	})
}

// LogFileCopied logs a committed per-file copy
func (l *EventLogger) LogFileCopied(srcPath string, rowsCopied int64, maxTS float64, duration time.Duration) error {
	level := LevelInfo
	if rowsCopied == 0 {
		level = LevelDebug
	}

	return l.Log(&Event{
		Level:      level,
		Event:      EventFileCopied,
		SrcPath:    srcPath,
		RowsCopied: rowsCopied,
		MaxTS:      maxTS,
		Duration:   duration.Milliseconds(),
	})
}

// LogFileSkipped logs a source with no recognised sensor columns
func (l *EventLogger) LogFileSkipped(srcPath, reason string) error {
	return l.Log(&Event{
		Level:   LevelInfo,
		Event:   EventFileSkipped,
		SrcPath: srcPath,
		Reason:  reason,
	})
}

// LogCorrupt logs a destination that was found unusable and discarded
func (l *EventLogger) LogCorrupt(destPath, reason string) error {
	return l.Log(&Event{
		Level:    LevelWarning,
		Event:    EventCorrupt,
		DestPath: destPath,
		Reason:   reason,
	})
}

// LogPublish logs how a fresh build replaced the destination
func (l *EventLogger) LogPublish(srcPath, destPath string, degraded bool, err error) error {
	level := LevelInfo
	event := EventPublish
	if degraded {
		level = LevelWarning
		event = EventPublishDegraded
	}
	errMsg := ""
	if err != nil {
		level = LevelError
		errMsg = err.Error()
	}

	return l.Log(&Event{
		Level:    level,
		Event:    event,
		SrcPath:  srcPath,
		DestPath: destPath,
		Error:    errMsg,
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, srcPath string, err error) error {
	return l.Log(&Event{
		Level:   LevelError,
		Event:   event,
		SrcPath: srcPath,
		Error:   err.Error(),
	})
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
