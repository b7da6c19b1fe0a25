package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrNoData indicates there is nothing to merge or read
	ErrNoData = errors.New("no data available")

	// ErrCorrupt indicates a database file is malformed
	ErrCorrupt = errors.New("corrupt database")

	// ErrStateCorrupt indicates a persisted side document could not be decoded
	ErrStateCorrupt = errors.New("corrupt state document")

	// ErrPublish indicates the merged destination could not be put in place
	ErrPublish = errors.New("publish failed")

	// ErrLocked indicates a file is held by another process
	ErrLocked = errors.New("file locked")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
