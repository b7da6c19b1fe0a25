package main

import (
	"fmt"
	"time"

	"github.com/franz/datalog-merge/internal/merge"
	"github.com/franz/datalog-merge/internal/reader"
	"github.com/franz/datalog-merge/internal/report"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/spf13/viper"
)

// setDefaults registers defaults for keys without a flag
func setDefaults() {
	viper.SetDefault("batch-size", merge.DefaultBatchSize)
	viper.SetDefault("busy-timeout", 10*time.Second)
	viper.SetDefault("lock-retries", 5)
	viper.SetDefault("lock-wait", 200*time.Millisecond)
	viper.SetDefault("bytes-per-row", reader.DefaultBytesPerRow)
	viper.SetDefault("memory-fraction", reader.DefaultMemoryFraction)
	viper.SetDefault("cache-ttl", reader.DefaultCacheTTL)
}

// GetConfigString retrieves a string config value with proper precedence:
// 1. Command-line flag (if set)
// 2. Environment variable (DLM_*)
// 3. Config file
// 4. Default value
func GetConfigString(key string, defaultValue string) string {
	val := viper.GetString(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// GetConfigInt retrieves an int config value with proper precedence
func GetConfigInt(key string, defaultValue int) int {
	val := viper.GetInt(key)
	if val == 0 {
		return defaultValue
	}
	return val
}

// GetConfigDuration retrieves a duration config value, falling back when unset or non-positive
func GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	val := viper.GetDuration(key)
	if val <= 0 {
		return defaultValue
	}
	return val
}

// GetConfigFloat retrieves a float config value
func GetConfigFloat(key string, defaultValue float64) float64 {
	val := viper.GetFloat64(key)
	if val == 0 {
		return defaultValue
	}
	return val
}

// requireDest returns the configured destination or an error
func requireDest() (string, error) {
	dest := viper.GetString("dest")
	if dest == "" {
		return "", fmt.Errorf("%w: destination is required (use --dest/-d or set in config)", util.ErrInvalidConfig)
	}
	return dest, nil
}

// engineConfig assembles merge settings from flags, env and config file
func engineConfig(logger *report.EventLogger) (*merge.Config, error) {
	source := viper.GetString("source")
	if source == "" {
		return nil, fmt.Errorf("%w: source directory is required (use --source/-s or set in config)", util.ErrInvalidConfig)
	}
	dest, err := requireDest()
	if err != nil {
		return nil, err
	}

	return &merge.Config{
		Source:      source,
		Dest:        dest,
		BatchSize:   GetConfigInt("batch-size", merge.DefaultBatchSize),
		BusyTimeout: GetConfigDuration("busy-timeout", 10*time.Second),
		Retry: util.LockRetryConfig(
			GetConfigInt("lock-retries", 5),
			GetConfigDuration("lock-wait", 200*time.Millisecond),
		),
		Logger: logger,
	}, nil
}

// readerOptions assembles reader settings; the cache lives for one process
func readerOptions() *reader.Options {
	return &reader.Options{
		BusyTimeout:    GetConfigDuration("busy-timeout", 10*time.Second),
		Cache:          reader.NewTTLCache(),
		CacheTTL:       GetConfigDuration("cache-ttl", reader.DefaultCacheTTL),
		BytesPerRow:    int64(GetConfigInt("bytes-per-row", reader.DefaultBytesPerRow)),
		MemoryFraction: GetConfigFloat("memory-fraction", reader.DefaultMemoryFraction),
	}
}

// openReader opens the configured destination read-only
func openReader() (*reader.Reader, error) {
	dest, err := requireDest()
	if err != nil {
		return nil, err
	}
	r, err := reader.Open(dest, readerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	return r, nil
}

// newEventLogger creates the JSONL event log, falling back to a null logger
func newEventLogger() *report.EventLogger {
	logLevel := report.LevelInfo
	if util.IsQuiet() {
		logLevel = report.LevelWarning
	} else if util.IsVerbose() {
		logLevel = report.LevelDebug
	}

	logger, err := report.NewEventLogger(GetConfigString("events-dir", "artifacts"), logLevel)
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		return report.NullLogger()
	}
	if logger.Path() != "" {
		util.DebugLog("Event log: %s", logger.Path())
	}
	return logger
}

// parseBound parses an optional time bound in the logger's UTC layout
func parseBound(value, name string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := util.ParseTime(value)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s must look like %q: %v", util.ErrInvalidConfig, name, util.TimeLayout, err)
	}
	return &t, nil
}
