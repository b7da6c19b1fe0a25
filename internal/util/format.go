package util

import (
	"time"

	"github.com/dustin/go-humanize"
)

// TimeLayout is the wall-clock format used by the logger tooling, always UTC
const TimeLayout = "2006-01-02 15:04:05"

// FormatBytes formats bytes in human-readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatCount formats a row count with thousands separators
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatTime renders t in TimeLayout (UTC)
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout string as UTC
func ParseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// UnixToTime converts fractional unix seconds to a UTC time
func UnixToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// TimeToUnix converts t to fractional unix seconds
func TimeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
