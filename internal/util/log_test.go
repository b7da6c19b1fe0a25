package util

import "testing"

func TestLogLevelSwitches(t *testing.T) {
	defer func(level LogLevel, colors bool) {
		currentLogLevel, useColors = level, colors
	}(currentLogLevel, useColors)

	currentLogLevel = LevelInfo
	SetVerbose(false)
	SetQuiet(false)
	if IsVerbose() || IsQuiet() {
		t.Error("Default level should be neither verbose nor quiet")
	}

	SetVerbose(true)
	if !IsVerbose() {
		t.Error("Expected verbose after SetVerbose(true)")
	}

	SetQuiet(true)
	if !IsQuiet() || IsVerbose() {
		t.Error("Expected quiet after SetQuiet(true)")
	}
}

func TestSetColors(t *testing.T) {
	defer func(colors bool) { useColors = colors }(useColors)

	SetColors(false)
	if got := colorize("\033[31m", "x"); got != "x" {
		t.Errorf("colorize with colors off = %q", got)
	}

	SetColors(true)
	if got := colorize("\033[31m", "x"); got != "\033[31mx\033[0m" {
		t.Errorf("colorize with colors on = %q", got)
	}
}
