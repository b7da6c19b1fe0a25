package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/franz/datalog-merge/internal/catalog"
	"github.com/franz/datalog-merge/internal/merge"
	"github.com/franz/datalog-merge/internal/reader"
	"github.com/franz/datalog-merge/internal/scan"
	"github.com/franz/datalog-merge/internal/state"
	"github.com/franz/datalog-merge/internal/store"
	"github.com/franz/datalog-merge/internal/util"
	"github.com/pbnjay/memory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the environment and configuration",
	Long: `Run diagnostic checks to ensure dlm can operate correctly.

This command checks:
- SQLite version compatibility
- Source folder readability and session file count
- Destination health and integrity
- Sensor map, merge state and last-run documents next to the destination
- Memory available to readers
- Disk space availability

Use this command to troubleshoot issues before running dlm operations.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	util.InfoLog("=== DLM Doctor - System Diagnostics ===")
	util.InfoLog("")

	results := []checkResult{}

	// 1. Check SQLite
	results = append(results, checkSQLite())

	// 2. Check source directory
	srcPath := viper.GetString("source")
	destPath := viper.GetString("dest")
	if srcPath != "" {
		results = append(results, checkSourceDirectory(ctx, srcPath, destPath))
	}

	// 3. Check destination and its side documents
	results = append(results, checkDestination(ctx, destPath, GetConfigDuration("busy-timeout", 10*time.Second)))
	if destPath != "" {
		results = append(results, checkSensorMap(destPath))
		results = append(results, checkMergeState(destPath))
		results = append(results, checkSideDocuments(destPath))
	}

	// 4. Check memory
	results = append(results, checkMemory(memory.TotalMemory(), memory.FreeMemory(),
		GetConfigFloat("memory-fraction", reader.DefaultMemoryFraction),
		int64(GetConfigInt("bytes-per-row", reader.DefaultBytesPerRow))))

	// 5. Check disk space
	if srcPath != "" {
		results = append(results, checkDiskSpace(srcPath, "source"))
	}
	if destDir := filepath.Dir(destPath); destPath != "" && destDir != srcPath {
		results = append(results, checkDiskSpace(destDir, "destination"))
	}

	// Print results
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	// Summary
	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("❌ Some critical checks failed. Please resolve errors before running dlm.")
		return fmt.Errorf("system diagnostics failed")
	} else if hasWarnings {
		util.WarnLog("⚠️  Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("✅ All checks passed! System is ready for dlm operations.")
	}

	return nil
}

// checkSQLite verifies SQLite version
func checkSQLite() checkResult {
	version := store.SQLiteVersion()
	if version == "" {
		return checkResult{
			name:    "SQLite",
			error:   true,
			message: "unable to determine version",
		}
	}

	return checkResult{
		name:    "SQLite",
		message: fmt.Sprintf("version %s (built-in)", version),
	}
}

// checkSourceDirectory verifies the source tree is readable and holds session files
func checkSourceDirectory(ctx context.Context, path, dest string) checkResult {
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{
			name:    "Source directory",
			error:   true,
			message: fmt.Sprintf("cannot access %s: %v", path, err),
		}
	}

	if !info.IsDir() {
		return checkResult{
			name:    "Source directory",
			error:   true,
			message: fmt.Sprintf("%s is not a directory", path),
		}
	}

	scanner := scan.New(&scan.Config{Destination: dest})
	files, err := scanner.Scan(ctx, path)
	if errors.Is(err, util.ErrNoData) {
		return checkResult{
			name:    "Source directory",
			warning: true,
			message: fmt.Sprintf("%s holds no session files (%s)", path, strings.Join(scanner.GetSupportedExtensions(), ", ")),
		}
	}
	if err != nil {
		return checkResult{
			name:    "Source directory",
			error:   true,
			message: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}

	var total int64
	groups := make(map[string]bool)
	for _, f := range files {
		total += f.SizeBytes
		groups[f.Group] = true
	}

	return checkResult{
		name:    "Source directory",
		message: fmt.Sprintf("%s (%d files in %d folders, %s)", path, len(files), len(groups), util.FormatBytes(total)),
	}
}

// checkDestination probes the destination database
func checkDestination(ctx context.Context, dest string, busyTimeout time.Duration) checkResult {
	if dest == "" {
		return checkResult{
			name:    "Destination",
			warning: true,
			message: "no destination specified (use --dest flag or config)",
		}
	}

	health, reason := merge.Probe(ctx, dest, busyTimeout, util.LockRetryConfig(1, 0))
	switch health {
	case merge.HealthUnavailable:
		return checkResult{
			name:    "Destination",
			error:   true,
			message: fmt.Sprintf("cannot examine %s: %v", dest, reason),
		}
	case merge.HealthMissing:
		dir := filepath.Dir(dest)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return checkResult{
				name:    "Destination",
				error:   true,
				message: fmt.Sprintf("parent folder %s does not exist", dir),
			}
		}
		return checkResult{
			name:    "Destination",
			message: fmt.Sprintf("%s (will be created on first merge)", dest),
		}
	case merge.HealthCorrupt:
		return checkResult{
			name:    "Destination",
			warning: true,
			message: fmt.Sprintf("%s is corrupt and will be rebuilt: %v", dest, reason),
		}
	case merge.HealthInvalid:
		return checkResult{
			name:    "Destination",
			warning: true,
			message: fmt.Sprintf("%s is not a merged database and will be rebuilt: %v", dest, reason),
		}
	}

	db, err := store.OpenWithOptions(dest, &store.OpenOptions{BusyTimeout: busyTimeout, ReadOnly: true})
	if err != nil {
		return checkResult{
			name:    "Destination",
			error:   true,
			message: fmt.Sprintf("cannot open %s: %v", dest, err),
		}
	}
	defer db.Close()

	if err := db.CheckIntegrity(); err != nil {
		return checkResult{
			name:    "Destination",
			error:   true,
			message: fmt.Sprintf("integrity check failed: %v", err),
		}
	}

	rows, _ := db.RowCount(ctx)
	columns, _ := db.SensorColumns(ctx)
	size := int64(0)
	if info, err := os.Stat(dest); err == nil {
		size = info.Size()
	}

	return checkResult{
		name:    "Destination",
		message: fmt.Sprintf("%s (%s, %s rows, %d sensors)", dest, util.FormatBytes(size), util.FormatCount(rows), len(columns)),
	}
}

// checkSensorMap verifies the sensor map next to dest can be decoded
func checkSensorMap(dest string) checkResult {
	path := state.SensorsPath(dest)
	c, err := catalog.Load(path)
	if err != nil {
		res := checkResult{name: "Sensor map", warning: true}
		if util.FileExists(dest) {
			res = checkResult{name: "Sensor map", error: true}
		}
		res.message = fmt.Sprintf("%v (next merge rebuilds the destination)", err)
		return res
	}
	if !util.FileExists(path) {
		return checkResult{
			name:    "Sensor map",
			message: "not created yet",
		}
	}
	return checkResult{
		name:    "Sensor map",
		message: fmt.Sprintf("%d sensors, next id %d", c.Len(), c.NextID()),
	}
}

// checkMergeState reports the recorded sources and the last run
func checkMergeState(dest string) checkResult {
	st := state.LoadMergeState(state.StatePath(dest))
	meta := state.LoadMetadata(state.MetaPath(dest))
	if meta == nil {
		return checkResult{
			name:    "Merge state",
			message: fmt.Sprintf("%d sources recorded, no completed merge yet", st.Len()),
		}
	}
	return checkResult{
		name: "Merge state",
		message: fmt.Sprintf("%d sources recorded, last merge %s UTC over %d sources",
			st.Len(), util.FormatTime(meta.LastMerge), meta.SourceCount),
	}
}

// checkSideDocuments lists the side documents present next to dest
func checkSideDocuments(dest string) checkResult {
	var present []string
	for _, path := range state.SidePaths(dest) {
		if info, err := os.Stat(path); err == nil {
			present = append(present, fmt.Sprintf("%s (%s)", filepath.Base(path), util.FormatBytes(info.Size())))
		}
	}
	if len(present) == 0 {
		return checkResult{
			name:    "Side documents",
			message: "none written yet",
		}
	}
	return checkResult{
		name:    "Side documents",
		message: strings.Join(present, ", "),
	}
}

// checkMemory reports the budget one read may use before it pages
func checkMemory(total, free uint64, fraction float64, bytesPerRow int64) checkResult {
	if total == 0 {
		return checkResult{
			name:    "Memory",
			warning: true,
			message: "cannot determine system memory",
		}
	}
	if fraction <= 0 || fraction > 1 {
		fraction = reader.DefaultMemoryFraction
	}
	if bytesPerRow <= 0 {
		bytesPerRow = reader.DefaultBytesPerRow
	}

	budget := int64(float64(free) * fraction)
	msg := fmt.Sprintf("%s free of %s, reads up to %s readings load at once",
		util.FormatBytes(int64(free)), util.FormatBytes(int64(total)), util.FormatCount(budget/bytesPerRow))

	return checkResult{
		name:    "Memory",
		warning: budget/bytesPerRow < reader.MinPageSize,
		message: msg,
	}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{
			name:    fmt.Sprintf("Disk space (%s)", label),
			warning: true,
			message: fmt.Sprintf("cannot determine disk space: %v", err),
		}
	}

	// Available bytes = available blocks * block size
	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	usedPercent := float64(usedBytes) / float64(totalBytes) * 100

	// A fresh build needs room for a second copy of the destination
	warning := false
	warningMsg := ""
	if availBytes < 1<<30 {
		warning = true
		warningMsg = " (low space!)"
	} else if usedPercent > 90 {
		warning = true
		warningMsg = " (>90% used)"
	}

	return checkResult{
		name:    fmt.Sprintf("Disk space (%s)", label),
		warning: warning,
		message: fmt.Sprintf("%s available%s", util.FormatBytes(int64(availBytes)), warningMsg),
	}
}
