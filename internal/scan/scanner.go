package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/franz/datalog-merge/internal/util"
)

// SourceExtensions are the file extensions treated as logger session files
var SourceExtensions = []string{".db"}

// BuildFileMarker appears in the names of in-flight destination builds
const BuildFileMarker = ".build-"

// SourceFile is one discovered logger session file
type SourceFile struct {
	Path      string
	Group     string // absolute parent directory; sensors are keyed per group
	SizeBytes int64
	MtimeUnix int64
}

// Scanner discovers source database files in a directory tree
type Scanner struct {
	extensions map[string]bool
	exclude    map[string]bool
}

// Config holds scanner configuration
type Config struct {
	// Destination is excluded from the results together with its companions
	Destination    string
	AdditionalExts []string
}

// New creates a new Scanner
func New(cfg *Config) *Scanner {
	extMap := make(map[string]bool)
	for _, ext := range SourceExtensions {
		extMap[strings.ToLower(ext)] = true
	}
	for _, ext := range cfg.AdditionalExts {
		extMap[strings.ToLower(ext)] = true
	}

	exclude := make(map[string]bool)
	if cfg.Destination != "" {
		dest := absPath(cfg.Destination)
		exclude[dest] = true
		for _, suffix := range util.SQLiteCompanions {
			exclude[dest+suffix] = true
		}
	}

	return &Scanner{
		extensions: extMap,
		exclude:    exclude,
	}
}

// Scan walks root and returns every source file below it, sorted by path
func (s *Scanner) Scan(ctx context.Context, root string) ([]SourceFile, error) {
	root = absPath(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: source root %s: %v", util.ErrNotFound, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source root %s is not a directory", util.ErrNotFound, root)
	}

	util.DebugLog("Scanning for source files in: %s", root)

	files := make([]SourceFile, 0)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			util.WarnLog("Error accessing path %s: %v", path, err)
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() || !s.isSourceFile(path) {
			return nil
		}

		size, mtime, err := util.GetFileMetadata(path)
		if err != nil {
			util.WarnLog("Skipping %s: %v", path, err)
			return nil
		}

		files = append(files, SourceFile{
			Path:      path,
			Group:     filepath.Dir(path),
			SizeBytes: size,
			MtimeUnix: mtime,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk error: %w", walkErr)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no source files below %s", util.ErrNoData, root)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	util.DebugLog("Found %d source files", len(files))
	return files, nil
}

// isSourceFile checks the extension and the exclusion list
func (s *Scanner) isSourceFile(path string) bool {
	if s.exclude[path] {
		return false
	}
	if strings.Contains(filepath.Base(path), BuildFileMarker) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	return s.extensions[ext]
}

// Matches reports whether path would be picked up by Scan
func (s *Scanner) Matches(path string) bool {
	return s.isSourceFile(absPath(path))
}

// GetSupportedExtensions returns the list of supported extensions
func (s *Scanner) GetSupportedExtensions() []string {
	exts := make([]string, 0, len(s.extensions))
	for ext := range s.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
