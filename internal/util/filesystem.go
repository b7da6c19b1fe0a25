package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SQLiteCompanions are the suffixes of the files SQLite keeps next to a database
var SQLiteCompanions = []string{"-wal", "-shm", "-journal"}

// FileExists reports whether path names an existing regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// GetFileMetadata extracts basic filesystem metadata
func GetFileMetadata(path string) (size int64, mtime int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat file: %w", err)
	}

	return info.Size(), info.ModTime().Unix(), nil
}

// RemoveCompanions deletes the -wal/-shm/-journal files of a database
func RemoveCompanions(dbPath string, cfg *RetryConfig) error {
	for _, suffix := range SQLiteCompanions {
		if err := RetryableRemove(dbPath+suffix, cfg); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDatabase deletes a database file together with its companions
func RemoveDatabase(dbPath string, cfg *RetryConfig) error {
	if err := RetryableRemove(dbPath, cfg); err != nil {
		return err
	}
	return RemoveCompanions(dbPath, cfg)
}

// WriteFileAtomic writes data to a .part file next to path and renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".part"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename: %w", err)
	}
	return nil
}

// CopyFile copies src over dst in place. It is not atomic: a reader may observe
// a partially written dst.
func CopyFile(ctx context.Context, src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination: %w", err)
	}

	written, err := copyWithContext(ctx, out, in, 128*1024)
	if err != nil {
		out.Close()
		return written, fmt.Errorf("failed to copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return written, fmt.Errorf("failed to sync: %w", err)
	}
	return written, out.Close()
}

// copyWithContext copies data with context cancellation support
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader, bufferSize int) (int64, error) {
	buf := make([]byte, bufferSize)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			written += int64(nw)
			if ew != nil {
				return written, ew
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er != io.EOF {
				return written, er
			}
			break
		}
	}
	return written, nil
}
