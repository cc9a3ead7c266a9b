package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingWriter writes to a file and rotates it when it exceeds a size
// limit. Safe for concurrent use.
type RotatingWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64 // bytes
	maxAge      int   // days
	compress    bool
	currentFile *os.File
	currentSize int64
}

// NewRotatingWriter creates a writer for filename that rotates once the
// file grows past maxSizeMB. Rotated files older than maxAge days are
// removed; compress gzips them.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", maxSizeMB)
	}

	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	rw := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
	}

	if err := rw.open(); err != nil {
		return nil, err
	}

	rw.removeExpired()

	return rw, nil
}

// Write appends p to the current file, rotating first when the write
// would push it past the size limit.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.currentFile == nil {
		if err := rw.open(); err != nil {
			return 0, err
		}
	}

	if rw.currentSize+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.currentFile.Write(p)
	rw.currentSize += int64(n)
	return n, err
}

// Close closes the current file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.currentFile == nil {
		return nil
	}
	err := rw.currentFile.Close()
	rw.currentFile = nil
	return err
}

// open opens the log file for appending. Caller holds the lock or is the
// constructor.
func (rw *RotatingWriter) open() error {
	file, err := os.OpenFile(rw.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rw.currentFile = file
	rw.currentSize = info.Size()
	return nil
}

// rotate renames the current file aside and opens a fresh one. Caller
// holds the lock.
func (rw *RotatingWriter) rotate() error {
	if err := rw.currentFile.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.currentFile = nil

	rotated := fmt.Sprintf("%s.%s", rw.filename, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(rw.filename, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if rw.compress {
		go compressFile(rotated)
	}

	go rw.removeExpired()

	return rw.open()
}

// removeExpired deletes rotated files older than maxAge days. Reads only
// immutable fields, so it needs no lock.
func (rw *RotatingWriter) removeExpired() {
	if rw.maxAge <= 0 {
		return
	}

	matches, err := filepath.Glob(rw.filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -rw.maxAge)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(match)
		}
	}
}

// compressFile gzips path and removes the original on success.
func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}

	os.Remove(path)
}
