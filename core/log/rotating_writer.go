package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingWriter is a size-based rotating io.Writer that also caps the
// number of rotated files it keeps on disk — a long-running daemon rotates
// far more often than a CLI invocation ever would, so unbounded retention
// fills the project's .dispatchd/logs directory over weeks of uptime.
type RotatingWriter struct {
	logDir      string
	maxFileSize int64
	filePrefix  string
	maxFiles    int

	mu          sync.Mutex
	currentFile *os.File
	currentPath string
	currentSize int64
	stdout      io.Writer
}

// RotatingWriterConfig configures a RotatingWriter.
type RotatingWriterConfig struct {
	LogDir      string    // Directory where log files will be created
	MaxFileSize int64     // Maximum size per file in bytes (default: 10MB)
	FilePrefix  string    // Prefix for log file names (default: "app")
	Stdout      io.Writer // Writer for stdout output (default: os.Stdout)
	MaxFiles    int       // Rotated files to retain; 0 disables pruning
}

// NewRotatingWriter creates a rotating writer and opens its first log file.
func NewRotatingWriter(config RotatingWriterConfig) (*RotatingWriter, error) {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 10 * 1024 * 1024 // 10MB
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "app"
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rw := &RotatingWriter{
		logDir:      config.LogDir,
		maxFileSize: config.MaxFileSize,
		filePrefix:  config.FilePrefix,
		stdout:      config.Stdout,
		maxFiles:    config.MaxFiles,
	}

	if err := rw.rotateFile(); err != nil {
		return nil, fmt.Errorf("failed to create initial log file: %w", err)
	}

	return rw, nil
}

// Write implements io.Writer, mirroring every write to stdout and rotating
// the on-disk file once it would exceed maxFileSize.
func (rw *RotatingWriter) Write(p []byte) (n int, err error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if _, err := rw.stdout.Write(p); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to write to stdout: %v\n", err)
	}

	if rw.currentSize+int64(len(p)) > rw.maxFileSize {
		if err := rw.rotateFile(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to rotate log file: %v\n", err)
		}
	}

	if rw.currentFile != nil {
		n, err = rw.currentFile.Write(p)
		rw.currentSize += int64(n)
		return n, err
	}

	return len(p), nil
}

// rotateFile closes the current log file, opens a fresh timestamped one,
// and prunes old rotations beyond maxFiles.
func (rw *RotatingWriter) rotateFile() error {
	if rw.currentFile != nil {
		if err := rw.currentFile.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to close current log file: %v\n", err)
		}
	}

	timestamp := time.Now().Format("20060102-150405.000000000")
	logFileName := fmt.Sprintf("%s-%s.log", rw.filePrefix, timestamp)
	newLogFilePath := filepath.Join(rw.logDir, logFileName)

	newLogFile, err := os.OpenFile(newLogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new log file: %w", err)
	}

	rw.currentFile = newLogFile
	rw.currentPath = newLogFilePath
	rw.currentSize = 0

	rw.pruneOldFiles()

	return nil
}

// pruneOldFiles removes the oldest rotated log files beyond maxFiles,
// leaving the file just opened (and the rest of the most recent maxFiles)
// in place. Errors are logged to stderr, not returned — pruning failure
// must never block logging itself.
func (rw *RotatingWriter) pruneOldFiles() {
	if rw.maxFiles <= 0 {
		return
	}

	matches, err := filepath.Glob(filepath.Join(rw.logDir, rw.filePrefix+"-*.log"))
	if err != nil || len(matches) <= rw.maxFiles {
		return
	}

	sort.Strings(matches) // timestamped names sort chronologically
	for _, stale := range matches[:len(matches)-rw.maxFiles] {
		if err := os.Remove(stale); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to prune old log file %s: %v\n", stale, err)
		}
	}
}

// Close closes the current log file
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.currentFile != nil {
		err := rw.currentFile.Close()
		rw.currentFile = nil
		return err
	}
	return nil
}

// GetCurrentLogPath returns the path of the current log file
func (rw *RotatingWriter) GetCurrentLogPath() string {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.currentPath
}

// GetCurrentFileSize returns the current size of the active log file
func (rw *RotatingWriter) GetCurrentFileSize() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.currentSize
}