package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// DirLock represents a directory-based lock keyed on a directory path (the
// current working directory when NewDirLock is given an empty path)
type DirLock struct {
	lockFile *flock.Flock
	lockPath string
	heldInfo string
}

// holderInfo is the PID/hostname/timestamp a process holding the lock stamps
// into the lock file's contents, so a conflicting TryLock can name exactly
// which instance an operator needs to go kill instead of just failing blind.
func holderInfo() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("pid=%d host=%s since=%s", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
}

// sanitizeDirPath converts a directory path to a safe filename
// Replaces special characters that could cause filesystem issues
func sanitizeDirPath(dirPath string) string {
	// Replace forward and back slashes with --
	sanitized := strings.ReplaceAll(dirPath, "/", "--")
	sanitized = strings.ReplaceAll(sanitized, "\\", "--")

	// Replace other problematic characters with safe alternatives
	sanitized = strings.ReplaceAll(sanitized, ":", "--")
	sanitized = strings.ReplaceAll(sanitized, "*", "-star-")
	sanitized = strings.ReplaceAll(sanitized, "?", "-q-")
	sanitized = strings.ReplaceAll(sanitized, "\"", "-quote-")
	sanitized = strings.ReplaceAll(sanitized, "<", "-lt-")
	sanitized = strings.ReplaceAll(sanitized, ">", "-gt-")
	sanitized = strings.ReplaceAll(sanitized, "|", "-pipe-")

	// Remove any remaining problematic characters using regex
	reg := regexp.MustCompile(`[^\w\-.]`)
	sanitized = reg.ReplaceAllString(sanitized, "-")

	// Remove leading/trailing dots and dashes to avoid hidden files
	sanitized = strings.Trim(sanitized, ".-")

	// Ensure we have a non-empty filename
	if sanitized == "" {
		sanitized = "default"
	}

	return sanitized
}

// NewDirLock creates a new directory lock for the specified path.
// If path is empty, it uses the current working directory.
func NewDirLock(path string) (*DirLock, error) {
	lockDir := path

	// If no path provided, use current working directory
	if lockDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		lockDir = cwd
	}

	// Sanitize the directory path to create a safe filename
	sanitizedDir := sanitizeDirPath(lockDir)

	// Get system temp directory
	tempDir := os.TempDir()

	// Create dispatchd subdirectory in temp
	dispatchdTempDir := filepath.Join(tempDir, "dispatchd")
	if err := os.MkdirAll(dispatchdTempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dispatchd temp directory: %w", err)
	}

	// Create lock file path using sanitized directory name
	lockFileName := fmt.Sprintf("%s.lock", sanitizedDir)
	lockPath := filepath.Join(dispatchdTempDir, lockFileName)

	// Create flock instance
	lockFile := flock.New(lockPath)

	return &DirLock{
		lockFile: lockFile,
		lockPath: lockPath,
	}, nil
}

// TryLock attempts to acquire the directory lock. On success it stamps the
// lock file with this process's PID/hostname/acquisition time, so a future
// conflicting TryLock can report exactly which instance is holding it. On
// conflict it returns that stamp (if readable) in the error.
func (dl *DirLock) TryLock() error {
	locked, err := dl.lockFile.TryLock()
	if err != nil {
		return fmt.Errorf("failed to try lock: %w", err)
	}

	if !locked {
		if holder, readErr := os.ReadFile(dl.lockPath); readErr == nil && len(holder) > 0 {
			return fmt.Errorf("another dispatchd instance is already running in this path (%s)", strings.TrimSpace(string(holder)))
		}
		return fmt.Errorf("another dispatchd instance is already running in this path")
	}

	dl.heldInfo = holderInfo()
	if err := os.WriteFile(dl.lockPath, []byte(dl.heldInfo+"\n"), 0644); err != nil {
		// Non-fatal: the lock itself is held via flock regardless of whether
		// we could stamp the debugging info into its contents.
		return nil
	}

	return nil
}

// HolderInfo returns this process's PID/hostname/acquisition stamp, empty
// until TryLock has succeeded. The control plane's /health endpoint reports
// it so an operator can confirm which daemon instance they're talking to.
func (dl *DirLock) HolderInfo() string {
	return dl.heldInfo
}

// Unlock releases the directory lock and removes the lock file
func (dl *DirLock) Unlock() error {
	if dl.lockFile == nil {
		return nil
	}

	// Unlock the file
	err := dl.lockFile.Unlock()
	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	// Remove the lock file
	if err := os.Remove(dl.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}

	return nil
}

// GetLockPath returns the path to the lock file (for debugging/testing)
func (dl *DirLock) GetLockPath() string {
	return dl.lockPath
}
