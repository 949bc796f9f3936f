// Package worktree manages isolated git checkouts and the TCP port range
// handed to coding workers, shelling out to the git CLI the way the teacher's
// clients.GitClient does rather than driving a pure-Go git implementation.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"dispatchd/core/log"
)

const (
	worktreeDirName = ".worktrees"
	portRangeStart  = 3100
	portRangeEnd    = 3199
	gitTimeout      = 60 * time.Second
)

// Error wraps any failed git invocation or port-allocation failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("worktree: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
		s = strings.Trim(s, "-")
	}
	return s
}

// Manager owns one project's .worktrees directory and its reserved port
// range. All port/path bookkeeping is protected by a single mutex.
type Manager struct {
	projectDir     string
	worktreesBase  string
	mu             sync.Mutex
	allocatedPorts map[int]bool
	workerPaths    map[string]string // worker_id -> worktree path
}

// NewManager creates a manager rooted at projectDir. It does not touch the
// filesystem until an operation requires it.
func NewManager(projectDir string) *Manager {
	return &Manager{
		projectDir:     projectDir,
		worktreesBase:  filepath.Join(projectDir, worktreeDirName),
		allocatedPorts: make(map[int]bool),
		workerPaths:    make(map[string]string),
	}
}

// BranchFor derives a branch name from a ticket key and title, matching
// get_branch_for_ticket's key-slug[-title-slug] composition exactly: only
// the title-derived slug is truncated to 60 chars, the key slug is just
// lowercased with spaces turned to dashes, and the two are never
// re-truncated once joined — a long ticket key lengthens the branch rather
// than silently colliding with another long key truncated to the same
// prefix.
func BranchFor(ticketKey, ticketTitle string) string {
	keySlug := strings.ReplaceAll(strings.ToLower(ticketKey), " ", "-")
	titleSlug := slugify(ticketTitle, 60)
	if titleSlug == "" {
		return keySlug
	}
	return keySlug + "-" + titleSlug
}

func (m *Manager) runGit(ctx context.Context, args ...string) ([]byte, error) {
	return m.runGitWithRetry(ctx, "git "+strings.Join(args, " "), args...)
}

// runGitWithRetry shells out to git with a hard 60s timeout, retrying a
// narrow set of recoverable failures (timeout / lock contention) with
// exponential backoff, grounded on GitClient.executeWithRetry.
func (m *Manager) runGitWithRetry(parent context.Context, opName string, args ...string) ([]byte, error) {
	var output []byte
	var runErr error

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	b.Multiplier = 2

	op := func() error {
		ctx, cancel := context.WithTimeout(parent, gitTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = m.projectDir
		output, runErr = cmd.CombinedOutput()
		if runErr != nil && isRecoverable(runErr, string(output)) {
			log.Info("retrying recoverable git failure for %s", opName)
			return runErr
		}
		return nil
	}

	if err := backoff.Retry(op, b); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return output, &Error{Op: opName, Err: fmt.Errorf("%w\noutput: %s", runErr, output)}
	}
	return output, nil
}

func isRecoverable(err error, output string) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error() + " " + output)
	for _, pattern := range []string{"timeout", "context deadline exceeded", "index.lock", "unable to create"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "branch", "--list", branch)
	cmd.Dir = m.projectDir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) != ""
}

// CreateWorktree ensures the worktrees directory exists, clears any existing
// worktree at the worker's slot, creates the branch if missing, and adds a
// worktree pinned to it. The worker's path is recorded for later removal.
func (m *Manager) CreateWorktree(ctx context.Context, workerID, branch string) (string, error) {
	if err := os.MkdirAll(m.worktreesBase, 0o755); err != nil {
		return "", &Error{Op: "mkdir worktrees base", Err: err}
	}

	path := filepath.Join(m.worktreesBase, workerID)
	if _, err := os.Stat(path); err == nil {
		if _, rmErr := m.runGit(ctx, "worktree", "remove", "--force", path); rmErr != nil {
			// git itself couldn't clear the directory (e.g. a lingering lock
			// file). Move it aside under a scratch name rather than blocking
			// this worker's create, and leave it for CleanupStaleWorktrees.
			scratch := filepath.Join(m.worktreesBase, "stale-"+uuid.NewString())
			if renameErr := os.Rename(path, scratch); renameErr != nil {
				log.Warn("failed to remove or relocate stale worktree at %s: %v / %v", path, rmErr, renameErr)
			} else {
				log.Warn("relocated stale worktree %s to %s after remove failed: %v", path, scratch, rmErr)
			}
		}
	}

	if !m.branchExists(ctx, branch) {
		if _, err := m.runGit(ctx, "branch", branch); err != nil {
			return "", err
		}
	}

	if _, err := m.runGit(ctx, "worktree", "add", path, branch); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.workerPaths[workerID] = path
	m.mu.Unlock()

	return path, nil
}

// RemoveWorktree removes the worker's worktree, if any. It is idempotent —
// callers may invoke it even after a failed create.
func (m *Manager) RemoveWorktree(ctx context.Context, workerID string) error {
	m.mu.Lock()
	path, ok := m.workerPaths[workerID]
	delete(m.workerPaths, workerID)
	m.mu.Unlock()

	if !ok {
		path = filepath.Join(m.worktreesBase, workerID)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	_, err := m.runGit(ctx, "worktree", "remove", "--force", path)
	return err
}

// MergeToMain checks out main and merges branch into it with --no-ff. On
// conflict it aborts the merge and returns merged=false rather than an error;
// any other git failure (including the checkout) is propagated.
func (m *Manager) MergeToMain(ctx context.Context, branch string) (merged bool, err error) {
	if _, err := m.runGit(ctx, "checkout", "main"); err != nil {
		return false, err
	}

	_, mergeErr := m.runGit(ctx, "merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge %s", branch))
	if mergeErr == nil {
		return true, nil
	}

	msg := strings.ToLower(mergeErr.Error())
	if strings.Contains(msg, "conflict") {
		abortCmd := exec.CommandContext(ctx, "git", "merge", "--abort")
		abortCmd.Dir = m.projectDir
		_ = abortCmd.Run() // best-effort; matches check=False in the original
		return false, nil
	}
	return false, mergeErr
}

// AllocatePort returns the lowest unused port in the reserved range, or an
// error if the range is exhausted.
func (m *Manager) AllocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p := portRangeStart; p <= portRangeEnd; p++ {
		if !m.allocatedPorts[p] {
			m.allocatedPorts[p] = true
			return p, nil
		}
	}
	return 0, &Error{Op: "allocate port", Err: fmt.Errorf("port range %d-%d exhausted", portRangeStart, portRangeEnd)}
}

// ReleasePort frees a previously allocated port. Idempotent.
func (m *Manager) ReleasePort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allocatedPorts, port)
}

// CleanupStaleWorktrees removes any directory under the worktrees base that
// is not a currently tracked worker id, returning the count removed.
func (m *Manager) CleanupStaleWorktrees(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.worktreesBase)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &Error{Op: "read worktrees base", Err: err}
	}

	m.mu.Lock()
	tracked := make(map[string]bool, len(m.workerPaths))
	for id := range m.workerPaths {
		tracked[id] = true
	}
	m.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if tracked[e.Name()] {
			continue
		}
		path := filepath.Join(m.worktreesBase, e.Name())
		if _, err := m.runGit(ctx, "worktree", "remove", "--force", path); err != nil {
			// A directory CreateWorktree moved aside is no longer a registered
			// worktree at this path, so git cannot remove it; delete it directly.
			if strings.HasPrefix(e.Name(), "stale-") && os.RemoveAll(path) == nil {
				removed++
				continue
			}
			log.Warn("failed to remove stale worktree %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
