// Package runlock keeps a single pipeline in flight per state directory.
package runlock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrHeld is returned by Acquire when the lock is owned by a live process,
// including another caller in this process.
var ErrHeld = errors.New("another agentflow pipeline is running")

// An empty lock file younger than this belongs to an owner that has created
// it but not yet written its PID.
const emptyGrace = 5 * time.Second

// Paths held by this process. A PID file cannot tell two callers in the same
// process apart.
var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

// Lock is a PID file guarding pipeline runs.
type Lock struct {
	Path string

	mu    sync.Mutex
	owned bool
}

// New creates a Lock for the given path.
func New(path string) *Lock {
	return &Lock{Path: path}
}

// Acquire creates the lock file exclusively and records the current process
// as owner. A lock left behind by a dead process is taken over.
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := l.key()
	heldMu.Lock()
	defer heldMu.Unlock()
	if l.owned || held[key] {
		return fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, os.Getpid(), l.Path)
	}

	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	err := l.create()
	if errors.Is(err, fs.ErrExist) {
		if err := l.removeStale(); err != nil {
			return err
		}
		err = l.create()
		if errors.Is(err, fs.ErrExist) {
			pid, _ := l.Owner()
			return fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, pid, l.Path)
		}
	}
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}

	l.owned = true
	held[key] = true
	return nil
}

// Release removes the lock file if this Lock holds it.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.owned {
		return nil
	}

	heldMu.Lock()
	delete(held, l.key())
	heldMu.Unlock()
	l.owned = false

	if pid, err := l.read(); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Owner returns the PID in the lock file and whether that process is alive.
func (l *Lock) Owner() (int, bool) {
	pid, err := l.read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

func (l *Lock) key() string {
	if abs, err := filepath.Abs(l.Path); err == nil {
		return abs
	}
	return filepath.Clean(l.Path)
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(l.Path)
		return err
	}
	return f.Close()
}

// removeStale deletes an existing lock file whose owner is gone. It returns
// ErrHeld when the owner is alive or still writing its PID.
func (l *Lock) removeStale() error {
	info, err := os.Stat(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat lock: %w", err)
	}

	pid, err := l.read()
	switch {
	case err == nil && pid == os.Getpid():
		// Left behind by this process; held was checked by the caller.
	case err == nil && processAlive(pid):
		return fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, pid, l.Path)
	case info.Size() == 0 && time.Since(info.ModTime()) < emptyGrace:
		return fmt.Errorf("%w (lock %s is being written)", ErrHeld, l.Path)
	}

	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

func (l *Lock) read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid lock file content: %w", err)
	}
	return pid, nil
}
