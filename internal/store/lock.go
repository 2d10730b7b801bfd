package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"steward/internal/logging"
)

// DefaultLockStaleAfter is how old a lock file may grow before it is
// considered abandoned even when its holder PID cannot be probed.
const DefaultLockStaleAfter = 30 * time.Second

// ErrLockBusy is returned when the lock is held by a live process and the
// bounded acquisition spin ran out of attempts.
var ErrLockBusy = errors.New("lock held by a live process")

// FileLock is a cross-process mutex backed by an exclusively-created file
// containing the holder PID. A lock whose holder is dead, or whose mtime is
// older than the stale window, is reclaimed by the next acquirer.
type FileLock struct {
	path       string
	staleAfter time.Duration
	attempts   int
	interval   time.Duration
	logger     logging.Logger
}

// NewFileLock returns a lock at path with default spin and staleness settings.
func NewFileLock(path string, logger logging.Logger) *FileLock {
	return &FileLock{
		path:       path,
		staleAfter: DefaultLockStaleAfter,
		attempts:   10,
		interval:   100 * time.Millisecond,
		logger:     logging.OrNop(logger),
	}
}

// WithStaleAfter overrides the staleness window. Zero keeps the default.
func (l *FileLock) WithStaleAfter(d time.Duration) *FileLock {
	if d > 0 {
		l.staleAfter = d
	}
	return l
}

// TryAcquire attempts to take the lock once without waiting.
func (l *FileLock) TryAcquire() (bool, error) {
	return l.tryOnce()
}

// Acquire takes the lock, spinning a bounded number of attempts. It returns
// ErrLockBusy when the holder stays alive for the whole spin.
func (l *FileLock) Acquire(ctx context.Context) error {
	for i := 0; i < l.attempts; i++ {
		ok, err := l.tryOnce()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.interval):
		}
	}
	return fmt.Errorf("acquire %s: %w", l.path, ErrLockBusy)
}

// Unlock releases the lock by removing the lock file. Safe to call on error
// paths even when the lock was never taken.
func (l *FileLock) Unlock() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release %s: %w", l.path, err)
	}
	return nil
}

func (l *FileLock) tryOnce() (bool, error) {
	ok, err := l.create()
	if ok || err != nil {
		return ok, err
	}
	if !l.reclaimIfStale() {
		return false, nil
	}
	return l.create()
}

func (l *FileLock) create() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", l.path, err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("write lock %s: %w", l.path, errors.Join(werr, cerr))
	}
	return true, nil
}

// reclaimIfStale unlinks the lock when its holder is dead or the file has
// outlived the staleness window. Races with the holder's own unlink are
// harmless: at worst the remove fails with ENOENT.
func (l *FileLock) reclaimIfStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		// ENOENT means the holder released between create and stat.
		return os.IsNotExist(err)
	}
	pid := l.readHolderPID()
	alive := PIDAlive(pid)
	if alive && time.Since(info.ModTime()) < l.staleAfter {
		return false
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false
	}
	l.logger.Warn("reclaimed stale lock %s (holder pid %d alive=%v)", l.path, pid, alive)
	return true
}

func (l *FileLock) readHolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// PIDAlive probes pid with a no-op signal. EPERM still means alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
