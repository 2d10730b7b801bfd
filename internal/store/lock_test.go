package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
)

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json.lock")
	a := NewFileLock(path, logging.Nop())
	b := NewFileLock(path, logging.Nop())

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	// Same live process holds it, so a second acquirer must fail.
	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock())
	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock())
}

func TestFileLockReclaimsDeadHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json.lock")
	// PIDs on Linux top out well below this value.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))

	l := NewFileLock(path, logging.Nop())
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "a lock held by a dead process must be reclaimable")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
	require.NoError(t, l.Unlock())
}

func TestFileLockReclaimsByAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json.lock")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	l := NewFileLock(path, logging.Nop()).WithStaleAfter(10 * time.Second)
	ok, err := l.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "a lock older than the stale window must be reclaimable even with a live holder")
	require.NoError(t, l.Unlock())
}

func TestFileLockAcquireBusyTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json.lock")
	holder := NewFileLock(path, logging.Nop())
	ok, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = holder.Unlock() }()

	waiter := NewFileLock(path, logging.Nop())
	waiter.attempts = 3
	waiter.interval = 5 * time.Millisecond
	err = waiter.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockBusy)
}

func TestFileLockAcquireHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json.lock")
	holder := NewFileLock(path, logging.Nop())
	ok, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = holder.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	waiter := NewFileLock(path, logging.Nop())
	err = waiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnlockWithoutLockIsSafe(t *testing.T) {
	l := NewFileLock(filepath.Join(t.TempDir(), "never.lock"), logging.Nop())
	assert.NoError(t, l.Unlock())
}
