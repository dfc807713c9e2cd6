package ort

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortenLockTimings(t *testing.T, timeout time.Duration) {
	t.Helper()
	prevTimeout, prevPoll, prevLog := lockTimeout, lockPollInterval, lockLogInterval
	lockTimeout, lockPollInterval, lockLogInterval = timeout, 5*time.Millisecond, time.Hour
	t.Cleanup(func() {
		lockTimeout, lockPollInterval, lockLogInterval = prevTimeout, prevPoll, prevLog
	})
}

// holdLock takes the lock on path through a separate descriptor.
func holdLock(t *testing.T, path string) func() {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, tryLock(f))
	return func() {
		_ = unlock(f)
		_ = f.Close()
	}
}

func TestWithFileLockTimesOut(t *testing.T) {
	shortenLockTimings(t, 60*time.Millisecond)
	path := filepath.Join(t.TempDir(), ".locks", "a.lock")
	release := holdLock(t, path)
	defer release()

	called := false
	err := withFileLock(context.Background(), path, func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out acquiring lock")
	assert.False(t, called)
}

func TestWithFileLockHonorsContext(t *testing.T) {
	shortenLockTimings(t, time.Minute)
	path := filepath.Join(t.TempDir(), "a.lock")
	release := holdLock(t, path)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := withFileLock(ctx, path, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotContains(t, err.Error(), "timed out acquiring lock")
}

func TestWithFileLockWaitsForRelease(t *testing.T) {
	shortenLockTimings(t, 5*time.Second)
	path := filepath.Join(t.TempDir(), "a.lock")
	release := holdLock(t, path)
	time.AfterFunc(30*time.Millisecond, release)

	require.NoError(t, withFileLock(context.Background(), path, func() error { return nil }))
}

func TestWithFileLockSerializes(t *testing.T) {
	shortenLockTimings(t, 5*time.Second)
	path := filepath.Join(t.TempDir(), "a.lock")

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, withFileLock(context.Background(), path, func() error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestWithFileLockCallbackError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.lock")
	assert.ErrorContains(t, withFileLock(context.Background(), path, nil), "lock callback is nil")
	assert.ErrorIs(t, withFileLock(context.Background(), path, func() error { return os.ErrClosed }), os.ErrClosed)
}
