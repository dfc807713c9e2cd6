package ort

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var errLockBusy = errors.New("lock held by another process")

// Cross-process lock tuning. Tests shorten these.
var (
	lockTimeout      = 10 * time.Minute
	lockPollInterval = 100 * time.Millisecond
	lockLogInterval  = 10 * time.Second
)

// withFileLock runs fn while this process holds an exclusive lock on path.
// Goroutines of one process are serialized as well, since each opens its
// own descriptor.
func withFileLock(ctx context.Context, path string, fn func() error) (err error) {
	if fn == nil {
		return fmt.Errorf("lock callback is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %q: %w", path, err)
	}
	if err := waitForLock(ctx, f); err != nil {
		_ = f.Close()
		return err
	}
	defer func() {
		err = errors.Join(err, unlock(f), f.Close())
	}()
	return fn()
}

func waitForLock(ctx context.Context, f *os.File) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	logTicker := time.NewTicker(lockLogInterval)
	defer logTicker.Stop()
	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && time.Since(start) >= lockTimeout {
				return fmt.Errorf("timed out acquiring lock %q after %s", f.Name(), lockTimeout)
			}
			return fmt.Errorf("waiting for lock %q: %w", f.Name(), ctx.Err())
		case <-logTicker.C:
			Logger().WithField("path", f.Name()).
				Infof("waiting for lock held by another process (%s elapsed)", time.Since(start).Round(time.Second))
		case <-poll.C:
			err := tryLock(f)
			if err == nil {
				return nil
			}
			if !errors.Is(err, errLockBusy) {
				return fmt.Errorf("failed to acquire lock %q: %w", f.Name(), err)
			}
			poll.Reset(lockPollInterval)
		}
	}
}
