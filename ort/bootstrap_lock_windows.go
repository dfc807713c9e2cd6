//go:build windows

package ort

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// The first byte of the file is the lock region.
const lockRegionBytes = 1

func tryLock(f *os.File) error {
	var ov windows.Overlapped
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, lockRegionBytes, 0, &ov)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) || errors.Is(err, windows.ERROR_SHARING_VIOLATION) {
		return errLockBusy
	}
	return err
}

func unlock(f *os.File) error {
	var ov windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockRegionBytes, 0, &ov)
}
