//go:build windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package targetlock

import (
	"errors"
	"math"
	"os"

	"golang.org/x/sys/windows"
)

// Exclusive lock on the whole file. Windows releases locks of a terminated process asynchronously.
func doLock(f *os.File) error {
	var overlapped windows.Overlapped
	return windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, // reserved
		math.MaxUint32,
		math.MaxUint32,
		&overlapped,
	)
}

func doUnlock(f *os.File) error {
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, math.MaxUint32, math.MaxUint32, &overlapped)
}

func isAlreadyLockedError(err error) bool {
	return errors.Is(err, windows.ERROR_LOCK_VIOLATION)
}
