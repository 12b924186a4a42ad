//go:build !windows

// Copyright (c) Microsoft Corporation. All rights reserved.

package targetlock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// Advisory lock tied to the file descriptor; released automatically if the owning process exits.
func doLock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func doUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func isAlreadyLockedError(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK)
}
