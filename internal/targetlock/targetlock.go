/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package targetlock serializes test sessions that use the same target from this machine.
// A session holds an exclusive lock on a file named after the target host; the file records
// the process and session owning the target.
package targetlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/pkg/osutil"
)

const (
	DefaultRetryInterval = 200 * time.Millisecond
)

var (
	defaultLockDir = filepath.Join(os.TempDir(), "hwrunner", "locks")
	unsafeChars    = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Lock is an acquired target lock. It is NOT goroutine-safe.
type Lock struct {
	path string
	file *os.File
}

// PathFor returns the lock file used for the given target host. An empty dir means the default lock folder.
func PathFor(dir, target string) string {
	if dir == "" {
		dir = defaultLockDir
	}
	name := unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(target)), "_")
	if name == "" {
		name = "local"
	}
	return filepath.Join(dir, name+".lock")
}

// Acquire locks the target lock file at path and records owner in it.
// If another session holds the lock, Acquire retries until wait elapses (a single attempt if wait is not positive),
// then fails with hilerr.ErrAlreadyRunning naming the current owner.
func Acquire(ctx context.Context, path, owner string, waitFor time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), osutil.PermissionOnlyOwnerReadWriteTraverse); err != nil {
		return nil, fmt.Errorf("could not create lock folder: %w", err)
	}

	file, openErr := os.OpenFile(path, os.O_CREATE|os.O_RDWR, osutil.PermissionOnlyOwnerReadWrite)
	if openErr != nil {
		return nil, fmt.Errorf("could not open lock file '%s': %w", path, openErr)
	}

	tryLock := func(_ context.Context) (bool, error) {
		lockErr := doLock(file)
		if lockErr == nil {
			return true, nil
		}
		if isAlreadyLockedError(lockErr) {
			return false, nil
		}
		return false, lockErr
	}

	var err error
	if waitFor <= 0 {
		var locked bool
		if locked, err = tryLock(ctx); err == nil && !locked {
			err = wait.ErrorInterrupted(nil)
		}
	} else {
		pollCtx, cancel := context.WithTimeout(ctx, waitFor)
		err = wait.PollUntilContextCancel(pollCtx, wait.Jitter(DefaultRetryInterval, 0.1), true /* poll immediately */, tryLock)
		cancel()
	}

	if err != nil {
		_ = file.Close()
		if wait.Interrupted(err) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: target is in use by %s", hilerr.ErrAlreadyRunning, ReadOwner(path))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("could not lock '%s': %w", path, err)
	}

	l := &Lock{path: path, file: file}
	if writeErr := l.writeOwner(owner); writeErr != nil {
		_ = l.Release()
		return nil, writeErr
	}
	return l, nil
}

func (l *Lock) writeOwner(owner string) error {
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := fmt.Fprintf(l.file, "%d %s\n", os.Getpid(), owner)
	return err
}

func (l *Lock) Path() string {
	return l.path
}

// Release unlocks and closes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Clear the owner so that a stale record is never reported.
	_ = l.file.Truncate(0)
	unlockErr := doUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(unlockErr, closeErr)
}

// ReadOwner returns the owner record of the lock file, or "unknown owner" if it cannot be read.
func ReadOwner(path string) string {
	data, err := os.ReadFile(path)
	owner := strings.TrimSpace(string(data))
	if err != nil || owner == "" {
		return "unknown owner"
	}
	pid, session, _ := strings.Cut(owner, " ")
	return fmt.Sprintf("process %s (session %s)", pid, session)
}
