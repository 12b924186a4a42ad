// Copyright (c) Microsoft Corporation. All rights reserved.

package targetlock_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/targetlock"
	"github.com/n7space/Remote-Target-Runner/pkg/testutil"
)

func TestPathForSanitizesTarget(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("locks", "raspi.local.lock"), targetlock.PathFor("locks", "Raspi.local"))
	require.Equal(t, filepath.Join("locks", "10.0.0.5_2222.lock"), targetlock.PathFor("locks", "10.0.0.5:2222"))
	require.Equal(t, filepath.Join("locks", "local.lock"), targetlock.PathFor("locks", ""))
}

func TestSecondSessionIsRejected(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	path := targetlock.PathFor(t.TempDir(), "raspi")
	first, err := targetlock.Acquire(ctx, path, "session-1", 0)
	require.NoError(t, err)
	require.Equal(t, path, first.Path())

	_, err = targetlock.Acquire(ctx, path, "session-2", 0)
	require.ErrorIs(t, err, hilerr.ErrAlreadyRunning)
	require.ErrorContains(t, err, "session-1")

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := targetlock.Acquire(ctx, path, "session-2", 0)
	require.NoError(t, err)
	require.Contains(t, targetlock.ReadOwner(path), "session-2")
	require.NoError(t, second.Release())
	require.Equal(t, "unknown owner", targetlock.ReadOwner(path))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	path := targetlock.PathFor(t.TempDir(), "raspi")
	first, err := targetlock.Acquire(ctx, path, "session-1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(300 * time.Millisecond)
		_ = first.Release()
	}()

	second, err := targetlock.Acquire(ctx, path, "session-2", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
	wg.Wait()
}

func TestAcquireWaitIsBounded(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	path := targetlock.PathFor(t.TempDir(), "raspi")
	first, err := targetlock.Acquire(ctx, path, "session-1", 0)
	require.NoError(t, err)
	defer func() { _ = first.Release() }()

	start := time.Now()
	_, err = targetlock.Acquire(ctx, path, "session-2", 500*time.Millisecond)
	require.ErrorIs(t, err, hilerr.ErrAlreadyRunning)
	require.Less(t, time.Since(start), 5*time.Second)
}
