// Copyright (c) Microsoft Corporation. All rights reserved.

package process_test

import (
	"bufio"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/internal/remote/remotetest"
	"github.com/n7space/Remote-Target-Runner/pkg/process"
	"github.com/n7space/Remote-Target-Runner/pkg/testutil"
)

const defaultTestTimeout = 20 * time.Second

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test relies on Unix utilities")
	}
}

func TestLocalInvokerPipesStandardStreams(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "cat"}, log)
	require.False(t, inv.Running())
	require.Nil(t, inv.Handle())

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	require.True(t, inv.Running())

	h := inv.Handle()
	require.NotNil(t, h)
	require.False(t, h.Remote)
	require.Positive(t, h.Pid)
	require.Equal(t, h.Pid, inv.Pid())

	_, err := h.Stdin.Write([]byte("hello\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(h.Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)

	require.NoError(t, inv.Close())
	require.False(t, inv.Running())
	require.Nil(t, inv.Handle())
	require.Zero(t, inv.Pid())

	// Closing again is a no-op
	require.NoError(t, inv.Close())
}

func TestLocalInvokerOpenIsIdempotent(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "sleep", Args: "30"}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	defer func() { require.NoError(t, inv.Close()) }()
	pid := inv.Pid()

	require.NoError(t, inv.Open(ctx))
	require.Equal(t, pid, inv.Pid(), "second Open() should not start another process")
}

func TestLocalInvokerCanBeReopened(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "sleep", Args: "30"}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	first := inv.Pid()
	require.NoError(t, inv.Close())

	require.NoError(t, inv.Open(ctx))
	defer func() { require.NoError(t, inv.Close()) }()
	require.True(t, inv.Running())
	require.NotEqual(t, first, inv.Pid())
}

func TestLocalInvokerReportsExitedProcess(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "echo", Args: "done", MergeStderr: true}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	out, err := bufio.NewReader(inv.Handle().Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "done\n", out)

	require.Eventually(t, func() bool { return !inv.Running() }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, inv.Close())
}

func TestLocalInvokerRestartsExitedProcess(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "echo", Args: "again", MergeStderr: true}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()
	defer func() { _ = inv.Close() }()

	require.NoError(t, inv.Open(ctx))
	first := inv.Pid()
	require.Eventually(t, func() bool { return !inv.Running() }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, inv.Open(ctx))
	require.NotEqual(t, first, inv.Pid(), "an exited program must be started again")
	out, err := bufio.NewReader(inv.Handle().Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "again\n", out)
}

func TestLocalInvokerUnknownProgram(t *testing.T) {
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "definitely-not-a-program-4f1c2d"}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	err := inv.Open(ctx)
	require.ErrorIs(t, err, hilerr.ErrNotFound)
	require.False(t, inv.Running())
}

func TestLocalInvokerInterrupt(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	inv := process.NewInvoker(process.InvocationSpec{Path: "sleep", Args: "30"}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.ErrorIs(t, inv.Interrupt(ctx), hilerr.ErrNotOpen)

	require.NoError(t, inv.Open(ctx))
	require.NoError(t, inv.Interrupt(ctx))

	// sleep does not handle SIGINT, so it ends.
	require.Eventually(t, func() bool { return !inv.Running() }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, inv.Close())
}

func TestLocalInvokerStartDelay(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())

	const delay = 300 * time.Millisecond
	inv := process.NewInvoker(process.InvocationSpec{Path: "sleep", Args: "30", StartDelay: delay}, log)
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	start := time.Now()
	require.NoError(t, inv.Open(ctx))
	defer func() { require.NoError(t, inv.Close()) }()
	require.GreaterOrEqual(t, time.Since(start), delay)
}

func newRemoteSpec(path, args string) process.InvocationSpec {
	return process.InvocationSpec{
		Path:     path,
		Args:     args,
		Endpoint: &remote.Endpoint{Host: "target-host", User: "tester", Password: "secret"},
	}
}

func TestRemoteInvokerUsesSentinelPid(t *testing.T) {
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())
	host := remotetest.NewFakeShell()

	inv := process.NewInvoker(newRemoteSpec("openocd", "-f board.cfg"), log, process.WithDialer(host.Dialer()))
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	h := inv.Handle()
	require.True(t, h.Remote)
	require.Positive(t, h.Pid)
	require.Equal(t, []string{"openocd -f board.cfg"}, host.Processes())
	require.Contains(t, host.History(), "echo $$; exec openocd -f board.cfg")

	require.NoError(t, inv.Interrupt(ctx))
	require.Contains(t, host.History(), fmt.Sprintf("kill -INT %d", h.Pid))

	require.NoError(t, inv.Close())
	require.Contains(t, host.History(), fmt.Sprintf("kill %d", h.Pid))
	require.Empty(t, host.Processes())
	require.Zero(t, host.OpenConnections())
	require.False(t, inv.Running())
}

func TestRemoteInvokerStreamsOutputAfterSentinel(t *testing.T) {
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())
	host := remotetest.NewFakeShell()
	host.StartOutput["openocd"] = "Open On-Chip Debugger\r\n"

	inv := process.NewInvoker(newRemoteSpec("openocd", ""), log, process.WithDialer(host.Dialer()))
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.NoError(t, inv.Open(ctx))
	defer func() { require.NoError(t, inv.Close()) }()

	line, err := bufio.NewReader(inv.Handle().Stdout).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Open On-Chip Debugger", strings.TrimSpace(line))
}

func TestRemoteInvokerDialFailure(t *testing.T) {
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())
	host := remotetest.NewFakeShell()
	host.DialErr = errors.New("no route to host")

	inv := process.NewInvoker(newRemoteSpec("openocd", ""), log, process.WithDialer(host.Dialer()))
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.ErrorIs(t, inv.Open(ctx), hilerr.ErrConnection)
	require.False(t, inv.Running())
	require.NoError(t, inv.Close())
}

func TestRemoteInvokerSpawnFailureClosesConnection(t *testing.T) {
	t.Parallel()
	log := testutil.NewLogForTesting(t.Name())
	host := remotetest.NewFakeShell()
	host.StartErr = errors.New("session refused")

	inv := process.NewInvoker(newRemoteSpec("openocd", ""), log, process.WithDialer(host.Dialer()))
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	require.ErrorIs(t, inv.Open(ctx), hilerr.ErrConnection)
	require.Equal(t, 1, host.Dials())
	require.Zero(t, host.OpenConnections())
	require.Empty(t, host.Processes())
}

func TestInvocationSpecCommandLine(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gdb", process.InvocationSpec{Path: "gdb"}.CommandLine())
	require.Equal(t, "gdb --interpreter=mi3", process.InvocationSpec{Path: "gdb", Args: " --interpreter=mi3 "}.CommandLine())
}
