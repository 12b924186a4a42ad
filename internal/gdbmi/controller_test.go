// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
	"github.com/n7space/Remote-Target-Runner/internal/gdbmi/gdbmitest"
	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/internal/remote/remotetest"
	"github.com/n7space/Remote-Target-Runner/pkg/process"
	"github.com/n7space/Remote-Target-Runner/pkg/testutil"
)

const (
	defaultTestTimeout = 20 * time.Second
	serverAddress      = "localhost:2331"
)

func testConfig() gdbmi.Config {
	return gdbmi.Config{
		Address:        serverAddress,
		ResponseWindow: 200 * time.Millisecond,
		PollWindow:     100 * time.Millisecond,
	}
}

// Answers "continue" like a target that keeps running, everything else with ^done.
func runningTarget(cmd string) []string {
	if cmd == "continue" {
		return []string{"^running", `*running,thread-id="all"`, "(gdb) "}
	}
	return gdbmitest.DoneForEverything(cmd)
}

func newAttached(t *testing.T, handler gdbmitest.Handler, cfg gdbmi.Config) (*gdbmi.Controller, *gdbmitest.MockAgent) {
	log := testutil.NewLogForTesting(t.Name())
	agent := gdbmitest.NewMockAgent(handler, log)
	t.Cleanup(agent.Close)
	return gdbmi.NewAttachedController(agent.Transport(), cfg, log), agent
}

func TestLaunchRunsSetupSequence(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, gdbmitest.DoneForEverything, testConfig())
	require.Equal(t, gdbmi.Disconnected, c.State())

	require.NoError(t, c.Launch(ctx))
	require.Equal(t, gdbmi.Connected, c.State())
	require.Equal(t, gdbmi.DefaultSetupCommands(serverAddress), agent.Commands())
	require.Equal(t, "target extended-remote "+serverAddress, agent.Commands()[0])

	// Launching again does nothing
	require.NoError(t, c.Launch(ctx))
	require.Len(t, agent.Commands(), len(gdbmi.DefaultSetupCommands(serverAddress)))
}

func TestLaunchFailsOnAgentError(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "target extended-remote") {
			return []string{`^error,msg="localhost:2331: Connection refused."`}
		}
		return gdbmitest.DoneForEverything(cmd)
	}, testConfig())

	err := c.Launch(ctx)
	require.ErrorIs(t, err, hilerr.ErrProtocol)
	require.Contains(t, err.Error(), "Connection refused")
	require.Equal(t, gdbmi.Disconnected, c.State())
	require.Len(t, agent.Commands(), 1, "setup should stop at the first failing command")
}

func TestStartLoadAndWaitForFinish(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, runningTarget, testConfig())
	require.NoError(t, c.Launch(ctx))
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Load(ctx, "/tmp/app.elf"))
	require.Equal(t, gdbmi.Loaded, c.State())

	require.NoError(t, c.Start(ctx))
	require.Equal(t, gdbmi.Running, c.State())
	require.True(t, c.IsRunning())

	go func() {
		time.Sleep(300 * time.Millisecond)
		agent.Send(`*stopped,reason="exited-normally"`)
	}()

	finished, err := c.WaitForFinish(ctx, 5*time.Second)
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, gdbmi.Halted, c.State())

	commands := agent.Commands()
	setup := len(gdbmi.DefaultSetupCommands(serverAddress))
	require.Equal(t, []string{"monitor reset halt", "file /tmp/app.elf", "load", "continue"}, commands[setup:])
}

func TestStartHaltsWhenTargetFinishesImmediately(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, _ := newAttached(t, gdbmitest.DoneForEverything, testConfig())
	require.NoError(t, c.Launch(ctx))
	require.NoError(t, c.Start(ctx))
	require.Equal(t, gdbmi.Halted, c.State())

	finished, err := c.WaitForFinish(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, finished)
}

func TestWaitForFinishTimeoutLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, runningTarget, testConfig())
	require.NoError(t, c.Launch(ctx))
	require.NoError(t, c.Start(ctx))

	finished, err := c.WaitForFinish(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	require.False(t, finished)
	require.Equal(t, gdbmi.Running, c.State())

	require.NoError(t, c.Stop(ctx))
	require.Equal(t, gdbmi.Halted, c.State())
	require.Equal(t, 1, agent.Interrupts())

	// Stopping a halted target does nothing
	require.NoError(t, c.Stop(ctx))
	require.Equal(t, 1, agent.Interrupts())
}

func TestReadMemory(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, func(cmd string) []string {
		if strings.HasPrefix(cmd, "x/") {
			return []string{
				`&"x/10ub 0x20000000\n"`,
				`~"0x20000000 <buffer>:\t1\t2\t3\t4\t5\t6\t7\t8\n"`,
				`~"0x20000008 <buffer+8>:"`,
				`~"\t9\t10\n"`,
				"^done",
			}
		}
		return gdbmitest.DoneForEverything(cmd)
	}, testConfig())
	require.NoError(t, c.Launch(ctx))

	data, err := c.ReadMemory(ctx, 0x20000000, 10)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, data)

	commands := agent.Commands()
	require.Equal(t, "x/10ub 0x20000000", commands[len(commands)-1])

	empty, err := c.ReadMemory(ctx, 0x20000000, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestExecCommandPollsForLateCompletion(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, func(cmd string) []string {
		if cmd == "monitor flash erase" {
			return []string{`&"monitor flash erase\n"`}
		}
		return gdbmitest.DoneForEverything(cmd)
	}, testConfig())
	require.NoError(t, c.Launch(ctx))

	go func() {
		// Several poll windows after the immediate response window.
		time.Sleep(600 * time.Millisecond)
		agent.Send(`~"Erasing sectors\n"`)
		time.Sleep(250 * time.Millisecond)
		agent.Send(`~"Flash erased\n"`, "^done", "(gdb) ")
	}()

	msgs, err := c.ExecCommand(ctx, "monitor flash erase", true)
	require.NoError(t, err)
	require.Contains(t, msgs, gdbmi.Message(gdbmi.Console{Text: "Erasing sectors\n"}))
	require.Contains(t, msgs, gdbmi.Message(gdbmi.Console{Text: "Flash erased\n"}))
	require.Equal(t, gdbmi.Message(gdbmi.Done{}), msgs[len(msgs)-1])
}

func TestExecCommandWithoutPollingWaitsForStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, runningTarget, testConfig())
	require.NoError(t, c.Launch(ctx))

	const stopDelay = 700 * time.Millisecond
	go func() {
		time.Sleep(stopDelay)
		agent.Send(gdbmitest.StoppedRecord, "(gdb) ")
	}()

	start := time.Now()
	msgs, err := c.ExecCommand(ctx, "continue", false)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), stopDelay)
	require.Contains(t, msgs, gdbmi.Message(gdbmi.Stopped{Reason: "signal-received"}))

	// Without a stop the wait ends with the context.
	shortCtx, shortCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer shortCancel()
	_, err = c.ExecCommand(shortCtx, "continue", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStopIsBoundedWhenSignalDeliveryHangs(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	host := remotetest.NewFakeShell()
	cfg := testConfig()
	cfg.Endpoint = &remote.Endpoint{Host: "target-host", User: "tester", Password: "secret"}
	cfg.SetupCommands = []string{}
	cfg.InterruptTimeout = 300 * time.Millisecond

	c := gdbmi.NewController(cfg, testutil.NewLogForTesting(t.Name()), process.WithDialer(host.Dialer()))
	require.NoError(t, c.Launch(ctx))
	require.NoError(t, c.Start(ctx))
	require.Equal(t, gdbmi.Running, c.State(), "the emulated front end never answers")

	host.SetSignalsHang(true)
	start := time.Now()
	err := c.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)
	require.NoError(t, ctx.Err(), "the test context must not be the one that expired")

	// The emulated front end never reports the stop, so keep the shutdown short.
	host.SetSignalsHang(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer shutdownCancel()
	_ = c.Shutdown(shutdownCtx)
	require.Equal(t, gdbmi.Terminated, c.State())
	require.Empty(t, host.Processes())
}

func TestCommandsRequireLaunch(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, gdbmitest.DoneForEverything, testConfig())
	_, err := c.ExecCommand(ctx, "info reg", true)
	require.ErrorIs(t, err, hilerr.ErrNotOpen)
	require.Empty(t, agent.Commands())
}

func TestShutdownInterruptsRunningTarget(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c, agent := newAttached(t, runningTarget, testConfig())
	require.NoError(t, c.Launch(ctx))
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, gdbmi.Terminated, c.State())
	require.Equal(t, 1, agent.Interrupts())

	require.Eventually(t, func() bool {
		commands := agent.Commands()
		return len(commands) > 0 && commands[len(commands)-1] == "-gdb-exit"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Shutdown(ctx), "second Shutdown() should be a no-op")
	require.ErrorIs(t, c.Launch(ctx), hilerr.ErrNotOpen)
}

func TestShutdownNeverLaunched(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	c := gdbmi.NewController(testConfig(), testutil.NewLogForTesting(t.Name()))
	require.NoError(t, c.Shutdown(ctx))
	require.Equal(t, gdbmi.Terminated, c.State())
}

func TestVerboseEchoesCommandsAndConsoleOutput(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	var echo testutil.SyncBuffer
	cfg := testConfig()
	cfg.Verbose = true
	cfg.Echo = &echo
	cfg.SetupCommands = []string{}

	c, _ := newAttached(t, func(cmd string) []string {
		if cmd == "bt" {
			return []string{`~"#0  main () at main.c:12\n"`, "^done"}
		}
		return gdbmitest.DoneForEverything(cmd)
	}, cfg)
	require.NoError(t, c.Launch(ctx))

	_, err := c.ExecCommand(ctx, "bt", true)
	require.NoError(t, err)
	require.Equal(t, "(gdb) bt\n#0  main () at main.c:12\n", echo.String())
}

func TestTransportReportsEndOfOutput(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	agent := gdbmitest.NewMockAgent(nil, testutil.NewLogForTesting(t.Name()))
	tr := agent.Transport()

	agent.Send("^done", "(gdb) ")
	batch, err := tr.Read(ctx, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, []gdbmi.Message{gdbmi.Done{}}, batch)

	// Nothing more is coming: an empty batch after the wait.
	batch, err = tr.Read(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch)

	agent.Close()
	require.Eventually(t, func() bool {
		_, readErr := tr.Read(ctx, 50*time.Millisecond)
		return readErr != nil
	}, 5*time.Second, 10*time.Millisecond)
	_, err = tr.Read(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, gdbmi.ErrTransportClosed)
	require.ErrorIs(t, err, hilerr.ErrIO)

	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Write("info reg"), hilerr.ErrNotOpen)
}
