/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package runner orchestrates a hardware test session: it brings up the debug server,
// the debugger and the serial relays, runs a test image on the target, collects the
// results and releases every resource again.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/pkg/osutil"
)

const (
	DefaultWaitTimeout = 1000 * time.Second
	DefaultDumpTimeout = 100 * time.Second
	DefaultPCSymbol    = "Reset_Handler"
	DefaultSPSymbol    = "_estack"

	// Bound for halting the target and for each post-mortem command when the session is being cut short.
	stopTimeout       = 30 * time.Second
	postMortemTimeout = 30 * time.Second
)

// DebugServer is the GDB server next to the debug adapter.
type DebugServer interface {
	Open(ctx context.Context) error
	Close() error
}

// Debugger is the GDB front end driving the target.
type Debugger interface {
	Launch(ctx context.Context) error
	Reset(ctx context.Context) error
	Load(ctx context.Context, path string) error
	Start(ctx context.Context) error
	ExecCommand(ctx context.Context, cmd string, pollUntilDone bool) ([]gdbmi.Message, error)
	IsRunning() bool
	WaitForFinish(ctx context.Context, timeout time.Duration) (bool, error)
	Stop(ctx context.Context) error
	Shutdown(ctx context.Context) error
	ReadMemory(ctx context.Context, addr uint64, count int) ([]byte, error)
}

// IOBridge captures one serial port of the target.
type IOBridge interface {
	Open(ctx context.Context) error
	IsOpen() bool
	Reset() error
	Drain(ctx context.Context, w io.Writer) (int64, error)
	RedirectsToPty() bool
	Close() error
}

// Channel is a serial port captured during the session, and the file its output is saved to.
type Channel struct {
	Name    string
	Bridge  IOBridge
	LogPath string
}

type Config struct {
	// How long the target may run before it is halted.
	WaitTimeout time.Duration

	// How long each serial channel may take to be saved after the target stopped.
	DumpTimeout time.Duration

	// Symbols the program counter and the stack pointer are set to before the target is started.
	PCSymbol string
	SPSymbol string
}

// Runner owns the components of one test session. It is not safe for concurrent use.
type Runner struct {
	cfg       Config
	log       logr.Logger
	server    DebugServer
	debugger  Debugger
	channels  []Channel
	sessionID string
	closed    bool
}

func New(cfg Config, server DebugServer, debugger Debugger, channels []Channel, log logr.Logger) *Runner {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = DefaultDumpTimeout
	}
	if cfg.PCSymbol == "" {
		cfg.PCSymbol = DefaultPCSymbol
	}
	if cfg.SPSymbol == "" {
		cfg.SPSymbol = DefaultSPSymbol
	}

	sessionID := uuid.New().String()
	return &Runner{
		cfg:       cfg,
		log:       log.WithName("runner").WithValues("Session", sessionID),
		server:    server,
		debugger:  debugger,
		channels:  channels,
		sessionID: sessionID,
	}
}

func (r *Runner) SessionID() string {
	return r.sessionID
}

// InitTestEnv brings up every component that is not running yet.
// Serial channels that are already open are reset instead, discarding stale output.
func (r *Runner) InitTestEnv(ctx context.Context) error {
	if r.closed {
		return errors.New("test session has been closed")
	}

	if err := r.server.Open(ctx); err != nil {
		return fmt.Errorf("could not start the debug server: %w", err)
	}
	if err := r.debugger.Launch(ctx); err != nil {
		return err
	}

	for _, ch := range r.channels {
		if ch.Bridge.IsOpen() {
			if err := ch.Bridge.Reset(); err != nil {
				return fmt.Errorf("could not reset serial channel '%s': %w", ch.Name, err)
			}
			continue
		}
		if err := ch.Bridge.Open(ctx); err != nil {
			return fmt.Errorf("could not open serial channel '%s': %w", ch.Name, err)
		}
	}

	r.log.V(1).Info("test environment ready")
	return nil
}

// StartOnGdb loads the image into the target and starts it from the reset handler.
func (r *Runner) StartOnGdb(ctx context.Context, binary string) error {
	if err := r.InitTestEnv(ctx); err != nil {
		return err
	}

	if err := r.debugger.Reset(ctx); err != nil {
		return err
	}
	if err := r.debugger.Load(ctx, binary); err != nil {
		return fmt.Errorf("could not load '%s': %w", binary, err)
	}

	for _, cmd := range []string{
		"set $pc = &" + r.cfg.PCSymbol,
		"set $sp = &" + r.cfg.SPSymbol,
	} {
		if _, err := r.debugger.ExecCommand(ctx, cmd, true); err != nil {
			return err
		}
	}

	if err := r.debugger.Start(ctx); err != nil {
		return err
	}
	r.log.Info("test started", "Binary", binary)
	return nil
}

// WaitToFinishOnGdb waits (bounded by the wait timeout) for the target to stop, halting it if necessary,
// then records the post-mortem state and saves the output of every serial channel.
// Returns true if the target stopped on its own.
func (r *Runner) WaitToFinishOnGdb(ctx context.Context) (bool, error) {
	finished := true
	var errs []error

	if r.debugger.IsRunning() {
		var waitErr error
		finished, waitErr = r.debugger.WaitForFinish(ctx, r.cfg.WaitTimeout)
		if waitErr != nil {
			finished = false
			r.log.Error(waitErr, "waiting for the test to finish failed")
			if !errors.Is(waitErr, context.Canceled) {
				errs = append(errs, waitErr)
			}
		}

		if !finished {
			r.log.Info("test did not finish, halting the target", "Timeout", r.cfg.WaitTimeout)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
			if stopErr := r.debugger.Stop(stopCtx); stopErr != nil {
				errs = append(errs, fmt.Errorf("could not halt the target: %w", stopErr))
			}
			cancel()
		}
	}

	for _, cmd := range []string{"bt", "info reg"} {
		r.postMortem(ctx, cmd)
	}

	for _, ch := range r.channels {
		if err := r.saveChannel(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}

	if ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}

	r.log.Info("test ended", "Finished", finished)
	return finished, errors.Join(errs...)
}

// Runs a diagnostic command and logs its console output. Failures are logged only.
func (r *Runner) postMortem(ctx context.Context, cmd string) {
	cmdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postMortemTimeout)
	defer cancel()

	msgs, err := r.debugger.ExecCommand(cmdCtx, cmd, true)
	if err != nil {
		r.log.Error(err, "post-mortem command failed", "Command", cmd)
		return
	}

	var sb strings.Builder
	for _, msg := range msgs {
		if console, isConsole := msg.(gdbmi.Console); isConsole {
			sb.WriteString(console.Text)
		}
	}
	r.log.Info("post-mortem", "Command", cmd, "Output", sb.String())
}

// Drains a serial channel into its log file. Running out of time only truncates the log.
func (r *Runner) saveChannel(ctx context.Context, ch Channel) error {
	if ch.Bridge.RedirectsToPty() || !ch.Bridge.IsOpen() || ch.LogPath == "" {
		return nil
	}

	if dir := filepath.Dir(ch.LogPath); dir != "" {
		if err := os.MkdirAll(dir, osutil.PermissionOwnerAllOthersReadTraverse); err != nil {
			return fmt.Errorf("could not create folder for serial channel '%s' log: %w", ch.Name, err)
		}
	}

	f, err := os.OpenFile(ch.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, osutil.PermissionOwnerReadWriteOthersRead)
	if err != nil {
		return fmt.Errorf("could not create log for serial channel '%s': %w", ch.Name, err)
	}
	defer f.Close()

	dumpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DumpTimeout)
	defer cancel()

	n, drainErr := ch.Bridge.Drain(dumpCtx, f)
	switch {
	case hilerr.IsTimeout(drainErr):
		r.log.Info("serial channel output truncated", "Channel", ch.Name, "Timeout", r.cfg.DumpTimeout, "Bytes", n)
	case drainErr != nil:
		return fmt.Errorf("could not save serial channel '%s' output: %w", ch.Name, drainErr)
	default:
		r.log.V(1).Info("serial channel output saved", "Channel", ch.Name, "Path", ch.LogPath, "Bytes", n)
	}
	return nil
}

// ReadMemory reads target memory, bringing the test environment up first if needed.
func (r *Runner) ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error) {
	if err := r.InitTestEnv(ctx); err != nil {
		return nil, err
	}
	return r.debugger.ReadMemory(ctx, addr, size)
}

// Close releases the serial channels, then the debugger, then the debug server.
// Every component is released even if releasing another one failed. Safe to call more than once.
func (r *Runner) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, ch := range r.channels {
		if err := ch.Bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close serial channel '%s': %w", ch.Name, err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.debugger.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("could not shut down the debugger: %w", err))
	}

	if err := r.server.Close(); err != nil {
		errs = append(errs, fmt.Errorf("could not stop the debug server: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		r.log.Error(err, "test session was not released cleanly")
	} else {
		r.log.V(1).Info("test session released")
	}
	return err
}

// Run executes a complete test: start, wait, collect and release.
// Resources are released on every exit path.
func (r *Runner) Run(ctx context.Context, binary string) (finished bool, err error) {
	defer func() {
		err = errors.Join(err, r.Close())
	}()

	if err = r.StartOnGdb(ctx, binary); err != nil {
		return false, err
	}
	return r.WaitToFinishOnGdb(ctx)
}
