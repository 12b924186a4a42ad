// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/pkg/process"
)

const (
	DefaultPath           = "gdb"
	DefaultResponseWindow = 1 * time.Second
	DefaultPollWindow     = 1 * time.Second

	// Upper bound for delivering an interrupt to the front end process.
	DefaultInterruptTimeout = 10 * time.Second

	interpreterArg = "--interpreter=mi3"
	exitCommand    = "-gdb-exit"

	// Upper bound for stopping a running target during Shutdown().
	shutdownStopTimeout = 10 * time.Second
)

// DefaultSetupCommands returns the commands that attach the front end to the debug server at the given address.
func DefaultSetupCommands(address string) []string {
	return []string{
		"target extended-remote " + address,
		"set remote memory-write-packet-size 1024",
		"set remote memory-write-packet-size fixed",
		"set remote memory-read-packet-size 4096",
		"set remote memory-read-packet-size fixed",
		"set remotetimeout 30",
	}
}

type Config struct {
	// Front end executable and extra arguments. The MI interpreter argument is added automatically.
	Path string
	Args string

	// Debug server address ("host:port") the front end connects to.
	Address string

	// If set, the front end runs on this remote host.
	Endpoint *remote.Endpoint

	// Echo commands and console output to Echo.
	Verbose bool
	Echo    io.Writer

	// Time to wait after starting the front end.
	LaunchDelay time.Duration

	// How long to wait for the immediate response to a command.
	ResponseWindow time.Duration

	// How long each poll waits for further output while waiting for a command or the target.
	PollWindow time.Duration

	// Commands run right after launch. Defaults to DefaultSetupCommands(Address).
	SetupCommands []string

	// How long signalling the front end may take. Defaults to DefaultInterruptTimeout.
	InterruptTimeout time.Duration
}

// Controller drives a debug session through a GDB front end.
// It is not safe for concurrent use.
type Controller struct {
	cfg       Config
	log       logr.Logger
	invoker   *process.Invoker
	transport Transport
	state     State
}

// NewController creates a Controller that launches its own front end process.
func NewController(cfg Config, log logr.Logger, opts ...process.InvokerOption) *Controller {
	cfg = withDefaults(cfg)
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	log = log.WithName("gdb")
	spec := process.InvocationSpec{
		Path:        cfg.Path,
		Args:        strings.TrimSpace(interpreterArg + " " + cfg.Args),
		Endpoint:    cfg.Endpoint,
		StartDelay:  cfg.LaunchDelay,
		MergeStderr: true,
	}

	return &Controller{
		cfg:     cfg,
		log:     log,
		invoker: process.NewInvoker(spec, log, opts...),
	}
}

// NewAttachedController creates a Controller that talks to an already running front end over the given transport.
func NewAttachedController(t Transport, cfg Config, log logr.Logger) *Controller {
	return &Controller{
		cfg:       withDefaults(cfg),
		log:       log.WithName("gdb"),
		transport: t,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = DefaultResponseWindow
	}
	if cfg.PollWindow <= 0 {
		cfg.PollWindow = DefaultPollWindow
	}
	if cfg.SetupCommands == nil {
		cfg.SetupCommands = DefaultSetupCommands(cfg.Address)
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = DefaultInterruptTimeout
	}
	return cfg
}

func (c *Controller) State() State {
	return c.state
}

func (c *Controller) IsRunning() bool {
	return c.state == Running
}

// Launch starts the front end (unless attached) and connects it to the debug server.
// Does nothing if the controller is already connected.
func (c *Controller) Launch(ctx context.Context) error {
	switch c.state {
	case Disconnected:
	case Terminated:
		return fmt.Errorf("%w: debug session has been shut down", hilerr.ErrNotOpen)
	default:
		return nil
	}

	if c.invoker != nil {
		if err := c.invoker.Open(ctx); err != nil {
			return fmt.Errorf("could not launch the debugger: %w", err)
		}
		h := c.invoker.Handle()
		c.transport = NewStreamTransport(h.Stdin, h.Stdout, c.interruptFrontEnd, c.log)
	}

	c.state = Connected
	c.log.V(1).Info("debugger launched, connecting to the debug server", "Address", c.cfg.Address)

	for _, cmd := range c.cfg.SetupCommands {
		if _, err := c.ExecCommand(ctx, cmd, true); err != nil {
			c.rollbackLaunch()
			return fmt.Errorf("debugger setup failed: %w", err)
		}
	}

	return nil
}

// Sends the interrupt signal to the front end process. Bounded so that an unresponsive remote host
// cannot block Stop() or Shutdown().
func (c *Controller) interruptFrontEnd() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InterruptTimeout)
	defer cancel()
	return c.invoker.Interrupt(ctx)
}

func (c *Controller) rollbackLaunch() {
	if c.invoker == nil {
		// We do not own an attached transport, leave it open for another attempt.
		c.state = Disconnected
		return
	}

	_ = c.transport.Close()
	c.transport = nil
	if err := c.invoker.Close(); err != nil {
		c.log.Error(err, "could not stop the debugger after a failed launch")
	}
	c.state = Disconnected
}

// Load loads the image at the given path (on the machine running the front end) into the target.
func (c *Controller) Load(ctx context.Context, path string) error {
	if _, err := c.ExecCommand(ctx, "file "+path, true); err != nil {
		return err
	}
	if _, err := c.ExecCommand(ctx, "load", true); err != nil {
		return err
	}
	c.state = Loaded
	return nil
}

// Reset resets the target and keeps it halted.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.ExecCommand(ctx, "monitor reset halt", true)
	return err
}

// Start resumes the target without waiting for it to stop.
func (c *Controller) Start(ctx context.Context) error {
	batch, err := c.ExecCommandAsync(ctx, "continue")
	if err != nil {
		return err
	}

	if completes(batch) {
		c.state = Halted
	} else {
		c.state = Running
	}
	c.log.V(1).Info("target started", "State", c.state.String())
	return nil
}

// ExecCommand sends a command and waits for it to complete.
// If the immediate response does not complete the command, pollUntilDone keeps polling for the completion;
// otherwise the call blocks until the target stops, bounded only by the context.
// Returns every message received while waiting.
func (c *Controller) ExecCommand(ctx context.Context, cmd string, pollUntilDone bool) ([]Message, error) {
	batch, err := c.ExecCommandAsync(ctx, cmd)
	if err != nil || completes(batch) {
		return batch, err
	}

	if !pollUntilDone {
		more, _, waitErr := c.waitForCompletion(ctx, 0)
		return append(batch, more...), waitErr
	}

	for {
		more, readErr := c.read(ctx, c.cfg.PollWindow)
		batch = append(batch, more...)
		if protoErr := firstError(more); protoErr != nil {
			return batch, protoErr
		}
		if completes(more) {
			return batch, nil
		}
		if readErr != nil {
			return batch, readErr
		}
	}
}

// ExecCommandAsync sends a command and returns its immediate response (which may be empty).
func (c *Controller) ExecCommandAsync(ctx context.Context, cmd string) ([]Message, error) {
	if c.transport == nil || c.state == Disconnected || c.state == Terminated {
		return nil, fmt.Errorf("%w: debugger is not connected", hilerr.ErrNotOpen)
	}

	c.log.V(1).Info("sending debugger command", "Command", cmd)
	if c.cfg.Verbose && c.cfg.Echo != nil {
		fmt.Fprintf(c.cfg.Echo, "(gdb) %s\n", cmd)
	}

	if err := c.transport.Write(cmd); err != nil {
		return nil, err
	}

	batch, err := c.read(ctx, c.cfg.ResponseWindow)
	if protoErr := firstError(batch); protoErr != nil {
		return batch, fmt.Errorf("command '%s' failed: %w", cmd, protoErr)
	}
	return batch, err
}

// WaitForFinish polls for the target to stop. A zero timeout means the wait is bounded by the context only.
// Returns false (and no error) if the timeout elapsed first; the state is left unchanged in that case.
func (c *Controller) WaitForFinish(ctx context.Context, timeout time.Duration) (bool, error) {
	if c.state != Running {
		return true, nil
	}

	_, finished, err := c.waitForCompletion(ctx, timeout)
	return finished, err
}

func (c *Controller) waitForCompletion(ctx context.Context, timeout time.Duration) ([]Message, bool, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var received []Message
	for {
		batch, err := c.read(waitCtx, c.cfg.PollWindow)
		received = append(received, batch...)

		if protoErr := firstError(batch); protoErr != nil {
			return received, false, protoErr
		}
		if completes(batch) {
			if c.state == Running {
				c.state = Halted
			}
			return received, true, nil
		}

		if err != nil {
			if timeout > 0 && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				c.log.V(1).Info("target did not stop in time", "Timeout", timeout)
				return received, false, nil
			}
			return received, false, err
		}
	}
}

// Stop interrupts a running target and waits until it halts. Does nothing if the target is not running.
func (c *Controller) Stop(ctx context.Context) error {
	if c.state != Running {
		return nil
	}

	c.log.V(1).Info("interrupting the target")
	if err := c.transport.Interrupt(); err != nil {
		return fmt.Errorf("could not interrupt the target: %w", err)
	}

	_, _, err := c.waitForCompletion(ctx, 0)
	return err
}

// Shutdown stops the target if it is running and terminates the front end.
// Safe to call more than once, and on a controller that was never launched.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.state == Terminated {
		return nil
	}

	var errs []error
	if c.state == Running {
		stopCtx, cancel := context.WithTimeout(ctx, shutdownStopTimeout)
		if err := c.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if c.transport != nil {
		if c.state != Disconnected {
			// Best effort, the front end also exits when its input is closed.
			_ = c.transport.Write(exitCommand)
		}
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.invoker != nil {
		if err := c.invoker.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.state = Terminated
	c.log.V(1).Info("debugger shut down")
	return errors.Join(errs...)
}

// ReadMemory reads count bytes of target memory starting at addr.
func (c *Controller) ReadMemory(ctx context.Context, addr uint64, count int) ([]byte, error) {
	if count <= 0 {
		return []byte{}, nil
	}

	batch, err := c.ExecCommand(ctx, fmt.Sprintf("x/%dub 0x%x", count, addr), true)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, msg := range batch {
		if console, isConsole := msg.(Console); isConsole {
			sb.WriteString(console.Text)
		}
	}

	data, parseErr := parseMemoryDump(sb.String())
	if parseErr != nil {
		return nil, parseErr
	}
	if len(data) != count {
		c.log.Info("memory read returned an unexpected number of bytes", "Address", fmt.Sprintf("0x%x", addr), "Requested", count, "Received", len(data))
	}
	return data, nil
}

// Reads a batch from the transport and echoes console output in verbose mode.
func (c *Controller) read(ctx context.Context, wait time.Duration) ([]Message, error) {
	batch, err := c.transport.Read(ctx, wait)
	if c.cfg.Verbose && c.cfg.Echo != nil {
		for _, msg := range batch {
			if console, isConsole := msg.(Console); isConsole {
				_, _ = io.WriteString(c.cfg.Echo, console.Text)
			}
		}
	}
	return batch, err
}

// Returns true if the batch contains a result record or a stop notification.
func completes(batch []Message) bool {
	for _, msg := range batch {
		switch msg.(type) {
		case Done, Stopped:
			return true
		}
	}
	return false
}

func firstError(batch []Message) error {
	for _, msg := range batch {
		if e, isError := msg.(Error); isError {
			return fmt.Errorf("%w: %s", hilerr.ErrProtocol, e.Msg)
		}
	}
	return nil
}
