// Copyright (c) Microsoft Corporation. All rights reserved.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/pkg/osutil"
)

const (
	// How long a local process gets to exit after SIGTERM (and again after SIGKILL).
	DefaultStopTimeout = 5 * time.Second

	// Bound for the remote "kill" command issued when a remote process is closed.
	remoteKillTimeout = 10 * time.Second
)

// InvocationSpec describes a program to run, either locally or on a remote host.
type InvocationSpec struct {
	// Path to the program. Locally it is resolved against the file system first, then against PATH.
	Path string

	// Whitespace-separated arguments.
	Args string

	// If set, the program is started on this remote host over SSH.
	Endpoint *remote.Endpoint

	// Time to wait after the program has been started, before Open() returns.
	StartDelay time.Duration

	// Local only: send standard error to the same pipe as standard output.
	// Remote programs always run on a pseudo-terminal, which merges the two.
	MergeStderr bool
}

// CommandLine returns the program path followed by its arguments.
func (s InvocationSpec) CommandLine() string {
	if strings.TrimSpace(s.Args) == "" {
		return s.Path
	}
	return s.Path + " " + strings.TrimSpace(s.Args)
}

// Handle gives access to the standard streams of a running program.
type Handle struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	// Local or remote process ID, depending on Remote.
	Pid    int
	Remote bool
}

// A started local process. waitErr is written before exited is closed and read only after that.
type localProcess struct {
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	ownEnds []io.Closer
}

type InvokerOption func(*Invoker)

// WithDialer replaces the SSH dialer used for remote invocations.
func WithDialer(dial remote.Dialer) InvokerOption {
	return func(inv *Invoker) {
		inv.dial = dial
	}
}

// WithStopTimeout changes how long Close() waits for a local process to exit after each signal.
func WithStopTimeout(timeout time.Duration) InvokerOption {
	return func(inv *Invoker) {
		inv.stopTimeout = timeout
	}
}

// Invoker starts a single program and stops it again. It can be re-opened after it was closed.
type Invoker struct {
	spec        InvocationSpec
	log         logr.Logger
	dial        remote.Dialer
	stopTimeout time.Duration

	lock   sync.Mutex
	handle *Handle

	// Local process state
	local *localProcess

	// Remote process state
	shell  remote.Shell
	stream remote.Stream
}

func NewInvoker(spec InvocationSpec, log logr.Logger, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		spec:        spec,
		log:         log.WithName("invoker").WithValues("Program", spec.Path),
		dial:        remote.DialSSH,
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (inv *Invoker) Spec() InvocationSpec {
	return inv.spec
}

// Open starts the program. It does nothing if the program is already running.
// A local program that exited on its own is released and started again.
func (inv *Invoker) Open(ctx context.Context) error {
	inv.lock.Lock()
	defer inv.lock.Unlock()

	if inv.handle != nil {
		if !inv.localExited() {
			return nil
		}
		inv.log.V(1).Info("program exited, starting it again", "PID", inv.handle.Pid)
		_ = inv.closeLocked()
	}

	var err error
	if inv.spec.Endpoint != nil {
		err = inv.openRemote(ctx)
	} else {
		err = inv.openLocal()
	}
	if err != nil {
		return err
	}

	inv.log.V(1).Info("program started", "PID", inv.handle.Pid, "Remote", inv.handle.Remote)

	if inv.spec.StartDelay > 0 {
		timer := time.NewTimer(inv.spec.StartDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			_ = inv.closeLocked()
			return ctx.Err()
		}
	}

	return nil
}

func (inv *Invoker) openLocal() error {
	path, resolveErr := osutil.ResolveExecutable(inv.spec.Path)
	if resolveErr != nil {
		return fmt.Errorf("%w: %w", hilerr.ErrNotFound, resolveErr)
	}

	cmd := exec.Command(path, strings.Fields(inv.spec.Args)...)
	DecoupleFromParent(cmd)

	// We create the pipes ourselves so that the read ends stay valid after the process exits
	// and all buffered output can still be drained.
	var childEnds, ownEnds []io.Closer
	closeAll := func(closers []io.Closer) {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	newPipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(childEnds)
			closeAll(ownEnds)
			return nil, nil, fmt.Errorf("%w: could not create pipe: %w", hilerr.ErrIO, err)
		}
		return r, w, nil
	}

	stdinR, stdinW, err := newPipe()
	if err != nil {
		return err
	}
	childEnds, ownEnds = append(childEnds, stdinR), append(ownEnds, stdinW)

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		return err
	}
	childEnds, ownEnds = append(childEnds, stdoutW), append(ownEnds, stdoutR)

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	var stderr io.Reader = bytes.NewReader(nil)
	if inv.spec.MergeStderr {
		cmd.Stderr = stdoutW
	} else {
		stderrR, stderrW, pipeErr := newPipe()
		if pipeErr != nil {
			return pipeErr
		}
		childEnds, ownEnds = append(childEnds, stderrW), append(ownEnds, stderrR)
		cmd.Stderr = stderrW
		stderr = stderrR
	}

	if startErr := cmd.Start(); startErr != nil {
		closeAll(childEnds)
		closeAll(ownEnds)
		if errors.Is(startErr, exec.ErrNotFound) || errors.Is(startErr, os.ErrNotExist) || errors.Is(startErr, os.ErrPermission) {
			return fmt.Errorf("%w: %w", hilerr.ErrNotFound, startErr)
		}
		return fmt.Errorf("could not start '%s': %w", path, startErr)
	}

	// The child has its own copies now.
	closeAll(childEnds)

	lp := &localProcess{
		cmd:     cmd,
		exited:  make(chan struct{}),
		ownEnds: ownEnds,
	}
	go func() {
		lp.waitErr = cmd.Wait()
		close(lp.exited)
	}()

	inv.local = lp
	inv.handle = &Handle{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderr,
		Pid:    cmd.Process.Pid,
	}
	return nil
}

func (inv *Invoker) openRemote(ctx context.Context) error {
	if inv.shell == nil {
		sh, dialErr := inv.dial(ctx, *inv.spec.Endpoint, inv.log)
		if dialErr != nil {
			if !errors.Is(dialErr, hilerr.ErrConnection) {
				dialErr = fmt.Errorf("%w: %w", hilerr.ErrConnection, dialErr)
			}
			return dialErr
		}
		inv.shell = sh
	}

	stream, stdout, pid, spawnErr := remote.SpawnWithPid(ctx, inv.shell, inv.spec.CommandLine())
	if spawnErr != nil {
		_ = inv.shell.Close()
		inv.shell = nil
		if !errors.Is(spawnErr, hilerr.ErrConnection) {
			spawnErr = fmt.Errorf("%w: %w", hilerr.ErrConnection, spawnErr)
		}
		return fmt.Errorf("could not start '%s' on %s: %w", inv.spec.Path, inv.spec.Endpoint, spawnErr)
	}

	inv.stream = stream
	inv.handle = &Handle{
		Stdin:  stream.Stdin(),
		Stdout: stdout,
		Stderr: stream.Stderr(),
		Pid:    pid,
		Remote: true,
	}
	return nil
}

// Close stops the program and releases its streams. It does nothing if the program is not running.
func (inv *Invoker) Close() error {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	return inv.closeLocked()
}

func (inv *Invoker) closeLocked() error {
	if inv.handle == nil {
		return nil
	}
	handle := inv.handle
	inv.handle = nil

	if handle.Remote {
		return inv.closeRemote(handle.Pid)
	}
	return inv.closeLocal(handle.Pid)
}

func (inv *Invoker) closeLocal(pid int) error {
	lp := inv.local
	inv.local = nil

	var stopErr error
	select {
	case <-lp.exited:
		// Already gone, nothing to stop.
	default:
		stopErr = stopProcessTree(pid, lp.exited, inv.stopTimeout)
	}

	for _, c := range lp.ownEnds {
		_ = c.Close()
	}

	if stopErr != nil {
		inv.log.Error(stopErr, "could not stop program", "PID", pid)
		return stopErr
	}

	var ee *exec.ExitError
	if lp.waitErr != nil && !errors.As(lp.waitErr, &ee) {
		inv.log.V(1).Info("waiting for program failed", "PID", pid, "Error", lp.waitErr.Error())
	} else {
		inv.log.V(1).Info("program stopped", "PID", pid, "ExitCode", lp.cmd.ProcessState.ExitCode())
	}
	return nil
}

func (inv *Invoker) closeRemote(pid int) error {
	killCtx, cancel := context.WithTimeout(context.Background(), remoteKillTimeout)
	defer cancel()

	killErr := remote.Kill(killCtx, inv.shell, pid, "")
	if killErr != nil {
		// The program may have ended on its own already.
		inv.log.V(1).Info("could not kill remote program", "PID", pid, "Error", killErr.Error())
	}

	streamErr := inv.stream.Close()
	inv.stream = nil
	shellErr := inv.shell.Close()
	inv.shell = nil

	if err := errors.Join(streamErr, shellErr); err != nil {
		return fmt.Errorf("%w: could not close remote session: %w", hilerr.ErrIO, err)
	}
	inv.log.V(1).Info("remote program stopped", "PID", pid)
	return nil
}

// Interrupt delivers SIGINT to the program.
func (inv *Invoker) Interrupt(ctx context.Context) error {
	inv.lock.Lock()
	defer inv.lock.Unlock()

	if inv.handle == nil {
		return fmt.Errorf("%w: '%s' is not running", hilerr.ErrNotOpen, inv.spec.Path)
	}
	if inv.handle.Remote {
		return remote.Kill(ctx, inv.shell, inv.handle.Pid, "INT")
	}
	return interruptProcess(inv.handle.Pid)
}

// Running returns true if the program was opened and has not been closed.
// A local program that exited on its own is reported as not running.
func (inv *Invoker) Running() bool {
	inv.lock.Lock()
	defer inv.lock.Unlock()

	return inv.handle != nil && !inv.localExited()
}

// Must be called with the lock held.
func (inv *Invoker) localExited() bool {
	if inv.handle == nil || inv.handle.Remote {
		return false
	}
	select {
	case <-inv.local.exited:
		return true
	default:
		return false
	}
}

// Handle returns the streams of the running program, or nil if the program is not running.
func (inv *Invoker) Handle() *Handle {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	return inv.handle
}

// Pid returns the (local or remote) process ID, or zero if the program is not running.
func (inv *Invoker) Pid() int {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	if inv.handle == nil {
		return 0
	}
	return inv.handle.Pid
}
