/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package remotetest provides an in-memory remote host for tests of components that manage remote processes.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
)

const (
	spawnPrefix = "echo $$; exec "
	ctrlC       = "\x03"
)

// FakeShell emulates just enough of a remote host: a process table, exec sessions that report
// their PID, interactive shells that launch background commands, kill, ps and file retrieval.
// One FakeShell stands for one remote host; every Dial returns a fresh connection handle to it.
type FakeShell struct {
	lock      sync.Mutex
	nextPid   int
	processes map[int]string
	history   []string
	files     map[string][]byte
	dials     int
	openConns int

	// DialErr, when set, makes every Dial fail with it.
	DialErr error

	// StartErr, when set, makes every exec session fail to start.
	StartErr error

	// Output produced by an exec-started command after its PID line, keyed by the command prefix.
	StartOutput map[string]string

	// Called for every line typed into an interactive shell, after the default handling.
	OnInteractiveLine func(line string)

	signalsHang bool
}

func NewFakeShell() *FakeShell {
	return &FakeShell{
		nextPid:     1000,
		processes:   make(map[int]string),
		files:       make(map[string][]byte),
		StartOutput: make(map[string]string),
	}
}

// SetSignalsHang makes "kill -<SIGNAL>" commands block until their context is done.
func (f *FakeShell) SetSignalsHang(hang bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.signalsHang = hang
}

// Dialer returns a remote.Dialer that connects to this fake host.
func (f *FakeShell) Dialer() remote.Dialer {
	return func(ctx context.Context, ep remote.Endpoint, _ logr.Logger) (remote.Shell, error) {
		f.lock.Lock()
		defer f.lock.Unlock()

		f.dials++
		if f.DialErr != nil {
			return nil, fmt.Errorf("%w: %w", hilerr.ErrConnection, f.DialErr)
		}
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", hilerr.ErrConnection, err)
		}
		f.openConns++
		return &fakeConn{host: f}, nil
	}
}

// AddProcess puts a process into the remote process table and returns its PID.
func (f *FakeShell) AddProcess(command string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.addProcessLocked(command)
}

func (f *FakeShell) addProcessLocked(command string) int {
	f.nextPid++
	f.processes[f.nextPid] = command
	return f.nextPid
}

// Processes returns the commands of all live remote processes, sorted.
func (f *FakeShell) Processes() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	var commands []string
	for _, cmd := range f.processes {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// History returns every command run on the host, in order.
func (f *FakeShell) History() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.history...)
}

// SetFile makes a file available for Fetch.
func (f *FakeShell) SetFile(path string, content []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.files[path] = content
}

// Dials returns the number of connection attempts so far.
func (f *FakeShell) Dials() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dials
}

// OpenConnections returns the number of connections that have not been closed yet.
func (f *FakeShell) OpenConnections() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.openConns
}

func (f *FakeShell) record(command string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.history = append(f.history, command)
}

func (f *FakeShell) kill(pid int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	_, found := f.processes[pid]
	delete(f.processes, pid)
	return found
}

func (f *FakeShell) processList() string {
	f.lock.Lock()
	defer f.lock.Unlock()

	pids := make([]int, 0, len(f.processes))
	for pid := range f.processes {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	var sb strings.Builder
	sb.WriteString("    PID COMMAND\n")
	for _, pid := range pids {
		fmt.Fprintf(&sb, "%7d %s\n", pid, f.processes[pid])
	}
	return sb.String()
}

// fakeConn is one connection to the fake host.
type fakeConn struct {
	host    *FakeShell
	lock    sync.Mutex
	closed  bool
	streams []*fakeStream
}

var _ remote.Shell = (*fakeConn)(nil)

func (c *fakeConn) checkOpen() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection closed", hilerr.ErrConnection)
	}
	return nil
}

func (c *fakeConn) track(st *fakeStream) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.streams = append(c.streams, st)
}

func (c *fakeConn) Start(_ context.Context, command string) (remote.Stream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.host.record(command)

	c.host.lock.Lock()
	startErr := c.host.StartErr
	c.host.lock.Unlock()
	if startErr != nil {
		return nil, fmt.Errorf("%w: %w", hilerr.ErrConnection, startErr)
	}

	st := newFakeStream(nil)
	if strings.HasPrefix(command, spawnPrefix) {
		target := strings.TrimPrefix(command, spawnPrefix)
		pid := c.host.AddProcess(target)
		output := strconv.Itoa(pid) + "\r\n"

		c.host.lock.Lock()
		for prefix, out := range c.host.StartOutput {
			if strings.HasPrefix(target, prefix) {
				output += out
			}
		}
		c.host.lock.Unlock()

		st.emit(output)
	}

	c.track(st)
	return st, nil
}

func (c *fakeConn) Interactive(_ context.Context) (remote.Stream, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.host.record("<interactive shell>")

	var foreground int
	st := newFakeStream(func(line string) {
		c.host.record(line)

		switch {
		case line == ctrlC:
			if foreground != 0 {
				c.host.kill(foreground)
				foreground = 0
			}
		case strings.HasPrefix(line, "socat "):
			// Keep only the command itself, the way ps shows it.
			command := line
			if idx := strings.Index(command, " &>"); idx >= 0 {
				command = command[:idx]
			}
			foreground = c.host.AddProcess(strings.Join(strings.Fields(command), " "))
		}

		c.host.lock.Lock()
		hook := c.host.OnInteractiveLine
		c.host.lock.Unlock()
		if hook != nil {
			hook(line)
		}
	})

	c.track(st)
	return st, nil
}

func (c *fakeConn) Output(ctx context.Context, command string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.host.record(command)

	fields := strings.Fields(command)
	switch {
	case command == "ps -eo pid,args":
		return []byte(c.host.processList()), nil

	case len(fields) >= 2 && fields[0] == "kill":
		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("kill: invalid pid %q", fields[len(fields)-1])
		}
		if len(fields) == 3 && strings.HasPrefix(fields[1], "-") {
			c.host.lock.Lock()
			hang := c.host.signalsHang
			c.host.lock.Unlock()
			if hang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
		}
		if len(fields) == 3 && fields[1] == "-INT" {
			return nil, nil // Interrupts do not end processes on the fake host
		}
		if !c.host.kill(pid) {
			return nil, fmt.Errorf("kill: (%d) - No such process", pid)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (c *fakeConn) Fetch(_ context.Context, remotePath string, w io.Writer) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.host.record("fetch " + remotePath)

	c.host.lock.Lock()
	content, found := c.host.files[remotePath]
	c.host.lock.Unlock()
	if !found {
		return fmt.Errorf("could not open remote file '%s': file does not exist", remotePath)
	}

	_, err := w.Write(content)
	return err
}

func (c *fakeConn) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.lock.Unlock()

	for _, st := range streams {
		_ = st.Close()
	}

	c.host.lock.Lock()
	c.host.openConns--
	c.host.lock.Unlock()
	return nil
}

// fakeStream delivers scripted output and hands complete input lines to a callback.
type fakeStream struct {
	outR   *io.PipeReader
	outW   *io.PipeWriter
	stdin  *lineWriter
	lock   sync.Mutex
	closed bool
}

var _ remote.Stream = (*fakeStream)(nil)

func newFakeStream(onLine func(string)) *fakeStream {
	outR, outW := io.Pipe()
	return &fakeStream{
		outR:  outR,
		outW:  outW,
		stdin: &lineWriter{onLine: onLine},
	}
}

func (st *fakeStream) emit(s string) {
	go func() {
		_, _ = st.outW.Write([]byte(s))
	}()
}

func (st *fakeStream) Stdin() io.WriteCloser { return st.stdin }
func (st *fakeStream) Stdout() io.Reader     { return st.outR }
func (st *fakeStream) Stderr() io.Reader     { return bytes.NewReader(nil) }

func (st *fakeStream) Close() error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	_ = st.stdin.Close()
	return st.outW.CloseWithError(io.EOF)
}

type lineWriter struct {
	lock    sync.Mutex
	pending []byte
	onLine  func(string)
	closed  bool
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.lock.Lock()
	if lw.closed {
		lw.lock.Unlock()
		return 0, errors.New("write to closed session")
	}
	lw.pending = append(lw.pending, p...)

	var lines []string
	for {
		// A lone Ctrl-C is delivered immediately, the way a terminal would.
		if len(lw.pending) > 0 && lw.pending[0] == ctrlC[0] {
			lines = append(lines, ctrlC)
			lw.pending = lw.pending[1:]
			continue
		}
		idx := bytes.IndexByte(lw.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(lw.pending[:idx]), "\r"))
		lw.pending = lw.pending[idx+1:]
	}
	lw.lock.Unlock()

	if lw.onLine != nil {
		for _, line := range lines {
			lw.onLine(line)
		}
	}
	return len(p), nil
}

func (lw *lineWriter) Close() error {
	lw.lock.Lock()
	defer lw.lock.Unlock()
	lw.closed = true
	return nil
}
