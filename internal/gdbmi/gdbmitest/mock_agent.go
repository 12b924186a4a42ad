// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package gdbmitest provides a scripted GDB front end for tests.
package gdbmitest

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
)

// Handler returns the output lines the agent emits in response to a command.
type Handler func(command string) []string

// DoneForEverything answers every command with a successful result record.
func DoneForEverything(string) []string {
	return []string{"^done", "(gdb) "}
}

// StoppedRecord is emitted when the agent is interrupted.
const StoppedRecord = `*stopped,reason="signal-received",signal-name="SIGINT"`

// MockAgent emulates a GDB front end speaking MI over a pair of pipes.
type MockAgent struct {
	handler Handler
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	lock       sync.Mutex
	commands   []string
	interrupts int
	writeLock  sync.Mutex

	transport gdbmi.Transport
}

func NewMockAgent(handler Handler, log logr.Logger) *MockAgent {
	m := &MockAgent{handler: handler}
	m.stdinR, m.stdinW = io.Pipe()
	m.stdoutR, m.stdoutW = io.Pipe()
	m.transport = gdbmi.NewStreamTransport(m.stdinW, m.stdoutR, m.interrupt, log)

	go m.serve()
	return m
}

// Transport returns the transport connected to the agent.
func (m *MockAgent) Transport() gdbmi.Transport {
	return m.transport
}

func (m *MockAgent) serve() {
	defer m.stdoutW.Close()

	scanner := bufio.NewScanner(m.stdinR)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())

		m.lock.Lock()
		m.commands = append(m.commands, cmd)
		m.lock.Unlock()

		if m.handler != nil {
			m.Send(m.handler(cmd)...)
		}
	}
}

func (m *MockAgent) interrupt() error {
	m.lock.Lock()
	m.interrupts++
	m.lock.Unlock()

	m.Send(StoppedRecord)
	return nil
}

// Send emits output lines as if the front end printed them.
func (m *MockAgent) Send(lines ...string) {
	m.writeLock.Lock()
	defer m.writeLock.Unlock()

	for _, line := range lines {
		if _, err := io.WriteString(m.stdoutW, line+"\n"); err != nil {
			return
		}
	}
}

// Commands returns every command the agent received, in order.
func (m *MockAgent) Commands() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *MockAgent) Interrupts() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.interrupts
}

// Close ends the agent output, as if the front end exited.
func (m *MockAgent) Close() {
	_ = m.stdinR.Close()
	_ = m.stdoutW.Close()
}
