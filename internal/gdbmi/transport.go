// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
)

const (
	// Once the first message of a batch arrived, further messages are added to the batch
	// as long as each arrives within this gap.
	batchSettleGap = 50 * time.Millisecond

	maxBatchSize = 4096

	// MI records can be long (memory dumps, register lists).
	maxRecordSize = 1024 * 1024

	initialQueueCapacity = 64
)

// ErrTransportClosed is returned by Read once the front end output has ended and every message was delivered.
var ErrTransportClosed = fmt.Errorf("%w: debugger output ended", hilerr.ErrIO)

// Transport provides decoded MI message I/O with a debugger front end.
// Implementations must be safe for concurrent use by multiple goroutines,
// but individual reads (and individual writes) may not be concurrent with each other.
type Transport interface {
	// Write sends a single command. A trailing newline is added if missing.
	Write(command string) error

	// Read waits up to the given amount of time for the first message, then returns it
	// together with every message that followed it closely. Returns an empty batch
	// (and no error) if nothing arrived in time.
	// If the context is done, the messages received so far are returned together with the context error.
	Read(ctx context.Context, wait time.Duration) ([]Message, error)

	// Interrupt asks the front end to stop the target (the equivalent of Ctrl-C).
	Interrupt() error

	// Close stops message delivery and closes the command stream.
	Close() error
}

// streamTransport implements Transport over the standard streams of a front end process.
type streamTransport struct {
	stdin     io.Writer
	interrupt func() error
	log       logr.Logger

	messages *chanx.UnboundedChan[Message]
	cancel   context.CancelFunc

	// writeMu serializes writes to the command stream
	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a Transport that writes commands to stdin and decodes records from stdout.
// A single background goroutine reads stdout until it ends or the transport is closed.
// The interrupt function is called by Interrupt().
func NewStreamTransport(stdin io.Writer, stdout io.Reader, interrupt func() error, log logr.Logger) Transport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &streamTransport{
		stdin:     stdin,
		interrupt: interrupt,
		log:       log,
		messages:  chanx.NewUnboundedChan[Message](ctx, initialQueueCapacity),
		cancel:    cancel,
	}

	go t.readLoop(ctx, stdout)
	return t
}

func (t *streamTransport) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(t.messages.In)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	for scanner.Scan() {
		line := scanner.Text()
		if t.log.V(2).Enabled() {
			t.log.V(2).Info("debugger output", "Line", line)
		}

		msg, ok := Decode(line)
		if !ok {
			continue
		}

		// After Close() the output is still consumed (and discarded) so that the front end never blocks on it.
		select {
		case t.messages.In <- msg:
		case <-ctx.Done():
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.log.V(1).Info("reading debugger output failed", "Error", err.Error())
	}
}

func (t *streamTransport) Write(command string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is closed", hilerr.ErrNotOpen)
	}
	t.mu.Unlock()

	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, writeErr := io.WriteString(t.stdin, command); writeErr != nil {
		return fmt.Errorf("%w: failed to write debugger command: %w", hilerr.ErrIO, writeErr)
	}
	return nil
}

func (t *streamTransport) Read(ctx context.Context, wait time.Duration) ([]Message, error) {
	var batch []Message

	first := time.NewTimer(max(wait, 0))
	defer first.Stop()

	select {
	case msg, ok := <-t.messages.Out:
		if !ok {
			return nil, ErrTransportClosed
		}
		batch = append(batch, msg)
	case <-first.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	gap := time.NewTimer(batchSettleGap)
	defer gap.Stop()

	for len(batch) < maxBatchSize {
		select {
		case msg, ok := <-t.messages.Out:
			if !ok {
				// Deliver what we have, the next Read reports the end of the stream.
				return batch, nil
			}
			batch = append(batch, msg)

			gap.Reset(batchSettleGap)

		case <-gap.C:
			return batch, nil

		case <-ctx.Done():
			return batch, ctx.Err()
		}
	}

	return batch, nil
}

func (t *streamTransport) Interrupt() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: transport is closed", hilerr.ErrNotOpen)
	}

	if t.interrupt == nil {
		return errors.New("interrupting the debugger is not supported")
	}
	return t.interrupt()
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()

	if closer, isCloser := t.stdin.(io.Closer); isCloser {
		return closer.Close()
	}
	return nil
}

var _ Transport = (*streamTransport)(nil)
