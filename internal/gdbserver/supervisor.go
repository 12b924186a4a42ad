/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package gdbserver runs the debug server (the GDB server next to the debug adapter) and captures its output.
package gdbserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	hwio "github.com/n7space/Remote-Target-Runner/pkg/io"
	"github.com/n7space/Remote-Target-Runner/pkg/process"
	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

const (
	DefaultQuietArg         = "-silent"
	DefaultDrainJoinTimeout = 1 * time.Second

	drainBufferSize = 4096
)

type Config struct {
	Invocation process.InvocationSpec

	// In verbose mode the server output is also echoed to Echo (if set) and QuietArg is not added.
	Verbose bool
	Echo    io.Writer

	// Argument that makes the server less chatty. Defaults to "-silent".
	QuietArg string

	// How long Close() waits for the drain loop to end. Defaults to one second.
	DrainJoinTimeout time.Duration
}

// Supervisor keeps the debug server running for the duration of a test session
// and continuously drains its output so the server never blocks on a full pipe.
type Supervisor struct {
	cfg     Config
	log     logr.Logger
	invoker *process.Invoker

	lock        sync.Mutex
	output      bytes.Buffer
	cancelDrain context.CancelFunc
	drainDone   chan struct{}
}

func NewSupervisor(cfg Config, log logr.Logger, opts ...process.InvokerOption) *Supervisor {
	if cfg.QuietArg == "" {
		cfg.QuietArg = DefaultQuietArg
	}
	if cfg.DrainJoinTimeout <= 0 {
		cfg.DrainJoinTimeout = DefaultDrainJoinTimeout
	}

	spec := cfg.Invocation
	if !cfg.Verbose {
		spec.Args = strings.TrimSpace(spec.Args + " " + cfg.QuietArg)
	}
	spec.MergeStderr = true

	log = log.WithName("gdbserver")
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		invoker: process.NewInvoker(spec, log, opts...),
	}
}

// Open starts the server and the drain loop. Calling Open on a running server does nothing.
func (s *Supervisor) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.drainDone != nil {
		return nil
	}

	if err := s.invoker.Open(ctx); err != nil {
		return err
	}

	// The drain loop must outlive the Open() call, so it does not use the caller's context.
	drainCtx, cancel := context.WithCancel(context.Background())
	s.cancelDrain = cancel
	s.drainDone = make(chan struct{})
	go s.drain(drainCtx, s.invoker.Handle().Stdout, s.drainDone)

	s.log.Info("debug server started", "Command", s.invoker.Spec().CommandLine())
	return nil
}

func (s *Supervisor) drain(ctx context.Context, stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	reader := hwio.NewContextReader(ctx, stdout, false)
	buf := make([]byte, drainBufferSize)

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			s.lock.Lock()
			_, _ = s.output.Write(buf[:n])
			s.lock.Unlock()

			if s.cfg.Verbose && s.cfg.Echo != nil {
				_, _ = s.cfg.Echo.Write(buf[:n])
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, io.EOF):
			s.log.V(1).Info("debug server output ended")
			return
		default:
			s.log.V(1).Info("reading debug server output failed", "Error", err.Error())
			return
		}
	}
}

// Close stops the drain loop (waiting for it a bounded amount of time) and then stops the server.
func (s *Supervisor) Close() error {
	s.lock.Lock()
	cancel, done := s.cancelDrain, s.drainDone
	s.cancelDrain, s.drainDone = nil, nil
	s.lock.Unlock()

	if done == nil {
		return nil
	}

	cancel()
	if !resiliency.WaitWithTimeout(done, s.cfg.DrainJoinTimeout) {
		s.log.Info("debug server output drain did not stop in time, abandoning it")
	}

	return s.invoker.Close()
}

// Output returns everything the server has printed so far.
func (s *Supervisor) Output() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.output.String()
}

func (s *Supervisor) Running() bool {
	return s.invoker.Running()
}
