/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package remote contains the remote-shell surface used to manage processes on the machine
// that hosts the debug adapter and the serial devices.
package remote

import (
	"context"
	"io"

	"github.com/go-logr/logr"
)

// Stream is a command (or an interactive shell) started on the remote host.
type Stream interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Close ends the remote session. The remote process may outlive it; use Kill() for that.
	Close() error
}

// Shell is an open connection to a remote host.
type Shell interface {
	// Start runs the command in a new exec session with a pseudo-terminal attached.
	Start(ctx context.Context, command string) (Stream, error)

	// Interactive opens a shell on a pseudo-terminal. Commands are written to its standard input.
	Interactive(ctx context.Context) (Stream, error)

	// Output runs the command to completion and returns its standard output.
	Output(ctx context.Context, command string) ([]byte, error)

	// Fetch copies a remote file into w.
	Fetch(ctx context.Context, remotePath string, w io.Writer) error

	Close() error
}

// Dialer opens a Shell to the given endpoint.
type Dialer func(ctx context.Context, ep Endpoint, log logr.Logger) (Shell, error)
