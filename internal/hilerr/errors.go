/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package hilerr holds the error taxonomy shared by the test session components.
// Components wrap these sentinels with fmt.Errorf("...: %w") and callers test them with errors.Is.
package hilerr

import (
	"context"
	"errors"
)

var (
	// ErrConnection is returned when a remote shell or a socket cannot be established.
	ErrConnection = errors.New("connection failed")

	// ErrNotFound is returned when a local executable cannot be resolved.
	ErrNotFound = errors.New("executable not found")

	// ErrAlreadyRunning is returned when a conflicting relay or handler is detected.
	ErrAlreadyRunning = errors.New("already running")

	// ErrProtocol covers malformed commands, debug agent reported errors and invalid configuration values.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout is returned when a bounded wait is exceeded.
	ErrTimeout = errors.New("timed out")

	// ErrIO is returned for stream read/write failures that cannot be absorbed.
	ErrIO = errors.New("i/o failure")

	// ErrNotOpen is returned when an operation needs a resource that has not been opened.
	ErrNotOpen = errors.New("not open")
)

// IsTimeout returns true for ErrTimeout and for context deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
