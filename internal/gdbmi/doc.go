// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package gdbmi drives a GDB front end through its machine interface (MI).
//
// The front end runs as a child process (locally or on a remote host). Its output records
// are decoded once, at the transport boundary, into a small set of Message types:
//
//   - Console: console stream output (~"..."), used for command output such as memory dumps.
//   - Done: a successful result record (^done, ^connected, ^exit).
//   - Error: a failed result record (^error,msg="...").
//   - Stopped: an asynchronous stop notification (*stopped,reason="...").
//
// All other records (log and target streams, other notifications, the prompt) are dropped.
//
// The Controller builds the target lifecycle on top of the transport:
// launch and connect, load an image, reset, run, wait for completion, interrupt and shut down.
package gdbmi
