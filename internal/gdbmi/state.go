// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package gdbmi

// State is the lifecycle state of a debug session as seen by the Controller.
type State int

const (
	// Disconnected means the front end has not been launched yet.
	Disconnected State = iota
	// Connected means the front end runs and is attached to the debug server.
	Connected
	// Loaded means an image has been loaded into the target.
	Loaded
	// Running means the target was resumed and has not stopped yet.
	Running
	// Halted means the target stopped (finished, hit a breakpoint or was interrupted).
	Halted
	// Terminated means the front end has been shut down.
	Terminated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
