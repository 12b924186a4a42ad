/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
)

// ProcessEntry is a single line of the remote process list.
type ProcessEntry struct {
	Pid     int
	Command string
}

const listProcessesCommand = "ps -eo pid,args"

var errNoSentinel = errors.New("remote command did not report its process ID")

// SpawnWithPid starts the command so that the remote shell prints its PID first and then
// replaces itself with the command. The returned reader continues the command's standard output
// after the sentinel line.
func SpawnWithPid(ctx context.Context, sh Shell, command string) (Stream, *bufio.Reader, int, error) {
	stream, err := sh.Start(ctx, "echo $$; exec "+command)
	if err != nil {
		return nil, nil, 0, err
	}

	stdout := bufio.NewReader(stream.Stdout())
	line, readErr := stdout.ReadString('\n')
	if readErr != nil && !(errors.Is(readErr, io.EOF) && line != "") {
		_ = stream.Close()
		return nil, nil, 0, fmt.Errorf("%w: %w", errNoSentinel, readErr)
	}

	pid, parseErr := strconv.Atoi(strings.TrimSpace(line))
	if parseErr != nil || pid <= 0 {
		_ = stream.Close()
		return nil, nil, 0, fmt.Errorf("%w: unexpected first line %q", errNoSentinel, line)
	}

	return stream, stdout, pid, nil
}

// Kill sends a signal to a remote process. An empty signal name means the default (SIGTERM).
func Kill(ctx context.Context, sh Shell, pid int, signal string) error {
	command := "kill " + strconv.Itoa(pid)
	if signal != "" {
		command = "kill -" + signal + " " + strconv.Itoa(pid)
	}
	_, err := sh.Output(ctx, command)
	return err
}

// FindProcesses lists remote processes whose command line contains every one of the given arguments.
// Arguments are compared whole: the command line is split on blanks and commas, and a program
// path also matches its base name.
func FindProcesses(ctx context.Context, sh Shell, fragments ...string) ([]ProcessEntry, error) {
	out, err := sh.Output(ctx, listProcessesCommand)
	if err != nil {
		return nil, fmt.Errorf("could not list remote processes: %w", err)
	}
	return parseProcessList(string(out), fragments), nil
}

func parseProcessList(out string, fragments []string) []ProcessEntry {
	var entries []ProcessEntry

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // Header line
		}

		command := strings.Join(fields[1:], " ")
		if command == listProcessesCommand {
			continue
		}

		if hasArguments(fields[1:], fragments) {
			entries = append(entries, ProcessEntry{Pid: pid, Command: command})
		}
	}

	return entries
}

func hasArguments(fields []string, wanted []string) bool {
	tokens := make(map[string]struct{})
	for i, field := range fields {
		for _, token := range strings.Split(field, ",") {
			tokens[token] = struct{}{}
		}
		if i == 0 {
			tokens[path.Base(field)] = struct{}{}
		}
	}

	for _, w := range wanted {
		if _, found := tokens[w]; !found {
			return false
		}
	}
	return true
}
