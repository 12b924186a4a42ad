/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
	"github.com/n7space/Remote-Target-Runner/internal/gdbserver"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/internal/runner"
	"github.com/n7space/Remote-Target-Runner/internal/uart"
	"github.com/n7space/Remote-Target-Runner/pkg/process"
)

const (
	DefaultConsoleLog = "vConsoleLog.txt"
	DefaultUart4Log   = "vUart4log.txt"
)

// Reads the SSH endpoint of a section (address, sshPort, username, password).
// Returns nil if the section has no address, meaning "run locally".
func (s Section) endpoint() (*remote.Endpoint, error) {
	address, found := s.lookup("address")
	if !found {
		return nil, nil
	}

	ep, err := remote.ParseEndpoint(address, s.String("username", ""), s.String("password", ""))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	if ep.Port == 0 {
		if ep.Port, err = s.Int("sshPort", 0); err != nil {
			return nil, err
		}
	}
	return &ep, nil
}

// GdbServer builds the debug server configuration. Server output is echoed to echo in verbose mode.
func (f *File) GdbServer(echo io.Writer) (gdbserver.Config, error) {
	s := f.Section(SectionGdbServer)

	path, err := s.Required("path")
	if err != nil {
		return gdbserver.Config{}, err
	}
	ep, err := s.endpoint()
	if err != nil {
		return gdbserver.Config{}, err
	}
	verbose, err := s.Bool("verbose", false)
	if err != nil {
		return gdbserver.Config{}, err
	}
	startDelay, err := s.Duration("startDelay", 0)
	if err != nil {
		return gdbserver.Config{}, err
	}

	return gdbserver.Config{
		Invocation: process.InvocationSpec{
			Path:       path,
			Args:       s.String("args", ""),
			Endpoint:   ep,
			StartDelay: startDelay,
		},
		Verbose:  verbose,
		Echo:     echo,
		QuietArg: s.String("quietArg", gdbserver.DefaultQuietArg),
	}, nil
}

// Gdb builds the debugger configuration. The debugger runs locally unless the section names a "remoteHost".
func (f *File) Gdb(echo io.Writer) (gdbmi.Config, error) {
	s := f.Section(SectionGdb)

	address, err := s.Required("address")
	if err != nil {
		return gdbmi.Config{}, err
	}
	verbose, err := s.Bool("verbose", false)
	if err != nil {
		return gdbmi.Config{}, err
	}
	launchDelay, err := s.Duration("launchDelay", 0)
	if err != nil {
		return gdbmi.Config{}, err
	}
	responseWindow, err := s.Duration("responseWindow", gdbmi.DefaultResponseWindow)
	if err != nil {
		return gdbmi.Config{}, err
	}
	pollWindow, err := s.Duration("pollWindow", gdbmi.DefaultPollWindow)
	if err != nil {
		return gdbmi.Config{}, err
	}

	var ep *remote.Endpoint
	if host, found := s.lookup("remoteHost"); found {
		parsed, parseErr := remote.ParseEndpoint(host, s.String("username", ""), s.String("password", ""))
		if parseErr != nil {
			return gdbmi.Config{}, fmt.Errorf("%s: %w", s.name, parseErr)
		}
		ep = &parsed
	}

	return gdbmi.Config{
		Path:           s.String("path", gdbmi.DefaultPath),
		Args:           s.String("args", ""),
		Address:        address,
		Endpoint:       ep,
		Verbose:        verbose,
		Echo:           echo,
		LaunchDelay:    launchDelay,
		ResponseWindow: responseWindow,
		PollWindow:     pollWindow,
	}, nil
}

// Bridge builds the configuration of the serial channel in the named section.
// Returns false if the configuration has no such section.
func (f *File) Bridge(section string) (uart.Config, bool, error) {
	if !f.HasSection(section) {
		return uart.Config{}, false, nil
	}
	s := f.Section(section)

	ep, err := s.endpoint()
	if err != nil {
		return uart.Config{}, true, err
	}
	if ep == nil {
		return uart.Config{}, true, fmt.Errorf("%w: %s.address", ErrMissingValue, section)
	}

	device, devErr := s.Required("path")
	baud, baudErr := s.Int("baudrate", 115200)
	relayPort, relayPortErr := s.Int("port", 0)
	parity, parityErr := uart.ParseParity(s.String("parity", string(uart.ParityNone)))
	verbose, verboseErr := s.Bool("verbose", false)
	connectTimeout, ctErr := s.Duration("connectTimeout", uart.DefaultConnectTimeout)
	drainIdle, diErr := s.Duration("drainIdle", uart.DefaultDrainIdle)
	settle, settleErr := s.Duration("settleDelay", uart.DefaultSettleDelay)
	if err = errors.Join(devErr, baudErr, relayPortErr, parityErr, verboseErr, ctErr, diErr, settleErr); err != nil {
		return uart.Config{}, true, err
	}
	if relayPort == 0 {
		return uart.Config{}, true, fmt.Errorf("%w: %s.port", ErrMissingValue, section)
	}

	return uart.Config{
		Name:            section,
		Endpoint:        *ep,
		Device:          device,
		Baud:            baud,
		Parity:          parity,
		Port:            relayPort,
		VirtualTerminal: s.String("vPortName", ""),
		Verbose:         verbose,
		RelayLogPrefix:  s.String("relayLogPrefix", uart.DefaultRelayLogPrefix),
		LogDir:          f.Section(SectionRunner).String("logDir", "."),
		ConnectTimeout:  connectTimeout,
		DrainIdle:       drainIdle,
		SettleDelay:     settle,
	}, true, nil
}

// Runner builds the session configuration and the log file paths of the console and UART4 channels.
func (f *File) Runner() (runner.Config, map[string]string, error) {
	s := f.Section(SectionRunner)

	waitTimeout, waitErr := s.Duration("waitTimeout", runner.DefaultWaitTimeout)
	dumpTimeout, dumpErr := s.Duration("dumpTimeout", runner.DefaultDumpTimeout)
	if err := errors.Join(waitErr, dumpErr); err != nil {
		return runner.Config{}, nil, err
	}

	logDir := s.String("logDir", ".")
	logs := map[string]string{
		SectionConsole: filepath.Join(logDir, s.String("consoleLog", DefaultConsoleLog)),
		SectionUart4:   filepath.Join(logDir, s.String("uart4Log", DefaultUart4Log)),
	}

	return runner.Config{
		WaitTimeout: waitTimeout,
		DumpTimeout: dumpTimeout,
		PCSymbol:    s.String("pcSymbol", runner.DefaultPCSymbol),
		SPSymbol:    s.String("spSymbol", runner.DefaultSPSymbol),
	}, logs, nil
}
