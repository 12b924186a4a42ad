/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/internal/uart"
)

const sampleConfig = `
gdbServer:
  address: ${HWRUNNER_TEST_HOST}
  username: ${HWRUNNER_TEST_USER}
  password: ${HWRUNNER_TEST_PASSWORD}
  path: /usr/local/bin/openocd
  args: -f interface/cmsis-dap.cfg -f board/atmel_samv71_xplained_ultra.cfg
  verbose: true
gdb:
  address: ${HWRUNNER_TEST_HOST}:3333
  path: gdb-multiarch
  verbose: false
ioConsole:
  address: ${HWRUNNER_TEST_HOST}
  username: ${HWRUNNER_TEST_USER}
  password: ${HWRUNNER_TEST_PASSWORD}
  baudrate: 115200
  port: 5005
  path: /dev/ttyACM0
  parity: even
  vPortName:
  verbose: true
runner:
  waitTimeout: 120
  dumpTimeout: 1m
  logDir: out
`

func writeConfig(t *testing.T, dir, content string) string {
	path := filepath.Join(dir, "hwrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// Not parallel: modifies the process environment.
func TestLoadExpandsVariablesFromDotenv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultEnvFileName), []byte(
		"HWRUNNER_TEST_HOST=raspi.local\nHWRUNNER_TEST_USER=pi\nHWRUNNER_TEST_PASSWORD=raspberry\n"), 0600))
	t.Cleanup(func() {
		for _, name := range []string{"HWRUNNER_TEST_HOST", "HWRUNNER_TEST_USER", "HWRUNNER_TEST_PASSWORD"} {
			_ = os.Unsetenv(name)
		}
	})

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, f.Path())

	server, err := f.GdbServer(nil)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/openocd", server.Invocation.Path)
	require.Equal(t, "-f interface/cmsis-dap.cfg -f board/atmel_samv71_xplained_ultra.cfg", server.Invocation.Args)
	require.Equal(t, &remote.Endpoint{Host: "raspi.local", User: "pi", Password: "raspberry"}, server.Invocation.Endpoint)
	require.True(t, server.Verbose)

	gdb, err := f.Gdb(nil)
	require.NoError(t, err)
	require.Equal(t, "raspi.local:3333", gdb.Address)
	require.Equal(t, "gdb-multiarch", gdb.Path)
	require.Nil(t, gdb.Endpoint)
	require.Equal(t, gdbmi.DefaultPollWindow, gdb.PollWindow)

	console, found, err := f.Bridge(SectionConsole)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "/dev/ttyACM0", console.Device)
	require.Equal(t, 115200, console.Baud)
	require.Equal(t, 5005, console.Port)
	require.Equal(t, uart.ParityEven, console.Parity)
	require.Empty(t, console.VirtualTerminal)
	require.Equal(t, "out", console.LogDir)
	require.Equal(t, "raspi.local", console.Endpoint.Host)

	_, found, err = f.Bridge(SectionUart4)
	require.NoError(t, err)
	require.False(t, found)

	rc, logs, err := f.Runner()
	require.NoError(t, err)
	require.Equal(t, 120*time.Second, rc.WaitTimeout)
	require.Equal(t, time.Minute, rc.DumpTimeout)
	require.Equal(t, "Reset_Handler", rc.PCSymbol)
	require.Equal(t, filepath.Join("out", DefaultConsoleLog), logs[SectionConsole])
	require.Equal(t, filepath.Join("out", DefaultUart4Log), logs[SectionUart4])
}

func TestSectionGetters(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte("s:\n  n: 42\n  b: yes-ish\n  d: 1.5\n  g: 250ms\n  empty: ''\n"))
	require.NoError(t, err)
	s := f.Section("s")
	require.Equal(t, "s", s.Name())

	n, err := s.Int("n", 0)
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = s.Bool("b", false)
	require.ErrorContains(t, err, "s.b")

	d, err := s.Duration("d", 0)
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)
	d, err = s.Duration("g", 0)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, d)

	require.Equal(t, "fallback", s.String("empty", "fallback"))
	_, err = s.Required("missing")
	require.ErrorIs(t, err, ErrMissingValue)
	require.ErrorContains(t, err, "s.missing")

	// Missing sections behave as empty ones
	require.False(t, f.HasSection("other"))
	require.Equal(t, "x", f.Section("other").String("k", "x"))
}

func TestBridgeRejectsBadValues(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte("ioUart4:\n  address: host\n  path: /dev/serial0\n  port: 5006\n  parity: mark\n"))
	require.NoError(t, err)
	_, _, err = f.Bridge(SectionUart4)
	require.Error(t, err)

	f, err = Parse([]byte("ioUart4:\n  path: /dev/serial0\n  port: 5006\n"))
	require.NoError(t, err)
	_, _, err = f.Bridge(SectionUart4)
	require.ErrorIs(t, err, ErrMissingValue)

	f, err = Parse([]byte("gdb:\n  path: gdb\n"))
	require.NoError(t, err)
	_, err = f.Gdb(nil)
	require.ErrorIs(t, err, ErrMissingValue)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "does not exist")
}

// Not parallel: modifies the process environment.
func TestExampleConfigIsValid(t *testing.T) {
	t.Setenv("TASTE_RASPI_ADDRESS", "raspberrypi")
	t.Setenv("TASTE_RASPI_PORT", "3333")
	t.Setenv("TASTE_RASPI_USER", "pi")
	t.Setenv("TASTE_RASPI_PASSWORD", "raspberry")

	f, err := Load(filepath.Join("..", "..", "hwrunner.example.yaml"))
	require.NoError(t, err)

	server, err := f.GdbServer(nil)
	require.NoError(t, err)
	require.Contains(t, server.Invocation.Args, "atmel_samv71_xplained_ultra.cfg")

	gdb, err := f.Gdb(nil)
	require.NoError(t, err)
	require.Equal(t, "raspberrypi:3333", gdb.Address)

	uart4, found, err := f.Bridge(SectionUart4)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 38400, uart4.Baud)
	require.Equal(t, 5006, uart4.Port)
}
