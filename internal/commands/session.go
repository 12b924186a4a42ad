/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/n7space/Remote-Target-Runner/internal/config"
	"github.com/n7space/Remote-Target-Runner/internal/gdbmi"
	"github.com/n7space/Remote-Target-Runner/internal/gdbserver"
	"github.com/n7space/Remote-Target-Runner/internal/runner"
	"github.com/n7space/Remote-Target-Runner/internal/targetlock"
	"github.com/n7space/Remote-Target-Runner/internal/uart"
)

const defaultConfigFile = "hwrunner.yaml"

type sessionOptions struct {
	configPath  string
	envFiles    []string
	consoleVTTY string
	uart4VTTY   string
	lockWait    time.Duration
}

func addSessionFlags(cmd *cobra.Command, opts *sessionOptions) {
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigFile, "Path to the test session configuration file.")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "Dotenv file(s) to load before the configuration is read. The .env file next to the configuration is always loaded if present.")
	cmd.Flags().StringVar(&opts.consoleVTTY, "console-vtty", "", "If present, the console serial port is linked to a local pseudo-terminal with this name instead of being saved to a log.")
	cmd.Flags().StringVar(&opts.uart4VTTY, "uart4-vtty", "", "If present, the UART4 serial port is linked to a local pseudo-terminal with this name instead of being saved to a log.")
	cmd.Flags().DurationVar(&opts.lockWait, "lock-wait", 0, "How long to wait for another session using the same target to end. By default the command fails immediately if the target is in use.")
}

func (opts sessionOptions) virtualTerminal(section string) string {
	switch section {
	case config.SectionConsole:
		return opts.consoleVTTY
	case config.SectionUart4:
		return opts.uart4VTTY
	default:
		return ""
	}
}

// A test session assembled from the configuration, with the paths of the serial channel logs.
type session struct {
	*runner.Runner
	logs     map[string]string
	lockPath string
	lock     *targetlock.Lock
}

// Acquires the target for the session, so that sessions started from this machine do not interfere.
func (s *session) acquire(ctx context.Context, wait time.Duration) error {
	lock, err := targetlock.Acquire(ctx, s.lockPath, s.SessionID(), wait)
	if err != nil {
		return err
	}
	s.lock = lock
	return nil
}

// Close releases the session components, then the target.
func (s *session) Close() error {
	return errors.Join(s.Runner.Close(), s.lock.Release())
}

// Run executes the test while holding the target.
func (s *session) Run(ctx context.Context, binary string, wait time.Duration) (bool, error) {
	if err := s.acquire(ctx, wait); err != nil {
		return false, err
	}
	finished, err := s.Runner.Run(ctx, binary)
	return finished, errors.Join(err, s.lock.Release())
}

// Builds the session components. Nothing is started until the session is used.
// Verbose server and debugger output is echoed to echo.
func newSession(opts sessionOptions, echo io.Writer, log logr.Logger) (*session, error) {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, err
	}

	serverCfg, err := cfg.GdbServer(echo)
	if err != nil {
		return nil, err
	}
	gdbCfg, err := cfg.Gdb(echo)
	if err != nil {
		return nil, err
	}
	runnerCfg, logs, err := cfg.Runner()
	if err != nil {
		return nil, err
	}

	var channels []runner.Channel
	for _, section := range []string{config.SectionConsole, config.SectionUart4} {
		bridgeCfg, found, bridgeErr := cfg.Bridge(section)
		if bridgeErr != nil {
			return nil, bridgeErr
		}
		if !found {
			continue
		}
		if vtty := opts.virtualTerminal(section); vtty != "" {
			bridgeCfg.VirtualTerminal = vtty
		}
		channels = append(channels, runner.Channel{
			Name:    section,
			Bridge:  uart.NewBridge(bridgeCfg, log),
			LogPath: logs[section],
		})
	}

	target := "local"
	if serverCfg.Invocation.Endpoint != nil {
		target = serverCfg.Invocation.Endpoint.Host
	}

	r := runner.New(runnerCfg, gdbserver.NewSupervisor(serverCfg, log), gdbmi.NewController(gdbCfg, log), channels, log)
	log.V(1).Info("test session configured", "Config", cfg.Path(), "Session", r.SessionID(), "Target", target, "Channels", len(channels))
	return &session{
		Runner:   r,
		logs:     logs,
		lockPath: targetlock.PathFor(cfg.Section(config.SectionRunner).String("lockDir", ""), target),
	}, nil
}
