/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands implements the hwrunner command line.
package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/n7space/Remote-Target-Runner/pkg/logger"
)

// ErrTestUnfinished is returned by the run command when the target had to be halted
// because the test did not finish within the wait timeout.
var ErrTestUnfinished = errors.New("test did not finish within the wait timeout")

func NewRootCommand(log *logger.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hwrunner",
		Short: "Runs test images on remote embedded targets",
		Long: `hwrunner runs test images on embedded targets attached to a remote host.

	It starts a GDB server next to the debug adapter, drives the target through GDB,
	captures the target serial ports over the network and saves their output.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "hwrunner starting"),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.AddCommand(NewVersionCommand(log.Logger))
	rootCmd.AddCommand(NewRunCommand(log.Logger))
	rootCmd.AddCommand(NewReadMemoryCommand(log.Logger))
	rootCmd.AddCommand(NewCoverageCommand(log.Logger))

	log.AddLevelFlag(rootCmd.PersistentFlags())

	return rootCmd
}
