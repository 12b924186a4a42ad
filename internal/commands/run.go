/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/n7space/Remote-Target-Runner/internal/config"
	"github.com/n7space/Remote-Target-Runner/internal/coverage"
)

type runOptions struct {
	sessionOptions
	coverageDir string
}

func NewRunCommand(log logr.Logger) *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Runs a test image on the target and saves the output of its serial ports",
		Long: `Runs a test image on the target and saves the output of its serial ports.

	The image is loaded through GDB and started from its reset handler. The command waits
	for the target to stop (halting it when the wait timeout expires), logs the backtrace
	and the registers, and saves the output of every serial port that is not linked
	to a pseudo-terminal.`,
		RunE: runTest(log, opts),
		Args: cobra.ExactArgs(1),
	}

	addSessionFlags(runCmd, &opts.sessionOptions)
	runCmd.Flags().StringVar(&opts.coverageDir, "coverage-dir", "", "If present, coverage data printed by the image is extracted from the console log into this folder, and removed from the log.")

	return runCmd
}

func runTest(log logr.Logger, opts *runOptions) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log := log.WithName("run")
		binary := args[0]

		s, err := newSession(opts.sessionOptions, cmd.OutOrStdout(), log)
		if err != nil {
			return err
		}

		finished, runErr := s.Run(cmd.Context(), binary, opts.lockWait)
		if runErr != nil {
			return runErr
		}

		if opts.coverageDir != "" {
			if err = collectCoverage(s.logs[config.SectionConsole], opts.coverageDir, log); err != nil {
				return err
			}
		}

		if !finished {
			return ErrTestUnfinished
		}
		return nil
	}
}

// Extracts coverage files from the console log, then strips the coverage data from the log in place.
func collectCoverage(consoleLog, dir string, log logr.Logger) error {
	written, err := coverage.ExtractCoverage(consoleLog, dir)
	if err != nil {
		return fmt.Errorf("could not extract coverage data: %w", err)
	}
	if err = coverage.StripCoverage(consoleLog, consoleLog); err != nil {
		return fmt.Errorf("could not remove coverage data from the console log: %w", err)
	}
	log.Info("coverage data extracted", "Folder", dir, "Files", len(written))
	return nil
}
