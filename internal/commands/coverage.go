/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/n7space/Remote-Target-Runner/internal/coverage"
)

func NewCoverageCommand(log logr.Logger) *cobra.Command {
	coverageCmd := &cobra.Command{
		Use:   "coverage",
		Short: "Processes coverage data printed by test images",
	}

	coverageCmd.AddCommand(&cobra.Command{
		Use:   "strip <log> <output>",
		Short: "Copies a console log without the coverage data",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return coverage.StripCoverage(args[0], args[1])
		},
	})

	var outputDir string
	extractCmd := &cobra.Command{
		Use:   "extract <log>",
		Short: "Writes the coverage files found in a console log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := coverage.ExtractCoverage(args[0], outputDir)
			for _, path := range written {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			if err != nil {
				log.WithName("coverage").Error(err, "coverage extraction stopped", "Written", len(written))
			}
			return err
		},
	}
	extractCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "Folder to write the coverage files to (defaults to the current folder).")
	coverageCmd.AddCommand(extractCmd)

	return coverageCmd
}
