/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const defaultReadSize = 4

type readMemoryOptions struct {
	sessionOptions
	address string
	size    int
}

func NewReadMemoryCommand(log logr.Logger) *cobra.Command {
	opts := &readMemoryOptions{}

	readMemCmd := &cobra.Command{
		Use:   "read-mem [binary]",
		Short: "Reads target memory",
		Long: `Reads target memory and prints it in hexadecimal.

	If a test image is given, it is run to completion first, so that its results can be read.`,
		RunE: readMemory(log, opts),
		Args: cobra.MaximumNArgs(1),
	}

	addSessionFlags(readMemCmd, &opts.sessionOptions)
	readMemCmd.Flags().StringVarP(&opts.address, "address", "a", "", "Address to read from (decimal, or hexadecimal with 0x prefix).")
	readMemCmd.Flags().IntVarP(&opts.size, "size", "s", defaultReadSize, "Number of bytes to read.")
	_ = readMemCmd.MarkFlagRequired("address")

	return readMemCmd
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory address '%s'", s)
	}
	return addr, nil
}

func readMemory(log logr.Logger, opts *readMemoryOptions) func(cmd *cobra.Command, args []string) (err error) {
	return func(cmd *cobra.Command, args []string) (err error) {
		log := log.WithName("read-mem")

		addr, err := parseAddress(opts.address)
		if err != nil {
			return err
		}
		if opts.size <= 0 {
			return fmt.Errorf("invalid read size %d", opts.size)
		}

		s, err := newSession(opts.sessionOptions, cmd.OutOrStdout(), log)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err = s.acquire(ctx, opts.lockWait); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, s.Close())
		}()

		if len(args) == 1 {
			if err = s.StartOnGdb(ctx, args[0]); err != nil {
				return err
			}
			if _, err = s.WaitToFinishOnGdb(ctx); err != nil {
				return err
			}
		}

		log.Info("reading target memory", "Address", fmt.Sprintf("0x%08x", addr), "Size", opts.size)
		value, err := s.ReadMemory(ctx, addr, opts.size)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "0x%08x: %s\n", addr, hex.EncodeToString(value))
		return nil
	}
}
