/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/n7space/Remote-Target-Runner/internal/commands"
	"github.com/n7space/Remote-Target-Runner/pkg/logger"
	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

const (
	errCommandError   = 1
	errTestUnfinished = 2
	errPanic          = 3
)

func main() {
	log := logger.New("hwrunner")
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), log.Logger); panicErr != nil {
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root := commands.NewRootCommand(log)
	err := root.ExecuteContext(ctx)
	stop()
	log.Flush()

	if errors.Is(err, commands.ErrTestUnfinished) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errTestUnfinished)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errCommandError)
	}
}
