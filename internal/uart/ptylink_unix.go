//go:build !windows

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package uart

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/go-logr/logr"
	"golang.org/x/term"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

const pumpJoinTimeout = 1 * time.Second

// ptyLink connects a relay socket to a local pseudo-terminal, so that terminal programs
// can talk to the remote serial device as if it was attached locally.
type ptyLink struct {
	ptmx    *os.File
	tty     *os.File
	conn    net.Conn
	symlink string
	log     logr.Logger

	pumps     sync.WaitGroup
	closeOnce sync.Once
}

func openPtyLink(symlink string, conn net.Conn, log logr.Logger) (*ptyLink, error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: could not open a pseudo-terminal: %w", hilerr.ErrIO, err)
	}

	// The link carries raw serial traffic: no echo, no line discipline.
	if _, rawErr := term.MakeRaw(int(tty.Fd())); rawErr != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("%w: could not switch the pseudo-terminal to raw mode: %w", hilerr.ErrIO, rawErr)
	}

	if linkErr := replaceSymlink(tty.Name(), symlink); linkErr != nil {
		_ = ptmx.Close()
		_ = tty.Close()
		return nil, linkErr
	}

	l := &ptyLink{
		ptmx:    ptmx,
		tty:     tty,
		conn:    conn,
		symlink: symlink,
		log:     log.WithValues("Terminal", tty.Name()),
	}

	l.pumps.Add(2)
	go l.pump("relay->terminal", ptmx, conn)
	go l.pump("terminal->relay", conn, ptmx)

	return l, nil
}

// Points the symlink at target. An existing symlink is replaced, any other existing file is an error.
func replaceSymlink(target, symlink string) error {
	if fi, statErr := os.Lstat(symlink); statErr == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%w: '%s' exists and is not a symbolic link", hilerr.ErrProtocol, symlink)
		}
		if removeErr := os.Remove(symlink); removeErr != nil {
			return fmt.Errorf("%w: could not remove stale link '%s': %w", hilerr.ErrIO, symlink, removeErr)
		}
	}

	if err := os.Symlink(target, symlink); err != nil {
		return fmt.Errorf("%w: could not link '%s' to '%s': %w", hilerr.ErrIO, symlink, target, err)
	}
	return nil
}

func (l *ptyLink) pump(direction string, dst io.Writer, src io.Reader) {
	defer l.pumps.Done()

	n, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
		l.log.V(1).Info("terminal link pump ended", "Direction", direction, "Bytes", n, "Error", err.Error())
		return
	}
	l.log.V(1).Info("terminal link pump ended", "Direction", direction, "Bytes", n)
}

func (l *ptyLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = errors.Join(
			ignoreClosed(l.conn.Close()),
			ignoreClosed(l.ptmx.Close()),
			ignoreClosed(l.tty.Close()),
		)

		if removeErr := os.Remove(l.symlink); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			err = errors.Join(err, removeErr)
		}

		done := make(chan struct{})
		go func() {
			l.pumps.Wait()
			close(done)
		}()
		if !resiliency.WaitWithTimeout(done, pumpJoinTimeout) {
			l.log.V(1).Info("terminal link pumps did not stop in time")
		}
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
