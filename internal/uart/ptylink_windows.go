//go:build windows

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package uart

import (
	"fmt"
	"net"

	"github.com/go-logr/logr"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
)

type ptyLink struct{}

func openPtyLink(symlink string, _ net.Conn, _ logr.Logger) (*ptyLink, error) {
	return nil, fmt.Errorf("%w: virtual terminals (%s) are not supported on Windows", hilerr.ErrProtocol, symlink)
}

func (l *ptyLink) Close() error {
	return nil
}
