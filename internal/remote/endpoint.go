/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const DefaultSSHPort = 22

// Endpoint identifies a remote host reached over SSH.
type Endpoint struct {
	Host     string
	Port     int // Zero means "default for the use", see Address()
	User     string
	Password string
}

var errPartialCredentials = errors.New("user name and password must be provided together")

// ParseEndpoint builds an Endpoint from a "host[:port]" address and optional credentials.
func ParseEndpoint(address, user, password string) (Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Endpoint{}, errors.New("endpoint address is empty")
	}

	ep := Endpoint{Host: address, User: user, Password: password}

	if host, portStr, splitErr := net.SplitHostPort(address); splitErr == nil {
		port, portErr := strconv.ParseUint(portStr, 10, 16)
		if portErr != nil {
			return Endpoint{}, fmt.Errorf("invalid port in endpoint address '%s': %w", address, portErr)
		}
		ep.Host = host
		ep.Port = int(port)
	}

	if err := ep.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

func (ep Endpoint) Validate() error {
	if ep.Host == "" {
		return errors.New("endpoint host is empty")
	}
	if (ep.User == "") != (ep.Password == "") {
		return errPartialCredentials
	}
	return nil
}

// Address returns "host:port", substituting defaultPort when the endpoint does not specify one.
func (ep Endpoint) Address(defaultPort int) string {
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(ep.Host, strconv.Itoa(port))
}

// String never includes the password.
func (ep Endpoint) String() string {
	if ep.User == "" {
		return ep.Address(DefaultSSHPort)
	}
	return ep.User + "@" + ep.Address(DefaultSSHPort)
}
