// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TCPStub is a loopback TCP server that runs a handler for every accepted connection.
type TCPStub struct {
	listener net.Listener
	wg       sync.WaitGroup
	lock     sync.Mutex
	conns    []net.Conn
}

// StartTCPStub listens on a random loopback port. The stub is shut down when the test ends.
func StartTCPStub(t *testing.T, handler func(conn net.Conn)) *TCPStub {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stub := &TCPStub{listener: listener}
	stub.wg.Add(1)
	go func() {
		defer stub.wg.Done()
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			stub.lock.Lock()
			stub.conns = append(stub.conns, conn)
			stub.lock.Unlock()

			stub.wg.Add(1)
			go func() {
				defer stub.wg.Done()
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		stub.lock.Lock()
		for _, conn := range stub.conns {
			_ = conn.Close()
		}
		stub.lock.Unlock()
		stub.wg.Wait()
	})
	return stub
}

func (s *TCPStub) Port() int {
	_, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return port
}

// FreeTCPPort returns a loopback port that nothing is listening on at the time of the call.
func FreeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}
