/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

const (
	sshDialTimeout = 10 * time.Second
	ptyTerm        = "xterm"
	ptyRows        = 40
	ptyCols        = 200
)

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          0,
	ssh.TTY_OP_ISPEED: 115200,
	ssh.TTY_OP_OSPEED: 115200,
}

// SSHShell is a Shell backed by golang.org/x/crypto/ssh.
type SSHShell struct {
	client   *ssh.Client
	endpoint Endpoint
	log      logr.Logger

	lock    sync.Mutex
	streams map[*sshStream]struct{}
	closed  bool
}

var _ Shell = (*SSHShell)(nil)

// DialSSH connects to the endpoint using password authentication. Host keys are not verified:
// the target machines are lab hosts that get re-imaged routinely.
func DialSSH(ctx context.Context, ep Endpoint, log logr.Logger) (Shell, error) {
	if err := ep.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", hilerr.ErrConnection, err)
	}

	config := &ssh.ClientConfig{
		User: ep.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(ep.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = ep.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	addr := ep.Address(DefaultSSHPort)
	// The host may still be booting, so the TCP connection is retried. Handshake failures are not.
	dialer := net.Dialer{Timeout: sshDialTimeout}
	conn, dialErr := resiliency.RetryGetWithTimeout(ctx, sshDialTimeout, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", addr)
	})
	if dialErr != nil {
		return nil, fmt.Errorf("%w: could not reach %s: %w", hilerr.ErrConnection, addr, dialErr)
	}

	// The handshake does not take a context, so bound it with a deadline on the raw connection.
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(sshDialTimeout))
	}

	sshConn, chans, reqs, handshakeErr := ssh.NewClientConn(conn, addr, config)
	if handshakeErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: SSH handshake with %s failed: %w", hilerr.ErrConnection, addr, handshakeErr)
	}
	_ = conn.SetDeadline(time.Time{})

	log.V(1).Info("SSH connection established", "endpoint", ep.String())

	return &SSHShell{
		client:   ssh.NewClient(sshConn, chans, reqs),
		endpoint: ep,
		log:      log.WithValues("endpoint", ep.String()),
		streams:  make(map[*sshStream]struct{}),
	}, nil
}

func (s *SSHShell) newSession() (*ssh.Session, error) {
	s.lock.Lock()
	closed := s.closed
	s.lock.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: SSH connection to %s is closed", hilerr.ErrConnection, s.endpoint.String())
	}

	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: could not open SSH session: %w", hilerr.ErrConnection, err)
	}
	return session, nil
}

func (s *SSHShell) openStream(ctx context.Context, start func(*ssh.Session) error) (Stream, error) {
	session, err := s.newSession()
	if err != nil {
		return nil, err
	}

	stream := &sshStream{session: session, owner: s}
	stdin, stdinErr := session.StdinPipe()
	stdout, stdoutErr := session.StdoutPipe()
	stderr, stderrErr := session.StderrPipe()
	if pipeErr := errors.Join(stdinErr, stdoutErr, stderrErr); pipeErr != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: could not set up SSH session pipes: %w", hilerr.ErrConnection, pipeErr)
	}
	stream.stdin, stream.stdout, stream.stderr = stdin, stdout, stderr

	if ptyErr := session.RequestPty(ptyTerm, ptyRows, ptyCols, ptyModes); ptyErr != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: pseudo-terminal request failed: %w", hilerr.ErrConnection, ptyErr)
	}

	if ctx.Err() != nil {
		_ = session.Close()
		return nil, ctx.Err()
	}

	if startErr := start(session); startErr != nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: %w", hilerr.ErrConnection, startErr)
	}

	s.lock.Lock()
	s.streams[stream] = struct{}{}
	s.lock.Unlock()
	return stream, nil
}

func (s *SSHShell) Start(ctx context.Context, command string) (Stream, error) {
	s.log.V(1).Info("Starting remote command", "command", command)
	return s.openStream(ctx, func(session *ssh.Session) error {
		return session.Start(command)
	})
}

func (s *SSHShell) Interactive(ctx context.Context) (Stream, error) {
	s.log.V(1).Info("Opening interactive remote shell")
	return s.openStream(ctx, func(session *ssh.Session) error {
		return session.Shell()
	})
}

func (s *SSHShell) Output(ctx context.Context, command string) ([]byte, error) {
	session, err := s.newSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	s.log.V(1).Info("Running remote command", "command", command)
	out, runErr := session.Output(command)
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			// Non-zero exit status is reported to the caller together with whatever was printed.
			return out, fmt.Errorf("remote command '%s' failed: %w", command, runErr)
		}
		return out, fmt.Errorf("%w: remote command '%s' failed: %w", hilerr.ErrConnection, command, runErr)
	}
	return out, nil
}

func (s *SSHShell) Fetch(ctx context.Context, remotePath string, w io.Writer) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("%w: could not start SFTP subsystem: %w", hilerr.ErrConnection, err)
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	f, openErr := client.Open(remotePath)
	if openErr != nil {
		return fmt.Errorf("could not open remote file '%s': %w", remotePath, openErr)
	}
	defer f.Close()

	if _, copyErr := io.Copy(w, f); copyErr != nil {
		return fmt.Errorf("%w: could not copy remote file '%s': %w", hilerr.ErrIO, remotePath, copyErr)
	}
	return nil
}

func (s *SSHShell) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = nil
	s.lock.Unlock()

	var errs []error
	for stream := range streams {
		errs = append(errs, stream.closeSession())
	}
	if closeErr := s.client.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		errs = append(errs, closeErr)
	}

	s.log.V(1).Info("SSH connection closed")
	return errors.Join(errs...)
}

func (s *SSHShell) forget(stream *sshStream) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.streams, stream)
}

type sshStream struct {
	session *ssh.Session
	owner   *SSHShell
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
	once    sync.Once
	err     error
}

func (st *sshStream) Stdin() io.WriteCloser { return st.stdin }
func (st *sshStream) Stdout() io.Reader     { return st.stdout }
func (st *sshStream) Stderr() io.Reader     { return st.stderr }

func (st *sshStream) Close() error {
	st.owner.forget(st)
	return st.closeSession()
}

func (st *sshStream) closeSession() error {
	st.once.Do(func() {
		closeErr := st.session.Close()
		if closeErr != nil && !errors.Is(closeErr, io.EOF) {
			st.err = closeErr
		}
	})
	return st.err
}
