/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package uart captures the output of a target serial port attached to a remote host.
// A relay (socat) on the remote host exposes the device on a TCP port; the Bridge
// either reads that port directly or links it to a local pseudo-terminal.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/n7space/Remote-Target-Runner/internal/hilerr"
	"github.com/n7space/Remote-Target-Runner/internal/remote"
	"github.com/n7space/Remote-Target-Runner/pkg/osutil"
	"github.com/n7space/Remote-Target-Runner/pkg/resiliency"
)

const (
	DefaultRelayLogPrefix = "socat"
	DefaultConnectTimeout = 10 * time.Second
	DefaultDrainIdle      = 1 * time.Second
	DefaultSettleDelay    = 500 * time.Millisecond

	// Read size that matches what the relay typically delivers in one go.
	OptimalReadSize = 4096

	resetReadSize = 8 * 1024

	// Receive() with no timeout waits in slices of this length.
	blockingReadSlice = 1 * time.Second

	// Time the relay gets to act on Ctrl-C before it is torn down.
	interruptGrace = 500 * time.Millisecond

	relayCommandTimeout = 10 * time.Second
	relayExitTimeout    = 5 * time.Second
	relayLogTimeout     = 30 * time.Second
	relayExitPollPeriod = 100 * time.Millisecond

	ctrlC = "\x03"
)

type Config struct {
	// Name used in logs, for example "console".
	Name string

	// Host the serial device is attached to. The relay TCP port is opened on the same host.
	Endpoint remote.Endpoint

	Device string
	Baud   int
	Parity Parity

	// TCP port the relay listens on.
	Port int

	// If set, the relay is linked to a local pseudo-terminal that is symlinked at this path,
	// instead of being read through Receive().
	VirtualTerminal string

	// In verbose mode the relay logs the traffic and the relay log is fetched into LogDir on Close().
	Verbose        bool
	RelayLogPrefix string
	LogDir         string

	ConnectTimeout time.Duration
	DrainIdle      time.Duration

	// Time the relay gets to start listening before the first connection attempt.
	SettleDelay time.Duration
}

// Bridge manages one remote serial relay and the local end of it.
// It is not safe for concurrent use.
type Bridge struct {
	cfg  Config
	log  logr.Logger
	dial remote.Dialer

	shell remote.Shell
	relay remote.Stream
	conn  net.Conn
	link  *ptyLink
}

type BridgeOption func(*Bridge)

// WithDialer replaces the SSH dialer used to reach the relay host.
func WithDialer(dial remote.Dialer) BridgeOption {
	return func(b *Bridge) {
		b.dial = dial
	}
}

func NewBridge(cfg Config, log logr.Logger, opts ...BridgeOption) *Bridge {
	if cfg.RelayLogPrefix == "" {
		cfg.RelayLogPrefix = DefaultRelayLogPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.DrainIdle <= 0 {
		cfg.DrainIdle = DefaultDrainIdle
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Parity == "" {
		cfg.Parity = ParityNone
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Device
	}

	b := &Bridge{
		cfg:  cfg,
		log:  log.WithName("uart").WithValues("Bridge", name, "Device", cfg.Device),
		dial: remote.DialSSH,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) IsOpen() bool {
	return b.shell != nil
}

// RedirectsToPty returns true if the relay is linked to a local pseudo-terminal.
func (b *Bridge) RedirectsToPty() bool {
	return b.cfg.VirtualTerminal != ""
}

func (b *Bridge) OptimalReadSize() int {
	return OptimalReadSize
}

// RelayLogName returns the name of the relay log file on the remote host.
func (b *Bridge) RelayLogName() string {
	return fmt.Sprintf("%s_%s_gdb.log", b.cfg.RelayLogPrefix, strings.ReplaceAll(b.cfg.Device, "/", ""))
}

func (b *Bridge) sttyCommand(parityFlags string) string {
	return fmt.Sprintf("stty -F %s %d cs8 -cstopb -crtscts %s", b.cfg.Device, b.cfg.Baud, parityFlags)
}

func (b *Bridge) relayCommand() string {
	var sb strings.Builder
	sb.WriteString("socat ")
	if b.cfg.Verbose {
		sb.WriteString("-x ")
	}
	fmt.Fprintf(&sb, "tcp-l:%d,reuseaddr,fork %s,raw,echo=0,b%d &> %s", b.cfg.Port, b.cfg.Device, b.cfg.Baud, b.RelayLogName())
	return sb.String()
}

// Open starts the remote relay and connects to it. Does nothing if the bridge is already open.
func (b *Bridge) Open(ctx context.Context) error {
	if b.IsOpen() {
		return nil
	}

	parityFlags, parityErr := b.cfg.Parity.sttyFlags()
	if parityErr != nil {
		return parityErr
	}
	if b.cfg.Device == "" {
		return fmt.Errorf("%w: serial device is not specified", hilerr.ErrProtocol)
	}
	if b.cfg.Port <= 0 || b.cfg.Port > 65535 {
		return fmt.Errorf("%w: invalid relay port %d", hilerr.ErrProtocol, b.cfg.Port)
	}
	if b.cfg.Baud <= 0 {
		return fmt.Errorf("%w: invalid baud rate %d", hilerr.ErrProtocol, b.cfg.Baud)
	}

	sh, dialErr := b.dial(ctx, b.cfg.Endpoint, b.log)
	if dialErr != nil {
		if !errors.Is(dialErr, hilerr.ErrConnection) {
			dialErr = fmt.Errorf("%w: %w", hilerr.ErrConnection, dialErr)
		}
		return dialErr
	}

	existing, findErr := remote.FindProcesses(ctx, sh, "socat", b.cfg.Device)
	if findErr != nil {
		_ = sh.Close()
		return fmt.Errorf("%w: %w", hilerr.ErrConnection, findErr)
	}
	if len(existing) > 0 {
		_ = sh.Close()
		return fmt.Errorf("%w: a relay for %s is already running on %s (PID %d)", hilerr.ErrAlreadyRunning, b.cfg.Device, b.cfg.Endpoint.Host, existing[0].Pid)
	}

	b.shell = sh
	if err := b.startRelay(ctx, parityFlags); err != nil {
		_ = b.teardown()
		return err
	}

	conn, connectErr := b.connect(ctx)
	if connectErr != nil {
		b.interruptRelay()
		_ = b.teardown()
		return connectErr
	}

	if b.RedirectsToPty() {
		link, linkErr := openPtyLink(b.cfg.VirtualTerminal, conn, b.log)
		if linkErr != nil {
			_ = conn.Close()
			_ = b.teardown()
			return linkErr
		}
		b.link = link
		b.log.Info("serial relay linked to virtual terminal", "Path", b.cfg.VirtualTerminal)
	} else {
		b.conn = conn
		b.log.Info("serial relay connected", "Address", conn.RemoteAddr().String())
	}

	return nil
}

func (b *Bridge) startRelay(ctx context.Context, parityFlags string) error {
	relay, err := b.shell.Interactive(ctx)
	if err != nil {
		return fmt.Errorf("%w: could not open relay shell: %w", hilerr.ErrConnection, err)
	}
	b.relay = relay

	for _, cmd := range []string{b.sttyCommand(parityFlags), b.relayCommand()} {
		b.log.V(1).Info("starting relay", "Command", cmd)
		if _, writeErr := io.WriteString(relay.Stdin(), cmd+"\n"); writeErr != nil {
			return fmt.Errorf("%w: could not start the relay: %w", hilerr.ErrConnection, writeErr)
		}
	}

	if b.cfg.SettleDelay > 0 {
		timer := time.NewTimer(b.cfg.SettleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bridge) connect(ctx context.Context) (net.Conn, error) {
	address := b.Address()
	b.log.V(1).Info("connecting to relay", "Address", address)

	conn, err := resiliency.RetryGetWithTimeout(ctx, b.cfg.ConnectTimeout, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: could not connect to the relay at %s: %w", hilerr.ErrConnection, address, err)
	}
	return conn, nil
}

// Sends Ctrl-C to the relay shell and gives the relay a moment to exit.
func (b *Bridge) interruptRelay() {
	if b.relay == nil {
		return
	}
	if _, err := io.WriteString(b.relay.Stdin(), ctrlC); err != nil {
		b.log.V(1).Info("could not interrupt the relay", "Error", err.Error())
		return
	}
	time.Sleep(interruptGrace)
}

// Kills any relay for our device and closes the remote sessions.
func (b *Bridge) teardown() error {
	if b.shell == nil {
		return nil
	}

	killErr := b.killRelays()

	var relayErr error
	if b.relay != nil {
		relayErr = b.relay.Close()
		b.relay = nil
	}
	shellErr := b.shell.Close()
	b.shell = nil

	return errors.Join(killErr, relayErr, shellErr)
}

func (b *Bridge) killRelays() error {
	ctx, cancel := context.WithTimeout(context.Background(), relayCommandTimeout)
	defer cancel()

	relays, findErr := remote.FindProcesses(ctx, b.shell, "socat", b.cfg.Device)
	if findErr != nil {
		return findErr
	}
	for _, r := range relays {
		b.log.V(1).Info("stopping relay", "PID", r.Pid)
		if killErr := remote.Kill(ctx, b.shell, r.Pid, ""); killErr != nil {
			b.log.V(1).Info("could not kill relay", "PID", r.Pid, "Error", killErr.Error())
		}
	}
	if len(relays) == 0 {
		return nil
	}

	waitErr := wait.PollUntilContextTimeout(ctx, relayExitPollPeriod, relayExitTimeout, true, func(pollCtx context.Context) (bool, error) {
		remaining, err := remote.FindProcesses(pollCtx, b.shell, "socat", b.cfg.Device)
		if err != nil {
			return false, err
		}
		return len(remaining) == 0, nil
	})
	if waitErr != nil {
		return fmt.Errorf("%w: relay for %s did not stop: %w", hilerr.ErrTimeout, b.cfg.Device, waitErr)
	}
	return nil
}

// Receive reads up to maxlen bytes from the relay.
// With a positive timeout it returns whatever arrived within the timeout, possibly nothing.
// Otherwise it blocks until some data arrives. Read failures are logged and reported as no data.
func (b *Bridge) Receive(maxlen int, timeout time.Duration) ([]byte, error) {
	if b.conn == nil {
		if b.link != nil {
			return nil, fmt.Errorf("%w: relay for %s is redirected to %s", hilerr.ErrNotOpen, b.cfg.Device, b.cfg.VirtualTerminal)
		}
		return nil, fmt.Errorf("%w: relay for %s is not connected", hilerr.ErrNotOpen, b.cfg.Device)
	}
	if maxlen <= 0 {
		return []byte{}, nil
	}

	buf := make([]byte, maxlen)
	for {
		slice := timeout
		if timeout <= 0 {
			slice = blockingReadSlice
		}
		if err := b.conn.SetReadDeadline(time.Now().Add(slice)); err != nil {
			b.log.V(1).Info("could not set read deadline", "Error", err.Error())
			return []byte{}, nil
		}

		n, err := b.conn.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, os.ErrDeadlineExceeded):
			if timeout > 0 {
				return []byte{}, nil
			}
		default:
			if !errors.Is(err, io.EOF) {
				b.log.V(1).Info("reading from relay failed", "Error", err.Error())
			}
			return []byte{}, nil
		}
	}
}

// Reset discards everything the relay has buffered.
// Nothing is buffered locally when the relay is linked to a pseudo-terminal, so Reset does nothing then.
func (b *Bridge) Reset() error {
	if b.link != nil {
		return nil
	}
	for {
		data, err := b.Receive(resetReadSize, b.cfg.DrainIdle)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// Drain copies relay output into w until the relay stays silent for the drain idle time,
// or the context is done. Returns the number of bytes written; on context expiry the bytes
// written so far are kept and the context error is returned.
func (b *Bridge) Drain(ctx context.Context, w io.Writer) (int64, error) {
	var written int64

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}

		data, err := b.Receive(OptimalReadSize, b.cfg.DrainIdle)
		if err != nil {
			return written, err
		}
		if len(data) == 0 {
			return written, nil
		}

		n, writeErr := w.Write(data)
		written += int64(n)
		if writeErr != nil {
			return written, fmt.Errorf("%w: could not write relay output: %w", hilerr.ErrIO, writeErr)
		}
	}
}

// Send writes data to the serial device through the relay.
func (b *Bridge) Send(data []byte) error {
	if b.conn == nil {
		return fmt.Errorf("%w: relay for %s is not connected", hilerr.ErrNotOpen, b.cfg.Device)
	}
	if _, err := b.conn.Write(data); err != nil {
		return fmt.Errorf("%w: could not write to the relay: %w", hilerr.ErrIO, err)
	}
	return nil
}

// Close disconnects from the relay and stops it. Does nothing if the bridge is not open.
func (b *Bridge) Close() error {
	if !b.IsOpen() {
		return nil
	}

	var errs []error
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		b.conn = nil
	}
	if b.link != nil {
		if err := b.link.Close(); err != nil {
			errs = append(errs, err)
		}
		b.link = nil
	}

	if b.cfg.Verbose && b.cfg.LogDir != "" {
		b.fetchRelayLog()
	}

	if err := b.teardown(); err != nil {
		errs = append(errs, err)
	}

	b.log.V(1).Info("serial relay closed")
	return errors.Join(errs...)
}

func (b *Bridge) fetchRelayLog() {
	ctx, cancel := context.WithTimeout(context.Background(), relayLogTimeout)
	defer cancel()

	if err := os.MkdirAll(b.cfg.LogDir, osutil.PermissionOwnerAllOthersReadTraverse); err != nil {
		b.log.Error(err, "could not create relay log folder", "Folder", b.cfg.LogDir)
		return
	}

	localPath := filepath.Join(b.cfg.LogDir, b.RelayLogName())
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, osutil.PermissionOwnerReadWriteOthersRead)
	if err != nil {
		b.log.Error(err, "could not create relay log file", "Path", localPath)
		return
	}
	defer f.Close()

	if fetchErr := b.shell.Fetch(ctx, b.RelayLogName(), f); fetchErr != nil {
		b.log.Error(fetchErr, "could not fetch relay log", "RemotePath", b.RelayLogName())
		return
	}
	b.log.V(1).Info("relay log saved", "Path", localPath)
}

// Address returns "host:port" of the relay.
func (b *Bridge) Address() string {
	return net.JoinHostPort(b.cfg.Endpoint.Host, strconv.Itoa(b.cfg.Port))
}
