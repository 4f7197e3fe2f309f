package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "enrollgate/internal/errors"
	"enrollgate/util"
)

// ErrNotConnected is returned by Dial before Connect or after the
// bastion connection has dropped.
var ErrNotConnected = errors.New("ssh tunnel is not connected")

// SSHConfig holds everything needed to dial an SSH bastion.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
	KeepAlive     time.Duration // 0 disables keepalive requests

	// Password, when set, supplies the password instead of an
	// interactive prompt.  The manager sets it after prompting once so
	// reconnects do not prompt again.
	Password func() (string, error)
}

// Addr returns the bastion's host:port.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHTunnel implements [Tunnel] by opening an SSH connection and
// forwarding traffic with ssh.Client.Dial.
type SSHTunnel struct {
	config *SSHConfig
	client *ssh.Client
	logger *util.Logger
	mu     sync.RWMutex
	alive  bool
	stop   chan struct{}
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{config: cfg, logger: logger}
}

// Connect dials the bastion and completes the handshake.  Calling
// Connect on a live tunnel replaces the old connection.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	addr := t.config.Addr()

	authMethods, err := BuildAuthMethods(t.config)
	if err != nil {
		return ncerr.E(ncerr.KindRefused, "ssh auth", addr, err)
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return ncerr.E(ncerr.KindRefused, "ssh hostkey", addr, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	t.logger.Debug("SSH: dialing %s as %s", addr, t.config.User)

	// Use a context-aware TCP dial so callers can cancel.
	dialer := net.Dialer{Timeout: t.config.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ncerr.Wrap("ssh dial", addr, err)
	}

	// The handshake has no context parameter; bound it with a deadline.
	if dl, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(dl) //nolint:errcheck
	} else {
		tcpConn.SetDeadline(time.Now().Add(t.config.ConnTimeout)) //nolint:errcheck
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		return handshakeError(addr, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	stop := make(chan struct{})

	t.mu.Lock()
	old, oldStop := t.client, t.stop
	t.client = client
	t.alive = true
	t.stop = stop
	t.mu.Unlock()

	if old != nil {
		close(oldStop)
		old.Close()
	}

	go t.monitor(client)
	if t.config.KeepAlive > 0 {
		go t.keepaliveLoop(client, stop)
	}
	return nil
}

// handshakeError tags SSH handshake failures: rejected credentials or
// host keys will not be cured by retrying, anything else might.
func handshakeError(addr string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "host key") {
		return ncerr.E(ncerr.KindRefused, "ssh handshake", addr, err)
	}
	return ncerr.Wrap("ssh handshake", addr, err)
}

// Dial forwards a connection through the tunnel.  ssh.Client.Dial does
// not take a context, so cancellation abandons the pending dial and
// closes its result when it eventually arrives.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ncerr.E(ncerr.KindUnreachable, "tunnel dial", address, ErrNotConnected)
	}

	t.logger.Debug("tunnel: dialing %s %s", network, address)

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := client.Dial(network, address)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, tunnelDialError(address, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ncerr.E(ncerr.KindUnreachable, "tunnel dial", address, ctx.Err())
	}
}

// tunnelDialError maps a rejected direct-tcpip channel onto the same
// kinds a plain TCP dial would produce.
func tunnelDialError(address string, err error) error {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) && oce.Reason == ssh.ConnectionFailed &&
		strings.Contains(strings.ToLower(oce.Message), "refused") {
		return ncerr.E(ncerr.KindRefused, "tunnel dial", address, err)
	}
	return ncerr.E(ncerr.KindUnreachable, "tunnel dial", address, err)
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// monitor blocks until the SSH connection closes and flips the alive
// flag, unless the client has been replaced in the meantime.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	err := client.Wait()

	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Debug("SSH tunnel closed: %v", err)
	} else {
		t.logger.Debug("SSH tunnel closed")
	}
}

// keepaliveLoop sends periodic keepalive requests and closes the
// client when one fails, which lets monitor mark the tunnel dead.
func (t *SSHTunnel) keepaliveLoop(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn("SSH keepalive to %s failed: %v", t.config.Addr(), err)
				client.Close()
				return
			}
			t.logger.Debug("SSH keepalive OK")
		}
	}
}

// String is used in log lines.
func (t *SSHTunnel) String() string {
	return fmt.Sprintf("%s@%s", t.config.User, t.config.Addr())
}
