package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source address.
type TCPDialer struct {
	Timeout   time.Duration
	KeepAlive time.Duration // 0 uses the net package default
	LocalAddr string        // optional source "ip" or "ip:port"
}

// Dial connects to address over TCP.  Failures are tagged with their
// error kind.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	if d.LocalAddr != "" {
		local := d.LocalAddr
		if _, _, err := net.SplitHostPort(local); err != nil {
			local = net.JoinHostPort(local, "0")
		}
		a, err := net.ResolveTCPAddr(network, local)
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, dialError(address, err)
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
