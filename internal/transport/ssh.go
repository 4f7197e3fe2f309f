package transport

import (
	"context"
	"net"

	"enrollgate/internal/metrics"
	"enrollgate/internal/retry"
	"enrollgate/tunnel"
	"enrollgate/util"
)

// SSHDialer routes device connections through an SSH bastion.  The
// tunnel is connected lazily on the first Dial, re-established when it
// drops, and torn down on Close.
type SSHDialer struct {
	manager *tunnel.Manager
	config  *tunnel.SSHConfig
	logger  *util.Logger
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, b *retry.Backoff, m *metrics.Collector, logger *util.Logger) *SSHDialer {
	t := tunnel.NewSSHTunnel(cfg, logger)
	return &SSHDialer{
		manager: tunnel.NewManager(t, b, m, logger),
		config:  cfg,
		logger:  logger,
	}
}

// Dial connects to address through the bastion.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.manager.Dial(ctx, network, address)
	if err != nil {
		return nil, dialError(address, err)
	}
	return conn, nil
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.logger.Verbose("closing SSH tunnel to %s", d.config.Addr())
	return d.manager.Stop()
}
