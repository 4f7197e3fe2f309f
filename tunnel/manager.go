package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/retry"
	"enrollgate/util"
)

// Manager keeps one bastion tunnel usable for the lifetime of the
// service.  The tunnel is connected lazily on the first Dial and
// re-established with backoff whenever it is found dead.
type Manager struct {
	tunnel  Tunnel
	logger  *util.Logger
	metrics *metrics.Collector
	backoff *retry.Backoff

	mu        sync.Mutex // serialises (re)connects
	connected bool       // at least one successful Connect
	stopped   bool
}

// NewManager returns a Manager for the given tunnel.  A nil backoff
// uses three attempts one second apart.
func NewManager(t Tunnel, b *retry.Backoff, m *metrics.Collector, logger *util.Logger) *Manager {
	if b == nil {
		b = retry.DefaultBackoff()
	}
	return &Manager{tunnel: t, logger: logger, metrics: m, backoff: b}
}

// Dial opens a connection to address through the bastion, connecting
// or reconnecting the tunnel first when needed.
func (m *Manager) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m.tunnel.Dial(ctx, network, address)
}

// ensure connects the tunnel if it is not alive.  Authentication and
// host key failures are not retried.
func (m *Manager) ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ncerr.E(ncerr.KindUnreachable, "tunnel", "", ErrNotConnected)
	}
	if m.tunnel.IsAlive() {
		return nil
	}
	if m.connected {
		m.logger.Info("SSH tunnel lost, reconnecting")
		m.metrics.TunnelReconnect()
	}

	start := time.Now()
	err := m.backoff.Do(ctx, func(attempt int) error {
		err := m.tunnel.Connect(ctx)
		if err != nil {
			m.logger.Verbose("tunnel connect attempt %d: %v", attempt, err)
			m.metrics.RecordError("tunnel: " + err.Error())
			if ncerr.IsFatal(err) {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	m.connected = true
	m.logger.Verbose("SSH tunnel up in %v", time.Since(start).Truncate(time.Millisecond))
	return nil
}

// Stop tears the tunnel down; later Dials fail.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return m.tunnel.Close()
}
