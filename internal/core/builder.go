package core

import (
	"fmt"
	"io"
	"os"
	"time"

	"enrollgate/config"
	"enrollgate/internal/device"
	"enrollgate/internal/device/simulator"
	"enrollgate/internal/metrics"
	"enrollgate/internal/pool"
	"enrollgate/internal/retry"
	"enrollgate/internal/session"
	"enrollgate/internal/transport"
	"enrollgate/tunnel"
	"enrollgate/util"
)

// BuildServe assembles the enrollment service.  Nothing is opened
// until Run.
func BuildServe(cfg *config.Config, logger *util.Logger) (*ServeMode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ServeMode{Config: cfg, Metrics: metrics.New(), Logger: logger}, nil
}

// BuildProbe assembles a connection test against targets, each
// "host[:port]".  Bare hosts take the configured device port.
func BuildProbe(cfg *config.Config, targets []string, secret string, asJSON bool, logger *util.Logger) (*ProbeMode, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("no devices specified for probing")
	}
	if secret == "" {
		secret = cfg.Device.Secret
	}
	ids := make([]device.Identity, 0, len(targets))
	for _, t := range targets {
		host, port, err := util.SplitAddr(t, cfg.Device.DefaultPort)
		if err != nil {
			return nil, err
		}
		id := device.Identity{Address: host, Port: port, Secret: secret}
		if err := id.Validate(); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	m := metrics.New()
	dialer, err := BuildDialer(cfg, m, logger)
	if err != nil {
		return nil, err
	}
	return &ProbeMode{
		Dialer:  dialer,
		Opener:  BuildOpener(cfg, dialer, m, logger),
		Targets: ids,
		Timeout: cfg.Device.TestTimeout.D(),
		JSON:    asJSON,
		Out:     os.Stdout,
		Logger:  logger,
	}, nil
}

// BuildSimulate assembles a simulated terminal listening on addr.
func BuildSimulate(addr string, sim simulator.Config, logger *util.Logger) (*SimulateMode, error) {
	if addr == "" {
		return nil, fmt.Errorf("simulator listen address is required")
	}
	if sim.Outcome != "" {
		switch sim.Outcome {
		case device.CaptureCaptured, device.CaptureRejected, device.CaptureFault:
		default:
			return nil, fmt.Errorf("unknown capture outcome %q", sim.Outcome)
		}
	}
	if sim.PollsToResult < 0 {
		return nil, fmt.Errorf("polls must not be negative")
	}
	return &SimulateMode{Address: addr, Config: sim, Logger: logger}, nil
}

// ── component builders ───────────────────────────────────────────────

// BuildDialer returns a direct TCP dialer, or one that routes through
// the configured SSH bastion.
func BuildDialer(cfg *config.Config, m *metrics.Collector, logger *util.Logger) (transport.Dialer, error) {
	if !cfg.Tunnel.Enabled() {
		return &transport.TCPDialer{
			Timeout:   cfg.Device.DialTimeout.D(),
			KeepAlive: 30 * time.Second,
		}, nil
	}

	t := cfg.Tunnel
	sshCfg := &tunnel.SSHConfig{
		User:          t.User,
		Host:          t.Host,
		Port:          t.Port,
		KeyPath:       t.KeyPath,
		PromptPass:    t.Password,
		UseAgent:      t.UseAgent,
		StrictHostKey: t.StrictHostKey,
		KnownHosts:    t.KnownHostsPath,
		ConnTimeout:   cfg.Device.DialTimeout.D(),
		KeepAlive:     time.Duration(t.KeepAlive) * time.Second,
	}
	// Prompt now, before the service detaches from the terminal.
	if err := tunnel.CachePassword(sshCfg); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	return transport.NewSSHDialer(sshCfg, retry.DefaultBackoff(), m, logger.Named("tunnel")), nil
}

// BuildOpener returns the authenticated device opener used by the pool
// and by connection tests.
func BuildOpener(cfg *config.Config, d transport.Dialer, m *metrics.Collector, logger *util.Logger) *device.DialOpener {
	return &device.DialOpener{
		Dialer:         d,
		DialTimeout:    cfg.Device.DialTimeout.D(),
		CommandTimeout: cfg.Device.CommandTimeout.D(),
		Metrics:        m,
		Logger:         logger.Named("device"),
	}
}

// PoolOptions maps the [pool] section onto pool options.
func PoolOptions(cfg *config.Config, m *metrics.Collector, logger *util.Logger) pool.Options {
	p := cfg.Pool
	return pool.Options{
		MaxConns: p.MaxConnections,
		Health: pool.HealthPolicy{
			IdleTTL:     p.IdleTTL.D(),
			ProbeAfter:  p.ProbeAfter.D(),
			MaxFailures: p.MaxFailures,
		},
		Attempts:        p.RetryAttempts,
		RetryDelay:      p.RetryDelay.D(),
		Multiplier:      p.RetryMultiplier,
		BreakerFailures: p.BreakerFailures,
		BreakerReset:    p.BreakerReset.D(),
		ProbeTimeout:    cfg.Device.CommandTimeout.D(),
		ReapInterval:    p.ReapInterval.D(),
		Metrics:         m,
		Logger:          logger,
	}
}

// SessionOptions maps the [session] section onto manager options.
// Hooks are left for the caller.
func SessionOptions(cfg *config.Config, m *metrics.Collector, logger *util.Logger) session.Options {
	s := cfg.Session
	return session.Options{
		AcquireWait:    cfg.Pool.AcquireWait.D(),
		MaxDuration:    s.MaxDuration.D(),
		PollInterval:   s.PollInterval.D(),
		CancelTimeout:  s.CancelTimeout.D(),
		RetainTerminal: s.RetainTerminal.D(),
		ReapInterval:   s.ReapInterval.D(),
		Metrics:        m,
		Logger:         logger,
	}
}

func closeQuietly(c io.Closer, what string, logger *util.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("closing %s: %v", what, err)
	}
}
