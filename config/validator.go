package config

import (
	"net"
	"strings"

	ncerr "enrollgate/internal/errors"
)

// Validate checks that the configuration is internally consistent.  The
// first problem found is returned as a [*ncerr.ConfigError] carrying a
// hint for the operator.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Service.Listen); err != nil {
		return &ncerr.ConfigError{
			Field:   "service.listen",
			Value:   c.Service.Listen,
			Message: "not a host:port address",
			Hint:    "use e.g. 127.0.0.1:8480 or :8480",
		}
	}

	p := c.Pool
	if p.MaxConnections < 1 {
		return &ncerr.ConfigError{
			Field:   "pool.max_connections",
			Value:   p.MaxConnections,
			Message: "must be at least 1",
			Hint:    "the default is 10",
		}
	}
	if p.RetryAttempts < 1 {
		return &ncerr.ConfigError{
			Field:   "pool.retry_attempts",
			Value:   p.RetryAttempts,
			Message: "must be at least 1",
			Hint:    "1 means a single establishment attempt without retries",
		}
	}
	if p.RetryMultiplier < 1 {
		return &ncerr.ConfigError{
			Field:   "pool.retry_multiplier",
			Value:   p.RetryMultiplier,
			Message: "must be 1 (fixed delay) or greater",
		}
	}
	if p.BreakerFailures < 0 {
		return &ncerr.ConfigError{
			Field:   "pool.breaker_failures",
			Value:   p.BreakerFailures,
			Message: "must not be negative",
			Hint:    "set 0 to disable the circuit breaker",
		}
	}
	if p.MaxFailures < 1 {
		return &ncerr.ConfigError{
			Field:   "pool.max_failures",
			Value:   p.MaxFailures,
			Message: "must be at least 1",
		}
	}
	if p.ProbeAfter.D() > p.IdleTTL.D() {
		return &ncerr.ConfigError{
			Field:   "pool.probe_after",
			Value:   p.ProbeAfter,
			Message: "must not exceed pool.idle_ttl",
			Hint:    "connections idle longer than idle_ttl are evicted, never probed",
		}
	}

	for _, d := range []struct {
		field string
		val   Duration
	}{
		{"pool.acquire_wait", p.AcquireWait},
		{"pool.idle_ttl", p.IdleTTL},
		{"pool.retry_delay", p.RetryDelay},
		{"session.max_duration", c.Session.MaxDuration},
		{"session.poll_interval", c.Session.PollInterval},
		{"session.cancel_timeout", c.Session.CancelTimeout},
		{"device.dial_timeout", c.Device.DialTimeout},
		{"device.command_timeout", c.Device.CommandTimeout},
	} {
		if d.val.D() <= 0 {
			return &ncerr.ConfigError{
				Field:   d.field,
				Value:   d.val,
				Message: "must be a positive duration",
				Hint:    `write durations like "5s" or "1m30s"`,
			}
		}
	}
	if c.Session.PollInterval.D() >= c.Session.MaxDuration.D() {
		return &ncerr.ConfigError{
			Field:   "session.poll_interval",
			Value:   c.Session.PollInterval,
			Message: "must be shorter than session.max_duration",
			Hint:    "a session would time out before its first poll",
		}
	}
	if c.Device.CommandTimeout.D() > c.Session.MaxDuration.D() {
		return &ncerr.ConfigError{
			Field:   "device.command_timeout",
			Value:   c.Device.CommandTimeout,
			Message: "must not exceed session.max_duration",
		}
	}
	if c.Device.DefaultPort < 1 || c.Device.DefaultPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "device.default_port",
			Value:   c.Device.DefaultPort,
			Message: "port out of range 1-65535",
		}
	}

	switch strings.ToLower(c.Registry.Driver) {
	case "sqlite", "postgres":
	default:
		return &ncerr.ConfigError{
			Field:   "registry.driver",
			Value:   c.Registry.Driver,
			Message: "unsupported driver",
			Hint:    `use "sqlite" or "postgres"`,
		}
	}
	if c.Registry.DSN == "" {
		return &ncerr.ConfigError{
			Field:   "registry.dsn",
			Message: "is required",
			Hint:    "for sqlite this is a file path, for postgres a postgres:// URL",
		}
	}

	if c.Tunnel.Enabled() {
		if c.Tunnel.Host == "" {
			return &ncerr.ConfigError{
				Field:   "tunnel.spec",
				Value:   c.Tunnel.Spec,
				Message: "tunnel host is required",
				Hint:    "expected [user@]host[:port]",
			}
		}
		if c.Tunnel.KeyPath == "" && !c.Tunnel.Password && !c.Tunnel.UseAgent {
			return &ncerr.ConfigError{
				Field:   "tunnel",
				Message: "no SSH authentication method configured",
				Hint:    "set tunnel.key_path, tunnel.use_agent or tunnel.password",
			}
		}
	}

	if c.Log.Verbose < 0 || c.Log.Verbose > 3 {
		return &ncerr.ConfigError{
			Field:   "log.verbose",
			Value:   c.Log.Verbose,
			Message: "must be between 0 and 3",
		}
	}
	return nil
}
