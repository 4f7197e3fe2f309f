// Package config defines the runtime configuration for enrollgate and
// provides helpers for parsing device addresses and tunnel specs.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Config holds every tuneable for one enrollgate process.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Pool     PoolConfig     `toml:"pool"`
	Session  SessionConfig  `toml:"session"`
	Device   DeviceConfig   `toml:"device"`
	Registry RegistryConfig `toml:"registry"`
	Redis    RedisConfig    `toml:"redis"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Tunnel   TunnelConfig   `toml:"tunnel"`
	Log      LogConfig      `toml:"log"`
}

// ── Sections ─────────────────────────────────────────────────────────

// ServiceConfig controls the HTTP surface of `enrollgate serve`.
type ServiceConfig struct {
	Listen        string   `toml:"listen"`
	LockPath      string   `toml:"lock_path"`
	ShutdownGrace Duration `toml:"shutdown_grace"`
}

// PoolConfig tunes the device connection pool.
type PoolConfig struct {
	MaxConnections  int      `toml:"max_connections"`
	AcquireWait     Duration `toml:"acquire_wait"`
	IdleTTL         Duration `toml:"idle_ttl"`
	ProbeAfter      Duration `toml:"probe_after"`
	MaxFailures     int      `toml:"max_failures"`
	RetryAttempts   int      `toml:"retry_attempts"`
	RetryDelay      Duration `toml:"retry_delay"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	BreakerFailures int      `toml:"breaker_failures"` // 0 disables the breaker
	BreakerReset    Duration `toml:"breaker_reset"`
	ReapInterval    Duration `toml:"reap_interval"`
}

// SessionConfig tunes the enrollment session manager.
type SessionConfig struct {
	MaxDuration    Duration `toml:"max_duration"`
	PollInterval   Duration `toml:"poll_interval"`
	CancelTimeout  Duration `toml:"cancel_timeout"`
	RetainTerminal Duration `toml:"retain_terminal"`
	ReapInterval   Duration `toml:"reap_interval"`
}

// DeviceConfig holds per-terminal protocol settings.
type DeviceConfig struct {
	DefaultPort    int      `toml:"default_port"`
	DialTimeout    Duration `toml:"dial_timeout"`
	CommandTimeout Duration `toml:"command_timeout"`
	TestTimeout    Duration `toml:"test_timeout"`
	Secret         string   `toml:"secret"` // fallback when a device row has none
}

// RegistryConfig selects the SQL store for devices and students.
type RegistryConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	DSN    string `toml:"dsn"`
}

// RedisConfig enables the terminal session archive when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// MQTTConfig enables terminal session events when Broker is set.
type MQTTConfig struct {
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	TopicPrefix string `toml:"topic_prefix"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
}

// TunnelConfig routes device connections through an SSH bastion when
// Spec is set.
type TunnelConfig struct {
	Spec           string `toml:"spec"` // [user@]host[:port]
	KeyPath        string `toml:"key_path"`
	Password       bool   `toml:"password"` // prompt interactively
	UseAgent       bool   `toml:"use_agent"`
	StrictHostKey  bool   `toml:"strict_host_key"`
	KnownHostsPath string `toml:"known_hosts"`
	KeepAlive      int    `toml:"keep_alive"` // seconds

	// Filled by ParseTunnelSpec during Normalize.
	User string `toml:"-"`
	Host string `toml:"-"`
	Port int    `toml:"-"`
}

// Enabled reports whether device traffic goes through a bastion.
func (t TunnelConfig) Enabled() bool { return t.Spec != "" }

// LogConfig controls the levelled logger.
type LogConfig struct {
	Verbose    int  `toml:"verbose"`
	Timestamps bool `toml:"timestamps"`
}

// ── Duration ─────────────────────────────────────────────────────────

// Duration is a time.Duration that reads and writes as "5s", "1m30s"
// in TOML files.
type Duration time.Duration

// D returns the standard library value.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.  A bare integer is
// taken as seconds.
func (d *Duration) UnmarshalText(b []byte) error {
	s := string(b)
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.school.example:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// Normalize fills derived fields.  It is called by Load after every
// source has been applied.
func (c *Config) Normalize() error {
	if c.Tunnel.Enabled() {
		user, host, port, err := ParseTunnelSpec(c.Tunnel.Spec)
		if err != nil {
			return err
		}
		c.Tunnel.User, c.Tunnel.Host, c.Tunnel.Port = user, host, port
	}
	return nil
}
