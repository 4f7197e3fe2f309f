package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultDevicePort is the port fingerprint terminals listen on.
	DefaultDevicePort = 4370

	// DefaultListen is the HTTP bind address for serve mode.
	DefaultListen = "127.0.0.1:8480"

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultMaxConnections bounds the live device connections.
	DefaultMaxConnections = 10

	// DefaultAcquireWait bounds how long Acquire may wait for a slot,
	// for the identity, and for establishment retries combined.
	DefaultAcquireWait = 5 * time.Second

	// DefaultIdleTTL evicts connections unused for this long.
	DefaultIdleTTL = 5 * time.Minute

	// DefaultProbeAfter triggers a status probe before reusing a
	// connection idle for longer than this.
	DefaultProbeAfter = 30 * time.Second

	// DefaultMaxFailures evicts a connection after this many
	// consecutive failed leases.
	DefaultMaxFailures = 3

	// DefaultRetryAttempts is the establishment retry budget.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the wait between establishment attempts.
	DefaultRetryDelay = 1 * time.Second

	// DefaultBreakerFailures opens an identity's circuit after this many
	// consecutive failed establishments.
	DefaultBreakerFailures = 5

	// DefaultBreakerReset is how long an open circuit rejects acquires.
	DefaultBreakerReset = 30 * time.Second

	// DefaultPoolReapInterval is how often idle connections are checked.
	DefaultPoolReapInterval = 30 * time.Second

	// DefaultMaxDuration bounds a whole enrollment session.
	DefaultMaxDuration = 30 * time.Second

	// DefaultPollInterval is the capture poll period.
	DefaultPollInterval = 1 * time.Second

	// DefaultCancelTimeout bounds the best-effort device cancel.
	DefaultCancelTimeout = 2 * time.Second

	// DefaultRetainTerminal keeps finished sessions queryable in memory.
	DefaultRetainTerminal = 15 * time.Minute

	// DefaultSessionReapInterval is how often finished sessions are
	// dropped.
	DefaultSessionReapInterval = time.Minute

	// DefaultDialTimeout is the TCP/SSH connection timeout.
	DefaultDialTimeout = 5 * time.Second

	// DefaultCommandTimeout bounds a single device request/reply.
	DefaultCommandTimeout = 5 * time.Second

	// DefaultTestTimeout bounds the connection test utility.
	DefaultTestTimeout = 5 * time.Second

	// DefaultGracePeriod is how long shutdown waits for sessions.
	DefaultGracePeriod = 5 * time.Second

	// DefaultRegistryDriver and DefaultRegistryDSN select the embedded
	// SQLite store.
	DefaultRegistryDriver = "sqlite"
	DefaultRegistryDSN    = "enrollgate.db"

	// DefaultRedisPrefix namespaces archived session keys.
	DefaultRedisPrefix = "enrollgate"

	// DefaultMQTTTopicPrefix namespaces session event topics.
	DefaultMQTTTopicPrefix = "enrollgate"
)

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Listen:        DefaultListen,
			ShutdownGrace: Duration(DefaultGracePeriod),
		},
		Pool: PoolConfig{
			MaxConnections:  DefaultMaxConnections,
			AcquireWait:     Duration(DefaultAcquireWait),
			IdleTTL:         Duration(DefaultIdleTTL),
			ProbeAfter:      Duration(DefaultProbeAfter),
			MaxFailures:     DefaultMaxFailures,
			RetryAttempts:   DefaultRetryAttempts,
			RetryDelay:      Duration(DefaultRetryDelay),
			RetryMultiplier: 1,
			BreakerFailures: DefaultBreakerFailures,
			BreakerReset:    Duration(DefaultBreakerReset),
			ReapInterval:    Duration(DefaultPoolReapInterval),
		},
		Session: SessionConfig{
			MaxDuration:    Duration(DefaultMaxDuration),
			PollInterval:   Duration(DefaultPollInterval),
			CancelTimeout:  Duration(DefaultCancelTimeout),
			RetainTerminal: Duration(DefaultRetainTerminal),
			ReapInterval:   Duration(DefaultSessionReapInterval),
		},
		Device: DeviceConfig{
			DefaultPort:    DefaultDevicePort,
			DialTimeout:    Duration(DefaultDialTimeout),
			CommandTimeout: Duration(DefaultCommandTimeout),
			TestTimeout:    Duration(DefaultTestTimeout),
		},
		Registry: RegistryConfig{
			Driver: DefaultRegistryDriver,
			DSN:    DefaultRegistryDSN,
		},
		Redis: RedisConfig{Prefix: DefaultRedisPrefix},
		MQTT:  MQTTConfig{TopicPrefix: DefaultMQTTTopicPrefix},
		Tunnel: TunnelConfig{
			KeepAlive: DefaultKeepAliveInterval,
		},
		Log: LogConfig{Verbose: 1},
	}
}
