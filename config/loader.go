package config

// loader.go - configuration loading from a TOML file and environment
// variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. TOML file  (LoadFile)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"enrollgate/util"
)

// EnvConfigPath names the env var that points at the TOML file when
// --config is not given.
const EnvConfigPath = "ENROLLGATE_CONFIG"

// Load builds a Config from defaults, the TOML file at path (if any;
// falls back to $ENROLLGATE_CONFIG) and the environment.  The result
// is normalized but not validated, so CLI flags can still be applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(&cfg)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile decodes the TOML file at path over cfg.  Keys absent from
// the file keep their current value.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("parse config %s:%d:%d: %w", path, row, col, err)
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as TOML, for `enrollgate serve --print-config`.
func Marshal(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the ENROLLGATE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings or whole seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	// Service
	if v := os.Getenv("ENROLLGATE_LISTEN"); v != "" {
		cfg.Service.Listen = v
	}
	if v := os.Getenv("ENROLLGATE_LOCK_PATH"); v != "" {
		cfg.Service.LockPath = v
	}

	// Pool
	if v := envInt("ENROLLGATE_MAX_CONNECTIONS"); v > 0 {
		cfg.Pool.MaxConnections = v
	}
	envDuration("ENROLLGATE_ACQUIRE_WAIT", &cfg.Pool.AcquireWait)
	envDuration("ENROLLGATE_IDLE_TTL", &cfg.Pool.IdleTTL)
	envDuration("ENROLLGATE_PROBE_AFTER", &cfg.Pool.ProbeAfter)
	if v := envInt("ENROLLGATE_RETRY_ATTEMPTS"); v > 0 {
		cfg.Pool.RetryAttempts = v
	}
	envDuration("ENROLLGATE_RETRY_DELAY", &cfg.Pool.RetryDelay)
	if v, ok := os.LookupEnv("ENROLLGATE_BREAKER_FAILURES"); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Pool.BreakerFailures = n
		}
	}

	// Session
	envDuration("ENROLLGATE_MAX_DURATION", &cfg.Session.MaxDuration)
	envDuration("ENROLLGATE_POLL_INTERVAL", &cfg.Session.PollInterval)
	envDuration("ENROLLGATE_CANCEL_TIMEOUT", &cfg.Session.CancelTimeout)
	envDuration("ENROLLGATE_RETAIN_TERMINAL", &cfg.Session.RetainTerminal)

	// Device
	if v := envInt("ENROLLGATE_DEVICE_PORT"); v > 0 {
		cfg.Device.DefaultPort = v
	}
	envDuration("ENROLLGATE_DIAL_TIMEOUT", &cfg.Device.DialTimeout)
	envDuration("ENROLLGATE_COMMAND_TIMEOUT", &cfg.Device.CommandTimeout)
	if v := os.Getenv("ENROLLGATE_DEVICE_SECRET"); v != "" {
		cfg.Device.Secret = v
	}

	// Registry, archive, events
	if v := os.Getenv("ENROLLGATE_DB_DRIVER"); v != "" {
		cfg.Registry.Driver = v
	}
	if v := os.Getenv("ENROLLGATE_DB_DSN"); v != "" {
		cfg.Registry.DSN = v
	}
	if v := os.Getenv("ENROLLGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ENROLLGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ENROLLGATE_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("ENROLLGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ENROLLGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// SSH tunnel
	if v := os.Getenv("ENROLLGATE_TUNNEL"); v != "" {
		cfg.Tunnel.Spec = v
	}
	if v := os.Getenv("ENROLLGATE_SSH_KEY"); v != "" {
		cfg.Tunnel.KeyPath = v
	}
	if envBool("ENROLLGATE_SSH_PASSWORD") {
		cfg.Tunnel.Password = true
	}
	if envBool("ENROLLGATE_SSH_AGENT") {
		cfg.Tunnel.UseAgent = true
	}
	if envBool("ENROLLGATE_STRICT_HOSTKEY") {
		cfg.Tunnel.StrictHostKey = true
	}
	if v := os.Getenv("ENROLLGATE_KNOWN_HOSTS"); v != "" {
		cfg.Tunnel.KnownHostsPath = v
	}
	if v := envInt("ENROLLGATE_KEEP_ALIVE"); v > 0 {
		cfg.Tunnel.KeepAlive = v
	}

	// Output
	if v := envInt("ENROLLGATE_VERBOSE"); v > 0 {
		cfg.Log.Verbose = v
	}
	if v := os.Getenv("ENROLLGATE_LOG_LEVEL"); v != "" {
		if lvl, err := util.ParseLogLevel(v); err == nil {
			cfg.Log.Verbose = int(lvl)
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// envDuration leaves dst untouched when the variable is unset or does
// not parse.
func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var d Duration
	if err := d.UnmarshalText([]byte(v)); err != nil || d.D() <= 0 {
		return
	}
	*dst = d
}
