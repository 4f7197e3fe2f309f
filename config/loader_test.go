package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnv_Service(t *testing.T) {
	t.Setenv("ENROLLGATE_LISTEN", ":9000")
	t.Setenv("ENROLLGATE_MAX_CONNECTIONS", "4")
	cfg := Default()
	LoadFromEnv(&cfg)
	if cfg.Service.Listen != ":9000" {
		t.Errorf("Listen = %q, want %q", cfg.Service.Listen, ":9000")
	}
	if cfg.Pool.MaxConnections != 4 {
		t.Errorf("MaxConnections = %d, want 4", cfg.Pool.MaxConnections)
	}
}

func TestLoadFromEnv_Durations(t *testing.T) {
	tests := []struct {
		key  string
		val  string
		get  func(*Config) Duration
		want time.Duration
	}{
		{"ENROLLGATE_ACQUIRE_WAIT", "2s", func(c *Config) Duration { return c.Pool.AcquireWait }, 2 * time.Second},
		{"ENROLLGATE_POLL_INTERVAL", "250ms", func(c *Config) Duration { return c.Session.PollInterval }, 250 * time.Millisecond},
		{"ENROLLGATE_MAX_DURATION", "60", func(c *Config) Duration { return c.Session.MaxDuration }, time.Minute},
		// Invalid values are ignored.
		{"ENROLLGATE_COMMAND_TIMEOUT", "later", func(c *Config) Duration { return c.Device.CommandTimeout }, DefaultCommandTimeout},
		{"ENROLLGATE_DIAL_TIMEOUT", "-1s", func(c *Config) Duration { return c.Device.DialTimeout }, DefaultDialTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			cfg := Default()
			LoadFromEnv(&cfg)
			if got := tt.get(&cfg).D(); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadFromEnv_Booleans(t *testing.T) {
	for _, v := range []string{"1", "true", "yes", "TRUE", "Yes"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("ENROLLGATE_SSH_AGENT", v)
			cfg := Default()
			LoadFromEnv(&cfg)
			if !cfg.Tunnel.UseAgent {
				t.Error("UseAgent should be true")
			}
		})
	}
}

func TestLoadFromEnv_BreakerZeroDisables(t *testing.T) {
	t.Setenv("ENROLLGATE_BREAKER_FAILURES", "0")
	cfg := Default()
	LoadFromEnv(&cfg)
	if cfg.Pool.BreakerFailures != 0 {
		t.Errorf("BreakerFailures = %d, want 0", cfg.Pool.BreakerFailures)
	}
}

func TestLoadFromEnv_InvalidIntIgnored(t *testing.T) {
	t.Setenv("ENROLLGATE_MAX_CONNECTIONS", "lots")
	cfg := Default()
	LoadFromEnv(&cfg)
	if cfg.Pool.MaxConnections != DefaultMaxConnections {
		t.Errorf("MaxConnections = %d, want default", cfg.Pool.MaxConnections)
	}
}

func TestLoadFromEnv_EmptyDoesNotOverride(t *testing.T) {
	os.Unsetenv("ENROLLGATE_LISTEN")
	cfg := Default()
	cfg.Service.Listen = "10.0.0.1:80"
	LoadFromEnv(&cfg)
	if cfg.Service.Listen != "10.0.0.1:80" {
		t.Errorf("Listen should not be overridden by empty env, got %q", cfg.Service.Listen)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enrollgate.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
[pool]
max_connections = 3
acquire_wait = "2s"

[session]
poll_interval = "500ms"

[registry]
driver = "postgres"
dsn = "postgres://enroll@db/attendance?sslmode=disable"

[tunnel]
spec = "ops@bastion:2222"
use_agent = true
`)
	t.Setenv("ENROLLGATE_MAX_CONNECTIONS", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pool.MaxConnections != 7 {
		t.Errorf("env should win over file, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.AcquireWait.D() != 2*time.Second {
		t.Errorf("AcquireWait = %v", cfg.Pool.AcquireWait)
	}
	if cfg.Session.PollInterval.D() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Session.PollInterval)
	}
	// Untouched keys keep their defaults.
	if cfg.Session.MaxDuration.D() != DefaultMaxDuration {
		t.Errorf("MaxDuration = %v", cfg.Session.MaxDuration)
	}
	if cfg.Registry.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Registry.Driver)
	}
	if cfg.Tunnel.Host != "bastion" || cfg.Tunnel.Port != 2222 {
		t.Errorf("tunnel not normalized: %+v", cfg.Tunnel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvPointsAtFile(t *testing.T) {
	path := writeConfig(t, "[service]\nlisten = \":9100\"\n")
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Service.Listen != ":9100" {
		t.Errorf("Listen = %q", cfg.Service.Listen)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantSub string
	}{
		{"unknown key", "[pool]\nmax_conns = 3\n", "parse config"},
		{"bad duration", "[pool]\nacquire_wait = \"soon\"\n", "parse config"},
		{"syntax", "[pool\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := LoadFile(&cfg, writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}

	cfg := Default()
	if err := LoadFile(&cfg, filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxConnections = 6
	data, err := Marshal(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "acquire_wait = '5s'") && !strings.Contains(string(data), `acquire_wait = "5s"`) {
		t.Errorf("durations should render as strings:\n%s", data)
	}

	back := Default()
	if err := LoadFile(&back, writeConfig(t, string(data))); err != nil {
		t.Fatal(err)
	}
	if back.Pool.MaxConnections != 6 {
		t.Errorf("MaxConnections = %d, want 6", back.Pool.MaxConnections)
	}
}
