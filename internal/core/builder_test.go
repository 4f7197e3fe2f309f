package core

import (
	"testing"
	"time"

	"enrollgate/config"
	"enrollgate/internal/device"
	"enrollgate/internal/device/simulator"
	"enrollgate/internal/metrics"
	"enrollgate/internal/transport"
	"enrollgate/util"
)

// TestBuildProbe_Targets verifies target parsing and the port and
// secret fallbacks.
func TestBuildProbe_Targets(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Secret = "fallback"

	mode, err := BuildProbe(&cfg, []string{"10.0.0.5", "10.0.0.6:5005"}, "", true, util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	want := []device.Identity{
		{Address: "10.0.0.5", Port: config.DefaultDevicePort, Secret: "fallback"},
		{Address: "10.0.0.6", Port: 5005, Secret: "fallback"},
	}
	if len(mode.Targets) != len(want) {
		t.Fatalf("targets = %v", mode.Targets)
	}
	for i := range want {
		if mode.Targets[i] != want[i] {
			t.Errorf("target %d = %+v, want %+v", i, mode.Targets[i], want[i])
		}
	}
	if !mode.JSON {
		t.Error("JSON flag not carried")
	}

	mode, err = BuildProbe(&cfg, []string{"10.0.0.5"}, "explicit", false, util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if mode.Targets[0].Secret != "explicit" {
		t.Errorf("secret = %q, want explicit", mode.Targets[0].Secret)
	}
}

func TestBuildProbe_Invalid(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		name    string
		targets []string
	}{
		{"none", nil},
		{"empty", []string{""}},
		{"bad port", []string{"10.0.0.5:abc"}},
		{"port range", []string{"10.0.0.5:70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildProbe(&cfg, tt.targets, "", false, util.Discard()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildSimulate(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		cfg     simulator.Config
		wantErr bool
	}{
		{"defaults", "127.0.0.1:0", simulator.Config{}, false},
		{"rejected", "127.0.0.1:0", simulator.Config{Outcome: device.CaptureRejected}, false},
		{"no address", "", simulator.Config{}, true},
		{"bad outcome", "127.0.0.1:0", simulator.Config{Outcome: "maybe"}, true},
		{"negative polls", "127.0.0.1:0", simulator.Config{PollsToResult: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildSimulate(tt.addr, tt.cfg, util.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildServe_Validates(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxConnections = 0
	if _, err := BuildServe(&cfg, util.Discard()); err == nil {
		t.Fatal("expected validation error")
	}

	cfg = config.Default()
	mode, err := BuildServe(&cfg, util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if mode.Metrics == nil {
		t.Error("serve mode has no metrics collector")
	}
}

func TestBuildDialer_TCP(t *testing.T) {
	cfg := config.Default()
	d, err := BuildDialer(&cfg, metrics.New(), util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	tcp, ok := d.(*transport.TCPDialer)
	if !ok {
		t.Fatalf("dialer = %T, want *transport.TCPDialer", d)
	}
	if tcp.Timeout != config.DefaultDialTimeout {
		t.Errorf("timeout = %v", tcp.Timeout)
	}
}

func TestBuildDialer_SSH(t *testing.T) {
	cfg := config.Default()
	cfg.Tunnel.Spec = "admin@bastion:2222"
	cfg.Tunnel.KeyPath = "/nonexistent/id_ed25519"
	if err := cfg.Normalize(); err != nil {
		t.Fatal(err)
	}
	d, err := BuildDialer(&cfg, metrics.New(), util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*transport.SSHDialer); !ok {
		t.Fatalf("dialer = %T, want *transport.SSHDialer", d)
	}
	// Nothing was dialled, so closing is a no-op.
	d.Close()
}

func TestPoolAndSessionOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.MaxConnections = 4
	cfg.Pool.IdleTTL = config.Duration(time.Minute)
	cfg.Pool.BreakerFailures = 0
	cfg.Session.PollInterval = config.Duration(250 * time.Millisecond)

	po := PoolOptions(&cfg, metrics.New(), util.Discard())
	if po.MaxConns != 4 || po.Health.IdleTTL != time.Minute || po.BreakerFailures != 0 {
		t.Errorf("pool options = %+v", po)
	}
	if po.Attempts != config.DefaultRetryAttempts {
		t.Errorf("attempts = %d", po.Attempts)
	}

	so := SessionOptions(&cfg, metrics.New(), util.Discard())
	if so.PollInterval != 250*time.Millisecond || so.AcquireWait != config.DefaultAcquireWait {
		t.Errorf("session options = %+v", so)
	}
	if so.Archive != nil || so.Events != nil || so.Recorder != nil {
		t.Error("hooks should be left to the caller")
	}
}
