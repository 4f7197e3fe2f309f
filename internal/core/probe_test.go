package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"enrollgate/internal/device"
	"enrollgate/internal/device/simulator"
	"enrollgate/internal/transport"
	"enrollgate/util"
)

func testOpener() *device.DialOpener {
	return &device.DialOpener{
		Dialer:         &transport.TCPDialer{Timeout: time.Second},
		DialTimeout:    time.Second,
		CommandTimeout: time.Second,
		Logger:         util.Discard(),
	}
}

func startSim(t *testing.T, cfg simulator.Config) *simulator.Server {
	t.Helper()
	s, err := simulator.Start("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// TestProbeDevices_Order verifies results come back in input order with
// per-device outcomes.
func TestProbeDevices_Order(t *testing.T) {
	good := startSim(t, simulator.Config{Secret: "s3", Serial: "GOOD01"})
	wrong := good.Identity()
	wrong.Secret = "nope"
	down := device.Identity{Address: "127.0.0.1", Port: closedPort(t)}

	ids := []device.Identity{down, good.Identity(), wrong}
	results := ProbeDevices(context.Background(), testOpener(), ids, time.Second)

	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for i, id := range ids {
		if results[i].Address != id.Key() {
			t.Errorf("result %d address = %s, want %s", i, results[i].Address, id.Key())
		}
	}
	if results[0].OK || results[0].Failure.Code != "refused" {
		t.Errorf("closed port: %+v", results[0])
	}
	if !results[1].OK || results[1].Device.Serial != "GOOD01" {
		t.Errorf("good device: %+v", results[1])
	}
	if results[2].OK || results[2].Failure.Code != "refused" {
		t.Errorf("wrong secret: %+v", results[2])
	}
}

func TestProbeMode_JSON(t *testing.T) {
	sim := startSim(t, simulator.Config{Secret: "s3"})
	var out bytes.Buffer
	mode := &ProbeMode{
		Dialer:  &transport.TCPDialer{},
		Opener:  testOpener(),
		Targets: []device.Identity{sim.Identity()},
		Timeout: time.Second,
		Out:     &out,
		Logger:  util.Discard(),
	}
	if err := mode.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var results []device.TestResult
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(results) != 1 || !results[0].OK {
		t.Errorf("results = %+v", results)
	}
}

func TestProbeMode_FailureIsError(t *testing.T) {
	var out bytes.Buffer
	mode := &ProbeMode{
		Dialer:  &transport.TCPDialer{},
		Opener:  testOpener(),
		Targets: []device.Identity{{Address: "127.0.0.1", Port: closedPort(t)}},
		Timeout: time.Second,
		JSON:    true,
		Out:     &out,
		Logger:  util.Discard(),
	}
	err := mode.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 1") {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out.String(), `"ok": false`) {
		t.Errorf("output = %s", out.String())
	}
}

func TestRenderResults(t *testing.T) {
	info := device.Info{Serial: "SIM0001", Model: "FP-SIM", Firmware: "1.0.0"}
	out := renderResults([]device.TestResult{
		{Address: "10.0.0.5:4370", OK: true, LatencyMS: 12.34, Device: &info},
	})
	for _, want := range []string{"Address", "10.0.0.5:4370", "12.3 ms", "FP-SIM SIM0001"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestSimulateMode_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *simulator.Server, 1)
	mode := &SimulateMode{
		Address: "127.0.0.1:0",
		Config:  simulator.Config{Secret: "s3"},
		Logger:  util.Discard(),
		OnReady: func(s *simulator.Server) { ready <- s },
	}
	errc := make(chan error, 1)
	go func() { errc <- mode.Run(ctx) }()

	var sim *simulator.Server
	select {
	case sim = <-ready:
	case err := <-errc:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("simulator never became ready")
	}

	res := device.Test(ctx, testOpener(), sim.Identity(), time.Second)
	if !res.OK {
		t.Fatalf("test against simulator failed: %+v", res.Failure)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
