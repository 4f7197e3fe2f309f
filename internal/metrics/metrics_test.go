package metrics

import (
	"encoding/json"
	"testing"
)

func TestCollector_Connections(t *testing.T) {
	c := New()

	c.ConnectionOpened()
	c.ConnectionOpened()
	if c.ActiveConnections() != 2 {
		t.Errorf("active = %d, want 2", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total = %d, want 2", c.TotalConnections())
	}

	c.ConnectionClosed()
	if c.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", c.ActiveConnections())
	}
	if c.TotalConnections() != 2 {
		t.Errorf("total should remain 2, got %d", c.TotalConnections())
	}
}

func TestCollector_Bytes(t *testing.T) {
	c := New()

	c.BytesReceived(1024)
	c.BytesSent(512)
	c.BytesReceived(100)

	if c.TotalBytesIn() != 1124 {
		t.Errorf("bytes in = %d, want 1124", c.TotalBytesIn())
	}
	if c.TotalBytesOut() != 512 {
		t.Errorf("bytes out = %d, want 512", c.TotalBytesOut())
	}
}

func TestCollector_TunnelReconnects(t *testing.T) {
	c := New()

	c.TunnelReconnect()
	c.TunnelReconnect()
	c.TunnelReconnect()

	if c.TunnelReconnects() != 3 {
		t.Errorf("reconnects = %d, want 3", c.TunnelReconnects())
	}
}

func TestCollector_Errors(t *testing.T) {
	c := New()

	c.RecordError("first error")
	c.RecordError("second error")

	if c.ErrorCount() != 2 {
		t.Errorf("errors = %d, want 2", c.ErrorCount())
	}
}

func TestCollector_HealthCheck(t *testing.T) {
	c := New()
	c.RecordHealthCheck()

	snap := c.Snapshot()
	if snap.LastHealthCheck == "" {
		t.Error("expected non-empty health check timestamp")
	}
}

func TestCollector_Snapshot(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesReceived(100)
	c.BytesSent(50)
	c.RecordError("test")

	snap := c.Snapshot()
	if snap.ConnectionsActive != 1 {
		t.Errorf("snap active = %d", snap.ConnectionsActive)
	}
	if snap.BytesIn != 100 {
		t.Errorf("snap bytes in = %d", snap.BytesIn)
	}
	if snap.ErrorsTotal != 1 {
		t.Errorf("snap errors = %d", snap.ErrorsTotal)
	}
	if snap.LastErrorMessage != "test" {
		t.Errorf("snap error msg = %q", snap.LastErrorMessage)
	}
}

func TestCollector_JSON(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.BytesSent(42)

	raw := c.JSON()
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("JSON parse error: %v", err)
	}
	if snap.ConnectionsActive != 1 {
		t.Errorf("JSON active = %d", snap.ConnectionsActive)
	}
	if snap.BytesOut != 42 {
		t.Errorf("JSON bytes out = %d", snap.BytesOut)
	}
}

func TestNilCollector_NoOps(t *testing.T) {
	var c *Collector

	// None of these should panic.
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.BytesReceived(100)
	c.BytesSent(100)
	c.TunnelReconnect()
	c.RecordError("test")
	c.RecordHealthCheck()

	if c.ActiveConnections() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.TotalBytesIn() != 0 {
		t.Error("nil collector should return 0")
	}
	if c.ErrorCount() != 0 {
		t.Error("nil collector should return 0")
	}

	snap := c.Snapshot()
	if snap.ConnectionsActive != 0 {
		t.Error("nil snapshot should be zero")
	}

	j := c.JSON()
	if j == "" {
		t.Error("nil JSON should return valid JSON")
	}
}

func TestCollector_PoolCounters(t *testing.T) {
	c := New()

	c.LeaseGranted()
	c.LeaseGranted()
	c.LeaseReturned()
	c.AcquireFailed()
	c.Evicted()
	c.Probed(true)
	c.Probed(false)

	if c.ActiveLeases() != 1 {
		t.Errorf("active leases = %d, want 1", c.ActiveLeases())
	}
	if c.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", c.Evictions())
	}
	snap := c.Snapshot()
	if snap.LeasesTotal != 2 || snap.AcquireFailures != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.ProbesTotal != 2 || snap.ProbeFailures != 1 {
		t.Errorf("probes = %d/%d, want 2/1", snap.ProbesTotal, snap.ProbeFailures)
	}
}

func TestCollector_SessionStates(t *testing.T) {
	c := New()

	c.SessionStarted()
	c.SessionStarted()
	c.SessionStarted()
	c.SessionEnded("timed_out")
	c.SessionEnded("completed")
	c.SessionEnded("completed")

	if got := c.SessionsEnded("completed"); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	snap := c.Snapshot()
	if snap.SessionsStarted != 3 {
		t.Errorf("started = %d, want 3", snap.SessionsStarted)
	}
	want := []StateCount{{"completed", 2}, {"timed_out", 1}}
	if len(snap.SessionsEnded) != len(want) {
		t.Fatalf("sessions ended = %v, want %v", snap.SessionsEnded, want)
	}
	for i := range want {
		if snap.SessionsEnded[i] != want[i] {
			t.Errorf("sessions ended[%d] = %v, want %v", i, snap.SessionsEnded[i], want[i])
		}
	}
}

func TestNilCollector_PoolAndSession(t *testing.T) {
	var c *Collector
	c.LeaseGranted()
	c.LeaseReturned()
	c.AcquireFailed()
	c.Evicted()
	c.Probed(false)
	c.SessionStarted()
	c.SessionEnded("failed")
	if c.SessionsEnded("failed") != 0 || c.ActiveLeases() != 0 {
		t.Error("nil collector should return 0")
	}
}
