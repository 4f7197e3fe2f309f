package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/retry"
	"enrollgate/util"
)

// fakeTunnel fails the first failN connects with failErr.
type fakeTunnel struct {
	mu       sync.Mutex
	connects int
	failN    int
	failErr  error
	alive    bool
	closed   bool
}

func (f *fakeTunnel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failN {
		return f.failErr
	}
	f.alive = true
	return nil
}

func (f *fakeTunnel) Dial(context.Context, string, string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func (f *fakeTunnel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeTunnel) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTunnel) kill() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

func fastBackoff() *retry.Backoff {
	return &retry.Backoff{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}
}

func TestManager_LazyConnectWithRetry(t *testing.T) {
	ft := &fakeTunnel{failN: 2, failErr: ncerr.E(ncerr.KindUnreachable, "ssh dial", "gw:22", errors.New("no route"))}
	m := NewManager(ft, fastBackoff(), nil, util.Discard())

	conn, err := m.Dial(context.Background(), "tcp", "10.0.0.5:4370")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	if ft.connects != 3 {
		t.Errorf("connects = %d, want 3", ft.connects)
	}

	// A live tunnel is reused.
	if _, err := m.Dial(context.Background(), "tcp", "10.0.0.5:4370"); err != nil {
		t.Fatal(err)
	}
	if ft.connects != 3 {
		t.Errorf("connects = %d, want still 3", ft.connects)
	}
}

func TestManager_FatalNotRetried(t *testing.T) {
	ft := &fakeTunnel{failN: 10, failErr: ncerr.E(ncerr.KindRefused, "ssh handshake", "gw:22", errors.New("unable to authenticate"))}
	m := NewManager(ft, fastBackoff(), nil, util.Discard())

	_, err := m.Dial(context.Background(), "tcp", "10.0.0.5:4370")
	if ncerr.KindOf(err) != ncerr.KindRefused {
		t.Errorf("kind = %s, want refused", ncerr.KindOf(err))
	}
	if ft.connects != 1 {
		t.Errorf("connects = %d, fatal errors must not be retried", ft.connects)
	}
}

func TestManager_ReconnectCounted(t *testing.T) {
	ft := &fakeTunnel{}
	mc := metrics.New()
	m := NewManager(ft, fastBackoff(), mc, util.Discard())

	if _, err := m.Dial(context.Background(), "tcp", "a:1"); err != nil {
		t.Fatal(err)
	}
	ft.kill()
	if _, err := m.Dial(context.Background(), "tcp", "a:1"); err != nil {
		t.Fatal(err)
	}
	if mc.TunnelReconnects() != 1 {
		t.Errorf("reconnects = %d, want 1", mc.TunnelReconnects())
	}
}

func TestManager_StopRefusesDial(t *testing.T) {
	ft := &fakeTunnel{}
	m := NewManager(ft, fastBackoff(), nil, util.Discard())
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	_, err := m.Dial(context.Background(), "tcp", "a:1")
	if !ncerr.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if !ft.closed {
		t.Error("Stop should close the tunnel")
	}
}
