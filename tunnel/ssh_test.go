package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "enrollgate/internal/errors"
	"enrollgate/util"
)

// startBastion runs an in-process SSH server that accepts one password
// and forwards direct-tcpip channels to their targets.
func startBastion(t *testing.T, password string) (host string, port int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveBastion(c, cfg)
		}
	}()
	a := ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

func serveBastion(c net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer sc.Close()

	go func() {
		for r := range reqs {
			if r.WantReply {
				r.Reply(r.Type == "keepalive@openssh.com", nil) //nolint:errcheck
			}
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		var p struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
			nc.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
			continue
		}
		target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, "connection refused") //nolint:errcheck
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			io.Copy(ch, target) //nolint:errcheck
			ch.CloseWrite()     //nolint:errcheck
			ch.Close()
		}()
		go func() {
			io.Copy(target, ch) //nolint:errcheck
			target.Close()
		}()
	}
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(c)
		}
	}()
	return ln.Addr().String()
}

func testConfig(host string, port int, password string) *SSHConfig {
	return &SSHConfig{
		User:        "enroll",
		Host:        host,
		Port:        port,
		ConnTimeout: 2 * time.Second,
		Password:    func() (string, error) { return password, nil },
	}
}

func TestSSHTunnel_DialThroughBastion(t *testing.T) {
	host, port := startBastion(t, "s3cret")
	echo := startEcho(t)

	tun := NewSSHTunnel(testConfig(host, port, "s3cret"), util.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tun.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Close()
	if !tun.IsAlive() {
		t.Fatal("tunnel should be alive after Connect")
	}

	conn, err := tun.Dial(ctx, "tcp", echo)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("FP")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "FP" {
		t.Errorf("echo = %q, want %q", buf, "FP")
	}
}

func TestSSHTunnel_WrongPasswordIsRefused(t *testing.T) {
	host, port := startBastion(t, "s3cret")

	tun := NewSSHTunnel(testConfig(host, port, "guess"), util.Discard())
	err := tun.Connect(context.Background())
	if err == nil {
		tun.Close()
		t.Fatal("expected auth failure")
	}
	if k := ncerr.KindOf(err); k != ncerr.KindRefused {
		t.Errorf("kind = %s, want refused", k)
	}
}

func TestSSHTunnel_TargetRefused(t *testing.T) {
	host, port := startBastion(t, "s3cret")
	free, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}

	tun := NewSSHTunnel(testConfig(host, port, "s3cret"), util.Discard())
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	_, err = tun.Dial(context.Background(), "tcp", util.FormatAddr("127.0.0.1", free))
	if k := ncerr.KindOf(err); k != ncerr.KindRefused {
		t.Errorf("kind = %s (%v), want refused", k, err)
	}
}

func TestSSHTunnel_DialBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "bastion"}, util.Discard())
	_, err := tun.Dial(context.Background(), "tcp", "10.0.0.5:4370")
	if !ncerr.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if ncerr.KindOf(err) != ncerr.KindUnreachable {
		t.Errorf("kind = %s, want unreachable", ncerr.KindOf(err))
	}
}

func TestSSHTunnel_CloseMarksDead(t *testing.T) {
	host, port := startBastion(t, "pw")
	cfg := testConfig(host, port, "pw")
	cfg.KeepAlive = 10 * time.Millisecond

	tun := NewSSHTunnel(cfg, util.Discard())
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Let a few keepalives go through.
	time.Sleep(50 * time.Millisecond)
	if !tun.IsAlive() {
		t.Fatal("keepalives should keep the tunnel alive")
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tun.IsAlive() {
		t.Error("tunnel should be dead after Close")
	}
}
