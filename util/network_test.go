package util

import (
	"testing"
)

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr("1.2.3.4", 22); got != "1.2.3.4:22" {
		t.Errorf("got %q, want %q", got, "1.2.3.4:22")
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port < 1 || port > 65535 {
		t.Errorf("port %d out of range", port)
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"host and port", "10.0.0.5:4370", "10.0.0.5", 4370, false},
		{"default port", "10.0.0.5", "10.0.0.5", 4370, false},
		{"ipv6", "[fe80::1]:5000", "fe80::1", 5000, false},
		{"bad port", "10.0.0.5:http", "", 0, true},
		{"port range", "10.0.0.5:70000", "", 0, true},
		{"empty", "  ", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := SplitAddr(tt.addr, 4370)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("got %s:%d, want %s:%d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
