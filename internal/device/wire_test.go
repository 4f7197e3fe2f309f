package device

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"enrollgate/util"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := CaptureRequest{UserRef: "stu-42", Finger: 3, Timeout: 30}
	n, err := WriteFrame(&buf, OpStartCapture, 7, req)
	if err != nil {
		t.Fatal(err)
	}
	if n != buf.Len() {
		t.Errorf("WriteFrame reported %d bytes, wrote %d", n, buf.Len())
	}

	raw := buf.Bytes()
	if raw[0] != 'F' || raw[1] != 'P' || raw[2] != Version || Op(raw[3]) != OpStartCapture {
		t.Errorf("bad header % x", raw[:4])
	}

	scratch := make([]byte, util.DefaultBufSize)
	f, read, err := ReadFrame(&buf, scratch)
	if err != nil {
		t.Fatal(err)
	}
	if read != n {
		t.Errorf("read %d bytes, want %d", read, n)
	}
	if f.Op != OpStartCapture || f.Seq != 7 {
		t.Errorf("frame = %s seq %d", f.Op, f.Seq)
	}
	var got CaptureRequest
	if err := Decode(f.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got != req {
		t.Errorf("body = %+v, want %+v", got, req)
	}
}

func TestReadFrame_Errors(t *testing.T) {
	header := func(b0, b1, ver byte, size uint32) []byte {
		h := make([]byte, HeaderSize)
		putHeader(h, OpAck, 1, int(size))
		h[0], h[1], h[2] = b0, b1, ver
		return h
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
		wantN   int
	}{
		{"bad magic", header('G', 'E', Version, 0), ErrBadMagic, HeaderSize},
		{"bad version", header('F', 'P', 9, 0), ErrBadVersion, HeaderSize},
		{"too large", header('F', 'P', Version, MaxBodySize+1), ErrFrameTooLarge, HeaderSize},
		{"torn body", append(header('F', 'P', Version, 10), 1, 2, 3), io.ErrUnexpectedEOF, HeaderSize + 3},
		{"torn header", []byte{'F', 'P'}, io.ErrUnexpectedEOF, 2},
		{"empty", nil, io.EOF, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scratch := make([]byte, util.DefaultBufSize)
			_, n, err := ReadFrame(bytes.NewReader(tt.input), scratch)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantN {
				t.Errorf("consumed %d bytes, want %d", n, tt.wantN)
			}
		})
	}
}

func TestWriteFrame_TooLarge(t *testing.T) {
	big := Nak{Code: NakFault, Message: string(make([]byte, MaxBodySize))}
	if _, err := WriteFrame(io.Discard, OpNak, 1, big); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestOp_String(t *testing.T) {
	if OpPollCapture.String() != "poll_capture" {
		t.Errorf("got %q", OpPollCapture.String())
	}
	if Op(0x55).String() != "op(0x55)" {
		t.Errorf("got %q", Op(0x55).String())
	}
}

func TestNakKind(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{NakUnauthorized, "refused"},
		{NakBusy, "device_error"},
		{NakFault, "device_error"},
		{NakNoCapture, "device_error"},
	}
	for _, tt := range tests {
		if got := nakKind(tt.code).String(); got != tt.want {
			t.Errorf("nakKind(%q) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestIdentity_KeyAndValidate(t *testing.T) {
	id := Identity{Address: "10.0.0.5", Port: 4370, Secret: "k"}
	if id.Key() != "10.0.0.5:4370" {
		t.Errorf("Key = %q", id.Key())
	}
	other := id
	other.Secret = "rotated"
	if id == other {
		t.Error("identities with different secrets must differ")
	}
	if (Identity{Port: 4370}).Validate() == nil {
		t.Error("missing address should not validate")
	}
	if (Identity{Address: "x", Port: 0}).Validate() == nil {
		t.Error("port 0 should not validate")
	}
}
