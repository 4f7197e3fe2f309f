package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"enrollgate/util"
)

// ── Frame layout ─────────────────────────────────────────────────────
//
//	0    1    2        3    4          8          12
//	'F'  'P'  version  op   seq (BE)   len (BE)   msgpack body ...

const (
	magic0       = 'F'
	magic1       = 'P'
	Version      = 1
	HeaderSize   = 12
	MaxBodySize  = 64 * 1024
	Signature    = "FPTERM"
	clientBanner = "enrollgate"
)

// Op is a frame opcode.
type Op byte

const (
	OpHello         Op = 0x01
	OpIdentity      Op = 0x02
	OpStatus        Op = 0x03
	OpStartCapture  Op = 0x10
	OpPollCapture   Op = 0x11
	OpCancelCapture Op = 0x12
	OpBye           Op = 0x1f
	OpAck           Op = 0x80
	OpNak           Op = 0x81
)

var opNames = map[Op]string{
	OpHello:         "hello",
	OpIdentity:      "identity",
	OpStatus:        "status",
	OpStartCapture:  "start_capture",
	OpPollCapture:   "poll_capture",
	OpCancelCapture: "cancel_capture",
	OpBye:           "bye",
	OpAck:           "ack",
	OpNak:           "nak",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(0x%02x)", byte(o))
}

// Protocol violations.  All of them mean the peer is not a terminal we
// can talk to.
var (
	ErrBadMagic      = errors.New("bad frame magic")
	ErrBadVersion    = errors.New("unsupported protocol version")
	ErrFrameTooLarge = errors.New("frame body exceeds 64 KiB")
)

// Frame is one decoded frame.  Body aliases the buffer passed to
// ReadFrame.
type Frame struct {
	Op   Op
	Seq  uint32
	Body []byte
}

// ── Bodies ───────────────────────────────────────────────────────────

// Hello authenticates the connection.
type Hello struct {
	Secret string `msgpack:"secret"`
	Client string `msgpack:"client"`
}

// HelloAck is the terminal's answer to a successful hello.
type HelloAck struct {
	Signature string `msgpack:"signature"`
	Serial    string `msgpack:"serial"`
	Model     string `msgpack:"model"`
	Firmware  string `msgpack:"firmware"`
}

// Status is the terminal's operational state.
type Status struct {
	State     string `msgpack:"state" json:"state"` // "idle" or "capturing"
	Users     int    `msgpack:"users" json:"users"`
	Templates int    `msgpack:"templates" json:"templates"`
}

// CaptureRequest asks the terminal to wait for a finger.
type CaptureRequest struct {
	UserRef string `msgpack:"user"`
	Finger  int    `msgpack:"finger"`
	Timeout int    `msgpack:"timeout"` // seconds the terminal itself waits
}

// Capture states reported by poll_capture.
const (
	CaptureWaiting  = "waiting"
	CaptureCaptured = "captured"
	CaptureRejected = "rejected"
	CaptureFault    = "fault"
)

// CaptureResult is the answer to poll_capture.
type CaptureResult struct {
	State    string `msgpack:"state"`
	Template string `msgpack:"template,omitempty"` // reference of the stored template
	Quality  int    `msgpack:"quality,omitempty"`
	Reason   string `msgpack:"reason,omitempty"`
}

// Nak codes.
const (
	NakUnauthorized = "unauthorized"
	NakBusy         = "busy"
	NakFault        = "fault"
	NakBadRequest   = "bad_request"
	NakNoCapture    = "no_capture"
)

// Nak is a negative reply.
type Nak struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// NakError is returned for a nak reply.
type NakError struct {
	Op      Op
	Code    string
	Message string
}

func (e *NakError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("device rejected %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("device rejected %s: %s (%s)", e.Op, e.Code, e.Message)
}

// ── Codec ────────────────────────────────────────────────────────────

// WriteFrame encodes body with msgpack and writes header and body in a
// single Write.
func WriteFrame(w io.Writer, op Op, seq uint32, body any) (int, error) {
	payload, err := msgpack.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode %s body: %w", op, err)
	}
	if len(payload) > MaxBodySize {
		return 0, ErrFrameTooLarge
	}

	bp := util.GetBuf()
	defer util.PutBuf(bp)
	buf := (*bp)[:HeaderSize+len(payload)]
	putHeader(buf, op, seq, len(payload))
	copy(buf[HeaderSize:], payload)
	return w.Write(buf)
}

func putHeader(buf []byte, op Op, seq uint32, n int) {
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, Version, byte(op)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(n))
}

// ReadFrame reads one frame into buf, which must hold DefaultBufSize
// bytes.  n is the number of bytes consumed from r even on error, so
// callers can tell a clean timeout from a torn frame.
func ReadFrame(r io.Reader, buf []byte) (f Frame, n int, err error) {
	hdr := buf[:HeaderSize]
	m, err := io.ReadFull(r, hdr)
	n += m
	if err != nil {
		return Frame{}, n, err
	}
	if hdr[0] != magic0 || hdr[1] != magic1 {
		return Frame{}, n, ErrBadMagic
	}
	if hdr[2] != Version {
		return Frame{}, n, fmt.Errorf("%w: %d", ErrBadVersion, hdr[2])
	}
	size := binary.BigEndian.Uint32(hdr[8:12])
	if size > MaxBodySize {
		return Frame{}, n, ErrFrameTooLarge
	}
	body := buf[HeaderSize : HeaderSize+int(size)]
	m, err = io.ReadFull(r, body)
	n += m
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, n, err
	}
	return Frame{
		Op:   Op(hdr[3]),
		Seq:  binary.BigEndian.Uint32(hdr[4:8]),
		Body: body,
	}, n, nil
}

// Decode unmarshals a frame body.
func Decode(body []byte, v any) error {
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
