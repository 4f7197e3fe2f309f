package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/util"
)

// Transport is the request/response driver for one terminal.  Only one
// command is in flight at a time; concurrent callers queue.
type Transport interface {
	// Info is the handshake result.  It never touches the network.
	Info() Info
	Identity(ctx context.Context) (Info, error)
	Status(ctx context.Context) (Status, error)
	StartCapture(ctx context.Context, req CaptureRequest) error
	PollCapture(ctx context.Context) (CaptureResult, error)
	CancelCapture(ctx context.Context) error
	// Broken reports whether a torn frame or I/O error left the
	// connection unusable.
	Broken() bool
	Close() error
}

// Client implements [Transport] over a net.Conn.
type Client struct {
	conn       net.Conn
	addr       string
	cmdTimeout time.Duration
	metrics    *metrics.Collector
	logger     *util.Logger

	mu     sync.Mutex // one command in flight
	seq    uint32
	broken bool

	infoMu sync.Mutex // never held across I/O
	info   Info

	closeOnce sync.Once
}

// NewClient wraps an established connection.  Most callers want
// [DialOpener.Open], which also performs the hello handshake.
func NewClient(conn net.Conn, addr string, cmdTimeout time.Duration, m *metrics.Collector, logger *util.Logger) *Client {
	if cmdTimeout <= 0 {
		cmdTimeout = 5 * time.Second
	}
	return &Client{
		conn:       conn,
		addr:       addr,
		cmdTimeout: cmdTimeout,
		metrics:    m,
		logger:     logger,
	}
}

// Send issues one command and decodes the ack body into out (which may
// be nil).  The call is bounded by min(now+CommandTimeout, ctx
// deadline) and returns early when ctx is cancelled.
func (c *Client) Send(ctx context.Context, op Op, body, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return ncerr.E(ncerr.KindUnreachable, op.String(), c.addr, ncerr.ErrConnBroken)
	}
	if err := ctx.Err(); err != nil {
		return ncerr.E(ncerr.KindOf(err), op.String(), c.addr, err)
	}

	deadline := time.Now().Add(c.cmdTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline) //nolint:errcheck
	// Cancellation interrupts the blocked read or write.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	c.seq++
	seq := c.seq

	n, err := WriteFrame(c.conn, op, seq, body)
	c.metrics.BytesSent(int64(n))
	if err != nil {
		if n == 0 && isTimeout(err) {
			return c.ioError(ctx, op, err, false)
		}
		return c.ioError(ctx, op, err, true)
	}

	bp := util.GetBuf()
	defer util.PutBuf(bp)
	for {
		f, n, err := ReadFrame(c.conn, *bp)
		c.metrics.BytesReceived(int64(n))
		if err != nil {
			if errors.Is(err, ErrBadMagic) || errors.Is(err, ErrBadVersion) || errors.Is(err, ErrFrameTooLarge) {
				c.broken = true
				return ncerr.E(ncerr.KindProtocolMismatch, op.String(), c.addr, err)
			}
			return c.ioError(ctx, op, err, n > 0)
		}
		if f.Seq < seq {
			// Late reply to a command that timed out earlier.
			c.logger.Debug("%s: discarding stale %s seq=%d (want %d)", c.addr, f.Op, f.Seq, seq)
			continue
		}
		if f.Seq != seq {
			c.broken = true
			return ncerr.Errorf(ncerr.KindProtocolMismatch, op.String(), "reply seq %d from the future (want %d)", f.Seq, seq)
		}

		switch f.Op {
		case OpAck:
			if out == nil {
				return nil
			}
			if err := Decode(f.Body, out); err != nil {
				c.broken = true
				return ncerr.E(ncerr.KindProtocolMismatch, op.String(), c.addr, err)
			}
			return nil
		case OpNak:
			var nak Nak
			if err := Decode(f.Body, &nak); err != nil {
				c.broken = true
				return ncerr.E(ncerr.KindProtocolMismatch, op.String(), c.addr, err)
			}
			return ncerr.E(nakKind(nak.Code), op.String(), c.addr,
				&NakError{Op: op, Code: nak.Code, Message: nak.Message})
		default:
			c.broken = true
			return ncerr.Errorf(ncerr.KindProtocolMismatch, op.String(), "unexpected reply op %s", f.Op)
		}
	}
}

// nakKind maps device-reported refusals.  A busy terminal is a device
// error here, never a session conflict: conflicts are decided locally.
func nakKind(code string) ncerr.Kind {
	if code == NakUnauthorized {
		return ncerr.KindRefused
	}
	return ncerr.KindDeviceError
}

// ioError tags a failed read or write.  A timeout that consumed no
// bytes leaves the stream aligned (the late reply is skipped by seq);
// anything else breaks the client.
func (c *Client) ioError(ctx context.Context, op Op, err error, partial bool) error {
	timeout := isTimeout(err)
	if partial || !timeout {
		c.broken = true
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ncerr.E(ncerr.KindOf(ctxErr), op.String(), c.addr, ctxErr)
	}
	if timeout {
		return ncerr.E(ncerr.KindTimeout, op.String(), c.addr, err)
	}
	kind := ncerr.KindOf(err)
	if kind == ncerr.KindInternal {
		kind = ncerr.KindUnreachable
	}
	return ncerr.E(kind, op.String(), c.addr, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ── Typed commands ───────────────────────────────────────────────────

// Info returns what the terminal reported during the handshake.
func (c *Client) Info() Info {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	return c.info
}

func (c *Client) setInfo(info Info) {
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
}

// Identity asks the terminal to describe itself.
func (c *Client) Identity(ctx context.Context) (Info, error) {
	var info Info
	if err := c.Send(ctx, OpIdentity, nil, &info); err != nil {
		return Info{}, err
	}
	c.setInfo(info)
	return info, nil
}

// Status queries the terminal's state.  The pool uses it as a probe.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Send(ctx, OpStatus, nil, &st)
	return st, err
}

// StartCapture puts the terminal into enrollment mode.
func (c *Client) StartCapture(ctx context.Context, req CaptureRequest) error {
	return c.Send(ctx, OpStartCapture, req, nil)
}

// PollCapture asks for the outcome of the running capture.
func (c *Client) PollCapture(ctx context.Context) (CaptureResult, error) {
	var res CaptureResult
	err := c.Send(ctx, OpPollCapture, nil, &res)
	return res, err
}

// CancelCapture aborts a running capture.
func (c *Client) CancelCapture(ctx context.Context) error {
	return c.Send(ctx, OpCancelCapture, nil, nil)
}

// Broken implements [Transport].
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Close says bye when the stream is still usable, then closes the
// connection.  It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if !c.broken {
			c.seq++
			c.conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond)) //nolint:errcheck
			WriteFrame(c.conn, OpBye, c.seq, nil)                           //nolint:errcheck
		}
		c.broken = true
		c.mu.Unlock()

		err = c.conn.Close()
		c.metrics.ConnectionClosed()
	})
	return err
}
