package device

import (
	"context"
	"fmt"
	"time"

	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/transport"
	"enrollgate/util"
)

// Opener establishes authenticated transports.  The pool depends on
// this interface so tests can substitute scripted transports.
type Opener interface {
	Open(ctx context.Context, id Identity) (Transport, error)
}

// DialOpener opens [Client]s with a [transport.Dialer] and the hello
// handshake.
type DialOpener struct {
	Dialer         transport.Dialer
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	Metrics        *metrics.Collector
	Logger         *util.Logger
}

// Open dials id and authenticates with its secret.  Failures carry one
// of three kinds: Unreachable (no route, dial timeout, reset or silence
// before the hello reply), Refused (closed port or rejected secret) or
// ProtocolMismatch (the peer is not a fingerprint terminal).
func (o *DialOpener) Open(ctx context.Context, id Identity) (Transport, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	addr := id.Key()

	dctx := ctx
	if o.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.DialTimeout)
		defer cancel()
	}
	conn, err := o.Dialer.Dial(dctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ncerr.E(ncerr.KindOf(ctx.Err()), "dial", addr, ctx.Err())
		}
		return nil, err
	}

	c := NewClient(conn, addr, o.CommandTimeout, o.Metrics, o.Logger)
	var ack HelloAck
	err = c.Send(ctx, OpHello, Hello{Secret: id.Secret, Client: clientBanner}, &ack)
	if err != nil {
		conn.Close()
		return nil, helloError(ctx, addr, err)
	}
	if ack.Signature != Signature {
		conn.Close()
		return nil, ncerr.E(ncerr.KindProtocolMismatch, "hello", addr,
			fmt.Errorf("unexpected signature %q", ack.Signature))
	}

	c.setInfo(Info{Serial: ack.Serial, Model: ack.Model, Firmware: ack.Firmware})
	o.Metrics.ConnectionOpened()
	o.Logger.Verbose("connected to %s: %s", addr, c.Info())
	return c, nil
}

// helloError folds handshake failures onto the establishment kinds.  A
// terminal that stays silent or hangs up before answering hello is
// treated as unreachable so the pool retries it.
func helloError(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	switch ncerr.KindOf(err) {
	case ncerr.KindTimeout, ncerr.KindInternal:
		return ncerr.E(ncerr.KindUnreachable, "hello", addr, err)
	}
	return err
}
