// Package transport provides abstractions for connection establishment
// to fingerprint terminals.  Transports handle the "how" of reaching a
// device (direct TCP or through an SSH bastion) independent of the
// device protocol spoken over the connection.
package transport

import (
	"context"
	"net"

	ncerr "enrollgate/internal/errors"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and an SSH-tunnelled dialer that routes traffic
// through a school's bastion host.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// dialError tags a failed dial.  A dial that times out never reached
// the device, so it is Unreachable rather than Timeout; caller
// cancellation keeps its own kind.
func dialError(address string, err error) error {
	switch kind := ncerr.KindOf(err); kind {
	case ncerr.KindCancelled:
		return ncerr.E(kind, "dial", address, err)
	case ncerr.KindTimeout:
		return ncerr.E(ncerr.KindUnreachable, "dial", address, err)
	default:
		return ncerr.E(kind, "dial", address, err)
	}
}
