// Package errors provides the error taxonomy for enrollgate.
//
// Every failure that can reach a caller carries a [Kind].  Transport
// and pool code attach the kind where the failure is first observed;
// the [Translate] function turns any error into a stable, user-facing
// [Category] so the presentation layer never sees transport detail.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrLeaseReleased   = errors.New("lease already released")
	ErrPoolClosed      = errors.New("connection pool is closed")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrConnBroken      = errors.New("device connection is broken")
	ErrSessionNotFound = errors.New("enrollment session not found")
	ErrManagerClosed   = errors.New("session manager is closed")
)

// ── Kinds ────────────────────────────────────────────────────────────

// Kind is one entry of the closed failure taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindUnreachable
	KindRefused
	KindProtocolMismatch
	KindTimeout
	KindPoolExhausted
	KindSessionConflict
	KindDeviceUnavailable
	KindDeviceError
	KindNotFound
	KindInvalidRequest
	KindCaptureRejected
	KindCancelled
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindUnreachable:       "unreachable",
	KindRefused:           "refused",
	KindProtocolMismatch:  "protocol_mismatch",
	KindTimeout:           "timeout",
	KindPoolExhausted:     "pool_exhausted",
	KindSessionConflict:   "session_conflict",
	KindDeviceUnavailable: "device_unavailable",
	KindDeviceError:       "device_error",
	KindNotFound:          "not_found",
	KindInvalidRequest:    "invalid_request",
	KindCaptureRejected:   "capture_rejected",
	KindCancelled:         "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of [Kind.String].  Unknown names map to
// KindInternal.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInternal
}

// Fatal reports whether a failure of this kind can never be cured by
// retrying against the same device.
func (k Kind) Fatal() bool {
	return k == KindRefused || k == KindProtocolMismatch
}

// Retryable reports whether connection establishment should be retried
// after a failure of this kind.
func (k Kind) Retryable() bool {
	return k == KindUnreachable || k == KindTimeout
}

// ── Structured error ─────────────────────────────────────────────────

// Error is a failure tagged with its taxonomy kind.
type Error struct {
	Kind Kind
	Op   string // "dial", "hello", "poll_capture", "acquire", ...
	Addr string // device address, when one is involved
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Op
	if e.Addr != "" {
		s += " " + e.Addr
	}
	switch {
	case s == "" && e.Err != nil:
		return e.Err.Error()
	case s == "":
		return e.Kind.String()
	case e.Err != nil:
		return s + ": " + e.Err.Error()
	}
	return s + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an [*Error].
func E(kind Kind, op, addr string, err error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: err}
}

// Errorf builds an [*Error] whose cause is a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost [*Error] in err's chain.
// Errors that carry no kind are classified from the standard library
// types they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return classify(err)
}

// Wrap tags a raw network error with the kind inferred from it.
func Wrap(op, addr string, err error) *Error {
	return &Error{Kind: classify(err), Op: op, Addr: addr, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying during connection
// establishment.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// IsFatal reports whether err must never be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Fatal()
}

// classify inspects standard library error types.
func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, ErrConnBroken):
		return KindUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindUnreachable
	}
	return KindInternal
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
