package pool

import (
	"time"

	ncerr "enrollgate/internal/errors"
)

// Decision is what the pool does with a cached connection.
type Decision int

const (
	Keep Decision = iota
	Probe
	Evict
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Probe:
		return "probe"
	case Evict:
		return "evict"
	}
	return "unknown"
}

// HealthPolicy decides whether a cached connection may be reused as is,
// must be probed first, or must be replaced.  It has no state and does
// no I/O.
type HealthPolicy struct {
	IdleTTL     time.Duration // evict when idle longer than this
	ProbeAfter  time.Duration // probe when idle longer than this
	MaxFailures int           // evict after this many consecutive failures
}

// DefaultHealthPolicy evicts after 5m idle or 3 failures and probes
// connections idle for more than 30s.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		IdleTTL:     5 * time.Minute,
		ProbeAfter:  30 * time.Second,
		MaxFailures: 3,
	}
}

// Decide applies the rules in order: a fatal last error, too many
// failures, or too long idle evict; any failure or a moderately long
// idle period asks for a probe.
func (h HealthPolicy) Decide(idle time.Duration, failures int, lastKind ncerr.Kind) Decision {
	switch {
	case failures > 0 && lastKind.Fatal():
		return Evict
	case h.MaxFailures > 0 && failures >= h.MaxFailures:
		return Evict
	case h.IdleTTL > 0 && idle > h.IdleTTL:
		return Evict
	case failures > 0:
		return Probe
	case h.ProbeAfter > 0 && idle > h.ProbeAfter:
		return Probe
	}
	return Keep
}
