// Package pool keeps at most one authenticated connection per device
// identity and hands it out under exclusive leases.
//
// A lease must be returned with [Pool.Release] exactly once.  The pool
// bounds the number of open connections; when every slot is held by an
// idle connection the least recently used one of another identity is
// closed to make room.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/retry"
	"enrollgate/util"
)

// Options configures a [Pool].  Zero fields take the documented
// defaults.
type Options struct {
	MaxConns int // default 10
	Health   HealthPolicy

	// Establishment retry budget.
	Attempts   int           // default 3
	RetryDelay time.Duration // default 1s
	Multiplier float64       // default 1 (fixed delay)

	// BreakerFailures consecutive failed establishments open the
	// identity's circuit for BreakerReset.  Zero disables the breaker.
	BreakerFailures int
	BreakerReset    time.Duration

	ProbeTimeout time.Duration // default 5s
	ReapInterval time.Duration // default 30s

	Now     func() time.Time
	Metrics *metrics.Collector
	Logger  *util.Logger
}

func (o *Options) setDefaults() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.Health == (HealthPolicy{}) {
		o.Health = DefaultHealthPolicy()
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 1
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
}

// Outcome reports how a lease was used.
type Outcome struct {
	Failed bool
	Kind   ncerr.Kind
}

// Success is the outcome of a lease whose commands all completed.
var Success = Outcome{}

// Failure is the outcome of a lease whose connection misbehaved.
func Failure(err error) Outcome {
	return Outcome{Failed: true, Kind: ncerr.KindOf(err)}
}

// EstablishmentError is returned when no connection could be opened
// within the retry budget.  Err is the last transport error.
type EstablishmentError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *EstablishmentError) Error() string {
	return fmt.Sprintf("establish %s: failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *EstablishmentError) Unwrap() error { return e.Err }

type conn struct {
	t         device.Transport
	id        device.Identity
	info      device.Info // copied at connect; Stats must not touch t
	createdAt time.Time
	lastUsed  time.Time
	uses      int
	failures  int
	lastKind  ncerr.Kind
}

type entry struct {
	key     string
	breaker *retry.CircuitBreaker

	mu       sync.Mutex
	refs     int // acquirers holding a pointer to this entry
	busy     bool
	evict    bool // close the connection when the lease comes back
	conn     *conn
	released chan struct{}
}

// Pool is a bounded set of device connections keyed by identity.
type Pool struct {
	opener device.Opener
	opts   Options
	logger *util.Logger

	slots chan struct{}
	done  chan struct{}

	mu      sync.Mutex // guards entries and closed
	entries map[string]*entry
	closed  bool

	sigMu   sync.Mutex
	changed chan struct{}
}

// New creates a pool that opens connections with opener.
func New(opener device.Opener, opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		opener:  opener,
		opts:    opts,
		logger:  opts.Logger.Named("pool"),
		slots:   make(chan struct{}, opts.MaxConns),
		done:    make(chan struct{}),
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// Lease is exclusive use of one identity's connection.
type Lease struct {
	p  *Pool
	e  *entry
	id device.Identity

	mu       sync.Mutex
	c        *conn
	released bool
}

// Transport returns the leased connection.
func (l *Lease) Transport() device.Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.t
}

// Identity returns the identity the lease was acquired for.
func (l *Lease) Identity() device.Identity { return l.id }

// Release returns the lease to its pool.
func (l *Lease) Release(o Outcome) error { return l.p.Release(l, o) }

// Reopen replaces the leased connection with a fresh one, keeping the
// lease and its slot.  It makes a single attempt.
func (l *Lease) Reopen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ncerr.ErrLeaseReleased
	}
	old := l.c
	old.t.Close()
	t, err := l.p.opener.Open(ctx, l.id)
	if err != nil {
		l.e.mu.Lock()
		old.failures++
		old.lastKind = ncerr.KindOf(err)
		l.e.evict = true
		l.e.mu.Unlock()
		return err
	}
	now := l.p.opts.Now()
	c := &conn{t: t, id: l.id, info: t.Info(), createdAt: now, lastUsed: now, uses: 1}
	l.e.mu.Lock()
	l.e.conn = c
	l.e.mu.Unlock()
	l.c = c
	l.p.logger.Verbose("reopened connection to %s", l.e.key)
	return nil
}

// Acquire returns an exclusive lease on id's connection, opening one if
// needed.  It waits at most maxWait for the identity and for a free
// slot; zero means wait until ctx is done.
func (p *Pool) Acquire(ctx context.Context, id device.Identity, maxWait time.Duration) (*Lease, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	key := id.Key()
	waitCtx := ctx
	if maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}

	e, err := p.ref(key)
	if err != nil {
		return nil, err
	}
	defer p.unref(e)

	if err := p.claim(ctx, waitCtx, e); err != nil {
		p.opts.Metrics.AcquireFailed()
		return nil, err
	}
	c, err := p.prepare(ctx, waitCtx, e, id)
	if err != nil {
		p.unclaim(e)
		p.opts.Metrics.AcquireFailed()
		return nil, err
	}
	p.opts.Metrics.LeaseGranted()
	return &Lease{p: p, e: e, id: id, c: c}, nil
}

func (p *Pool) ref(key string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ncerr.E(ncerr.KindInternal, "acquire", key, ncerr.ErrPoolClosed)
	}
	e, ok := p.entries[key]
	if !ok {
		e = &entry{key: key, released: make(chan struct{})}
		if p.opts.BreakerFailures > 0 {
			e.breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
				MaxFailures:  p.opts.BreakerFailures,
				ResetTimeout: p.opts.BreakerReset,
				HalfOpenMax:  1,
				Counts:       func(err error) bool { return ncerr.KindOf(err) != ncerr.KindCancelled },
				Now:          p.opts.Now,
				OnStateChange: func(from, to retry.State) {
					p.logger.Info("circuit for %s: %s -> %s", key, from, to)
				},
			})
		}
		p.entries[key] = e
	}
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
	return e, nil
}

func (p *Pool) unref(e *entry) {
	e.mu.Lock()
	e.refs--
	e.mu.Unlock()
}

// claim waits until the identity is free and marks it busy.
func (p *Pool) claim(ctx, waitCtx context.Context, e *entry) error {
	for {
		e.mu.Lock()
		if !e.busy {
			e.busy = true
			e.mu.Unlock()
			return nil
		}
		ch := e.released
		e.mu.Unlock()
		select {
		case <-ch:
		case <-p.done:
			return ncerr.E(ncerr.KindInternal, "acquire", e.key, ncerr.ErrPoolClosed)
		case <-waitCtx.Done():
			return p.waitError(ctx, e.key)
		}
	}
}

func (p *Pool) unclaim(e *entry) {
	e.mu.Lock()
	e.busy = false
	close(e.released)
	e.released = make(chan struct{})
	e.mu.Unlock()
}

func (p *Pool) waitError(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ncerr.E(ncerr.KindOf(err), "acquire", key, err)
	}
	return ncerr.E(ncerr.KindPoolExhausted, "acquire", key, nil)
}

// prepare runs with the entry claimed.  It reuses, probes or replaces
// the cached connection.
func (p *Pool) prepare(ctx, waitCtx context.Context, e *entry, id device.Identity) (*conn, error) {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()

	attempts := p.opts.Attempts
	if c != nil {
		decision := Evict
		if c.id == id {
			decision = p.opts.Health.Decide(p.opts.Now().Sub(c.lastUsed), c.failures, c.lastKind)
		} else {
			p.logger.Verbose("secret for %s changed, replacing connection", e.key)
		}
		if decision == Probe {
			if p.probe(waitCtx, c) {
				decision = Keep
			} else {
				attempts--
			}
		}
		if decision == Keep {
			return p.grant(e, c), nil
		}
		p.drop(e, c)
	}
	if attempts < 1 {
		attempts = 1
	}
	return p.establish(ctx, waitCtx, e, id, attempts)
}

func (p *Pool) grant(e *entry, c *conn) *conn {
	e.mu.Lock()
	c.uses++
	c.lastUsed = p.opts.Now()
	e.mu.Unlock()
	return c
}

func (p *Pool) probe(ctx context.Context, c *conn) bool {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
	defer cancel()
	_, err := c.t.Status(ctx)
	p.opts.Metrics.Probed(err == nil)
	if err != nil {
		p.logger.Verbose("probe %s failed: %v", c.id.Key(), err)
		return false
	}
	return true
}

func (p *Pool) establish(ctx, waitCtx context.Context, e *entry, id device.Identity, attempts int) (*conn, error) {
	circuitOpen := func(err error) error {
		return &EstablishmentError{Key: e.key, Err: ncerr.E(ncerr.KindUnreachable, "establish", e.key, err)}
	}
	if e.breaker != nil {
		if err := e.breaker.Peek(); err != nil {
			return nil, circuitOpen(err)
		}
	}
	if err := p.takeSlot(ctx, waitCtx, e.key); err != nil {
		return nil, err
	}
	// Every Allow from here on is paired with a Record.
	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			p.freeSlot()
			return nil, circuitOpen(err)
		}
	}

	b := &retry.Backoff{
		InitialDelay: p.opts.RetryDelay,
		Multiplier:   p.opts.Multiplier,
		MaxAttempts:  attempts,
		// Refused and protocol mismatches will not fix themselves.
		Retryable: func(err error) bool { return !ncerr.KindOf(err).Fatal() },
		OnRetry: func(attempt int, err error, wait time.Duration) {
			p.logger.Verbose("connect %s attempt %d failed: %v (retry in %v)", e.key, attempt, err, wait)
		},
	}
	var (
		t     device.Transport
		tried int
		last  error
	)
	err := b.Do(waitCtx, func(attempt int) error {
		tried = attempt
		tr, err := p.opener.Open(waitCtx, id)
		if err != nil {
			last = err
			return err
		}
		t = tr
		return nil
	})
	if e.breaker != nil {
		if err != nil && last != nil {
			e.breaker.Record(last)
		} else {
			e.breaker.Record(err)
		}
	}
	if err != nil {
		p.freeSlot()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ncerr.E(ncerr.KindOf(ctxErr), "establish", e.key, ctxErr)
		}
		if last == nil {
			last = err
		}
		p.logger.Warn("cannot connect to %s: %v", e.key, last)
		return nil, &EstablishmentError{Key: e.key, Attempts: tried, Err: last}
	}

	now := p.opts.Now()
	c := &conn{t: t, id: id, info: t.Info(), createdAt: now, lastUsed: now, uses: 1}
	e.mu.Lock()
	e.conn = c
	e.mu.Unlock()
	p.logger.Verbose("connected to %s (%s)", e.key, c.info.Serial)
	return c, nil
}

// takeSlot reserves room for one more open connection.
func (p *Pool) takeSlot(ctx, waitCtx context.Context, key string) error {
	for {
		p.sigMu.Lock()
		ch := p.changed
		p.sigMu.Unlock()

		select {
		case p.slots <- struct{}{}:
			return nil
		default:
		}
		if p.evictLRU() {
			continue
		}
		select {
		case p.slots <- struct{}{}:
			return nil
		case <-ch:
		case <-p.done:
			return ncerr.E(ncerr.KindInternal, "acquire", key, ncerr.ErrPoolClosed)
		case <-waitCtx.Done():
			return p.waitError(ctx, key)
		}
	}
}

func (p *Pool) freeSlot() {
	<-p.slots
	p.signal()
}

func (p *Pool) signal() {
	p.sigMu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.sigMu.Unlock()
}

// evictLRU closes the least recently used idle connection.
func (p *Pool) evictLRU() bool {
	p.mu.Lock()
	var (
		victim *entry
		oldest time.Time
	)
	for _, e := range p.entries {
		e.mu.Lock()
		if !e.busy && e.conn != nil && (victim == nil || e.conn.lastUsed.Before(oldest)) {
			victim, oldest = e, e.conn.lastUsed
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	c := victim.conn
	if victim.busy || c == nil {
		victim.mu.Unlock()
		return true
	}
	victim.conn = nil
	victim.mu.Unlock()
	p.logger.Verbose("evicting idle connection to %s", victim.key)
	p.closeConn(c)
	return true
}

// drop closes c if it is still e's connection.
func (p *Pool) drop(e *entry, c *conn) {
	e.mu.Lock()
	if e.conn != c {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.mu.Unlock()
	p.closeConn(c)
}

func (p *Pool) closeConn(c *conn) {
	c.t.Close()
	p.opts.Metrics.Evicted()
	p.freeSlot()
}

// Release returns a lease.  A failed outcome counts against the
// connection and may evict it; a second release returns
// [ncerr.ErrLeaseReleased] and changes nothing.
func (p *Pool) Release(l *Lease, o Outcome) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return ncerr.ErrLeaseReleased
	}
	l.released = true
	l.mu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	e := l.e
	e.mu.Lock()
	var victim *conn
	if c := e.conn; c != nil {
		c.lastUsed = p.opts.Now()
		if o.Failed {
			c.failures++
			c.lastKind = o.Kind
		} else {
			c.failures = 0
			c.lastKind = ncerr.KindInternal
		}
		if closed || e.evict || c.t.Broken() || p.opts.Health.Decide(0, c.failures, c.lastKind) == Evict {
			victim = c
			e.conn = nil
		}
	}
	e.evict = false
	e.busy = false
	close(e.released)
	e.released = make(chan struct{})
	e.mu.Unlock()

	if victim != nil {
		p.logger.Verbose("closing connection to %s after release", e.key)
		p.closeConn(victim)
	} else {
		p.signal()
	}
	p.opts.Metrics.LeaseReturned()
	return nil
}

// Evict closes id's connection.  A leased connection is closed when its
// lease is released.  It reports whether a connection existed.
func (p *Pool) Evict(id device.Identity) bool {
	p.mu.Lock()
	e, ok := p.entries[id.Key()]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	c := e.conn
	if c == nil {
		e.mu.Unlock()
		return false
	}
	if e.busy {
		e.evict = true
		e.mu.Unlock()
		return true
	}
	e.conn = nil
	e.mu.Unlock()
	p.closeConn(c)
	return true
}

// ConnInfo describes one open connection.
type ConnInfo struct {
	Key       string      `json:"key"`
	Device    device.Info `json:"device"`
	Busy      bool        `json:"busy"`
	CreatedAt time.Time   `json:"created_at"`
	LastUsed  time.Time   `json:"last_used"`
	Uses      int         `json:"uses"`
	Failures  int         `json:"failures"`
	Breaker   string      `json:"breaker,omitempty"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxConnections int        `json:"max_connections"`
	Open           int        `json:"open"`
	Busy           int        `json:"busy"`
	Connections    []ConnInfo `json:"connections"`
}

// Stats reports the open connections sorted by key.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{MaxConnections: p.opts.MaxConns, Connections: []ConnInfo{}}
	for key, e := range p.entries {
		e.mu.Lock()
		if c := e.conn; c != nil {
			info := ConnInfo{
				Key:       key,
				Device:    c.info,
				Busy:      e.busy,
				CreatedAt: c.createdAt,
				LastUsed:  c.lastUsed,
				Uses:      c.uses,
				Failures:  c.failures,
			}
			if e.breaker != nil {
				info.Breaker = e.breaker.CurrentState().String()
			}
			s.Connections = append(s.Connections, info)
			s.Open++
			if e.busy {
				s.Busy++
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(s.Connections, func(i, j int) bool { return s.Connections[i].Key < s.Connections[j].Key })
	return s
}

// Run reaps idle connections until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if n := p.Reap(); n > 0 {
				p.logger.Verbose("reaped %d idle connection(s)", n)
			}
		}
	}
}

// Reap closes connections idle longer than the policy's IdleTTL and
// forgets identities that have nothing left to track.
func (p *Pool) Reap() int {
	now := p.opts.Now()
	var victims []*conn

	p.mu.Lock()
	for key, e := range p.entries {
		e.mu.Lock()
		if c := e.conn; c != nil && !e.busy && p.opts.Health.IdleTTL > 0 && now.Sub(c.lastUsed) > p.opts.Health.IdleTTL {
			victims = append(victims, c)
			e.conn = nil
		}
		if e.conn == nil && !e.busy && e.refs == 0 &&
			(e.breaker == nil || (e.breaker.CurrentState() == retry.StateClosed && e.breaker.Failures() == 0)) {
			delete(p.entries, key)
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.closeConn(c)
	}
	return len(victims)
}

// Close refuses new acquires and closes idle connections.  Leased
// connections are closed as their leases are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	var victims []*conn
	for _, e := range p.entries {
		e.mu.Lock()
		if e.conn != nil && !e.busy {
			victims = append(victims, e.conn)
			e.conn = nil
		}
		e.mu.Unlock()
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.closeConn(c)
	}
	return nil
}
