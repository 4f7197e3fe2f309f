package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/metrics"
	"enrollgate/internal/pool"
	"enrollgate/util"
)

// hookTimeout bounds each terminal hook.
const hookTimeout = 5 * time.Second

// Options configures a [Manager].  Zero durations take the defaults
// noted on each field.
type Options struct {
	AcquireWait    time.Duration // 5s
	MaxDuration    time.Duration // 30s
	PollInterval   time.Duration // 1s
	CancelTimeout  time.Duration // 2s
	RetainTerminal time.Duration // 15m
	ReapInterval   time.Duration // 1m

	Clock    Clock
	Archive  Archive
	Events   Publisher
	Recorder Recorder
	Metrics  *metrics.Collector
	Logger   *util.Logger
}

func (o *Options) setDefaults() {
	if o.AcquireWait <= 0 {
		o.AcquireWait = 5 * time.Second
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = 2 * time.Second
	}
	if o.RetainTerminal <= 0 {
		o.RetainTerminal = 15 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
}

type session struct {
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the enrollment sessions and borrows pool leases while it
// talks to devices.
type Manager struct {
	pool   *pool.Pool
	opts   Options
	logger *util.Logger

	mu       sync.Mutex
	sessions map[string]*session
	active   map[string]string // identity key -> session id
	closed   bool

	hooks sync.WaitGroup
}

// NewManager creates a manager that leases connections from p.
func NewManager(p *pool.Pool, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		pool:     p,
		opts:     opts,
		logger:   opts.Logger.Named("session"),
		sessions: make(map[string]*session),
		active:   make(map[string]string),
	}
}

// Start registers a session for req and asks the device to wait for a
// finger.  A second start for an identity with an active session fails
// with SessionConflict before any connection is attempted.
//
// When the device cannot be reached the session ends failed and the
// error is returned together with its snapshot.  On success the
// snapshot is awaiting_capture and polling continues in the background.
func (m *Manager) Start(ctx context.Context, req Request) (Snapshot, error) {
	if err := req.Identity.Validate(); err != nil {
		return Snapshot{}, err
	}
	if req.Finger < 0 || req.Finger > 9 {
		return Snapshot{}, ncerr.Errorf(ncerr.KindInvalidRequest, "start", "finger %d out of range 0-9", req.Finger)
	}
	key := req.Identity.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Snapshot{}, ncerr.E(ncerr.KindInternal, "start", key, ncerr.ErrManagerClosed)
	}
	if id, ok := m.active[key]; ok {
		state := m.sessions[id].snap.State
		m.mu.Unlock()
		return Snapshot{}, ncerr.E(ncerr.KindSessionConflict, "start", key,
			fmt.Errorf("session %s is %s", id, state))
	}
	now := m.opts.Clock.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		snap: Snapshot{
			ID:         uuid.NewString(),
			DeviceRef:  req.DeviceRef,
			Device:     key,
			StudentRef: req.StudentRef,
			Finger:     req.Finger,
			State:      Pending,
			CreatedAt:  now,
			Deadline:   now.Add(m.opts.MaxDuration),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[s.snap.ID] = s
	m.active[key] = s.snap.ID
	m.mu.Unlock()

	m.opts.Metrics.SessionStarted()
	m.logger.Verbose("session %s: enrolling %s finger %d on %s", s.snap.ID, req.StudentRef, req.Finger, key)

	// The caller may give up while the device is being reached.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	lease, err := m.pool.Acquire(runCtx, req.Identity, m.opts.AcquireWait)
	if err != nil {
		if runCtx.Err() != nil {
			return m.finish(s, nil, pool.Success, Cancelled, nil), ncerr.E(ncerr.KindCancelled, "start", key, err)
		}
		kind := ncerr.KindOf(err)
		if kind != ncerr.KindPoolExhausted {
			kind = ncerr.KindDeviceUnavailable
		}
		err = ncerr.E(kind, "start", key, err)
		return m.finish(s, nil, pool.Success, Failed, failure(err)), err
	}

	startCtx, cancelStart := context.WithTimeout(runCtx, m.remaining(s))
	err = lease.Transport().StartCapture(startCtx, device.CaptureRequest{
		UserRef: req.StudentRef,
		Finger:  req.Finger,
		Timeout: int(m.opts.MaxDuration / time.Second),
	})
	cancelStart()
	if err != nil {
		if runCtx.Err() != nil {
			m.cancelCapture(lease, s.snap.ID, m.opts.CancelTimeout)
			return m.finish(s, lease, pool.Success, Cancelled, nil), ncerr.E(ncerr.KindCancelled, "start", key, err)
		}
		m.logger.Warn("session %s: start capture on %s: %v", s.snap.ID, key, err)
		o := pool.Failure(err)
		if ncerr.KindOf(err) == ncerr.KindDeviceError {
			// A nak means the link works.
			o = pool.Success
		}
		return m.finish(s, lease, o, Failed, failure(err)), ncerr.E(ncerr.KindOf(err), "start", key, err)
	}

	m.mu.Lock()
	s.snap.State = AwaitingCapture
	snap := s.snap
	m.mu.Unlock()

	go m.poll(runCtx, s, lease)
	return snap, nil
}

func failure(err error) *Result {
	c := ncerr.Translate(err)
	return &Result{Failure: &c}
}

func (m *Manager) remaining(s *session) time.Duration {
	d := s.snap.Deadline.Sub(m.opts.Clock.Now())
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

// poll asks the device for the capture result until it answers with a
// final state, the deadline passes or the session is cancelled.
func (m *Manager) poll(ctx context.Context, s *session, lease *pool.Lease) {
	id := s.snap.ID
	var lastErr error
	timer := time.NewTimer(m.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cancelCapture(lease, id, m.opts.CancelTimeout)
			o := pool.Success
			if lastErr != nil && lease.Transport().Broken() {
				o = pool.Failure(lastErr)
			}
			m.finish(s, lease, o, Cancelled, nil)
			return
		case <-timer.C:
		}

		now := m.opts.Clock.Now()
		if !now.Before(s.snap.Deadline) {
			m.timeout(s, lease, lastErr)
			return
		}

		pctx, cancel := context.WithTimeout(ctx, s.snap.Deadline.Sub(now))
		res, err := lease.Transport().PollCapture(pctx)
		if err != nil && lease.Transport().Broken() && ctx.Err() == nil {
			m.logger.Verbose("session %s: reopening broken connection: %v", id, err)
			if rerr := lease.Reopen(pctx); rerr != nil {
				m.logger.Verbose("session %s: reopen: %v", id, rerr)
			}
		}
		cancel()

		m.mu.Lock()
		s.snap.Polls++
		s.snap.LastPollAt = &now
		m.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			kind := ncerr.KindOf(err)
			switch {
			case kind.Fatal():
				derr := ncerr.E(ncerr.KindDeviceError, "poll", s.snap.Device, err)
				m.finish(s, lease, pool.Failure(err), Failed, failure(derr))
				return
			case kind == ncerr.KindDeviceError:
				// The terminal answered with a nak; the link is fine.
				m.finish(s, lease, pool.Success, Failed, failure(err))
				return
			}
			lastErr = err
			m.logger.Verbose("session %s: poll: %v", id, err)
			if !m.opts.Clock.Now().Before(s.snap.Deadline) {
				m.timeout(s, lease, lastErr)
				return
			}
			timer.Reset(m.nextPoll(s))
			continue
		}

		lastErr = nil
		switch res.State {
		case device.CaptureWaiting:
			timer.Reset(m.nextPoll(s))
			continue
		case device.CaptureCaptured:
			m.logger.Info("session %s: captured template %s", id, res.Template)
			m.finish(s, lease, pool.Success, Completed, &Result{TemplateRef: res.Template, Quality: res.Quality})
		case device.CaptureRejected:
			reason := res.Reason
			if reason == "" {
				reason = "capture rejected"
			}
			c := ncerr.CategoryOf(ncerr.KindCaptureRejected, reason)
			m.finish(s, lease, pool.Success, Failed, &Result{Failure: &c})
		default:
			reason := res.Reason
			if reason == "" {
				reason = fmt.Sprintf("capture state %q", res.State)
			}
			c := ncerr.CategoryOf(ncerr.KindDeviceError, reason)
			m.finish(s, lease, pool.Success, Failed, &Result{Failure: &c})
		}
		return
	}
}

// nextPoll is the poll interval, shortened so the last wait ends at
// the deadline.
func (m *Manager) nextPoll(s *session) time.Duration {
	if d := s.snap.Deadline.Sub(m.opts.Clock.Now()); d < m.opts.PollInterval {
		if d <= 0 {
			return time.Nanosecond
		}
		return d
	}
	return m.opts.PollInterval
}

// timeout ends a session whose deadline passed.  The device cancel
// must be over by half a poll interval past the deadline, so the
// session ends within one interval of it.
func (m *Manager) timeout(s *session, lease *pool.Lease, lastErr error) {
	m.logger.Info("session %s: no finger before deadline", s.snap.ID)
	limit := min(m.opts.CancelTimeout, m.opts.PollInterval/2)
	budget := s.snap.Deadline.Add(limit).Sub(m.opts.Clock.Now())
	if budget < time.Millisecond {
		budget = time.Millisecond
	}
	m.cancelCapture(lease, s.snap.ID, budget)
	m.finish(s, lease, outcome(lastErr), TimedOut, nil)
}

func outcome(transportErr error) pool.Outcome {
	if transportErr != nil {
		return pool.Failure(transportErr)
	}
	return pool.Success
}

// cancelCapture tells the device to stop waiting.  Its failure is only
// logged.
func (m *Manager) cancelCapture(lease *pool.Lease, id string, limit time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	if err := lease.Transport().CancelCapture(ctx); err != nil {
		m.logger.Verbose("session %s: cancel capture: %v", id, err)
	}
}

// finish releases the lease, then makes the terminal state visible and
// runs the terminal hooks.
func (m *Manager) finish(s *session, lease *pool.Lease, o pool.Outcome, state State, res *Result) Snapshot {
	if lease != nil {
		if err := lease.Release(o); err != nil {
			m.logger.Error("session %s: release: %v", s.snap.ID, err)
		}
	}
	now := m.opts.Clock.Now()

	// Counted before the session leaves active so Close waits for it.
	m.hooks.Add(1)

	m.mu.Lock()
	s.snap.State = state
	s.snap.Result = res
	s.snap.FinishedAt = &now
	if m.active[s.snap.Device] == s.snap.ID {
		delete(m.active, s.snap.Device)
	}
	snap := s.snap
	m.mu.Unlock()

	s.cancel()
	close(s.done)
	m.opts.Metrics.SessionEnded(string(state))
	m.logger.Verbose("session %s: %s", snap.ID, state)

	go func() {
		defer m.hooks.Done()
		m.runHooks(snap)
	}()
	return snap
}

func (m *Manager) runHooks(snap Snapshot) {
	if m.opts.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		if err := m.opts.Archive.Put(ctx, snap, m.opts.RetainTerminal); err != nil {
			m.logger.Warn("session %s: archive: %v", snap.ID, err)
		}
		cancel()
	}
	if m.opts.Recorder != nil && snap.State == Completed {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		if err := m.opts.Recorder.RecordEnrollment(ctx, snap); err != nil {
			m.logger.Warn("session %s: record enrollment: %v", snap.ID, err)
		}
		cancel()
	}
	if m.opts.Events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		if err := m.opts.Events.Publish(ctx, snap); err != nil {
			m.logger.Warn("session %s: publish: %v", snap.ID, err)
		}
		cancel()
	}
}

// Status returns the session's snapshot.  Sessions no longer held in
// memory are looked up in the archive.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	var snap Snapshot
	if ok {
		snap = s.snap
	}
	m.mu.Unlock()
	if ok {
		return snap, nil
	}
	return m.archived(ctx, id)
}

func (m *Manager) archived(ctx context.Context, id string) (Snapshot, error) {
	if m.opts.Archive != nil {
		snap, found, err := m.opts.Archive.Get(ctx, id)
		if err != nil {
			m.logger.Warn("session %s: archive lookup: %v", id, err)
		} else if found {
			return snap, nil
		}
	}
	return Snapshot{}, ncerr.E(ncerr.KindNotFound, "status", "", fmt.Errorf("%w: %s", ncerr.ErrSessionNotFound, id))
}

// Cancel stops a pending or awaiting session and waits until it is
// terminal.  Cancelling a terminal session returns its snapshot
// unchanged.
func (m *Manager) Cancel(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return m.archived(ctx, id)
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return Snapshot{}, ncerr.E(ncerr.KindOf(ctx.Err()), "cancel", s.snap.Device, ctx.Err())
	}
	return m.Status(ctx, id)
}

// List returns snapshots of all sessions held in memory, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snap)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Run reaps terminal sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Verbose("reaped %d finished session(s)", n)
			}
		}
	}
}

// Reap forgets terminal sessions finished more than RetainTerminal ago.
func (m *Manager) Reap() int {
	cutoff := m.opts.Clock.Now().Add(-m.opts.RetainTerminal)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.snap.State.Terminal() && s.snap.FinishedAt != nil && s.snap.FinishedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Close cancels every active session and waits for them and their
// hooks to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var live []*session
	for _, id := range m.active {
		live = append(live, m.sessions[id])
	}
	m.mu.Unlock()

	for _, s := range live {
		s.cancel()
	}
	for _, s := range live {
		<-s.done
	}
	m.hooks.Wait()
	return nil
}
