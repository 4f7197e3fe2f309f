// Package session runs remote fingerprint enrollments.
//
// A session binds one device identity and one student for the time a
// person needs to put a finger on the terminal.  It moves from pending
// through awaiting_capture to exactly one terminal state; the manager
// enforces a single active session per identity and holds a pool lease
// for the session's whole life.
package session

import (
	"context"
	"time"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
)

// State is the lifecycle position of a session.
type State string

const (
	Pending         State = "pending"
	AwaitingCapture State = "awaiting_capture"
	Completed       State = "completed"
	Failed          State = "failed"
	TimedOut        State = "timed_out"
	Cancelled       State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case Completed, Failed, TimedOut, Cancelled:
		return true
	}
	return false
}

// Request starts an enrollment.
type Request struct {
	DeviceRef  string
	Identity   device.Identity
	StudentRef string
	Finger     int
}

// Result is the outcome of a terminal session.  Exactly one of
// TemplateRef and Failure is set, except for cancelled sessions which
// carry neither.
type Result struct {
	TemplateRef string          `json:"template_ref,omitempty"`
	Quality     int             `json:"quality,omitempty"`
	Failure     *ncerr.Category `json:"failure,omitempty"`
}

// Snapshot is a copy of a session's state.  Snapshots of terminal
// sessions never change.
type Snapshot struct {
	ID         string     `json:"id"`
	DeviceRef  string     `json:"device_ref,omitempty"`
	Device     string     `json:"device"`
	StudentRef string     `json:"student_ref"`
	Finger     int        `json:"finger"`
	State      State      `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	Deadline   time.Time  `json:"deadline"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	Polls      int        `json:"polls"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     *Result    `json:"result,omitempty"`
}

// Clock supplies the time used for deadlines and timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Archive keeps terminal snapshots after they leave memory.
type Archive interface {
	Put(ctx context.Context, snap Snapshot, ttl time.Duration) error
	Get(ctx context.Context, id string) (Snapshot, bool, error)
}

// Publisher announces terminal sessions.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

// Recorder persists completed enrollments.
type Recorder interface {
	RecordEnrollment(ctx context.Context, snap Snapshot) error
}
