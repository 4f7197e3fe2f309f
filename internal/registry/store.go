// Package registry is the SQL store of devices, students and their
// enrolled fingerprint templates.  It runs on sqlite by default and on
// postgres when the service shares the dashboard's database.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"enrollgate/internal/device"
	ncerr "enrollgate/internal/errors"
	"enrollgate/internal/session"
)

// Device is a registered terminal.
type Device struct {
	ID       string `json:"id"`
	SchoolID string `json:"school_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Secret   string `json:"-"`
}

// Identity is how the pool reaches the device.
func (d Device) Identity() device.Identity {
	return device.Identity{Address: d.Address, Port: d.Port, Secret: d.Secret}
}

// Student is an enrollable person.
type Student struct {
	ID       string `json:"id"`
	SchoolID string `json:"school_id"`
	Name     string `json:"name"`
}

// Enrollment is a template stored on a device.
type Enrollment struct {
	StudentID   string    `json:"student_id"`
	DeviceID    string    `json:"device_id"`
	Finger      int       `json:"finger"`
	TemplateRef string    `json:"template_ref"`
	SessionID   string    `json:"session_id"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Store is a database/sql backed registry.
type Store struct {
	db     *sql.DB
	driver string
}

const (
	sqliteBusyCode    = 5
	busyRetryAttempts = 5
	busyRetryInitial  = 10 * time.Millisecond
	busyRetryMax      = 200 * time.Millisecond
)

// Open connects to the registry database and creates missing tables.
// driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("registry: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s registry: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; the pragmas are per connection.
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s registry: %w", driver, err)
	}
	s := &Store{db: db, driver: driver}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init registry schema: %w", err)
		}
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	query = rebind(s.driver, query)
	delay := busyRetryInitial
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query, args...)
		if lastErr == nil || !isSQLiteBusy(lastErr) {
			return lastErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMax {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.driver, query), args...)
}

// PutDevice inserts or replaces a device.
func (s *Store) PutDevice(ctx context.Context, d Device) error {
	if d.ID == "" {
		return ncerr.Errorf(ncerr.KindInvalidRequest, "put device", "device id is required")
	}
	if err := d.Identity().Validate(); err != nil {
		return err
	}
	err := s.exec(ctx, `INSERT INTO devices (id, school_id, name, address, port, secret)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET school_id = excluded.school_id, name = excluded.name,
			address = excluded.address, port = excluded.port, secret = excluded.secret`,
		d.ID, d.SchoolID, d.Name, d.Address, d.Port, d.Secret)
	if err != nil {
		return fmt.Errorf("put device %s: %w", d.ID, err)
	}
	return nil
}

// PutStudent inserts or replaces a student.
func (s *Store) PutStudent(ctx context.Context, st Student) error {
	if st.ID == "" {
		return ncerr.Errorf(ncerr.KindInvalidRequest, "put student", "student id is required")
	}
	err := s.exec(ctx, `INSERT INTO students (id, school_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET school_id = excluded.school_id, name = excluded.name`,
		st.ID, st.SchoolID, st.Name)
	if err != nil {
		return fmt.Errorf("put student %s: %w", st.ID, err)
	}
	return nil
}

// Device looks up a device by id.
func (s *Store) Device(ctx context.Context, id string) (Device, error) {
	var d Device
	err := s.queryRow(ctx, `SELECT id, school_id, name, address, port, secret FROM devices WHERE id = ?`, id).
		Scan(&d.ID, &d.SchoolID, &d.Name, &d.Address, &d.Port, &d.Secret)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ncerr.Errorf(ncerr.KindNotFound, "device", "unknown device %q", id)
	}
	if err != nil {
		return Device{}, fmt.Errorf("load device %s: %w", id, err)
	}
	return d, nil
}

// Devices lists every registered device ordered by id.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, school_id, name, address, port, secret FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.SchoolID, &d.Name, &d.Address, &d.Port, &d.Secret); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Student looks up a student by id.
func (s *Store) Student(ctx context.Context, id string) (Student, error) {
	var st Student
	err := s.queryRow(ctx, `SELECT id, school_id, name FROM students WHERE id = ?`, id).
		Scan(&st.ID, &st.SchoolID, &st.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ncerr.Errorf(ncerr.KindNotFound, "student", "unknown student %q", id)
	}
	if err != nil {
		return Student{}, fmt.Errorf("load student %s: %w", id, err)
	}
	return st, nil
}

// ValidateEnrollment checks that the student may enroll finger on the
// device and returns the device.
func (s *Store) ValidateEnrollment(ctx context.Context, studentID, deviceID string, finger int) (Device, error) {
	if finger < 0 || finger > 9 {
		return Device{}, ncerr.Errorf(ncerr.KindInvalidRequest, "validate", "finger %d out of range 0-9", finger)
	}
	st, err := s.Student(ctx, studentID)
	if err != nil {
		return Device{}, err
	}
	d, err := s.Device(ctx, deviceID)
	if err != nil {
		return Device{}, err
	}
	if st.SchoolID != d.SchoolID {
		return Device{}, ncerr.Errorf(ncerr.KindInvalidRequest, "validate",
			"student %s and device %s belong to different schools", studentID, deviceID)
	}
	return d, nil
}

// RecordEnrollment stores the template reference of a completed
// session.  Other sessions, and sessions started without a registered
// device, are ignored.
func (s *Store) RecordEnrollment(ctx context.Context, snap session.Snapshot) error {
	if snap.State != session.Completed || snap.Result == nil || snap.DeviceRef == "" {
		return nil
	}
	at := time.Now().UTC()
	if snap.FinishedAt != nil {
		at = snap.FinishedAt.UTC()
	}
	err := s.exec(ctx, `INSERT INTO enrollments (student_id, device_id, finger, template_ref, session_id, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, device_id, finger) DO UPDATE SET template_ref = excluded.template_ref,
			session_id = excluded.session_id, enrolled_at = excluded.enrolled_at`,
		snap.StudentRef, snap.DeviceRef, snap.Finger, snap.Result.TemplateRef, snap.ID, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record enrollment %s: %w", snap.ID, err)
	}
	return nil
}

// Enrollments lists a student's stored templates.
func (s *Store) Enrollments(ctx context.Context, studentID string) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `SELECT student_id, device_id, finger, template_ref, session_id, enrolled_at
		FROM enrollments WHERE student_id = ? ORDER BY device_id, finger`), studentID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()
	var out []Enrollment
	for rows.Next() {
		var (
			e  Enrollment
			at string
		)
		if err := rows.Scan(&e.StudentID, &e.DeviceID, &e.Finger, &e.TemplateRef, &e.SessionID, &at); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		if e.EnrolledAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse enrolled_at %q: %w", at, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
