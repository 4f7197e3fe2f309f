package registry

// schema is valid for both sqlite and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id         TEXT PRIMARY KEY,
		school_id  TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL,
		port       INTEGER NOT NULL,
		secret     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id         TEXT PRIMARY KEY,
		school_id  TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		student_id   TEXT NOT NULL REFERENCES students(id),
		device_id    TEXT NOT NULL REFERENCES devices(id),
		finger       INTEGER NOT NULL,
		template_ref TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		enrolled_at  TEXT NOT NULL,
		PRIMARY KEY (student_id, device_id, finger)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_device ON enrollments(device_id)`,
}
