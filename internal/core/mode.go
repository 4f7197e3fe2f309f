// Package core is the orchestration layer.  It composes the pool, the
// session manager and the stores into complete operational modes and
// provides builders that assemble each mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  device  →  pool  →  session  →  api  →  core  →  cmd (CLI)
package core

import "context"

// Mode represents a complete operational mode of enrollgate (serve,
// probe or simulate).  Each mode owns its full lifecycle from startup
// to teardown and returns when ctx is cancelled or its work is done.
type Mode interface {
	Run(ctx context.Context) error
}
