// Package events announces finished enrollment sessions to the
// notification and reporting layers.
package events

import (
	"context"
	"strings"

	"enrollgate/internal/session"
)

// Nop discards every event.  It is used when no broker is configured.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, session.Snapshot) error { return nil }

// Topic is the topic a snapshot is published on:
// <prefix>/devices/<device>/sessions.  The device is the registry
// reference when known, otherwise the address key.
func Topic(prefix string, snap session.Snapshot) string {
	dev := snap.DeviceRef
	if dev == "" {
		dev = snap.Device
	}
	dev = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(dev)
	return prefix + "/devices/" + dev + "/sessions"
}
