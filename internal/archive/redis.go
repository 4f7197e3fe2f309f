// Package archive keeps terminal session snapshots in Redis so status
// queries keep working after the manager forgets a session and across
// service restarts.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"enrollgate/internal/session"
)

// Redis is a [session.Archive] backed by a Redis server.
type Redis struct {
	client *redis.Client
	prefix string
}

// Options selects the server and key namespace.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // default "enrollgate"
}

// New connects to Redis and checks the connection.
func New(ctx context.Context, opts Options) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("archive: connect redis %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "enrollgate"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(id string) string {
	return r.prefix + ":session:" + id
}

// Put stores snap for ttl.  Only terminal snapshots are archived.
func (r *Redis) Put(ctx context.Context, snap session.Snapshot, ttl time.Duration) error {
	if !snap.State.Terminal() {
		return fmt.Errorf("archive: session %s is %s, not terminal", snap.ID, snap.State)
	}
	if ttl <= 0 {
		return fmt.Errorf("archive: ttl must be positive")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", snap.ID, err)
	}
	return r.client.Set(ctx, r.key(snap.ID), data, ttl).Err()
}

// Get returns the archived snapshot for id.
func (r *Redis) Get(ctx context.Context, id string) (session.Snapshot, bool, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("archive: get %s: %w", id, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return session.Snapshot{}, false, fmt.Errorf("archive: unmarshal %s: %w", id, err)
	}
	return snap, true, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
