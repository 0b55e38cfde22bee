// Package stats implements the Resque stat counters (C2): monotonic,
// namespaced integer counters backed directly by Redis, with no local
// caching.
package stats

import (
	"context"
	"fmt"

	"github.com/goresque/goresque/internal/redisconn"
)

const keyPrefix = "stat:"

// Stats wraps a redisconn.Conn to expose the counter API.
type Stats struct {
	conn *redisconn.Conn
}

// New returns a Stats bound to conn.
func New(conn *redisconn.Conn) *Stats {
	return &Stats{conn: conn}
}

func key(name string) string {
	return keyPrefix + name
}

// Get returns the current value of a counter. An absent key reads as 0.
func (s *Stats) Get(ctx context.Context, name string) (int64, error) {
	v, ok, err := s.conn.Get(ctx, key(name))
	if err != nil {
		return 0, fmt.Errorf("stats: get %q: %w", name, err)
	}
	if !ok {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("stats: get %q: corrupt value %q", name, v)
	}
	return n, nil
}

// Incr increments a counter by the given amount; an amount of 0 is treated
// as 1.
func (s *Stats) Incr(ctx context.Context, name string, by int64) error {
	if by == 0 {
		by = 1
	}
	if _, err := s.conn.IncrBy(ctx, key(name), by); err != nil {
		return fmt.Errorf("stats: incr %q: %w", name, err)
	}
	return nil
}

// Decr decrements a counter by delta. Nothing in the worker loop calls this;
// it is kept as public API for hosts, matching the upstream Stat.decr that
// is likewise unused by the runtime itself.
func (s *Stats) Decr(ctx context.Context, name string, by int64) error {
	if by == 0 {
		by = 1
	}
	if _, err := s.conn.DecrBy(ctx, key(name), by); err != nil {
		return fmt.Errorf("stats: decr %q: %w", name, err)
	}
	return nil
}

// Clear deletes a counter, resetting it to the implicit zero value.
func (s *Stats) Clear(ctx context.Context, name string) error {
	if err := s.conn.Del(ctx, key(name)); err != nil {
		return fmt.Errorf("stats: clear %q: %w", name, err)
	}
	return nil
}
