// Package client is the producer-facing API for enqueuing jobs, grounded
// on the teacher's pkg/client/client.go shape (a thin Redis-backed wrapper
// exposing Submit/Get/Wait methods) but delegating all Resque semantics to
// internal/job.Manager rather than duplicating them.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/goresque/goresque/internal/events"
	"github.com/goresque/goresque/internal/failure"
	"github.com/goresque/goresque/internal/job"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/redisconn"
	"github.com/goresque/goresque/internal/stats"
	"github.com/goresque/goresque/internal/status"
)

// Client is a producer handle for enqueuing jobs and inspecting their
// status, backed by its own redisconn.Conn.
type Client struct {
	conn    *redisconn.Conn
	manager *job.Manager
}

// New connects to server (host:port) and returns a Client under the given
// key namespace. An empty namespace defaults to "resque:".
func New(server, namespace string) (*Client, error) {
	conn, err := redisconn.New(redisconn.Config{Server: server, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	manager := job.NewManager(
		queue.New(conn),
		status.New(conn),
		failure.NewRedisSink(conn),
		events.New(),
		stats.New(conn),
	)

	return &Client{conn: conn, manager: manager}, nil
}

// Enqueue pushes a job of the given class onto queueName. args must be nil
// or JSON-object-shaped (struct, map, or pointer to either). When
// trackStatus is true the job's lifecycle can be observed via Status and
// WaitFor. Returns the job id: the "id" value of args when present,
// otherwise a freshly minted one.
func (c *Client) Enqueue(ctx context.Context, queueName, class string, args interface{}, trackStatus bool) (string, error) {
	return c.manager.Create(ctx, queueName, class, args, trackStatus)
}

// Status returns the current tracked status record for id, if any.
func (c *Client) Status(ctx context.Context, id string) (status.Record, bool, error) {
	return c.manager.Status.Get(ctx, id)
}

// WaitFor blocks until id's tracked status reaches a terminal state
// (complete or failed) or timeout elapses. The job must have been
// enqueued with trackStatus=true.
func (c *Client) WaitFor(ctx context.Context, id string, timeout time.Duration) (status.Record, bool, error) {
	return c.manager.Status.WaitFor(ctx, id, timeout)
}

// QueueSize reports how many pending envelopes remain on queueName.
func (c *Client) QueueSize(ctx context.Context, queueName string) (int64, error) {
	return c.manager.Queue.Size(ctx, queueName)
}

// Queues lists known queue names.
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	return c.manager.Queue.Queues(ctx)
}

// Manager exposes the underlying job.Manager for callers that need direct
// access (building a worker in the same process, for example).
func (c *Client) Manager() *job.Manager { return c.manager }

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
