// Package failure implements the failure sink (C7): a pluggable backend
// that persists failed-job envelopes. It is grounded on the teacher's
// internal/queue/redis.go dead-letter-queue writer, repointed at the single
// failed:<id> key described in spec §3 instead of a shared dead-letter list.
package failure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goresque/goresque/internal/redisconn"
)

const ttl = 14 * 24 * time.Hour

// Envelope is the JSON shape persisted at failed:<id>.
type Envelope struct {
	FailedAt  string                 `json:"failed_at"`
	Payload   map[string]interface{} `json:"payload"`
	Exception string                 `json:"exception"`
	Error     string                 `json:"error"`
	Backtrace []string               `json:"backtrace"`
	Worker    string                 `json:"worker"`
	Queue     string                 `json:"queue"`
}

// Sink persists a failed job. Implementations may redirect failures
// elsewhere (e.g. a log pipeline) without the core needing to change.
type Sink interface {
	Create(ctx context.Context, payload map[string]interface{}, exception, errMsg string, backtrace []string, worker, queueName string) error
}

// RedisSink is the default Sink: it writes failed:<id> with a 14-day TTL.
type RedisSink struct {
	conn *redisconn.Conn
}

// NewRedisSink returns a RedisSink bound to conn.
func NewRedisSink(conn *redisconn.Conn) *RedisSink {
	return &RedisSink{conn: conn}
}

// Create writes a failure envelope. The id is taken from payload["id"] when
// present; callers pass the job's identity explicitly via CreateWithID when
// the payload does not carry one.
func (s *RedisSink) Create(ctx context.Context, payload map[string]interface{}, exception, errMsg string, backtrace []string, worker, queueName string) error {
	id, _ := payload["id"].(string)
	return s.CreateWithID(ctx, id, payload, exception, errMsg, backtrace, worker, queueName)
}

// CreateWithID writes a failure envelope under failed:<id> explicitly.
func (s *RedisSink) CreateWithID(ctx context.Context, id string, payload map[string]interface{}, exception, errMsg string, backtrace []string, worker, queueName string) error {
	env := Envelope{
		FailedAt:  time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
		Exception: exception,
		Error:     errMsg,
		Backtrace: backtrace,
		Worker:    worker,
		Queue:     queueName,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failure: marshal %q: %w", id, err)
	}
	if err := s.conn.SetEX(ctx, "failed:"+id, string(b), ttl); err != nil {
		return fmt.Errorf("failure: write %q: %w", id, err)
	}
	return nil
}
