// Package queue implements the Resque queue store (C3): push/pop/size over
// per-queue Redis lists of JSON-encoded job envelopes, plus the selective
// removal ("dequeue") algorithm described in spec §4.3. It is grounded on
// the teacher's internal/queue/redis.go pipeline and pooling conventions,
// rewritten around a single Resque-style list per queue instead of three
// fixed priority queues.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goresque/goresque/internal/redisconn"
)

const queuesSetKey = "queues"

// dequeueAllScript reads a list's length and deletes it in one atomic step.
const dequeueAllScript = `local n = redis.call('LLEN', KEYS[1])
redis.call('DEL', KEYS[1])
return n`

// Envelope is the wire format of a job sitting on a queue list:
// {"class": "...", "args": [ {...} ], "id": "..."}.
type Envelope struct {
	Class string                   `json:"class"`
	Args  []map[string]interface{} `json:"args"`
	ID    string                   `json:"id"`
}

// Encode marshals the envelope to its JSON wire form.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("queue: encode envelope: %w", err)
	}
	return string(b), nil
}

// Arg0 returns the first (and only) element of Args, or nil if the envelope
// carries no argument mapping.
func (e Envelope) Arg0() map[string]interface{} {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

func decodeEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return e, nil
}

// MatchItem is one entry of a selective-dequeue match spec (spec §4.3):
// either a bare class name, a class+id pair, or a class+args subset.
type MatchItem struct {
	Class string
	ID    string                 // optional; matches envelope.ID when set
	Args  map[string]interface{} // optional; subset-matched against envelope.Args[0]
}

// Matches reports whether env satisfies this match item.
func (m MatchItem) Matches(env Envelope) bool {
	if env.Class != m.Class {
		return false
	}
	if m.ID != "" {
		return env.ID == m.ID
	}
	if len(m.Args) > 0 {
		return argsContainAll(env.Arg0(), m.Args)
	}
	return true
}

// argsContainAll implements the upstream array_diff-style subset match:
// every key/value pair in want must be present, with an equal value, in got.
// Values are compared after a round trip through their JSON representation
// so numeric/string distinctions introduced by decoding match the way the
// original produced them.
func argsContainAll(got, want map[string]interface{}) bool {
	for k, wv := range want {
		gv, ok := got[k]
		if !ok {
			return false
		}
		if !jsonEqual(gv, wv) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Queue operates the per-queue Redis lists and the global "queues" set.
type Queue struct {
	conn *redisconn.Conn
}

// New returns a Queue store bound to conn.
func New(conn *redisconn.Conn) *Queue {
	return &Queue{conn: conn}
}

func listKey(name string) string {
	return "queue:" + name
}

// Push adds name to the queue set (idempotent) and appends env to the tail
// of queue:<name>.
func (q *Queue) Push(ctx context.Context, name string, env Envelope) error {
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	if err := q.conn.SAdd(ctx, queuesSetKey, name); err != nil {
		return fmt.Errorf("queue: register %q: %w", name, err)
	}
	if err := q.conn.RPush(ctx, listKey(name), encoded); err != nil {
		return fmt.Errorf("queue: push to %q: %w", name, err)
	}
	return nil
}

// Pop removes and returns the head envelope of queue:<name>. ok is false
// when the queue is empty.
func (q *Queue) Pop(ctx context.Context, name string) (env Envelope, ok bool, err error) {
	raw, found, err := q.conn.LPop(ctx, listKey(name))
	if err != nil {
		return Envelope{}, false, fmt.Errorf("queue: pop %q: %w", name, err)
	}
	if !found {
		return Envelope{}, false, nil
	}
	env, err = decodeEnvelope(raw)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Size returns the current length of queue:<name>.
func (q *Queue) Size(ctx context.Context, name string) (int64, error) {
	n, err := q.conn.LLen(ctx, listKey(name))
	if err != nil {
		return 0, fmt.Errorf("queue: size %q: %w", name, err)
	}
	return n, nil
}

// Queues returns every known queue name, alphabetically sorted so callers
// resolving a wildcard worker get a deterministic poll order.
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	members, err := q.conn.SMembers(ctx, queuesSetKey)
	if err != nil {
		// A corrupted "queues" key is treated as "no queues" (spec §9):
		// the reserve path should see this as "no job", not an error.
		return nil, nil
	}
	sort.Strings(members)
	return members, nil
}

// Dequeue performs selective removal from queue:<name>. With no items it
// atomically empties the whole list and returns its prior length. With
// items, it drains the list through a timestamped temp list, discarding
// envelopes that match any item and requeuing survivors, per spec §4.3.
func (q *Queue) Dequeue(ctx context.Context, name string, items []MatchItem) (int, error) {
	if len(items) == 0 {
		n, err := q.conn.Raw().Eval(ctx, dequeueAllScript, []string{q.conn.Key(listKey(name))}).Int64()
		if err != nil {
			return 0, fmt.Errorf("queue: dequeue-all %q: %w", name, err)
		}
		return int(n), nil
	}

	qKey := listKey(name)
	tempKey := fmt.Sprintf("%s:temp:%d", qKey, time.Now().UnixNano())
	requeueKey := tempKey + ":requeue"

	removed := 0
	for {
		raw, ok, err := q.conn.RPopLPush(ctx, qKey, tempKey)
		if err != nil {
			return removed, fmt.Errorf("queue: dequeue drain %q: %w", name, err)
		}
		if !ok {
			break
		}

		env, err := decodeEnvelope(raw)
		matched := err == nil && matchesAny(env, items)

		if matched {
			if _, _, err := q.conn.RPop(ctx, tempKey); err != nil {
				return removed, fmt.Errorf("queue: dequeue discard %q: %w", name, err)
			}
			removed++
			continue
		}

		if _, _, err := q.conn.RPopLPush(ctx, tempKey, requeueKey); err != nil {
			return removed, fmt.Errorf("queue: dequeue requeue %q: %w", name, err)
		}
	}

	for {
		_, ok, err := q.conn.RPopLPush(ctx, requeueKey, qKey)
		if err != nil {
			return removed, fmt.Errorf("queue: dequeue restore %q: %w", name, err)
		}
		if !ok {
			break
		}
	}

	_ = q.conn.Del(ctx, requeueKey, tempKey)

	return removed, nil
}

func matchesAny(env Envelope, items []MatchItem) bool {
	for _, it := range items {
		if it.Matches(env) {
			return true
		}
	}
	return false
}
