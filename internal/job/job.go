// Package job implements the Resque job record (C4): envelope structure,
// identity minting, status delegation, perform/fail/recreate. Grounded on
// the teacher's internal/job/types.go (NewJob, UpdateStatus shape) and
// internal/worker/executor.go (ExecuteJob's handler-then-record-outcome
// flow), generalized from Bananas' own job model onto the Resque envelope
// and the beforePerform/setUp DontPerform contract from spec §4.4/§4.6.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goresqueerrors "github.com/goresque/goresque/internal/errors"
	"github.com/goresque/goresque/internal/events"
	"github.com/goresque/goresque/internal/failure"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/stats"
	"github.com/goresque/goresque/internal/status"
	"github.com/google/uuid"
)

// Job is a reserved unit of work bound to the queue it was popped from.
type Job struct {
	Queue    string
	Envelope queue.Envelope
	WorkerID string
}

// ID returns the envelope's identity.
func (j *Job) ID() string { return j.Envelope.ID }

// Class returns the envelope's handler class name.
func (j *Job) Class() string { return j.Envelope.Class }

// Args returns the decoded argument mapping, or nil if the job carries none.
func (j *Job) Args() map[string]interface{} { return j.Envelope.Arg0() }

// BeforePerformGuard runs immediately before a job's handler. Returning a
// *goresqueerrors.DontPerformAbort causes the job to be skipped cleanly;
// any other error fails the job. This is the explicit-return replacement
// for the source's exception-based DontPerform control flow (spec §9).
type BeforePerformGuard func(ctx context.Context, j *Job) error

// Manager ties together the components a job needs to create, reserve,
// perform, and fail itself: the queue store, status tracker, failure sink,
// event bus, and stat counters.
type Manager struct {
	Queue    *queue.Queue
	Status   *status.Tracker
	Failures failure.Sink
	Bus      *events.Bus
	Stats    *stats.Stats

	guards []BeforePerformGuard
}

// NewManager wires the C3–C7 components into a Manager.
func NewManager(q *queue.Queue, st *status.Tracker, fs failure.Sink, bus *events.Bus, sc *stats.Stats) *Manager {
	return &Manager{Queue: q, Status: st, Failures: fs, Bus: bus, Stats: sc}
}

// OnBeforePerform registers a guard run before every job's handler.
func (m *Manager) OnBeforePerform(g BeforePerformGuard) {
	m.guards = append(m.guards, g)
}

func newHexID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Create validates args, mints or reuses an identity, pushes the envelope
// onto queueName, optionally begins status tracking, and fires
// afterEnqueue. args must be nil or decode to a JSON object; anything else
// is an InvalidArgument.
func (m *Manager) Create(ctx context.Context, queueName, class string, args interface{}, trackStatus bool) (string, error) {
	argsMap, err := normalizeArgs(args)
	if err != nil {
		return "", err
	}

	recreated := false
	id, _ := argsMap["id"].(string)
	if id != "" {
		recreated = true
	} else {
		id = newHexID()
	}

	env := queue.Envelope{Class: class, ID: id}
	if argsMap != nil {
		env.Args = []map[string]interface{}{argsMap}
	}

	if err := m.Queue.Push(ctx, queueName, env); err != nil {
		return "", err
	}

	if trackStatus && m.Status != nil {
		if recreated {
			if tracked, _ := m.Status.IsTracking(ctx, id); tracked {
				_ = m.Status.Update(ctx, id, status.Waiting)
			} else {
				_ = m.Status.Create(ctx, id)
			}
		} else {
			_ = m.Status.Create(ctx, id)
		}
	}

	if m.Bus != nil {
		m.Bus.Trigger(events.AfterEnqueue, map[string]interface{}{
			"class": class,
			"args":  argsMap,
			"queue": queueName,
		})
	}

	return id, nil
}

func normalizeArgs(args interface{}) (map[string]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	if m, ok := args.(map[string]interface{}); ok {
		return m, nil
	}
	// Accept anything JSON-object-shaped (e.g. a struct) by round-tripping.
	b, err := json.Marshal(args)
	if err != nil {
		return nil, &goresqueerrors.InvalidArgument{Reason: fmt.Sprintf("args not serializable: %v", err)}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, &goresqueerrors.InvalidArgument{Reason: "args must be a mapping"}
	}
	return m, nil
}

// Reserve pops the next envelope from queueName and binds it into a Job.
// ok is false when the queue is empty.
func (m *Manager) Reserve(ctx context.Context, queueName string) (*Job, bool, error) {
	env, ok, err := m.Queue.Pop(ctx, queueName)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Job{Queue: queueName, Envelope: env}, true, nil
}

// Perform resolves j's handler via lookup and runs it through the
// beforePerform/setUp/perform/tearDown/afterPerform pipeline described in
// spec §4.4 and §4.6. performed is false (with nil error) when a guard or
// setUp signaled DontPerform.
func (j *Job) Perform(ctx context.Context, m *Manager, lookup HandlerLookup) (performed bool, err error) {
	handler, ok := lookup.Lookup(j.Class())
	if !ok {
		return false, &goresqueerrors.HandlerNotFound{Class: j.Class()}
	}

	for _, g := range m.guards {
		if gerr := g(ctx, j); gerr != nil {
			if isDontPerform(gerr) {
				return false, nil
			}
			return false, &goresqueerrors.HandlerError{Class: j.Class(), Err: gerr}
		}
	}
	if m.Bus != nil {
		m.Bus.Trigger(events.BeforePerform, j)
	}

	if handler.SetUp != nil {
		if serr := handler.SetUp(ctx, j); serr != nil {
			if isDontPerform(serr) {
				return false, nil
			}
			return false, &goresqueerrors.HandlerError{Class: j.Class(), Err: serr}
		}
	}

	if perr := handler.Perform(ctx, j); perr != nil {
		return false, &goresqueerrors.HandlerError{Class: j.Class(), Err: perr}
	}

	if handler.TearDown != nil {
		if terr := handler.TearDown(ctx, j); terr != nil {
			return false, &goresqueerrors.HandlerError{Class: j.Class(), Err: terr}
		}
	}

	if m.Bus != nil {
		m.Bus.Trigger(events.AfterPerform, j)
	}
	return true, nil
}

func isDontPerform(err error) bool {
	var dp *goresqueerrors.DontPerformAbort
	return errors.As(err, &dp)
}

// Fail records j as failed: fires onFailure, marks status FAILED, persists
// a failure envelope, and increments the failed counters.
func (j *Job) Fail(ctx context.Context, m *Manager, failErr error, backtrace []string) error {
	if m.Bus != nil {
		m.Bus.Trigger(events.OnFailure, map[string]interface{}{"exception": failErr, "job": j})
	}

	if m.Status != nil {
		_ = m.Status.Update(ctx, j.ID(), status.Failed)
	}

	if m.Failures != nil {
		payload := map[string]interface{}{
			"class": j.Class(),
			"args":  j.Envelope.Args,
			"id":    j.ID(),
		}
		if ferr := m.Failures.Create(ctx, payload, exceptionName(failErr), failErr.Error(), backtrace, j.WorkerID, j.Queue); ferr != nil {
			return ferr
		}
	}

	if m.Stats != nil {
		_ = m.Stats.Incr(ctx, "failed", 1)
		if j.WorkerID != "" {
			_ = m.Stats.Incr(ctx, "failed:"+j.WorkerID, 1)
		}
	}
	return nil
}

func exceptionName(err error) string {
	switch err.(type) {
	case *goresqueerrors.HandlerNotFound:
		return "HandlerNotFound"
	case *goresqueerrors.HandlerError:
		return "HandlerError"
	case *goresqueerrors.DirtyExitError:
		return "DirtyExitError"
	case *goresqueerrors.InvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("%T", err)
	}
}

// Recreate republishes j's class and args onto the same queue under a fresh
// identity. If the original id was tracked, tracking is re-established on
// the new id.
func (j *Job) Recreate(ctx context.Context, m *Manager) (string, error) {
	wasTracked := false
	if m.Status != nil {
		wasTracked, _ = m.Status.IsTracking(ctx, j.ID())
	}

	newID := newHexID()
	env := queue.Envelope{Class: j.Class(), Args: j.Envelope.Args, ID: newID}
	if err := m.Queue.Push(ctx, j.Queue, env); err != nil {
		return "", err
	}

	if wasTracked && m.Status != nil {
		_ = m.Status.Create(ctx, newID)
	}

	return newID, nil
}

// GetStatus delegates to the status tracker for j's current code.
func (j *Job) GetStatus(ctx context.Context, m *Manager) (status.Code, bool, error) {
	rec, ok, err := m.Status.Get(ctx, j.ID())
	return rec.Status, ok, err
}

// UpdateStatus delegates to the status tracker.
func (j *Job) UpdateStatus(ctx context.Context, m *Manager, code status.Code) error {
	return m.Status.Update(ctx, j.ID(), code)
}
