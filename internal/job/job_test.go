package job

import (
	"context"
	"errors"
	"testing"

	goresqueerrors "github.com/goresque/goresque/internal/errors"
	"github.com/goresque/goresque/internal/events"
	"github.com/goresque/goresque/internal/failure"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/redisconn"
	"github.com/goresque/goresque/internal/stats"
	"github.com/goresque/goresque/internal/status"

	"github.com/alicebob/miniredis/v2"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	conn, err := redisconn.New(redisconn.Config{Server: mr.Addr(), Namespace: "testResque:"})
	if err != nil {
		t.Fatalf("redisconn.New: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return NewManager(
		queue.New(conn),
		status.New(conn),
		failure.NewRedisSink(conn),
		events.New(),
		stats.New(conn),
	)
}

func TestCreateReserveRoundTripsArgs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "jobs", "SendEmail", map[string]interface{}{"to": "a@b.com", "n": float64(2)}, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(id) != 32 {
		t.Fatalf("expected 32-char hex id, got %q (%d)", id, len(id))
	}

	j, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if j.Class() != "SendEmail" {
		t.Fatalf("expected class SendEmail, got %s", j.Class())
	}
	args := j.Args()
	if args["to"] != "a@b.com" || args["n"] != float64(2) {
		t.Fatalf("expected args to round-trip, got %+v", args)
	}
}

func TestCreateRejectsNonMappingArgs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "jobs", "X", "not-a-map", false)
	var invalid *goresqueerrors.InvalidArgument
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestRecreateMintsNewTrackedID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, "jobs", "Report", map[string]interface{}{"k": float64(1)}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}

	newID, err := j.Recreate(ctx, m)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if newID == id {
		t.Fatalf("expected new id distinct from original")
	}

	tracked, err := m.Status.IsTracking(ctx, newID)
	if err != nil || !tracked {
		t.Fatalf("expected recreated job to be tracked: tracked=%v err=%v", tracked, err)
	}

	j2, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok || j2.Class() != "Report" {
		t.Fatalf("expected requeued envelope on same queue, got %+v ok=%v err=%v", j2, ok, err)
	}
}

func TestPerformHandlerError_FailsWithFailureSinkAndStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	failing := errors.New("boom")
	lookup := LookupFunc(func(class string) (Handler, bool) {
		return Handler{Perform: func(ctx context.Context, j *Job) error { return failing }}, true
	})

	id, err := m.Create(ctx, "jobs", "F", nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}
	j.WorkerID = "host:1:jobs"

	performed, perr := j.Perform(ctx, m, lookup)
	if performed {
		t.Fatalf("expected performed=false on handler error")
	}
	var herr *goresqueerrors.HandlerError
	if !errors.As(perr, &herr) {
		t.Fatalf("expected HandlerError, got %v", perr)
	}

	if err := j.Fail(ctx, m, perr, []string{"trace line"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rec, ok, err := m.Status.Get(ctx, id)
	if err != nil || !ok || rec.Status != status.Failed {
		t.Fatalf("expected FAILED status, got %+v ok=%v err=%v", rec, ok, err)
	}

	failedCount, err := m.Stats.Get(ctx, "failed")
	if err != nil || failedCount != 1 {
		t.Fatalf("expected stat:failed=1, got %d err=%v", failedCount, err)
	}
	perWorker, err := m.Stats.Get(ctx, "failed:host:1:jobs")
	if err != nil || perWorker != 1 {
		t.Fatalf("expected per-worker failed stat=1, got %d err=%v", perWorker, err)
	}
}

func TestPerformDontPerformGuardSkipsHandler(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	invoked := false
	lookup := LookupFunc(func(class string) (Handler, bool) {
		return Handler{Perform: func(ctx context.Context, j *Job) error {
			invoked = true
			return nil
		}}, true
	})
	m.OnBeforePerform(func(ctx context.Context, j *Job) error {
		return &goresqueerrors.DontPerformAbort{Reason: "skip in test"}
	})

	_, err := m.Create(ctx, "jobs", "J", nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}

	performed, err := j.Perform(ctx, m, lookup)
	if err != nil {
		t.Fatalf("expected no error on DontPerform, got %v", err)
	}
	if performed {
		t.Fatalf("expected performed=false")
	}
	if invoked {
		t.Fatalf("expected handler not to run")
	}
}

func TestPerformHandlerNotFound(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	lookup := LookupFunc(func(class string) (Handler, bool) { return Handler{}, false })

	_, err := m.Create(ctx, "jobs", "Unknown", nil, false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	j, ok, err := m.Reserve(ctx, "jobs")
	if err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}

	_, err = j.Perform(ctx, m, lookup)
	var notFound *goresqueerrors.HandlerNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected HandlerNotFound, got %v", err)
	}
}
