package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goresque/goresque/internal/redisconn"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	conn, err := redisconn.New(redisconn.Config{Server: mr.Addr(), Namespace: "testResque:"})
	if err != nil {
		t.Fatalf("redisconn.New: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn)
}

func TestPushPopFIFOOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	envs := []Envelope{
		{Class: "A", ID: "1", Args: []map[string]interface{}{{"k": 1}}},
		{Class: "B", ID: "2", Args: []map[string]interface{}{{"k": 2}}},
		{Class: "C", ID: "3", Args: []map[string]interface{}{{"k": 3}}},
	}
	for _, e := range envs {
		if err := q.Push(ctx, "jobs", e); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	size, err := q.Size(ctx, "jobs")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 3 {
		t.Fatalf("expected size 3, got %d", size)
	}

	for _, want := range envs {
		got, ok, err := q.Pop(ctx, "jobs")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			t.Fatalf("expected envelope, got none")
		}
		if got.ID != want.ID || got.Class != want.Class {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	}

	if _, ok, err := q.Pop(ctx, "jobs"); err != nil || ok {
		t.Fatalf("expected empty queue, got ok=%v err=%v", ok, err)
	}
}

func TestQueuesReturnsKnownNames(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Push(ctx, "low", Envelope{Class: "X", ID: "1"})
	_ = q.Push(ctx, "high", Envelope{Class: "Y", ID: "2"})

	names, err := q.Queues(ctx)
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if len(names) != 2 || names[0] != "high" || names[1] != "low" {
		t.Fatalf("expected sorted [high low], got %v", names)
	}
}

func TestDequeueAllClearsList(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = q.Push(ctx, "jobs", Envelope{Class: "A", ID: "x"})
	}

	n, err := q.Dequeue(ctx, "jobs", nil)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 removed, got %d", n)
	}

	size, _ := q.Size(ctx, "jobs")
	if size != 0 {
		t.Fatalf("expected empty list after dequeue-all, got size %d", size)
	}
}

// TestSelectiveDequeueByClassAndID pins spec scenario E4: push A(1), B(2),
// C(3); dequeue([{B:2}]) removes exactly one and preserves A(1), C(3) order.
func TestSelectiveDequeueByClassAndID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Push(ctx, "jobs", Envelope{Class: "A", ID: "1"})
	_ = q.Push(ctx, "jobs", Envelope{Class: "B", ID: "2"})
	_ = q.Push(ctx, "jobs", Envelope{Class: "C", ID: "3"})

	n, err := q.Dequeue(ctx, "jobs", []MatchItem{{Class: "B", ID: "2"}})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}

	first, ok, _ := q.Pop(ctx, "jobs")
	if !ok || first.ID != "1" {
		t.Fatalf("expected survivor A(1) first, got %+v ok=%v", first, ok)
	}
	second, ok, _ := q.Pop(ctx, "jobs")
	if !ok || second.ID != "3" {
		t.Fatalf("expected survivor C(3) second, got %+v ok=%v", second, ok)
	}
}

// TestSelectiveDequeueByArgsSubset pins the array_diff-style subset match
// (spec §9 ambiguity): a match item's args need only be a subset of the
// envelope's decoded args map, not an exact match.
func TestSelectiveDequeueByArgsSubset(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Push(ctx, "jobs", Envelope{
		Class: "Report",
		ID:    "1",
		Args:  []map[string]interface{}{{"user_id": float64(7), "format": "pdf"}},
	})
	_ = q.Push(ctx, "jobs", Envelope{
		Class: "Report",
		ID:    "2",
		Args:  []map[string]interface{}{{"user_id": float64(9), "format": "csv"}},
	})

	n, err := q.Dequeue(ctx, "jobs", []MatchItem{
		{Class: "Report", Args: map[string]interface{}{"user_id": float64(7)}},
	})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}

	survivor, ok, _ := q.Pop(ctx, "jobs")
	if !ok || survivor.ID != "2" {
		t.Fatalf("expected survivor id 2, got %+v ok=%v", survivor, ok)
	}
}

func TestDequeueBareClassMatchesAllInstances(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_ = q.Push(ctx, "jobs", Envelope{Class: "Noisy", ID: "1"})
	_ = q.Push(ctx, "jobs", Envelope{Class: "Noisy", ID: "2"})
	_ = q.Push(ctx, "jobs", Envelope{Class: "Quiet", ID: "3"})

	n, err := q.Dequeue(ctx, "jobs", []MatchItem{{Class: "Noisy"}})
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	survivor, ok, _ := q.Pop(ctx, "jobs")
	if !ok || survivor.Class != "Quiet" {
		t.Fatalf("expected Quiet survivor, got %+v ok=%v", survivor, ok)
	}
}
