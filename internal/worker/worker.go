package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	goresqueerrors "github.com/goresque/goresque/internal/errors"
	"github.com/goresque/goresque/internal/events"
	"github.com/goresque/goresque/internal/job"
	"github.com/goresque/goresque/internal/logger"
	"github.com/goresque/goresque/internal/queue"
	"github.com/goresque/goresque/internal/redisconn"
	"github.com/goresque/goresque/internal/status"
)

const wildcardQueue = "*"

// currentJobRecord is the JSON shape written to worker:<id> while a job is
// executing.
type currentJobRecord struct {
	Queue   string         `json:"queue"`
	RunAt   string         `json:"run_at"`
	Payload queue.Envelope `json:"payload"`
}

// Worker polls one or more queues in priority order and executes reserved
// jobs, one at a time, each in its own goroutine with a cancellable
// context standing in for the source's fork/child isolation (spec §9: "a
// job crash must not kill the worker"). Grounded on the teacher's
// internal/worker/pool.go main loop and executeWithTimeout panic recovery.
type Worker struct {
	id       string
	queues   []string
	manager  *job.Manager
	lookup   job.HandlerLookup
	conn     *redisconn.Conn
	log      logger.Logger
	interval time.Duration

	shutdown atomic.Bool
	paused   atomic.Bool

	mu          sync.Mutex
	childCancel context.CancelFunc
	childDone   chan struct{}
}

// New constructs a Worker with identity <hostname>:<pid>:<queues-csv>.
func New(queues []string, manager *job.Manager, lookup job.HandlerLookup, conn *redisconn.Conn, interval time.Duration, log logger.Logger) *Worker {
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id := fmt.Sprintf("%s:%d:%s", host, os.Getpid(), strings.Join(queues, ","))
	return &Worker{
		id:       id,
		queues:   queues,
		manager:  manager,
		lookup:   lookup,
		conn:     conn,
		log:      log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal).WithWorker(id),
		interval: interval,
	}
}

// ID returns the worker's stable identity string.
func (w *Worker) ID() string { return w.id }

// Work runs the main poll/reserve/perform loop until ctx is cancelled, a
// shutdown signal is received, or (when interval == 0) a single idle poll
// occurs — the single-shot mode used by tests.
func (w *Worker) Work(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT, syscall.SIGPIPE)
	defer signal.Stop(sigChan)

	go w.handleSignals(sigChan)

	if err := w.startup(ctx); err != nil {
		return fmt.Errorf("worker startup: %w", err)
	}

	for !w.shutdown.Load() {
		select {
		case <-ctx.Done():
			w.shutdown.Store(true)
			continue
		default:
		}

		if w.paused.Load() {
			time.Sleep(w.interval)
			continue
		}

		j, found, err := w.reserveNext(ctx)
		if err != nil {
			// TransportError: logged at error level, treated as no job this tick.
			w.log.Error("transport error during reserve", "error", err)
			found = false
		}

		if !found {
			if w.interval == 0 {
				break
			}
			time.Sleep(w.interval)
			continue
		}

		w.runJob(ctx, j)
	}

	w.unregisterSelf(context.Background())
	return nil
}

func (w *Worker) activeQueues(ctx context.Context) []string {
	if len(w.queues) == 1 && w.queues[0] == wildcardQueue {
		names, err := w.manager.Queue.Queues(ctx)
		if err != nil || len(names) == 0 {
			return nil
		}
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return sorted
	}
	return w.queues
}

func (w *Worker) reserveNext(ctx context.Context) (*job.Job, bool, error) {
	for _, q := range w.activeQueues(ctx) {
		j, ok, err := w.manager.Reserve(ctx, q)
		if err != nil {
			return nil, false, err
		}
		if ok {
			j.WorkerID = w.id
			return j, true, nil
		}
	}
	return nil, false, nil
}

// runJob fires beforeFork, marks the job RUNNING, runs it in its own
// goroutine (the "child"), waits for that goroutine (the "parent wait"),
// and finally clears the in-progress record and updates stat:processed.
func (w *Worker) runJob(ctx context.Context, j *job.Job) {
	w.manager.Bus.Trigger(events.BeforeFork, j)
	w.workingOn(ctx, j)

	childCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	w.mu.Lock()
	w.childCancel = cancel
	w.childDone = done
	w.mu.Unlock()

	var performed bool
	var performErr error
	var backtrace []string

	go func() {
		defer close(done)
		defer func() {
			// recover() only stops a panic when called directly by the
			// deferred function, so the PanicError is built here.
			if r := recover(); r != nil {
				panicErr := &goresqueerrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
				performErr = &goresqueerrors.DirtyExitError{Detail: panicErr.Error()}
				backtrace = splitStacktrace(panicErr.Stacktrace)
				w.log.WithJob(j.ID()).WithQueue(j.Queue).Error("job panicked", "detail", goresqueerrors.FormatPanicForLog(panicErr))
			}
		}()
		w.manager.Bus.Trigger(events.AfterFork, j)
		performed, performErr = j.Perform(childCtx, w.manager, w.lookup)
		if performErr != nil && len(backtrace) == 0 {
			backtrace = splitStacktrace(string(debug.Stack()))
		}
	}()

	<-done

	w.mu.Lock()
	w.childCancel = nil
	w.childDone = nil
	w.mu.Unlock()

	skipped := !performed && performErr == nil

	if performErr != nil {
		if failErr := j.Fail(ctx, w.manager, performErr, backtrace); failErr != nil {
			w.log.WithJob(j.ID()).WithQueue(j.Queue).Error("failed to record job failure", "error", failErr)
		}
	} else if performed {
		if w.manager.Status != nil {
			_ = w.manager.Status.Update(ctx, j.ID(), status.Complete)
		}
	}

	w.doneWorking(ctx, j, skipped)
}

func (w *Worker) workingOn(ctx context.Context, j *job.Job) {
	if w.manager.Status != nil {
		_ = w.manager.Status.Update(ctx, j.ID(), status.Running)
	}
	rec := currentJobRecord{Queue: j.Queue, RunAt: time.Now().UTC().Format(time.RFC3339), Payload: j.Envelope}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = w.conn.Set(ctx, "worker:"+w.id, string(b))
}

func (w *Worker) doneWorking(ctx context.Context, j *job.Job, skipped bool) {
	_ = w.conn.Del(ctx, "worker:"+w.id)
	if skipped {
		return
	}
	if w.manager.Stats != nil {
		_ = w.manager.Stats.Incr(ctx, "processed", 1)
		_ = w.manager.Stats.Incr(ctx, "processed:"+w.id, 1)
	}
}

func (w *Worker) startup(ctx context.Context) error {
	w.pruneDeadWorkers(ctx)
	w.manager.Bus.Trigger(events.BeforeFirstFork, w)
	if err := w.conn.SAdd(ctx, "workers", w.id); err != nil {
		return err
	}
	return w.conn.Set(ctx, "worker:"+w.id+":started", time.Now().UTC().Format("Mon Jan 02 15:04:05 -0700 2006"))
}

// handleSignals installs the signal-to-action mapping from spec §4.8.
// Handlers only flip flags and cancel the current child's context; they
// never touch Redis themselves beyond the explicit PIPE reconnect.
func (w *Worker) handleSignals(sigChan <-chan os.Signal) {
	for sig := range sigChan {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			w.shutdown.Store(true)
			w.killChild()
		case syscall.SIGQUIT:
			w.shutdown.Store(true)
		case syscall.SIGUSR1:
			w.killChild()
		case syscall.SIGUSR2:
			w.paused.Store(true)
		case syscall.SIGCONT:
			w.paused.Store(false)
		case syscall.SIGPIPE:
			if err := w.conn.Reconnect(); err != nil {
				w.log.Error("failed to reconnect after SIGPIPE", "error", err)
			}
		}
	}
}

// killChild cancels the context of whatever job is currently running, the
// goroutine-pool stand-in for sending SIGKILL to a forked child.
func (w *Worker) killChild() {
	w.mu.Lock()
	cancel := w.childCancel
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
}

// pruneDeadWorkers removes worker registrations for this host whose pid is
// not a live worker process (see pidAlive). Workers registered from other
// hosts are left untouched.
func (w *Worker) pruneDeadWorkers(ctx context.Context) {
	members, err := w.conn.SMembers(ctx, "workers")
	if err != nil {
		return
	}
	host, err := os.Hostname()
	if err != nil {
		return
	}
	self := os.Getpid()

	for _, member := range members {
		parts := strings.SplitN(member, ":", 3)
		if len(parts) != 3 {
			continue
		}
		memberHost, pidStr := parts[0], parts[1]
		if memberHost != host {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		if pid == self || pidAlive(pid) {
			continue
		}
		w.unregisterWorkerID(ctx, member)
	}
}

// splitStacktrace turns a raw debug.Stack()/PanicError.Stacktrace dump into
// the line-oriented form the failed:<id> envelope's backtrace field expects.
func splitStacktrace(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// pidAlive reports whether pid is a live process running the same program
// as this one. Where /proc is available the program is matched by
// /proc/<pid>/comm; without /proc any live process counts.
func pidAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil && err != syscall.EPERM {
		return false
	}
	self, err := os.ReadFile("/proc/self/comm")
	if err != nil {
		return true
	}
	other, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return false
	}
	return string(other) == string(self)
}

func (w *Worker) unregisterSelf(ctx context.Context) {
	w.unregisterWorkerID(ctx, w.id)
}

// unregisterWorkerID fails any in-flight job recorded for id, then removes
// every per-worker key and stat.
func (w *Worker) unregisterWorkerID(ctx context.Context, id string) {
	if raw, ok, err := w.conn.Get(ctx, "worker:"+id); err == nil && ok {
		var rec currentJobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			orphan := &job.Job{Queue: rec.Queue, Envelope: rec.Payload, WorkerID: id}
			// No backtrace: the process that ran this job is gone, so there is
			// no stack left to capture, unlike the live-goroutine failure path
			// in runJob.
			_ = orphan.Fail(ctx, w.manager, &goresqueerrors.DirtyExitError{Detail: "worker vanished"}, nil)
		}
	}

	_ = w.conn.SRem(ctx, "workers", id)
	_ = w.conn.Del(ctx, "worker:"+id, "worker:"+id+":started")
	if w.manager.Stats != nil {
		_ = w.manager.Stats.Clear(ctx, "processed:"+id)
		_ = w.manager.Stats.Clear(ctx, "failed:"+id)
	}
}
