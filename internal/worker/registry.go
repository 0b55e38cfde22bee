// Package worker implements the Resque worker (C8): the polling loop,
// goroutine-per-job isolation, signal handling, worker registry, and
// dead-worker GC. Grounded on the teacher's internal/worker/pool.go
// (worker loop, panic-recovery-per-job, activeWorkers tracking) and
// internal/worker/handler.go (the Registry shape), generalized from
// Bananas' priority-queue/routing-key model onto the Resque
// reserve-by-priority-order and wildcard-queue model.
package worker

import (
	"sync"

	"github.com/goresque/goresque/internal/job"
)

// Registry maps a job class name to its Handler. It implements
// job.HandlerLookup, replacing the source's dynamic-dispatch-by-string-name
// with a process-init-time mapping (spec §9).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]job.Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]job.Handler)}
}

// Register binds class to h, overwriting any previous binding.
func (r *Registry) Register(class string, h job.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

// RegisterFunc is a convenience for the common case of a handler with no
// setUp/tearDown phases.
func (r *Registry) RegisterFunc(class string, fn job.HandlerFunc) {
	r.Register(class, job.Handler{Perform: fn})
}

// Lookup implements job.HandlerLookup.
func (r *Registry) Lookup(class string) (job.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	return h, ok
}

// Count returns the number of registered classes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
