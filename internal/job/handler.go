package job

import "context"

// HandlerFunc is one phase of a job handler: perform, setUp, or tearDown.
// Grounded on the teacher's internal/worker/handler.go HandlerFunc shape.
type HandlerFunc func(ctx context.Context, j *Job) error

// Handler is everything the runtime needs to execute one job class. SetUp
// and TearDown are optional; a SetUp that returns a *goresqueerrors.DontPerformAbort
// causes the job to be cleanly skipped before Perform ever runs.
type Handler struct {
	Perform  HandlerFunc
	SetUp    HandlerFunc
	TearDown HandlerFunc
}

// HandlerLookup resolves a job's class name to a Handler. Registry (in
// internal/worker) is the production implementation; tests may supply a map
// literal satisfying this interface directly.
type HandlerLookup interface {
	Lookup(class string) (Handler, bool)
}

// LookupFunc adapts a plain function to HandlerLookup.
type LookupFunc func(class string) (Handler, bool)

// Lookup implements HandlerLookup.
func (f LookupFunc) Lookup(class string) (Handler, bool) { return f(class) }
