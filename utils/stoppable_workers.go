// Package utils contains the small shared helpers used across the
// relocalization pipeline: stoppable goroutine groups and contiguous work
// partitioning for per-point math.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of goroutines sharing one cancelable context,
// shut down and waited on together.
type StoppableWorkers struct {
	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup
}

// NewStoppableWorkers launches one goroutine per function, capturing panics
// the way all of our background goroutines do.
func NewStoppableWorkers(funcs ...func(ctx context.Context)) *StoppableWorkers {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sw := &StoppableWorkers{cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		worker := f
		goutils.PanicCapturingGo(func() {
			defer sw.workers.Done()
			worker(cancelCtx)
		})
	}
	return sw
}

// Stop cancels the shared context and blocks until every worker returns.
// Calling it again is a no-op.
func (sw *StoppableWorkers) Stop() {
	sw.cancelFunc()
	sw.workers.Wait()
}

// Context exposes the context the workers watch for cancellation.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.cancelCtx
}
