package nuke

import (
	"context"
	"sync"

	"github.com/NVIDIA/nuke/pipeline"
	"github.com/NVIDIA/nuke/task"
)

// ctxOperation is the task.Operation every fetch/decode/process node in
// this package drives: a cancellable context plus, once work has actually
// been submitted, the queue handle (for priority propagation and
// cancelling still-pending work) and/or the DataLoader's own cancellable.
type ctxOperation struct {
	cancelCtx context.CancelFunc

	mu           sync.Mutex
	queueHandle  *pipeline.Handle
	loaderCancel Cancellable
}

func newCtxOperation() (*ctxOperation, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &ctxOperation{cancelCtx: cancel}, ctx
}

func (o *ctxOperation) Cancel() {
	o.cancelCtx()
	o.mu.Lock()
	qh, lc := o.queueHandle, o.loaderCancel
	o.mu.Unlock()
	if qh != nil {
		qh.Cancel()
	}
	if lc != nil {
		lc.Cancel()
	}
}

func (o *ctxOperation) SetPriority(p task.Priority) {
	o.mu.Lock()
	qh := o.queueHandle
	o.mu.Unlock()
	if qh != nil {
		qh.SetPriority(p)
	}
}

func (o *ctxOperation) setQueueHandle(h *pipeline.Handle) {
	o.mu.Lock()
	o.queueHandle = h
	o.mu.Unlock()
}

func (o *ctxOperation) setLoaderCancel(c Cancellable) {
	o.mu.Lock()
	o.loaderCancel = c
	o.mu.Unlock()
}
