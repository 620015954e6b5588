package nuke

import (
	"sync"

	"github.com/NVIDIA/nuke/task"
)

// TaskState mirrors §3's ImageTask.state.
type TaskState int

const (
	TaskRunning TaskState = iota
	TaskCancelled
	TaskCompleted
)

// EventKind discriminates ImageTask's event stream.
type EventKind int

const (
	EventCreated EventKind = iota
	EventProgress
	EventPreview
	EventCancelled
	EventCompleted
)

// Event is one observation on an ImageTask's event stream.
type Event struct {
	Kind     EventKind
	Response *ImageResponse // set for EventPreview/EventCompleted
	Progress Progress       // set for EventProgress
	Err      error          // set for EventCompleted on failure
}

// Progress is the public (completed, total) pair. Network fetches report
// Total as -1 (size not known), so completed is not bounded by total;
// Completed counts the bytes accumulated so far.
type Progress struct {
	Completed int64
	Total     int64
}

// ImageTask is the handle returned to callers for one in-flight load.
// Once Cancelled or Completed, no further deliveries occur.
type ImageTask struct {
	id      uint64
	request ImageRequest

	mu       sync.Mutex
	state    TaskState
	priority Priority
	progress Progress

	sub taskHandle // the upstream subscription or synthetic operation driving this task

	events chan Event // buffered, closed on terminal
}

// taskHandle is whatever drives one ImageTask: a real task.Subscription (for
// requests that reached the fetch/decode/process graph or a bare fetch) or a
// synthetic adapter over a queue-only operation (for process-only and
// cached-processed-decode shortcuts, which never touch the task graph).
type taskHandle interface {
	Unsubscribe()
	SetPriority(task.Priority)
}

// opHandle adapts a ctxOperation (Cancel/SetPriority) to taskHandle.
type opHandle struct{ op *ctxOperation }

func (h opHandle) Unsubscribe()                { h.op.Cancel() }
func (h opHandle) SetPriority(p task.Priority) { h.op.SetPriority(p) }

func newImageTask(id uint64, req ImageRequest, priority Priority) *ImageTask {
	return &ImageTask{
		id:       id,
		request:  req,
		priority: priority,
		events:   make(chan Event, 16),
	}
}

// ID is a per-pipeline-process unique task identifier.
func (h *ImageTask) ID() uint64 { return h.id }

// Request returns the originating request.
func (h *ImageTask) Request() ImageRequest { return h.request }

// State returns the task's current lifecycle state.
func (h *ImageTask) State() TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Priority returns the task's current priority.
func (h *ImageTask) Priority() Priority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priority
}

// SetPriority mutates the task's priority, propagating through the
// dependency chain within one scheduler tick.
func (h *ImageTask) SetPriority(p Priority) {
	h.mu.Lock()
	if h.state != TaskRunning {
		h.mu.Unlock()
		return
	}
	h.priority = p
	sub := h.sub
	h.mu.Unlock()
	if sub != nil {
		sub.SetPriority(toTaskPriority(p))
	}
}

// Progress returns the last observed (completed, total) pair.
func (h *ImageTask) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

// Events returns the task's event stream. It is closed once a terminal
// event (EventCancelled or EventCompleted) has been delivered.
func (h *ImageTask) Events() <-chan Event { return h.events }

// Cancel removes this handle's subscription from the leaf subscription
// node. Cancelling an already-terminal task is a no-op.
func (h *ImageTask) Cancel() {
	h.mu.Lock()
	if h.state != TaskRunning {
		h.mu.Unlock()
		return
	}
	h.state = TaskCancelled
	sub := h.sub
	h.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	h.emit(Event{Kind: EventCancelled})
	h.closeEvents()
}

// attach wires the real subscription driving this task (process, or bare
// fetch for LoadData).
func (h *ImageTask) attach(sub taskHandle) {
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	h.emit(Event{Kind: EventCreated})
}

// attachSynthetic wires a queue-only operation for the shortcut paths that
// never subscribe to the task graph (process-only replay, cached-processed
// decode).
func (h *ImageTask) attachSynthetic(op *ctxOperation) {
	h.attach(opHandle{op: op})
}

func (h *ImageTask) onProgress(p task.Progress) {
	h.mu.Lock()
	if h.state != TaskRunning {
		h.mu.Unlock()
		return
	}
	h.progress = Progress{Completed: p.Completed, Total: p.Total}
	h.mu.Unlock()
	h.emit(Event{Kind: EventProgress, Progress: Progress{Completed: p.Completed, Total: p.Total}})
}

func (h *ImageTask) onValue(c *ImageContainer, isPreview bool, cacheType CacheType, transport *TransportResponse) {
	h.mu.Lock()
	if h.state != TaskRunning {
		h.mu.Unlock()
		return
	}
	if !isPreview {
		h.state = TaskCompleted
	}
	h.mu.Unlock()

	resp := &ImageResponse{Container: *c, Request: h.request, CacheType: cacheType, Transport: transport}
	if isPreview {
		h.emit(Event{Kind: EventPreview, Response: resp})
		return
	}
	h.emit(Event{Kind: EventCompleted, Response: resp})
	h.closeEvents()
}

func (h *ImageTask) onError(err error) {
	h.mu.Lock()
	if h.state != TaskRunning {
		h.mu.Unlock()
		return
	}
	h.state = TaskCompleted
	h.mu.Unlock()

	h.emit(Event{Kind: EventCompleted, Err: err})
	h.closeEvents()
}

func (h *ImageTask) emit(e Event) {
	h.mu.Lock()
	ch := h.events
	h.mu.Unlock()
	if ch == nil {
		return
	}
	if isTerminalEvent(e.Kind) {
		// EventCompleted/EventCancelled must be delivered exactly once --
		// never dropped, even into a full buffer. A slow consumer here
		// stalls the pipeline goroutine that produced the event, but a
		// silently lost completion (no result, no error, nothing) is worse.
		ch <- e
		return
	}
	select {
	case ch <- e:
	default:
		// progress/preview deliveries are back-pressured by design (§4.5):
		// a slow/absent consumer must never block the pipeline sync queue
	}
}

func isTerminalEvent(k EventKind) bool {
	return k == EventCompleted || k == EventCancelled
}

func (h *ImageTask) closeEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		return
	}
	close(h.events)
	h.events = nil
}
