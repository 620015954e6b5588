package pipeline

import (
	"container/heap"
	"sync"

	"github.com/NVIDIA/nuke/task"
)

// job is one pending unit of work submitted to a Queue.
type job struct {
	id       uint64
	priority task.Priority
	run      func()
	index    int // heap index, maintained by container/heap
	done     bool
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	// higher priority first; ties broken by submission order (lower id first)
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].id < h[j].id
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *jobHeap) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Queue is a bounded-concurrency priority work queue: each of the
// pipeline's data-loading/decoding/processing/encoding/data-caching
// queues (§5) is one of these. Pending jobs are ordered by the max
// priority among the tasks that need them; a pending job whose priority
// changes is reordered in the heap before the next slot frees.
type Queue struct {
	mu      sync.Mutex
	pending jobHeap
	byID    map[uint64]*job
	nextID  uint64
	maxConc int
	running int
}

func NewQueue(maxConcurrency int) *Queue {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	q := &Queue{byID: make(map[uint64]*job), maxConc: maxConcurrency}
	heap.Init(&q.pending)
	return q
}

// Handle lets the submitter adjust a pending job's priority or cancel it
// before it starts running; both are no-ops once the job is dispatched.
type Handle struct {
	q  *Queue
	id uint64
}

// Submit enqueues run at priority p and returns a Handle. run executes on
// its own goroutine once a concurrency slot is available, in priority
// order (highest first, FIFO among equal priorities).
func (q *Queue) Submit(p task.Priority, run func()) *Handle {
	q.mu.Lock()
	q.nextID++
	j := &job{id: q.nextID, priority: p, run: run}
	q.byID[j.id] = j
	heap.Push(&q.pending, j)
	q.dispatchLocked()
	q.mu.Unlock()
	return &Handle{q: q, id: j.id}
}

// SetPriority re-prioritizes a still-pending job. Jobs already dispatched
// to a goroutine are unaffected (matching §5: "changing a task's priority
// propagates ... within one tick", not mid-flight work).
func (q *Queue) SetPriority(id uint64, p task.Priority) {
	q.mu.Lock()
	if j, ok := q.byID[id]; ok && j.index >= 0 {
		j.priority = p
		heap.Fix(&q.pending, j.index)
	}
	q.mu.Unlock()
}

// Cancel removes a still-pending job; cancelling an already-dispatched or
// already-cancelled job is a no-op.
func (q *Queue) Cancel(id uint64) {
	q.mu.Lock()
	if j, ok := q.byID[id]; ok && j.index >= 0 {
		heap.Remove(&q.pending, j.index)
		delete(q.byID, id)
	}
	q.mu.Unlock()
}

func (h *Handle) SetPriority(p task.Priority) { h.q.SetPriority(h.id, p) }
func (h *Handle) Cancel()                     { h.q.Cancel(h.id) }

// dispatchLocked must be called with q.mu held; it starts as many pending
// jobs as the concurrency bound allows.
func (q *Queue) dispatchLocked() {
	for q.running < q.maxConc && q.pending.Len() > 0 {
		j := heap.Pop(&q.pending).(*job)
		delete(q.byID, j.id)
		q.running++
		go func(j *job) {
			defer q.finish()
			j.run()
		}(j)
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	q.mu.Unlock()
}

// SetMaxConcurrency adjusts the bound and immediately dispatches more
// pending jobs if the bound was raised.
func (q *Queue) SetMaxConcurrency(n int) {
	if n <= 0 {
		n = 1
	}
	q.mu.Lock()
	q.maxConc = n
	q.dispatchLocked()
	q.mu.Unlock()
}

// Depth reports the number of pending (not-yet-dispatched) jobs, for metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
