package task

import "sync"

// Registry coalesces Task creation by key: concurrent GetOrCreate calls
// with an equal key share the same node, per §4.1/§8's coalescing
// invariant. Grounded on the teacher's xaction/xreg provider registry
// (lookup-by-kind, create-if-absent, remove-on-finish).
type Registry[V any] struct {
	mu    sync.Mutex
	tasks map[string]*Task[V]
	post  func(func())
}

func NewRegistry[V any](post func(func())) *Registry[V] {
	return &Registry[V]{tasks: make(map[string]*Task[V]), post: post}
}

// GetOrCreate returns the live task for key, creating one via start if
// absent or if the existing one has already disposed.
func (r *Registry[V]) GetOrCreate(key string, start StartFunc[V]) *Task[V] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[key]; ok && t.State() != Disposed {
		return t
	}
	var t *Task[V]
	t = New(key, start, r.post, func() { r.remove(key, t) })
	r.tasks[key] = t
	return t
}

// remove deletes key's entry only if it still points at self -- a task
// disposing after having already been superseded by a newer one for the
// same (reused) key must not evict the newer entry.
func (r *Registry[V]) remove(key string, self *Task[V]) {
	r.mu.Lock()
	if cur, ok := r.tasks[key]; ok && cur == self {
		delete(r.tasks, key)
	}
	r.mu.Unlock()
}

// Len reports the number of live (non-disposed) nodes; for tests/metrics.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
