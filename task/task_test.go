package task_test

import (
	"sync"

	"github.com/NVIDIA/nuke/task"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func direct(f func()) { f() }

type fakeOp struct {
	mu        sync.Mutex
	cancelled bool
	priority  task.Priority
}

func (o *fakeOp) Cancel()               { o.mu.Lock(); o.cancelled = true; o.mu.Unlock() }
func (o *fakeOp) SetPriority(p task.Priority) { o.mu.Lock(); o.priority = p; o.mu.Unlock() }

var _ = Describe("Task", func() {
	It("starts work only once no matter how many subscribers attach", func() {
		starts := 0
		op := &fakeOp{}
		tsk := task.New[string]("k", func(t *task.Task[string]) task.Operation {
			starts++
			return op
		}, direct, nil)

		sub1 := tsk.Subscribe(task.PriorityNormal, nil, nil, nil)
		sub2 := tsk.Subscribe(task.PriorityNormal, nil, nil, nil)
		Expect(starts).To(Equal(1))
		Expect(tsk.SubscriberCount()).To(Equal(2))

		sub1.Unsubscribe()
		sub2.Unsubscribe()
	})

	It("delivers the terminal value to every live subscriber exactly once", func() {
		var got1, got2 []string
		var term1, term2 int
		op := &fakeOp{}
		tsk := task.New[string]("k", func(t *task.Task[string]) task.Operation {
			return op
		}, direct, nil)

		tsk.Subscribe(task.PriorityNormal, func(v string, isPreview bool) {
			got1 = append(got1, v)
			if !isPreview {
				term1++
			}
		}, nil, nil)
		tsk.Subscribe(task.PriorityNormal, func(v string, isPreview bool) {
			got2 = append(got2, v)
			if !isPreview {
				term2++
			}
		}, nil, nil)

		// publish only once both subscribers are live: a Subscribe that
		// arrives after the node has disposed gets nil, not a replay
		tsk.PublishValue("final", true)

		Expect(got1).To(Equal([]string{"final"}))
		Expect(got2).To(Equal([]string{"final"}))
		Expect(term1).To(Equal(1))
		Expect(term2).To(Equal(1))
		Expect(tsk.State()).To(Equal(task.Disposed))
	})

	It("computes effective priority as the max of live subscribers and propagates changes", func() {
		op := &fakeOp{}
		tsk := task.New[string]("k", func(t *task.Task[string]) task.Operation {
			return op
		}, direct, nil)

		sLow := tsk.Subscribe(task.PriorityLow, nil, nil, nil)
		Expect(tsk.Priority()).To(Equal(task.PriorityLow))

		opPriority := func() task.Priority { op.mu.Lock(); defer op.mu.Unlock(); return op.priority }

		sHigh := tsk.Subscribe(task.PriorityVeryHigh, nil, nil, nil)
		Eventually(func() task.Priority { return tsk.Priority() }).Should(Equal(task.PriorityVeryHigh))
		Eventually(opPriority).Should(Equal(task.PriorityVeryHigh))

		sHigh.Unsubscribe()
		Eventually(func() task.Priority { return tsk.Priority() }).Should(Equal(task.PriorityLow))
		Eventually(opPriority).Should(Equal(task.PriorityLow))

		sLow.Unsubscribe()
	})

	It("cancels its operation and drops dependencies when the last subscriber leaves", func() {
		op := &fakeOp{}
		depOp := &fakeOp{}
		var dep *task.Subscription[string]

		parent := task.New[string]("parent", func(t *task.Task[string]) task.Operation {
			child := task.New[string]("child", func(ct *task.Task[string]) task.Operation {
				return depOp
			}, direct, nil)
			dep = child.Subscribe(task.PriorityNormal, nil, nil, nil)
			t.AddDependency(dep)
			return op
		}, direct, nil)

		sub := parent.Subscribe(task.PriorityNormal, nil, nil, nil)
		Expect(dep).NotTo(BeNil())

		sub.Unsubscribe()

		Eventually(func() bool { op.mu.Lock(); defer op.mu.Unlock(); return op.cancelled }).Should(BeTrue())
		Eventually(func() bool { depOp.mu.Lock(); defer depOp.mu.Unlock(); return depOp.cancelled }).Should(BeTrue())
	})

	It("never delivers after an error has been published", func() {
		var values []string
		var errs int
		op := &fakeOp{}
		tsk := task.New[string]("k", func(t *task.Task[string]) task.Operation {
			t.PublishError(errBoom)
			t.PublishValue("late", true) // must be a no-op: terminal already published
			return op
		}, direct, nil)

		tsk.Subscribe(task.PriorityNormal, func(v string, isPreview bool) {
			values = append(values, v)
		}, nil, func(err error) {
			errs++
		})

		Expect(values).To(BeEmpty())
		Expect(errs).To(Equal(1))
	})

	It("unsubscribing twice is a no-op", func() {
		op := &fakeOp{}
		tsk := task.New[string]("k", func(t *task.Task[string]) task.Operation {
			return op
		}, direct, nil)
		sub := tsk.Subscribe(task.PriorityNormal, nil, nil, nil)
		sub.Unsubscribe()
		Expect(func() { sub.Unsubscribe() }).NotTo(Panic())
	})
})

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
