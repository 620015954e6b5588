package nuke

import (
	"time"

	"github.com/NVIDIA/nuke/stats"
	"github.com/NVIDIA/nuke/task"
)

// cloneContainer shallow-copies c so callers can set IsPreview/other fields
// without mutating a value another coalesced subscriber may be holding a
// reference to (decode and process tasks fan the same pointer out to every
// subscriber).
func cloneContainer(c *ImageContainer) *ImageContainer {
	cp := *c
	return &cp
}

// processResult is the value published by a process task: the final
// container (with every requested processor applied) plus, on the terminal
// delivery, the original fetched bytes (needed for disk-cache policy
// writes) and where the underlying bytes were satisfied from.
type processResult struct {
	Container    *ImageContainer
	OriginalData []byte
	Transport    *TransportResponse
	CacheType    CacheType
}

// startProcessTask builds the StartFunc for req's ProcessKey-coalesced
// process node: subscribe to decode, apply req.Processors in order to each
// delivered container (preview or final), and on the terminal delivery
// perform this coalesced request's one-time memory/disk cache writes.
func (p *Pipeline) startProcessTask(req *ImageRequest) task.StartFunc[processResult] {
	return func(t *task.Task[processResult]) task.Operation {
		op, _ := newCtxOperation()

		decodeTask := p.decodeReg.GetOrCreate(p.decodeKey(req), p.startDecodeTask(req))

		onValue := func(dr decodeResult, isPreview bool) {
			h := p.processQ.Submit(toTaskPriority(req.Priority), func() {
				if !isPreview && p.memCache != nil && !req.Options.Has(DisableMemoryCacheWrites) {
					// the unprocessed decode, keyed by the empty processor
					// suffix -- lets a later request with different
					// processors skip fetch+decode entirely (§4.2 step 2).
					p.memCache.Put(memoryKeyFor(req, nil), dr.Container)
				}

				processStart := time.Now()
				result, err := applyProcessors(dr.Container, req, req.Processors)
				if !isPreview {
					stats.ObserveLatency(p.stats.ProcessLatency, processStart)
				}
				if err != nil {
					if isPreview {
						return // a failed preview never fails the task; the final may still succeed
					}
					p.stats.RecordErr(err)
					t.PublishError(err)
					return
				}
				result.IsPreview = isPreview

				if isPreview {
					if p.cfg.Get().IsStoringPreviewsInMemoryCache && p.memCache != nil && !req.Options.Has(DisableMemoryCacheWrites) {
						p.memCache.Put(MemoryKey(req), result)
					}
					t.PublishValue(processResult{Container: result, CacheType: dr.CacheType, Transport: dr.Transport}, false)
					return
				}

				p.stats.ProcessCount.Inc()
				if p.memCache != nil && !req.Options.Has(DisableMemoryCacheWrites) {
					p.memCache.Put(MemoryKey(req), result)
				}
				p.writeDiskCachePolicy(req, dr.OriginalData, result)

				t.PublishValue(processResult{Container: result, OriginalData: dr.OriginalData, CacheType: dr.CacheType, Transport: dr.Transport}, true)
			})
			op.setQueueHandle(h)
		}

		sub := decodeTask.Subscribe(toTaskPriority(req.Priority), onValue,
			func(pr task.Progress) { t.PublishProgress(pr) },
			func(err error) { t.PublishError(err) },
		)
		t.AddDependency(sub)
		return op
	}
}
