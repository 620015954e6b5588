package nuke

import (
	"sync"
	"time"

	"github.com/NVIDIA/nuke/nukeerr"
	"github.com/NVIDIA/nuke/pipeline"
	"github.com/NVIDIA/nuke/stats"
	"github.com/NVIDIA/nuke/task"
)

// decodeResult is the value published by a decode task.
type decodeResult struct {
	Container    *ImageContainer
	OriginalData []byte // only set on the terminal delivery
	Transport    *TransportResponse
	CacheType    CacheType
}

// startDecodeTask builds the StartFunc for req's DecodeKey-coalesced decode
// node. It subscribes to the fetch task and, for every preview delivered
// while progressive decoding is enabled, runs DecodePartial against the
// latest accumulated buffer -- back-pressured by a single overwritten slot,
// per §4.5: a slow decoder never queues more than one pending partial.
func (p *Pipeline) startDecodeTask(req *ImageRequest) task.StartFunc[decodeResult] {
	return func(t *task.Task[decodeResult]) task.Operation {
		op, _ := newCtxOperation()
		decoder := p.makeDecoder()

		fetchTask := p.fetchReg.GetOrCreate(p.fetchKey(req), p.startFetchTask(req))

		var (
			mu                sync.Mutex
			finalStarted      bool
			decodeQueued      bool
			latestPartial     []byte
			partialHandle     *pipeline.Handle
			lastDeliveredScan int // last ScanNumber published to subscribers; 0 = none yet

			// decodeMu serializes every call into decoder: DecodePartial and
			// Decode can land on different decodeQ goroutines when the queue's
			// concurrency bound exceeds one, and a decoder is not assumed safe
			// for concurrent use by itself.
			decodeMu sync.Mutex
		)

		onValue := func(fr fetchResult, isPreview bool) {
			if isPreview {
				if !p.cfg.Get().IsProgressiveDecodingEnabled {
					return
				}
				mu.Lock()
				if finalStarted {
					mu.Unlock()
					return
				}
				latestPartial = fr.Data
				if decodeQueued {
					mu.Unlock()
					return // a decode is already pending; it will pick up this newer buffer
				}
				decodeQueued = true
				mu.Unlock()

				h := p.decodeQ.Submit(toTaskPriority(req.Priority), func() {
					mu.Lock()
					buf := latestPartial
					done := finalStarted
					lastScan := lastDeliveredScan
					decodeQueued = false
					mu.Unlock()
					if done || len(buf) == 0 {
						return
					}
					decodeMu.Lock()
					c, err := decoder.DecodePartial(buf, DecodeContext{Request: req, CacheSource: fr.CacheType, LastDeliveredScan: lastScan})
					decodeMu.Unlock()
					mu.Lock()
					abandoned := finalStarted
					mu.Unlock()
					if abandoned {
						return // the final decode has already taken over; drop this late partial
					}
					if err != nil || c == nil {
						return // partial decode failures are dropped silently, never terminal
					}
					mu.Lock()
					if c.ScanNumber != 0 && c.ScanNumber == lastDeliveredScan {
						mu.Unlock()
						return // decoder reproduced a scan already delivered to subscribers
					}
					lastDeliveredScan = c.ScanNumber
					mu.Unlock()
					c.IsPreview = true
					t.PublishValue(decodeResult{Container: c, CacheType: fr.CacheType}, false)
				})
				mu.Lock()
				partialHandle = h
				mu.Unlock()
				return
			}

			mu.Lock()
			finalStarted = true
			ph := partialHandle
			mu.Unlock()
			if ph != nil {
				ph.Cancel()
			}

			h := p.decodeQ.Submit(toTaskPriority(req.Priority), func() {
				p.stats.DecodeCount.Inc()
				decodeStart := time.Now()
				decodeMu.Lock()
				c, err := decoder.Decode(fr.Data, DecodeContext{Request: req, IsCompleted: true, CacheSource: fr.CacheType})
				decodeMu.Unlock()
				if err != nil {
					stats.ObserveLatency(p.stats.DecodeLatency, decodeStart)
					derr := nukeerr.NewErrDecodingFailed("decoder", ImageID(req), err)
					p.stats.RecordErr(derr)
					t.PublishError(derr)
					return
				}
				if c == nil {
					stats.ObserveLatency(p.stats.DecodeLatency, decodeStart)
					derr := nukeerr.NewErrDecoderNotRegistered(ImageID(req))
					p.stats.RecordErr(derr)
					t.PublishError(derr)
					return
				}
				stats.ObserveLatency(p.stats.DecodeLatency, decodeStart)
				c.IsPreview = false
				c.OriginalData = fr.Data
				t.PublishValue(decodeResult{Container: c, OriginalData: fr.Data, Transport: fr.Transport, CacheType: fr.CacheType}, true)
			})
			op.setQueueHandle(h)
		}

		sub := fetchTask.Subscribe(toTaskPriority(req.Priority), onValue,
			func(pr task.Progress) { t.PublishProgress(pr) },
			func(err error) { t.PublishError(err) },
		)
		t.AddDependency(sub)
		return op
	}
}
