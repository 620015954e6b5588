package nuke

import (
	"context"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	"github.com/NVIDIA/nuke/nukeerr"
	"github.com/NVIDIA/nuke/resumable"
	"github.com/NVIDIA/nuke/stats"
	"github.com/NVIDIA/nuke/task"
)

// fetchResult is the value published by a fetch task: raw bytes (possibly a
// progressive-accumulation prefix, possibly the final payload) plus where
// they came from.
type fetchResult struct {
	Data      []byte
	Transport *TransportResponse
	CacheType CacheType
}

// startFetchTask builds the StartFunc for req's LoadKey-coalesced fetch
// node: disk-cache short-circuit, then returnCacheDataDontLoad, then the
// actual source-kind dispatch.
func (p *Pipeline) startFetchTask(req *ImageRequest) task.StartFunc[fetchResult] {
	return func(t *task.Task[fetchResult]) task.Operation {
		op, ctx := newCtxOperation()

		if req.Source.IsRemote() && p.dataCache != nil &&
			!req.Options.Has(DisableDiskCacheReads) && !req.Options.Has(ReloadIgnoringCachedData) {
			if data, ok := p.dataCache.Get(DiskKey(req, VariantOriginal)); ok {
				p.stats.DiskCacheHits.Inc()
				t.PublishValue(fetchResult{Data: data, CacheType: CacheTypeDisk}, true)
				return op
			}
			p.stats.DiskCacheMisses.Inc()
		}

		if req.Options.Has(ReturnCacheDataDontLoad) {
			err := nukeerr.NewErrDataMissingInCache(ImageID(req))
			p.stats.RecordErr(err)
			t.PublishError(err)
			return op
		}

		qh := p.dataLoadQ.Submit(toTaskPriority(req.Priority), func() {
			p.runFetch(ctx, t, req, op)
		})
		op.setQueueHandle(qh)
		return op
	}
}

func (p *Pipeline) runFetch(ctx context.Context, t *task.Task[fetchResult], req *ImageRequest, op *ctxOperation) {
	p.stats.FetchCount.Inc()
	start := time.Now()

	// publishErr/publishOK wrap t.PublishError/t.PublishValue so every
	// synchronous source kind below reports fetch.ns and err.n on its way
	// out -- SourceRemoteURL is the one asynchronous exception and times
	// itself in runRemoteFetch's onComplete instead.
	publishErr := func(err error) {
		stats.ObserveLatency(p.stats.FetchLatency, start)
		p.stats.RecordErr(err)
		t.PublishError(err)
	}
	publishOK := func(fr fetchResult, terminal bool) {
		if terminal {
			stats.ObserveLatency(p.stats.FetchLatency, start)
		}
		t.PublishValue(fr, terminal)
	}

	switch req.Source.Kind {
	case SourceFilePath:
		data, err := ioutil.ReadFile(req.Source.Path)
		if err != nil {
			publishErr(nukeerr.NewErrDataLoadingFailed(req.Source.Path, err))
			return
		}
		if len(data) == 0 {
			publishErr(nukeerr.NewErrDataIsEmpty(req.Source.Path))
			return
		}
		publishOK(fetchResult{Data: data}, true)

	case SourceInlineData:
		if len(req.Source.Data) == 0 {
			publishErr(nukeerr.NewErrDataIsEmpty(ImageID(req)))
			return
		}
		publishOK(fetchResult{Data: req.Source.Data}, true)

	case SourceAsyncProducer:
		if req.Source.Producer == nil {
			publishErr(nukeerr.NewErrDataLoadingFailed(req.Source.ID, fmt.Errorf("async source has no producer")))
			return
		}
		data, err := req.Source.Producer(ctx)
		if err != nil {
			publishErr(nukeerr.NewErrDataLoadingFailed(req.Source.ID, err))
			return
		}
		if len(data) == 0 {
			publishErr(nukeerr.NewErrDataIsEmpty(req.Source.ID))
			return
		}
		publishOK(fetchResult{Data: data}, true)

	case SourceRemoteURL:
		p.runRemoteFetch(ctx, t, req, op, start)

	default:
		publishErr(nukeerr.NewErrDataLoadingFailed(ImageID(req), fmt.Errorf("unknown source kind")))
	}
}

// runRemoteFetch drives a network DataLoader, threading resumable-download
// state (§4.6) through the Range/If-Range request headers and reconciling
// the server's 206-vs-200 response.
func (p *Pipeline) runRemoteFetch(ctx context.Context, t *task.Task[fetchResult], req *ImageRequest, op *ctxOperation, start time.Time) {
	publishErr := func(err error) {
		stats.ObserveLatency(p.stats.FetchLatency, start)
		p.stats.RecordErr(err)
		t.PublishError(err)
	}

	if p.loader == nil {
		publishErr(nukeerr.NewErrDataLoadingFailed(req.Source.URL, fmt.Errorf("no DataLoader configured")))
		return
	}
	if p.rateLimiter != nil {
		if err := p.rateLimiter.Wait(ctx); err != nil {
			publishErr(nukeerr.NewErrDataLoadingFailed(req.Source.URL, err))
			return
		}
	}

	url := req.Source.URL
	headers := cloneHeaders(req.Source.Headers)

	var (
		mu          sync.Mutex
		accumulated []byte
		resumed     *resumable.Entry
	)

	resumableEnabled := p.cfg.Get().IsResumableDataEnabled
	if resumableEnabled {
		if e, ok := p.resumableStore.Take(url); ok {
			resumed = &e
			accumulated = append(accumulated, e.Data...)
			headers["Range"] = fmt.Sprintf("bytes=%d-", len(e.Data))
			headers["If-Range"] = e.Validator
		}
	}

	fetchReq := *req
	fetchReq.Source.Headers = headers

	progressiveEnabled := p.cfg.Get().IsProgressiveDecodingEnabled

	cancellable := p.loader.LoadData(ctx, &fetchReq,
		func(chunk []byte, resp *TransportResponse) {
			mu.Lock()
			if resumed != nil && resp != nil && resp.StatusCode == 200 {
				// server ignored the range request: discard our stashed prefix
				accumulated = accumulated[:0]
				resumed = nil
			}
			accumulated = append(accumulated, chunk...)
			buf := append([]byte(nil), accumulated...)
			n := int64(len(accumulated))
			mu.Unlock()

			t.PublishProgress(task.Progress{Completed: n, Total: -1})
			if progressiveEnabled {
				t.PublishValue(fetchResult{Data: buf}, false)
			}
		},
		func(result LoadResult) {
			if result.Err != nil {
				mu.Lock()
				partial := append([]byte(nil), accumulated...)
				mu.Unlock()
				if resumableEnabled && len(partial) > 0 {
					if v := validatorFrom(result.Response); v != "" {
						p.resumableStore.Stash(url, partial, v)
					}
				}
				publishErr(nukeerr.NewErrDataLoadingFailed(url, result.Err))
				return
			}

			data := result.Data
			if resumed != nil {
				if result.Response != nil && result.Response.StatusCode == 206 {
					mu.Lock()
					full := append(append([]byte(nil), resumed.Data...), data...)
					mu.Unlock()
					data = full
				} else {
					p.resumableStore.Discard(url)
				}
			}
			if len(data) == 0 {
				publishErr(nukeerr.NewErrDataIsEmpty(url))
				return
			}
			p.stats.FetchBytes.Add(float64(len(data)))
			stats.ObserveLatency(p.stats.FetchLatency, start)
			t.PublishValue(fetchResult{Data: data, Transport: result.Response}, true)
		},
	)
	op.setLoaderCancel(cancellable)
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+2)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// validatorFrom extracts an ETag (preferred) or Last-Modified header to use
// as the If-Range validator on a future resumed request.
func validatorFrom(resp *TransportResponse) string {
	if resp == nil {
		return ""
	}
	if v, ok := resp.Headers["ETag"]; ok && v != "" {
		return v
	}
	if v, ok := resp.Headers["Last-Modified"]; ok && v != "" {
		return v
	}
	return ""
}
