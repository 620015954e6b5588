package nuke

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/nuke/config"
	"github.com/NVIDIA/nuke/nukeerr"
	"github.com/NVIDIA/nuke/pipeline"
	"github.com/NVIDIA/nuke/resumable"
	"github.com/NVIDIA/nuke/stats"
	"github.com/NVIDIA/nuke/task"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DecoderFactory returns a fresh ImageDecoder for one fetch/decode task.
// Decoders are not assumed to be safe for concurrent use across tasks, so
// the pipeline asks for a new one per task rather than sharing a singleton.
type DecoderFactory func() ImageDecoder

// EncoderFactory returns a fresh ImageEncoder for one disk-cache write.
type EncoderFactory func() ImageEncoder

// Collaborators are the concrete implementations a Pipeline is built from.
// The pipeline never constructs these itself -- callers own their lifetime
// (in particular, memcache.Cache and datacache.Cache, whose packages import
// this one for ImageContainer/ImageCaching/DataCaching; this package must
// never import them back).
type Collaborators struct {
	DataLoader  DataLoader
	MakeDecoder DecoderFactory
	MakeEncoder EncoderFactory // optional; nil disables encoded-variant disk writes
	MemoryCache ImageCaching   // optional; nil disables the memory layer
	DataCache   DataCaching    // optional; nil disables the disk layer
	Stats       *stats.Registry

	// PressureMonitor, if set, is started with the pipeline and stopped on
	// Close -- e.g. a memcache.Monitor wrapping MemoryCache, so §4.3's
	// "MUST drop all entries" under platform memory pressure is actually
	// reachable instead of sitting unwired.
	PressureMonitor PressureMonitor
}

// Pipeline is one running instance of the image-loading pipeline: the
// queues, caches, coalescing registries and config owner that every
// LoadImage/LoadData call is serviced through.
type Pipeline struct {
	cfg   *config.Owner
	stats *stats.Registry

	loader      DataLoader
	makeDecoder DecoderFactory
	makeEncoder EncoderFactory

	memCache  ImageCaching
	dataCache DataCaching

	resumableStore *resumable.Store
	rateLimiter    *rate.Limiter // nil when is_rate_limiter_enabled is false

	pressureMonitor PressureMonitor // optional; started in NewPipeline, stopped in Close

	dataLoadQ  *pipeline.Queue
	dataCacheQ *pipeline.Queue
	decodeQ    *pipeline.Queue
	encodeQ    *pipeline.Queue
	processQ   *pipeline.Queue

	fetchReg   *task.Registry[fetchResult]
	decodeReg  *task.Registry[decodeResult]
	processReg *task.Registry[processResult]

	nextTaskID uint64 // atomic

	invalidated int32 // atomic bool

	depthStop chan struct{}
	depthWg   sync.WaitGroup
}

// NewPipeline builds a Pipeline from cfg (nil uses config.Default()) and the
// given collaborators. DataLoader and MakeDecoder are required; everything
// else degrades gracefully when nil (no memory cache, no disk cache, no
// encoded-variant writes).
func NewPipeline(cfg *config.Config, collab Collaborators) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if collab.Stats == nil {
		collab.Stats = stats.New()
	}

	owner := config.NewOwner(cfg)
	post := func(f func()) { f() }

	var limiter *rate.Limiter
	if cfg.IsRateLimiterEnabled && cfg.RateLimiterQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimiterQPS), int(cfg.RateLimiterQPS)+1)
	}

	p := &Pipeline{
		cfg:             owner,
		stats:           collab.Stats,
		loader:          collab.DataLoader,
		makeDecoder:     collab.MakeDecoder,
		makeEncoder:     collab.MakeEncoder,
		memCache:        collab.MemoryCache,
		dataCache:       collab.DataCache,
		resumableStore:  resumable.New(cfg.Resumable.TTL),
		rateLimiter:     limiter,
		pressureMonitor: collab.PressureMonitor,

		dataLoadQ:  pipeline.NewQueue(cfg.DataLoadingQueue.MaxConcurrency),
		dataCacheQ: pipeline.NewQueue(cfg.DataCachingQueue.MaxConcurrency),
		decodeQ:    pipeline.NewQueue(cfg.ImageDecodingQueue.MaxConcurrency),
		encodeQ:    pipeline.NewQueue(cfg.ImageEncodingQueue.MaxConcurrency),
		processQ:   pipeline.NewQueue(cfg.ImageProcessingQueue.MaxConcurrency),

		depthStop: make(chan struct{}),
	}
	p.fetchReg = task.NewRegistry[fetchResult](post)
	p.decodeReg = task.NewRegistry[decodeResult](post)
	p.processReg = task.NewRegistry[processResult](post)
	if p.pressureMonitor != nil {
		p.pressureMonitor.Start()
	}
	p.depthWg.Add(1)
	go p.reportQueueDepths()
	return p
}

// reportQueueDepths polls every bounded-concurrency queue on a low-frequency
// ticker and publishes queue.depth{queue=...}, mirroring the sweep-ticker
// idiom used by the disk cache and the memory-pressure monitor.
func (p *Pipeline) reportQueueDepths() {
	defer p.depthWg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	queues := map[string]*pipeline.Queue{
		"data_loading":     p.dataLoadQ,
		"data_caching":     p.dataCacheQ,
		"image_decoding":   p.decodeQ,
		"image_encoding":   p.encodeQ,
		"image_processing": p.processQ,
	}
	for {
		select {
		case <-p.depthStop:
			return
		case <-t.C:
			for name, q := range queues {
				p.stats.SetQueueDepth(name, q.Depth())
			}
		}
	}
}

// Config exposes the pipeline's live configuration owner for runtime updates.
func (p *Pipeline) Config() *config.Owner { return p.cfg }

// Stats exposes the pipeline's metrics registry.
func (p *Pipeline) Stats() *stats.Registry { return p.stats }

// Invalidate marks the pipeline dead: every LoadImage/LoadData call made
// after this point fails immediately with ErrPipelineInvalidated. Tasks
// already in flight are left to complete; Invalidate does not cancel them.
func (p *Pipeline) Invalidate() {
	atomic.StoreInt32(&p.invalidated, 1)
}

func (p *Pipeline) isInvalidated() bool { return atomic.LoadInt32(&p.invalidated) != 0 }

// Close invalidates the pipeline and tears down its disk cache and
// resumable-download store concurrently, returning the first error either
// reports.
func (p *Pipeline) Close() error {
	p.Invalidate()
	if p.pressureMonitor != nil {
		p.pressureMonitor.Stop()
	}
	close(p.depthStop)
	p.depthWg.Wait()
	var g errgroup.Group
	if p.dataCache != nil {
		if closer, ok := p.dataCache.(interface{ Close() error }); ok {
			g.Go(closer.Close)
		}
	}
	g.Go(func() error {
		p.resumableStore.Close()
		return nil
	})
	return g.Wait()
}

// failedTask returns an already-terminal ImageTask carrying err, used for
// the synchronous rejections that happen before a handle exists (nil
// request, invalidated pipeline).
func failedTask(id uint64, req ImageRequest, err error) *ImageTask {
	h := newImageTask(id, req, req.Priority)
	h.onError(err)
	return h
}

func (p *Pipeline) newTaskID() uint64 { return atomic.AddUint64(&p.nextTaskID, 1) }

// coalesceKey returns canonical unchanged when is_task_coalescing_enabled is
// set (the default); otherwise it mints a key no other call will ever
// produce, so every GetOrCreate starts its own task node instead of sharing
// one with a concurrent equivalent request.
func (p *Pipeline) coalesceKey(canonical string) string {
	if p.cfg.Get().IsTaskCoalescingEnabled {
		return canonical
	}
	return fmt.Sprintf("%s#uncoalesced-%d", canonical, p.newTaskID())
}

func (p *Pipeline) fetchKey(req *ImageRequest) string  { return p.coalesceKey(LoadKey(req)) }
func (p *Pipeline) decodeKey(req *ImageRequest) string { return p.coalesceKey(DecodeKey(req)) }
func (p *Pipeline) processKey(req *ImageRequest, procs []ProcessorDescriptor) string {
	return p.coalesceKey(ProcessKey(req, procs))
}

// LoadImage is the pipeline's primary entry point (§4.2): it walks the
// memory cache (full key, then progressively-shorter processor prefixes),
// the disk cache's processed variant, and finally falls through to the
// fetch/decode/process task graph.
func (p *Pipeline) LoadImage(req *ImageRequest) *ImageTask {
	id := p.newTaskID()
	if req == nil {
		return failedTask(id, ImageRequest{}, nukeerr.ErrImageRequestMissing)
	}
	if p.isInvalidated() {
		return failedTask(id, *req, nukeerr.ErrPipelineInvalidated)
	}

	h := newImageTask(id, *req, req.Priority)
	opts := req.Options
	readMemory := p.memCache != nil && !opts.Has(DisableMemoryCacheReads) && !opts.Has(ReloadIgnoringCachedData)
	readDisk := p.dataCache != nil && !opts.Has(DisableDiskCacheReads) && !opts.Has(ReloadIgnoringCachedData)

	if readMemory {
		if c, ok := p.memCache.Get(MemoryKey(req)); ok {
			p.stats.MemCacheHits.Inc()
			h.onValue(c, false, CacheTypeMemory, nil)
			return h
		}
		p.stats.MemCacheMisses.Inc()

		// Progressively-shorter prefixes of req.Processors: the longest
		// already-cached prefix wins, minimizing remaining work.
		for i := len(req.Processors) - 1; i >= 0; i-- {
			prefix := req.Processors[:i]
			if c, ok := p.memCache.Get(memoryKeyFor(req, prefix)); ok {
				p.runProcessOnly(h, req, c, req.Processors[i:])
				return h
			}
		}
	}

	if readDisk && len(req.Processors) > 0 {
		if data, ok := p.dataCache.Get(DiskKey(req, VariantProcessed)); ok {
			p.stats.DiskCacheHits.Inc()
			p.decodeCachedProcessed(h, req, data)
			return h
		}
	}

	if req.Options.Has(ReturnCacheDataDontLoad) && p.dataCache == nil {
		h.onError(nukeerr.NewErrDataMissingInCache(ImageID(req)))
		return h
	}

	p.subscribeProcessTask(h, req)
	return h
}

// LoadData fetches raw bytes without decoding or processing, delivering
// them via ImageResponse.Container.OriginalData; Container.Image is always
// nil. It shares the fetch task (and thus in-flight coalescing) with any
// concurrent LoadImage call for the same source.
func (p *Pipeline) LoadData(req *ImageRequest) *ImageTask {
	id := p.newTaskID()
	if req == nil {
		return failedTask(id, ImageRequest{}, nukeerr.ErrImageRequestMissing)
	}
	if p.isInvalidated() {
		return failedTask(id, *req, nukeerr.ErrPipelineInvalidated)
	}

	h := newImageTask(id, *req, req.Priority)

	fetchTask := p.fetchReg.GetOrCreate(p.fetchKey(req), p.startFetchTask(req))
	before := fetchTask.SubscriberCount()
	sub := fetchTask.Subscribe(toTaskPriority(req.Priority),
		func(fr fetchResult, isPreview bool) {
			h.onValue(&ImageContainer{OriginalData: fr.Data}, isPreview, fr.CacheType, fr.Transport)
		},
		func(pr task.Progress) { h.onProgress(pr) },
		func(err error) { h.onError(err) },
	)
	if sub == nil {
		// raced with disposal; retry once against a fresh node
		fetchTask = p.fetchReg.GetOrCreate(p.fetchKey(req), p.startFetchTask(req))
		sub = fetchTask.Subscribe(toTaskPriority(req.Priority),
			func(fr fetchResult, isPreview bool) {
				h.onValue(&ImageContainer{OriginalData: fr.Data}, isPreview, fr.CacheType, fr.Transport)
			},
			func(pr task.Progress) { h.onProgress(pr) },
			func(err error) { h.onError(err) },
		)
	}
	if sub == nil {
		h.onError(nukeerr.NewErrDataLoadingFailed(LoadKey(req), fmt.Errorf("fetch task unavailable")))
		return h
	}
	p.recordCoalescing(before)
	h.attach(sub)
	return h
}

func (p *Pipeline) recordCoalescing(subscribersBefore int) {
	if subscribersBefore > 0 {
		p.stats.TasksCoalesced.Inc()
	} else {
		p.stats.TasksCreated.Inc()
	}
}

// runProcessOnly applies the processors remaining after an intermediate
// memory-cache hit, on the processing queue, without involving fetch/decode
// at all.
func (p *Pipeline) runProcessOnly(h *ImageTask, req *ImageRequest, base *ImageContainer, remaining []ProcessorDescriptor) {
	op, _ := newCtxOperation()
	h.attachSynthetic(op)
	qh := p.processQ.Submit(toTaskPriority(req.Priority), func() {
		out, err := applyProcessors(base, req, remaining)
		if err != nil {
			h.onError(err)
			return
		}
		if p.memCache != nil && !req.Options.Has(DisableMemoryCacheWrites) {
			p.memCache.Put(MemoryKey(req), out)
		}
		h.onValue(out, false, CacheTypeMemory, nil)
	})
	op.setQueueHandle(qh)
}

// decodeCachedProcessed decodes bytes found under the disk cache's
// processed variant directly: every processor has already been applied, so
// no process-task subscription is needed.
func (p *Pipeline) decodeCachedProcessed(h *ImageTask, req *ImageRequest, data []byte) {
	op, _ := newCtxOperation()
	h.attachSynthetic(op)
	qh := p.decodeQ.Submit(toTaskPriority(req.Priority), func() {
		decoder := p.makeDecoder()
		c, err := decoder.Decode(data, DecodeContext{Request: req, IsCompleted: true, CacheSource: CacheTypeDisk})
		if err != nil {
			h.onError(nukeerr.NewErrDecodingFailed("decoder", ImageID(req), err))
			return
		}
		if c == nil {
			h.onError(nukeerr.NewErrDecoderNotRegistered(ImageID(req)))
			return
		}
		if p.memCache != nil && !req.Options.Has(DisableMemoryCacheWrites) {
			p.memCache.Put(MemoryKey(req), c)
		}
		h.onValue(c, false, CacheTypeDisk, nil)
	})
	op.setQueueHandle(qh)
}

func (p *Pipeline) subscribeProcessTask(h *ImageTask, req *ImageRequest) {
	key := p.processKey(req, req.Processors)
	t := p.processReg.GetOrCreate(key, p.startProcessTask(req))
	before := t.SubscriberCount()
	sub := t.Subscribe(toTaskPriority(req.Priority),
		func(pr processResult, isPreview bool) {
			h.onValue(pr.Container, isPreview, pr.CacheType, pr.Transport)
		},
		func(pr task.Progress) { h.onProgress(pr) },
		func(err error) { h.onError(err) },
	)
	if sub == nil {
		t = p.processReg.GetOrCreate(key, p.startProcessTask(req))
		sub = t.Subscribe(toTaskPriority(req.Priority),
			func(pr processResult, isPreview bool) {
				h.onValue(pr.Container, isPreview, pr.CacheType, pr.Transport)
			},
			func(pr task.Progress) { h.onProgress(pr) },
			func(err error) { h.onError(err) },
		)
	}
	if sub == nil {
		h.onError(nukeerr.NewErrDataLoadingFailed(key, fmt.Errorf("process task unavailable")))
		return
	}
	p.recordCoalescing(before)
	h.attach(sub)
}

// applyProcessors runs procs in order starting from base. The returned
// container is always distinct from base -- even with zero processors --
// since base may be a pointer shared with other coalesced subscribers of
// the same decode/memory-cache entry, and callers mutate fields (IsPreview)
// on what they get back.
func applyProcessors(base *ImageContainer, req *ImageRequest, procs []ProcessorDescriptor) (*ImageContainer, error) {
	cur := cloneContainer(base)
	for _, pd := range procs {
		out, err := pd.Processor.Process(cur, ProcessContext{Request: req})
		if err != nil {
			return nil, nukeerr.NewErrProcessingFailed(pd.Identifier, ImageID(req), err)
		}
		if out == nil {
			return nil, nukeerr.NewErrProcessingFailed(pd.Identifier, ImageID(req), nil)
		}
		cur = out
	}
	return cur, nil
}

// policyFor resolves the effective disk-cache policy for req: its source's
// own override, if set, otherwise the pipeline's configured default.
func (p *Pipeline) policyFor(req *ImageRequest) DataCachePolicy {
	if req.Source.HasCachePolicy {
		return req.Source.CachePolicy
	}
	switch p.cfg.Get().DataCachePolicy {
	case "storeOriginalData":
		return PolicyStoreOriginalData
	case "storeEncodedImages":
		return PolicyStoreEncodedImages
	case "storeAll":
		return PolicyStoreAll
	default:
		return PolicyAutomatic
	}
}

// writeDiskCachePolicy persists req's artifacts per the effective cache
// policy (§4.2's write matrix), exactly once per coalesced terminal
// completion. Local/inline sources never reach the disk cache.
func (p *Pipeline) writeDiskCachePolicy(req *ImageRequest, originalData []byte, result *ImageContainer) {
	if p.dataCache == nil || !req.Source.IsRemote() || req.Options.Has(DisableDiskCacheWrites) {
		return
	}
	policy := p.policyFor(req)
	hasProcessors := len(req.Processors) > 0

	writeOriginal := func() {
		if len(originalData) == 0 {
			return
		}
		p.dataCacheQ.Submit(task.PriorityLow, func() {
			p.dataCache.Put(DiskKey(req, VariantOriginal), originalData)
		})
	}
	writeEncoded := func() {
		// encode blocks the caller's processing-queue goroutine until the
		// encoding queue has produced the bytes; the disk Put is queued.
		data := p.encode(req, result)
		if data == nil {
			return
		}
		p.dataCacheQ.Submit(task.PriorityLow, func() {
			p.dataCache.Put(DiskKey(req, VariantProcessed), data)
		})
	}

	switch policy {
	case PolicyStoreOriginalData:
		writeOriginal()
	case PolicyStoreEncodedImages:
		writeEncoded()
	case PolicyStoreAll:
		writeOriginal()
		writeEncoded()
	default: // automatic
		if hasProcessors {
			writeEncoded()
		} else {
			writeOriginal()
		}
	}
}

// encode runs the configured encoder on the processing-encoding queue,
// blocking the caller (already running on the processing queue's own
// goroutine) until the result is ready. Returns nil if no encoder is
// configured or encoding fails.
func (p *Pipeline) encode(req *ImageRequest, c *ImageContainer) []byte {
	if p.makeEncoder == nil {
		return nil
	}
	resultCh := make(chan []byte, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	p.encodeQ.Submit(task.PriorityNormal, func() {
		defer wg.Done()
		enc := p.makeEncoder()
		data, err := enc.Encode(c, EncodeContext{Request: req})
		if err != nil {
			resultCh <- nil
			return
		}
		resultCh <- data
	})
	wg.Wait()
	return <-resultCh
}
