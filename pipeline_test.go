package nuke_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/nuke"
	"github.com/NVIDIA/nuke/config"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// fakeLoader is a nuke.DataLoader whose deliveries are entirely caller-driven:
// every LoadData call blocks on gate (if non-nil) before calling onComplete,
// letting a test hold a fetch open long enough to observe coalescing.
type fakeLoader struct {
	mu           sync.Mutex
	createdCount int
	lastHeaders  map[string]string

	gate   chan struct{}
	chunks [][]byte
	final  nuke.LoadResult

	// chunkGate, if set, is received from once after every chunk send,
	// letting a test pace chunk delivery one at a time instead of racing
	// the decode task's single-slot queue against a burst of onChunk calls.
	chunkGate chan struct{}

	// finalGate, if set, is received from once right before onComplete --
	// independent of chunkGate -- so a test can hold off the terminal fetch
	// delivery (which abandons any still-running partial decode) until it
	// has confirmed the last partial was actually observed.
	finalGate chan struct{}
}

func (f *fakeLoader) LoadData(ctx context.Context, req *nuke.ImageRequest, onChunk func([]byte, *nuke.TransportResponse), onComplete func(nuke.LoadResult)) nuke.Cancellable {
	f.mu.Lock()
	f.createdCount++
	f.lastHeaders = req.Source.Headers
	f.mu.Unlock()

	go func() {
		if f.gate != nil {
			<-f.gate
		}
		resp := &nuke.TransportResponse{StatusCode: 200}
		if f.final.Response != nil {
			resp = f.final.Response
		}
		for _, c := range f.chunks {
			onChunk(c, resp)
			if f.chunkGate != nil {
				<-f.chunkGate
			}
		}
		if f.finalGate != nil {
			<-f.finalGate
		}
		onComplete(f.final)
	}()
	return fakeCancellable{}
}

func (f *fakeLoader) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdCount
}

func (f *fakeLoader) headers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeaders
}

type fakeCancellable struct{}

func (fakeCancellable) Cancel() {}

type fakeImage struct{ w, h int }

func (i fakeImage) Width() int     { return i.w }
func (i fakeImage) Height() int    { return i.h }
func (i fakeImage) Scale() float64 { return 1 }

// passthroughDecoder turns bytes into a container carrying those same bytes;
// DecodePartial marks its result as a preview.
type passthroughDecoder struct{}

func (passthroughDecoder) Decode(data []byte, ctx nuke.DecodeContext) (*nuke.ImageContainer, error) {
	return &nuke.ImageContainer{OriginalData: data, Image: fakeImage{10, 10}, Type: nuke.ImageTypeJPEG}, nil
}

func (passthroughDecoder) DecodePartial(data []byte, ctx nuke.DecodeContext) (*nuke.ImageContainer, error) {
	return &nuke.ImageContainer{OriginalData: data, Type: nuke.ImageTypeJPEG}, nil
}

// scanDecoder reports a caller-supplied sequence of scan numbers across
// successive DecodePartial calls, letting a test drive §4.5's
// distinct-scan-number dedup deterministically instead of at the mercy of
// the decode task's own single-slot collapsing behavior.
type scanDecoder struct {
	mu    sync.Mutex
	calls int
	scans []int
}

func (d *scanDecoder) Decode(data []byte, ctx nuke.DecodeContext) (*nuke.ImageContainer, error) {
	return &nuke.ImageContainer{OriginalData: data, Image: fakeImage{10, 10}, Type: nuke.ImageTypeJPEG}, nil
}

func (d *scanDecoder) DecodePartial(data []byte, ctx nuke.DecodeContext) (*nuke.ImageContainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	scan := d.scans[d.calls]
	d.calls++
	return &nuke.ImageContainer{OriginalData: data, Type: nuke.ImageTypeJPEG, ScanNumber: scan}, nil
}

func (d *scanDecoder) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(c *nuke.ImageContainer, ctx nuke.EncodeContext) ([]byte, error) {
	return c.OriginalData, nil
}

// markProcessor appends its id to the container's Type, letting a test
// confirm a processor actually ran and in what order.
type markProcessor struct{ id string }

func (p markProcessor) Identifier() string         { return p.id }
func (p markProcessor) HashableIdentifier() string { return p.id }
func (p markProcessor) Process(c *nuke.ImageContainer, ctx nuke.ProcessContext) (*nuke.ImageContainer, error) {
	c.Type = nuke.ImageType(fmt.Sprintf("%s+%s", c.Type, p.id))
	return c, nil
}

func processorDescriptor(id string) nuke.ProcessorDescriptor {
	return nuke.ProcessorDescriptor{Identifier: id, Processor: markProcessor{id: id}}
}

type fakeDataCache struct {
	mu    sync.Mutex
	store map[string][]byte
	puts  []string
}

func newFakeDataCache() *fakeDataCache { return &fakeDataCache{store: map[string][]byte{}} }

func (c *fakeDataCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.store[key]
	return ok
}
func (c *fakeDataCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}
func (c *fakeDataCache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = data
	c.puts = append(c.puts, key)
}
func (c *fakeDataCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
}
func (c *fakeDataCache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = map[string][]byte{}
}
func (c *fakeDataCache) Flush()            {}
func (c *fakeDataCache) FlushKey(string)   {}
func (c *fakeDataCache) putKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.puts...)
}

func request(url string, procs ...nuke.ProcessorDescriptor) *nuke.ImageRequest {
	return &nuke.ImageRequest{
		Source:     nuke.Source{Kind: nuke.SourceRemoteURL, URL: url},
		Processors: procs,
		Priority:   nuke.PriorityNormal,
	}
}

func drain(t *nuke.ImageTask) (events []nuke.Event) {
	for ev := range t.Events() {
		events = append(events, ev)
	}
	return events
}

var _ = Describe("Pipeline", func() {
	It("coalesces two concurrent loads of the same URL into one DataLoader call", func() {
		loader := &fakeLoader{
			gate:  make(chan struct{}),
			final: nuke.LoadResult{Data: []byte("hello")},
		}
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		req := request("https://example.com/img.jpg")
		t1 := p.LoadData(req)
		Eventually(loader.created).Should(Equal(1))
		t2 := p.LoadData(req)

		Consistently(loader.created, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(1))

		close(loader.gate)

		var r1, r2 []byte
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for ev := range t1.Events() {
				if ev.Kind == nuke.EventCompleted {
					r1 = ev.Response.Container.OriginalData
				}
			}
		}()
		go func() {
			defer wg.Done()
			for ev := range t2.Events() {
				if ev.Kind == nuke.EventCompleted {
					r2 = ev.Response.Container.OriginalData
				}
			}
		}()
		wg.Wait()

		Expect(string(r1)).To(Equal("hello"))
		Expect(string(r2)).To(Equal("hello"))
	})

	It("delivers a preview before the final completion when progressive decoding is enabled", func() {
		cfg := config.Default()
		cfg.IsProgressiveDecodingEnabled = true

		// finalGate holds the terminal fetch delivery until the preview has
		// been observed; an ungated final would abandon the partial decode.
		loader := &fakeLoader{
			chunks:    [][]byte{[]byte("partial")},
			finalGate: make(chan struct{}),
			final:     nuke.LoadResult{Data: []byte("partial-complete")},
		}
		p := nuke.NewPipeline(cfg, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		task := p.LoadImage(request("https://example.com/progressive.jpg"))

		var sawPreview bool
		var final *nuke.ImageResponse
		for ev := range task.Events() {
			switch ev.Kind {
			case nuke.EventPreview:
				if !sawPreview {
					sawPreview = true
					loader.finalGate <- struct{}{}
				}
			case nuke.EventCompleted:
				final = ev.Response
			}
		}

		Expect(sawPreview).To(BeTrue())
		Expect(final).NotTo(BeNil())
		Expect(string(final.Container.OriginalData)).To(Equal("partial-complete"))
		Expect(final.Container.IsPreview).To(BeFalse())
	})

	It("delivers at most one preview per distinct decoder-reported scan number", func() {
		cfg := config.Default()
		cfg.IsProgressiveDecodingEnabled = true

		dec := &scanDecoder{scans: []int{5, 5, 9}}
		loader := &fakeLoader{
			chunks:    [][]byte{[]byte("c1"), []byte("c2"), []byte("c3")},
			chunkGate: make(chan struct{}),
			finalGate: make(chan struct{}),
			final:     nuke.LoadResult{Data: []byte("final")},
		}
		p := nuke.NewPipeline(cfg, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return dec },
		})

		task := p.LoadImage(request("https://example.com/scans.jpg"))

		var mu sync.Mutex
		var previewScans []int
		var final *nuke.ImageResponse
		done := make(chan struct{})
		go func() {
			for ev := range task.Events() {
				switch ev.Kind {
				case nuke.EventPreview:
					mu.Lock()
					previewScans = append(previewScans, ev.Response.Container.ScanNumber)
					mu.Unlock()
				case nuke.EventCompleted:
					final = ev.Response
				}
			}
			close(done)
		}()

		scanCount := func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(previewScans)
		}

		// Release chunks one at a time, waiting for the decoder to have
		// consumed each one before releasing the next -- otherwise the
		// decode task's single-slot overwrite queue could collapse several
		// chunks into one DecodePartial call and the scan sequence this
		// test exists to exercise would never be observed.
		for i := 0; i < len(loader.chunks); i++ {
			Eventually(dec.callCount).Should(BeNumerically(">=", i+1))
			loader.chunkGate <- struct{}{}
		}
		// Scans 5 and 9 are distinct and must both surface as previews; the
		// repeated 5 from the second chunk must not. Wait for both before
		// releasing the terminal fetch delivery, which would otherwise race
		// the in-flight third partial decode and abandon it.
		Eventually(scanCount).Should(Equal(2))
		loader.finalGate <- struct{}{}
		<-done

		Expect(previewScans).To(Equal([]int{5, 9}))
		Expect(final).NotTo(BeNil())
	})

	It("writes both original and encoded variants to disk under policy storeAll", func() {
		loader := &fakeLoader{final: nuke.LoadResult{Data: []byte("bytes")}}
		dc := newFakeDataCache()
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
			MakeEncoder: func() nuke.ImageEncoder { return passthroughEncoder{} },
			DataCache:   dc,
		})

		req := request("https://example.com/policy.jpg", processorDescriptor("resize"))
		req.Source.CachePolicy = nuke.PolicyStoreAll
		req.Source.HasCachePolicy = true

		task := p.LoadImage(req)
		drain(task)

		Eventually(dc.putKeys).Should(HaveLen(2))
	})

	It("applies only unprocessed-original writes for a no-processor request under policy automatic", func() {
		loader := &fakeLoader{final: nuke.LoadResult{Data: []byte("raw")}}
		dc := newFakeDataCache()
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
			DataCache:   dc,
		})

		task := p.LoadImage(request("https://example.com/plain.jpg"))
		drain(task)

		Eventually(dc.putKeys).Should(HaveLen(1))
		Expect(dc.putKeys()[0]).To(Equal(nuke.ImageID(request("https://example.com/plain.jpg"))))
	})

	It("requests a byte range on the second attempt after a stashed partial failure", func() {
		loader := &fakeLoader{}
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		// first attempt: a chunk lands, then the loader reports an error --
		// the fetch task should stash what it had using the response's ETag.
		loader.chunks = [][]byte{[]byte("abc")}
		loader.final = nuke.LoadResult{
			Response: &nuke.TransportResponse{StatusCode: 200, Headers: map[string]string{"ETag": `"v1"`}},
			Err:      fmt.Errorf("connection reset"),
		}

		req1 := request("https://example.com/resume.jpg")
		t1 := p.LoadData(req1)
		drainErr := drain(t1)
		Expect(drainErr[len(drainErr)-1].Kind).To(Equal(nuke.EventCompleted))
		Expect(drainErr[len(drainErr)-1].Err).NotTo(BeNil())

		// the fetch node's terminal event and its own disposal are two
		// separate steps in the node's owning goroutine; give the latter a
		// moment to land before reusing the key.
		time.Sleep(50 * time.Millisecond)

		// second attempt (fresh request object, same URL): the fetch task for
		// this URL was disposed on error, so a new one is created and should
		// carry Range/If-Range built from the stash.
		loader.final = nuke.LoadResult{Data: []byte("def"), Response: &nuke.TransportResponse{StatusCode: 206}}
		req2 := request("https://example.com/resume.jpg")
		t2 := p.LoadData(req2)
		drain(t2)

		Eventually(loader.headers).Should(HaveKeyWithValue("Range", "bytes=3-"))
		Expect(loader.headers()).To(HaveKeyWithValue("If-Range", `"v1"`))
	})

	It("keeps each coalesced subscriber's own priority and accepts a priority change on the shared fetch", func() {
		loader := &fakeLoader{gate: make(chan struct{}), final: nuke.LoadResult{Data: []byte("x")}}
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		req := request("https://example.com/prio.jpg")
		req.Priority = nuke.PriorityLow
		low := p.LoadData(req)
		Expect(low.Priority()).To(Equal(nuke.PriorityLow))

		reqHigh := request("https://example.com/prio.jpg")
		reqHigh.Priority = nuke.PriorityVeryHigh
		high := p.LoadData(reqHigh)

		Expect(func() { low.SetPriority(nuke.PriorityVeryHigh) }).NotTo(Panic())
		Expect(high.Priority()).To(Equal(nuke.PriorityVeryHigh))

		close(loader.gate)
		drain(low)
		drain(high)
	})

	It("never shares a mutable container between two processor chains sharing one decode", func() {
		loader := &fakeLoader{gate: make(chan struct{}), final: nuke.LoadResult{Data: []byte("shared")}}
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		reqA := request("https://example.com/shared.jpg", processorDescriptor("a"))
		reqB := request("https://example.com/shared.jpg", processorDescriptor("b"))

		taskA := p.LoadImage(reqA)
		Eventually(loader.created).Should(Equal(1))
		taskB := p.LoadImage(reqB)

		close(loader.gate)

		var gotA, gotB string
		for _, ev := range drain(taskA) {
			if ev.Kind == nuke.EventCompleted && ev.Response != nil {
				gotA = string(ev.Response.Container.Type)
			}
		}
		for _, ev := range drain(taskB) {
			if ev.Kind == nuke.EventCompleted && ev.Response != nil {
				gotB = string(ev.Response.Container.Type)
			}
		}

		Expect(gotA).To(HaveSuffix("+a"))
		Expect(gotB).To(HaveSuffix("+b"))
		Expect(gotA).NotTo(Equal(gotB))
	})

	It("rejects further loads after Invalidate", func() {
		loader := &fakeLoader{final: nuke.LoadResult{Data: []byte("x")}}
		p := nuke.NewPipeline(nil, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})
		p.Invalidate()

		task := p.LoadImage(request("https://example.com/dead.jpg"))
		events := drain(task)
		Expect(events).To(HaveLen(1))
		Expect(events[0].Kind).To(Equal(nuke.EventCompleted))
		Expect(events[0].Err).NotTo(BeNil())
	})

	It("disables coalescing when is_task_coalescing_enabled is false", func() {
		cfg := config.Default()
		cfg.IsTaskCoalescingEnabled = false
		loader := &fakeLoader{gate: make(chan struct{}), final: nuke.LoadResult{Data: []byte("x")}}
		p := nuke.NewPipeline(cfg, nuke.Collaborators{
			DataLoader:  loader,
			MakeDecoder: func() nuke.ImageDecoder { return passthroughDecoder{} },
		})

		req := request("https://example.com/uncoalesced.jpg")
		t1 := p.LoadData(req)
		t2 := p.LoadData(req)
		_ = t1
		_ = t2

		Eventually(loader.created).Should(Equal(2))
		close(loader.gate)
		drain(t1)
		drain(t2)
	})
})
