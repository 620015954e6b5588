package cache_test

import (
	"github.com/NVIDIA/nuke"
	"github.com/NVIDIA/nuke/cache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type fakeImage struct{ w, h int }

func (f fakeImage) Width() int     { return f.w }
func (f fakeImage) Height() int    { return f.h }
func (f fakeImage) Scale() float64 { return 1 }

func container() *nuke.ImageContainer {
	return &nuke.ImageContainer{Image: fakeImage{w: 1, h: 1}, Type: nuke.ImageTypeJPEG}
}

type fakeMemory struct {
	entries map[string]*nuke.ImageContainer
}

func newFakeMemory() *fakeMemory { return &fakeMemory{entries: map[string]*nuke.ImageContainer{}} }

func (m *fakeMemory) Get(key string) (*nuke.ImageContainer, bool) {
	c, ok := m.entries[key]
	return c, ok
}
func (m *fakeMemory) Put(key string, c *nuke.ImageContainer) { m.entries[key] = c }
func (m *fakeMemory) Remove(key string)                      { delete(m.entries, key) }
func (m *fakeMemory) RemoveAll()                             { m.entries = map[string]*nuke.ImageContainer{} }

type fakeDisk struct {
	entries map[string][]byte
}

func newFakeDisk() *fakeDisk { return &fakeDisk{entries: map[string][]byte{}} }

func (d *fakeDisk) Contains(key string) bool { _, ok := d.entries[key]; return ok }
func (d *fakeDisk) Get(key string) ([]byte, bool) {
	v, ok := d.entries[key]
	return v, ok
}
func (d *fakeDisk) Put(key string, data []byte) { d.entries[key] = data }
func (d *fakeDisk) Remove(key string)           { delete(d.entries, key) }
func (d *fakeDisk) RemoveAll()                  { d.entries = map[string][]byte{} }
func (d *fakeDisk) Flush()                      {}
func (d *fakeDisk) FlushKey(string)             {}

func req(url string, procs ...nuke.ProcessorDescriptor) *nuke.ImageRequest {
	return &nuke.ImageRequest{
		Source:     nuke.Source{Kind: nuke.SourceRemoteURL, URL: url},
		Processors: procs,
	}
}

var _ = Describe("Facade", func() {
	It("prefers a memory hit over a disk hit when both layers are requested", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/a.jpg")

		c := container()
		mem.Put(nuke.MemoryKey(r), c)
		disk.Put(nuke.DiskKey(r, nuke.VariantOriginal), []byte("disk-bytes"))

		res, ok := f.Get(r, cache.LayerMemory|cache.LayerDisk)
		Expect(ok).To(BeTrue())
		Expect(res.CacheType).To(Equal(nuke.CacheTypeMemory))
		Expect(res.Container).To(Equal(c))
	})

	It("falls back to disk when memory misses", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/b.jpg")
		disk.Put(nuke.DiskKey(r, nuke.VariantOriginal), []byte("disk-bytes"))

		res, ok := f.Get(r, cache.LayerMemory|cache.LayerDisk)
		Expect(ok).To(BeTrue())
		Expect(res.CacheType).To(Equal(nuke.CacheTypeDisk))
		Expect(res.Data).To(Equal([]byte("disk-bytes")))
	})

	It("selects the processed disk variant when the request carries processors", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/c.jpg", nuke.ProcessorDescriptor{Identifier: "resize"})
		disk.Put(nuke.DiskKey(r, nuke.VariantProcessed), []byte("resized"))

		res, ok := f.Get(r, cache.LayerDisk)
		Expect(ok).To(BeTrue())
		Expect(res.Data).To(Equal([]byte("resized")))
	})

	It("never consults a layer that wasn't requested", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/d.jpg")
		mem.Put(nuke.MemoryKey(r), container())

		_, ok := f.Get(r, cache.LayerDisk)
		Expect(ok).To(BeFalse())
	})

	It("writes StoreContainer only into the memory layer", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/e.jpg")

		f.StoreContainer(container(), r, cache.LayerMemory|cache.LayerDisk)
		_, ok := mem.Get(nuke.MemoryKey(r))
		Expect(ok).To(BeTrue())
		Expect(disk.entries).To(BeEmpty())
	})

	It("writes StoreData under the requested variant's disk key", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/f.jpg")

		f.StoreData([]byte("bytes"), r, nuke.VariantProcessed, cache.LayerDisk)
		data, ok := disk.Get(f.CachedDataKey(r, nuke.VariantProcessed))
		Expect(ok).To(BeTrue())
		Expect(data).To(Equal([]byte("bytes")))
	})

	It("removes both disk variants and the memory entry", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/g.jpg")

		mem.Put(nuke.MemoryKey(r), container())
		disk.Put(nuke.DiskKey(r, nuke.VariantOriginal), []byte("o"))
		disk.Put(nuke.DiskKey(r, nuke.VariantProcessed), []byte("p"))

		f.Remove(r, cache.LayerMemory|cache.LayerDisk)

		_, okMem := mem.Get(nuke.MemoryKey(r))
		Expect(okMem).To(BeFalse())
		Expect(disk.entries).To(BeEmpty())
	})

	It("clears an entire layer on RemoveAll", func() {
		mem, disk := newFakeMemory(), newFakeDisk()
		f := cache.New(mem, disk)
		r := req("https://example.com/h.jpg")
		mem.Put(nuke.MemoryKey(r), container())
		disk.Put(nuke.DiskKey(r, nuke.VariantOriginal), []byte("o"))

		f.RemoveAll(cache.LayerMemory)

		_, okMem := mem.Get(nuke.MemoryKey(r))
		Expect(okMem).To(BeFalse())
		Expect(disk.entries).NotTo(BeEmpty())
	})

	It("tolerates a nil layer collaborator", func() {
		f := cache.New(nil, nil)
		r := req("https://example.com/i.jpg")
		Expect(func() {
			f.StoreContainer(container(), r, cache.LayerMemory)
			f.StoreData([]byte("x"), r, nuke.VariantOriginal, cache.LayerDisk)
			f.Remove(r, cache.LayerMemory|cache.LayerDisk)
			f.RemoveAll(cache.LayerMemory | cache.LayerDisk)
		}).NotTo(Panic())
		_, ok := f.Get(r, cache.LayerMemory|cache.LayerDisk)
		Expect(ok).To(BeFalse())
	})
})
