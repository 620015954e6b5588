package memcache_test

import (
	"time"

	"github.com/NVIDIA/nuke"
	"github.com/NVIDIA/nuke/memcache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type fakeImage struct{ w, h int }

func (f fakeImage) Width() int     { return f.w }
func (f fakeImage) Height() int    { return f.h }
func (f fakeImage) Scale() float64 { return 1 }

func container(w, h int) *nuke.ImageContainer {
	return &nuke.ImageContainer{Image: fakeImage{w: w, h: h}, Type: nuke.ImageTypeJPEG}
}

var _ = Describe("Cache", func() {
	It("evicts least-recently-used entries once total cost exceeds costLimit", func() {
		c := memcache.New(memcache.Options{CostLimit: 100, EntryCostLimit: 1, CostFunc: func(*nuke.ImageContainer) int64 { return 40 }})
		c.Put("a", container(1, 1))
		c.Put("b", container(1, 1))
		c.Put("c", container(1, 1)) // pushes total to 120 > 100, evicts "a"

		Expect(c.CurrentCost()).To(BeNumerically("<=", 100))
		_, ok := c.Get("a")
		Expect(ok).To(BeFalse())
		_, ok = c.Get("c")
		Expect(ok).To(BeTrue())
	})

	It("treats a read as a recency bump", func() {
		c := memcache.New(memcache.Options{CostLimit: 80, EntryCostLimit: 1, CostFunc: func(*nuke.ImageContainer) int64 { return 40 }})
		c.Put("a", container(1, 1))
		c.Put("b", container(1, 1))
		c.Get("a") // a is now more recent than b
		c.Put("c", container(1, 1)) // evicts b, not a

		_, okA := c.Get("a")
		_, okB := c.Get("b")
		Expect(okA).To(BeTrue())
		Expect(okB).To(BeFalse())
	})

	It("treats an expired TTL entry as a miss and removes it lazily", func() {
		c := memcache.New(memcache.Options{})
		c.PutWithTTL("a", container(1, 1), time.Nanosecond)
		time.Sleep(time.Millisecond)
		_, ok := c.Get("a")
		Expect(ok).To(BeFalse())
		Expect(c.Len()).To(Equal(0))
	})

	It("rejects entries larger than the per-entry cost cap", func() {
		c := memcache.New(memcache.Options{
			CostLimit:      100,
			EntryCostLimit: 0.1,
			CostFunc:       func(*nuke.ImageContainer) int64 { return 50 },
		})
		c.Put("huge", container(1, 1))
		_, ok := c.Get("huge")
		Expect(ok).To(BeFalse())
	})

	It("treats Remove on a missing key as a no-op", func() {
		c := memcache.New(memcache.Options{})
		Expect(func() { c.Remove("nope") }).NotTo(Panic())
	})

	It("drops every entry on RemoveAll/DropAll", func() {
		c := memcache.New(memcache.Options{})
		c.Put("a", container(1, 1))
		c.Put("b", container(1, 1))
		c.DropAll()
		Expect(c.Len()).To(Equal(0))
	})
})
