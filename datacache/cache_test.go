package datacache_test

import (
	"os"

	"github.com/NVIDIA/nuke/datacache"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var (
		dir string
		c   *datacache.Cache
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "nuke-datacache-*")
		Expect(err).NotTo(HaveOccurred())
		c, err = datacache.Open(datacache.Options{RootDir: dir})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		c.Close()
		os.RemoveAll(dir)
	})

	It("round-trips a value through staging and an explicit flush", func() {
		c.Put("k", []byte("hello"))
		data, ok := c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(data).To(Equal([]byte("hello")))

		c.Flush()
		data, ok = c.Get("k")
		Expect(ok).To(BeTrue())
		Expect(data).To(Equal([]byte("hello")))
	})

	It("survives a restart at the same path after a flush", func() {
		c.Put("k", []byte("bytes"))
		c.Flush()
		Expect(c.Close()).To(Succeed())

		reopened, err := datacache.Open(datacache.Options{RootDir: dir})
		Expect(err).NotTo(HaveOccurred())
		c = reopened // the first cache is already closed; AfterEach closes this one

		data, ok := reopened.Get("k")
		Expect(ok).To(BeTrue())
		Expect(data).To(Equal([]byte("bytes")))
	})

	It("reports Contains without needing to read the value", func() {
		Expect(c.Contains("missing")).To(BeFalse())
		c.Put("present", []byte("x"))
		Expect(c.Contains("present")).To(BeTrue())
	})

	It("treats Remove on a missing key as a no-op", func() {
		Expect(func() { c.Remove("nope") }).NotTo(Panic())
	})

	It("removes everything on RemoveAll", func() {
		c.Put("a", []byte("1"))
		c.Put("b", []byte("2"))
		c.Flush()
		c.RemoveAll()
		Expect(c.Contains("a")).To(BeFalse())
		Expect(c.Contains("b")).To(BeFalse())
	})
})
