package registry_test

import (
	"testing"

	"github.com/habycr/memprof/registry"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

func TestRegistry(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "registry suite")
}

func alloc(ptr, size uint64, file string, line uint32, ts uint64) registry.Event {
	return registry.Event{Kind: registry.Alloc, Ptr: ptr, Size: size, File: file, Line: line, TimestampNS: ts}
}

var _ = Describe("Registry", func() {
	var r *registry.Registry

	BeforeEach(func() {
		r = registry.New()
	})

	It("scenario 1: single alloc then free", func() {
		r.OnAlloc(alloc(0x10, 100, "a", 1, 1))
		m := r.Metrics(1)
		Expect(m.CurrentBytes).To(BeEquivalentTo(100))
		Expect(m.ActiveAllocs).To(BeEquivalentTo(1))
		Expect(m.TotalAllocs).To(BeEquivalentTo(1))
		Expect(m.PeakBytes).To(BeEquivalentTo(100))
		Expect(r.Blocks()).To(HaveLen(1))

		r.OnFree(0x10, 0)
		m = r.Metrics(1)
		Expect(m.CurrentBytes).To(BeEquivalentTo(0))
		Expect(m.ActiveAllocs).To(BeEquivalentTo(0))
		Expect(m.TotalAllocs).To(BeEquivalentTo(1))
		Expect(m.PeakBytes).To(BeEquivalentTo(100))
		Expect(r.Blocks()).To(BeEmpty())
	})

	It("scenario 2: zero-byte alloc rounds up to 1 byte", func() {
		r.OnAlloc(alloc(0x20, 0, "a", 1, 1))
		m := r.Metrics(1)
		Expect(m.CurrentBytes).To(BeEquivalentTo(1))

		r.OnFree(0x20, 0)
		m = r.Metrics(1)
		Expect(m.CurrentBytes).To(BeEquivalentTo(0))
	})

	It("scenario 3: orphan free is a no-op", func() {
		r.OnAlloc(alloc(0x10, 100, "a", 1, 1))
		r.OnFree(0x99, 0)
		m := r.Metrics(1)
		Expect(m.CurrentBytes).To(BeEquivalentTo(100))
		Expect(m.ActiveAllocs).To(BeEquivalentTo(1))
	})

	It("scenario 4: leak classification crosses the threshold at the right instant", func() {
		r.SetLeakThreshold(3000)
		r.OnAlloc(alloc(0x30, 64, "a", 1, 0))

		kpis := r.LeakKPIs(2999 * 1_000_000)
		Expect(kpis.TotalLeakBytes).To(BeEquivalentTo(0))

		kpis = r.LeakKPIs(3001 * 1_000_000)
		Expect(kpis.TotalLeakBytes).To(BeEquivalentTo(64))
		Expect(kpis.Largest.Ptr).To(BeEquivalentTo(0x30))
	})

	It("P1/P3: current_bytes and active_allocs track the live set at quiescence", func() {
		r.OnAlloc(alloc(1, 10, "a", 1, 0))
		r.OnAlloc(alloc(2, 20, "b", 2, 0))
		r.OnAlloc(alloc(3, 30, "a", 3, 0))
		r.OnFree(2, 0)

		m := r.Metrics(0)
		Expect(m.CurrentBytes).To(BeEquivalentTo(40))
		Expect(m.ActiveAllocs).To(BeEquivalentTo(2))
		Expect(m.TotalAllocs).To(BeEquivalentTo(3))
		Expect(len(r.Blocks())).To(Equal(2))
	})

	It("P2: peak_bytes is the max observed current_bytes and never decreases", func() {
		r.OnAlloc(alloc(1, 100, "a", 1, 0))
		r.OnAlloc(alloc(2, 50, "a", 2, 0))
		Expect(r.Metrics(0).PeakBytes).To(BeEquivalentTo(150))

		r.OnFree(1, 0)
		Expect(r.Metrics(0).PeakBytes).To(BeEquivalentTo(150))

		r.OnAlloc(alloc(3, 10, "a", 3, 0))
		Expect(r.Metrics(0).PeakBytes).To(BeEquivalentTo(150))
	})

	DescribeTable("I2: per-file live_count/live_bytes never exceed alloc_count/alloc_bytes",
		func(allocs, frees int) {
			for i := 0; i < allocs; i++ {
				r.OnAlloc(alloc(uint64(i+1), 8, "f", 1, 0))
			}
			for i := 0; i < frees && i < allocs; i++ {
				r.OnFree(uint64(i+1), 0)
			}
			stats := r.FileStats()
			Expect(stats).To(HaveLen(1))
			Expect(stats[0].LiveCount).To(BeNumerically("<=", stats[0].AllocCount))
			Expect(stats[0].LiveBytes).To(BeNumerically("<=", stats[0].AllocBytes))
		},
		Entry("no frees", 5, 0),
		Entry("some frees", 5, 3),
		Entry("all freed", 5, 5),
	)

	It("P6: timeline never exceeds its capacity and timestamps are non-decreasing", func() {
		for i := uint64(0); i < 20; i++ {
			r.OnAlloc(alloc(i+1, 8, "f", 1, i*10))
		}
		tl := r.Timeline()
		Expect(len(tl)).To(BeNumerically("<=", 4096))
		for i := 1; i < len(tl); i++ {
			Expect(tl[i].TimestampNS).To(BeNumerically(">=", tl[i-1].TimestampNS))
		}
	})

	It("P7: leak classification is a pure function of (now, threshold, timestamps)", func() {
		r.OnAlloc(alloc(1, 100, "a", 1, 1000))
		r.SetLeakThreshold(10) // 10ms
		k1 := r.LeakKPIs(1000 + 11*1_000_000)
		k2 := r.LeakKPIs(1000 + 11*1_000_000)
		Expect(k1).To(Equal(k2))

		r.SetLeakThreshold(1000) // 1000ms, same now no longer qualifies
		k3 := r.LeakKPIs(1000 + 11*1_000_000)
		Expect(k3.TotalLeakBytes).To(BeEquivalentTo(0))
	})

	It("tracks per-type live_count/live_bytes alongside per-file stats", func() {
		r.OnAlloc(registry.Event{Kind: registry.Alloc, Ptr: 1, Size: 100, Type: "Widget", File: "a", Line: 1})
		r.OnAlloc(registry.Event{Kind: registry.Alloc, Ptr: 2, Size: 50, Type: "Widget", File: "b", Line: 2})
		r.OnAlloc(registry.Event{Kind: registry.Alloc, Ptr: 3, Size: 8, File: "c", Line: 3}) // untyped

		stats := r.TypeStats()
		Expect(stats).To(HaveLen(1))
		Expect(stats[0].Type).To(Equal("Widget"))
		Expect(stats[0].AllocCount).To(BeEquivalentTo(2))
		Expect(stats[0].LiveBytes).To(BeEquivalentTo(150))

		r.OnFree(2, 0)
		stats = r.TypeStats()
		Expect(stats[0].LiveCount).To(BeEquivalentTo(1))
		Expect(stats[0].LiveBytes).To(BeEquivalentTo(100))
	})

	It("orphan frees never grow the live map or inflate file stats", func() {
		r.OnFree(0xdead, 999)
		r.OnFree(0xbeef, 0)
		Expect(r.Blocks()).To(BeEmpty())
		Expect(r.FileStats()).To(BeEmpty())
	})

	It("installs a sink that observes every alloc and free", func() {
		var seen []registry.Event
		r.SetSink(registry.SinkFunc(func(ev registry.Event) { seen = append(seen, ev) }))
		r.OnAlloc(alloc(1, 8, "a", 1, 0))
		r.OnFree(1, 0)
		Expect(seen).To(HaveLen(2))
		Expect(seen[0].Kind).To(Equal(registry.Alloc))
		Expect(seen[1].Kind).To(Equal(registry.Free))
	})

	It("buckets live blocks into the default power-of-two histogram", func() {
		r.OnAlloc(alloc(1, 1, "a", 1, 0))
		r.OnAlloc(alloc(2, 5, "a", 1, 0))
		r.OnAlloc(alloc(3, 1<<31, "a", 1, 0))
		bins := r.Histogram()
		var total uint64
		for _, b := range bins {
			total += b.Allocations
		}
		Expect(total).To(BeEquivalentTo(3))
	})
})

var _ = Describe("Walk", func() {
	It("visits only blocks matching the filter, oldest first", func() {
		r := registry.New()
		r.OnAlloc(alloc(1, 8, "a.go", 1, 0))
		r.OnAlloc(alloc(2, 8, "b.go", 2, 0))
		r.OnAlloc(alloc(3, 8, "a.go", 3, 0))

		var visited []uint64
		r.Walk(registry.ByFile("a.go"), func(info *registry.AllocInfo) {
			visited = append(visited, info.Ptr)
		})
		Expect(visited).To(Equal([]uint64{1, 3}))
	})
})
