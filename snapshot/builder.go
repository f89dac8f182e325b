package snapshot

import (
	"time"

	"github.com/habycr/memprof/cmn"
	"github.com/habycr/memprof/hk"
	"github.com/habycr/memprof/registry"
	"github.com/habycr/memprof/transport"
)

// DefaultPeriod is the builder's default wake interval (spec.md §4.F).
const DefaultPeriod = 250 * time.Millisecond

// Builder wakes at Period, composes one Document from a Registry, and
// hands its encoded line to a transport.Transport. It owns its own
// previous-tick scalars for the backward-difference rate calculation and
// never mutates Registry state (spec.md §4.F).
type Builder struct {
	reg    *registry.Registry
	sender transport.Transport
	period time.Duration
	hkName string

	startNS uint64

	lastTickNS   uint64
	lastTotal    uint64
	lastActive   uint64
	haveLastTick bool
}

// NewBuilder returns a Builder that, once Start is called, periodically
// snapshots reg and writes each encoded line to sender.
func NewBuilder(reg *registry.Registry, sender transport.Transport, period time.Duration) *Builder {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Builder{
		reg:     reg,
		sender:  sender,
		period:  period,
		hkName:  "snapshot-builder",
		startNS: cmn.NowNS(),
	}
}

// Start registers the periodic tick with the package-level housekeeper
// (spec.md §4.F "a dedicated thread wakes at period P").
func (b *Builder) Start() {
	hk.Reg(b.hkName, b.tick, b.period)
}

// Stop cancels future ticks.
func (b *Builder) Stop() {
	hk.Unreg(b.hkName)
}

func (b *Builder) tick() time.Duration {
	doc := b.Build()
	b.sender.SendLine([]byte(Encode(doc)))
	return b.period
}

// Build composes one Document from the current Registry state without
// sending it — exposed directly for tests and for callers that want a
// one-off snapshot outside the periodic tick.
func (b *Builder) Build() Document {
	now := cmn.NowNS()
	m := b.reg.Metrics(now)
	kpis := b.reg.LeakKPIs(now)
	fileStats := b.reg.FileStats()
	typeStats := b.reg.TypeStats()
	bins := b.reg.Histogram()
	blocks := b.reg.Blocks()
	timeline := b.reg.Timeline()
	threshold := b.reg.LeakThresholdNS()

	allocRate, freeRate := b.ratesLocked(now, m.TotalAllocs, m.ActiveAllocs)

	doc := Document{
		General: General{
			UptimeMS:     (now - b.startNS) / 1_000_000,
			HeapCurrent:  m.CurrentBytes,
			HeapPeak:     m.PeakBytes,
			ActiveAllocs: m.ActiveAllocs,
			AllocRate:    allocRate,
			FreeRate:     freeRate,
			TotalAllocs:  m.TotalAllocs,
			LeakBytes:    m.LeakBytes,
			LeakRate:     kpis.LeakRate,
			LargestSize:  kpis.Largest.Size,
			LargestFile:  kpis.Largest.File,
			TopFile:      kpis.TopFile.File,
			TopFileCount: kpis.TopFile.Count,
			TopFileBytes: kpis.TopFile.Bytes,
		},
	}

	for _, fs := range fileStats {
		frees := saturatingSub(fs.AllocCount, fs.LiveCount)
		doc.PerFile = append(doc.PerFile, PerFile{
			File:       fs.File,
			TotalBytes: fs.AllocBytes,
			Allocs:     fs.AllocCount,
			Frees:      frees,
			NetBytes:   fs.LiveBytes,
		})
	}

	for _, ts := range typeStats {
		frees := saturatingSub(ts.AllocCount, ts.LiveCount)
		doc.ByType = append(doc.ByType, PerType{
			Type:       ts.Type,
			TotalBytes: ts.AllocBytes,
			Allocs:     ts.AllocCount,
			Frees:      frees,
			NetBytes:   ts.LiveBytes,
		})
	}

	for _, bin := range bins {
		doc.Bins = append(doc.Bins, Bin{Lo: bin.Lo, Hi: bin.Hi, Bytes: bin.Bytes, Allocations: bin.Allocations})
	}

	for _, info := range blocks {
		isLeak := registry.IsLeak(now, threshold, info.TimestampNS)
		doc.Leaks = append(doc.Leaks, Leak{
			Ptr: info.Ptr, Size: info.Size, File: info.File, Line: info.Line,
			Type: info.Type, TSNs: info.TimestampNS, IsLeak: isLeak,
		})
	}

	for _, p := range timeline {
		doc.Timeline = append(doc.Timeline, TimelinePoint{
			TMs:       p.TimestampNS / 1_000_000,
			HeapBytes: p.CurrentBytes,
		})
	}

	return doc
}

// ratesLocked computes alloc_rate/free_rate by backward difference against
// the previous tick's scalars (spec.md §4.F), then advances those
// scalars. Not actually guarded by any lock — "Locked" names the fact that
// it mutates Builder's own previous-tick state, matching the style of
// registry's *Locked helpers for "must be called with state already
// captured this tick."
func (b *Builder) ratesLocked(now, total, active uint64) (allocRate, freeRate float64) {
	if !b.haveLastTick {
		b.lastTickNS, b.lastTotal, b.lastActive = now, total, active
		b.haveLastTick = true
		return 0, 0
	}

	elapsedS := float64(now-b.lastTickNS) / 1e9
	if elapsedS <= 0 {
		return 0, 0
	}

	deltaTotal := signedDelta(total, b.lastTotal)
	deltaActive := signedDelta(active, b.lastActive)

	allocRate = maxFloat(0, float64(deltaTotal)/elapsedS)
	frees := deltaTotal - deltaActive
	freeRate = maxFloat(0, float64(frees)/elapsedS)

	b.lastTickNS, b.lastTotal, b.lastActive = now, total, active
	return allocRate, freeRate
}

func signedDelta(cur, prev uint64) int64 {
	return int64(cur) - int64(prev)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
