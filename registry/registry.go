package registry

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/habycr/memprof/cmn"
)

// Sink is invoked synchronously on every recorded event (spec.md §4.E,
// §9 "dynamic dispatch → interface abstraction"). Installed via SetSink and
// read without holding the registry lock, matching spec.md §5's sink-slot
// policy.
type Sink interface {
	OnEvent(ev Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ev Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }

const defaultLeakThresholdNS = uint64(3000 * 1_000_000) // 3000ms, spec.md §3
const defaultTimelineCapacity = 4096

// Registry is the authoritative live-block state machine (spec.md §4.E,
// "the heart"). It exists for the process lifetime: there is no start/stop,
// only a mutable leak threshold and sink slot. Composite operations
// (on_alloc/on_free, and the various copy-out readers) are serialized under
// a single mutex; the scalar counters additionally use relaxed atomics so
// they can be loaded without the lock (spec.md §5). Metrics still takes the
// lock briefly to compute leak_bytes.
type Registry struct {
	mu sync.Mutex

	live      map[uint64]*AllocInfo
	fileStats map[string]*FileStats
	typeStats map[string]*TypeStats
	timeline  []TimelinePoint
	timelineC int

	ladder []uint64

	sinkMu sync.Mutex
	sink   Sink

	leakThresholdNS atomic.Uint64
	serial          atomic.Uint64

	currentBytes atomic.Uint64
	peakBytes    atomic.Uint64
	activeAllocs atomic.Uint64
	totalAllocs  atomic.Uint64
}

// New returns an empty Registry with the default leak threshold (3000ms)
// and timeline capacity (4096 points).
func New() *Registry {
	r := &Registry{
		live:      make(map[uint64]*AllocInfo),
		fileStats: make(map[string]*FileStats),
		typeStats: make(map[string]*TypeStats),
		timeline:  make([]TimelinePoint, 0, defaultTimelineCapacity),
		timelineC: defaultTimelineCapacity,
		ladder:    defaultLadder(),
	}
	r.leakThresholdNS.Store(defaultLeakThresholdNS)
	return r
}

// SetSink installs the single event sink, replacing any previous one.
func (r *Registry) SetSink(s Sink) {
	r.sinkMu.Lock()
	r.sink = s
	r.sinkMu.Unlock()
}

// SetLeakThreshold updates the classification threshold, in milliseconds.
func (r *Registry) SetLeakThreshold(ms uint64) {
	r.leakThresholdNS.Store(ms * 1_000_000)
}

// LeakThresholdNS returns the current classification threshold in
// nanoseconds, for callers (the Snapshot Builder) that need to reproduce
// the same is_leak predicate per block rather than only the aggregate
// LeakKPIs.
func (r *Registry) LeakThresholdNS() uint64 {
	return r.leakThresholdNS.Load()
}

// OnAlloc records a heap allocation. Zero-byte requests are rounded up to
// 1 byte (spec.md §4.D) here as well as in the interceptor, so every caller
// (including the consumer aggregator) gets the same pairing with OnFree.
func (r *Registry) OnAlloc(ev Event) {
	cmn.Assert(ev.Kind == Alloc)
	size := ev.Size
	if size == 0 {
		size = 1
	}

	r.mu.Lock()

	// Counter ordering (spec.md §4.E): total/active/current bump before the
	// live map insertion is committed.
	r.totalAllocs.Inc()
	r.activeAllocs.Inc()
	newCurrent := r.currentBytes.Add(size)
	r.bumpPeak(newCurrent)

	serial := r.serial.Inc()
	info := &AllocInfo{
		Ptr:         ev.Ptr,
		Size:        size,
		File:        ev.File,
		Line:        ev.Line,
		Type:        ev.Type,
		TimestampNS: ev.TimestampNS,
		IsArray:     ev.IsArray,
		ThreadID:    ev.ThreadID,
		SerialID:    serial,
	}
	r.live[ev.Ptr] = info

	fs := r.fileStatsFor(ev.File)
	fs.AllocCount++
	fs.AllocBytes += size
	fs.LiveCount++
	fs.LiveBytes += size

	if ev.Type != "" {
		ts := r.typeStatsFor(ev.Type)
		ts.AllocCount++
		ts.AllocBytes += size
		ts.LiveCount++
		ts.LiveBytes += size
	}

	r.pushTimelineLocked(ev.TimestampNS)
	r.mu.Unlock()

	r.fireSink(ev)
}

// OnFree records a heap deallocation. hintedSize is used only when the
// address is unknown to the registry and a size cannot otherwise be
// recovered; ordinarily the stored AllocInfo.Size is authoritative. An
// orphan free (unknown ptr) is a no-op on every counter and per-file entry,
// preserving I1-I3 under mis-instrumented regions (spec.md §4.E).
func (r *Registry) OnFree(ptr uint64, hintedSize uint64) {
	r.mu.Lock()

	info, ok := r.live[ptr]
	if !ok {
		r.mu.Unlock()
		r.fireSink(Event{Kind: Free, Ptr: ptr, Size: hintedSize})
		return
	}
	size := info.Size
	delete(r.live, ptr)

	fs := r.fileStatsFor(info.File)
	fs.LiveCount = saturatingSub(fs.LiveCount, 1)
	fs.LiveBytes = saturatingSub(fs.LiveBytes, size)

	if info.Type != "" {
		ts := r.typeStatsFor(info.Type)
		ts.LiveCount = saturatingSub(ts.LiveCount, 1)
		ts.LiveBytes = saturatingSub(ts.LiveBytes, size)
	}

	// Counter ordering (spec.md §4.E): current/active decrement strictly
	// after the live map removal is committed.
	r.currentBytes.Sub(size)
	r.activeAllocs.Dec()

	now := cmn.NowNS()
	r.pushTimelineLocked(now)
	r.mu.Unlock()

	r.fireSink(Event{Kind: Free, Ptr: ptr, Size: size})
}

func (r *Registry) fireSink(ev Event) {
	r.sinkMu.Lock()
	s := r.sink
	r.sinkMu.Unlock()
	if s != nil {
		s.OnEvent(ev)
	}
}

// bumpPeak implements the compare-exchange retry loop of spec.md §4.E:
// peak_bytes becomes the max of all observed current_bytes, monotonically
// (invariant I5).
func (r *Registry) bumpPeak(newCurrent uint64) {
	for {
		old := r.peakBytes.Load()
		if newCurrent <= old {
			return
		}
		if r.peakBytes.CAS(old, newCurrent) {
			return
		}
	}
}

func (r *Registry) fileStatsFor(file string) *FileStats {
	fs, ok := r.fileStats[file]
	if !ok {
		fs = &FileStats{File: file}
		r.fileStats[file] = fs
	}
	return fs
}

func (r *Registry) typeStatsFor(typ string) *TypeStats {
	ts, ok := r.typeStats[typ]
	if !ok {
		ts = &TypeStats{Type: typ}
		r.typeStats[typ] = ts
	}
	return ts
}

// pushTimelineLocked appends one (t_ns, current_bytes, leak_bytes) point,
// dropping the oldest when the buffer is at capacity (spec.md §4.E). Must
// be called with r.mu held.
func (r *Registry) pushTimelineLocked(now uint64) {
	point := TimelinePoint{
		TimestampNS:  now,
		CurrentBytes: r.currentBytes.Load(),
		LeakBytes:    r.leakBytesLocked(now),
	}
	if len(r.timeline) >= r.timelineC {
		copy(r.timeline, r.timeline[1:])
		r.timeline[len(r.timeline)-1] = point
		return
	}
	r.timeline = append(r.timeline, point)
}

// leakBytesLocked scans the live map for blocks older than the current
// threshold. Must be called with r.mu held.
func (r *Registry) leakBytesLocked(now uint64) uint64 {
	threshold := r.leakThresholdNS.Load()
	var total uint64
	for _, info := range r.live {
		if isLeakAt(now, threshold, info.TimestampNS) {
			total += info.Size
		}
	}
	return total
}

// isLeakAt implements spec.md §4.E's classification predicate: a block is a
// leak iff now - timestamp > threshold and now > timestamp (guards against
// clock skew producing an underflowed, enormous age).
func isLeakAt(now, thresholdNS, timestampNS uint64) bool {
	if now <= timestampNS {
		return false
	}
	return now-timestampNS > thresholdNS
}

// IsLeak exposes the classification predicate of spec.md §4.E to callers
// outside the package (the Snapshot Builder's per-block is_leak field).
func IsLeak(now, thresholdNS, timestampNS uint64) bool {
	return isLeakAt(now, thresholdNS, timestampNS)
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Metrics returns a snapshot of the scalar counters plus leak_bytes
// computed at call time.
func (r *Registry) Metrics(nowNS uint64) Metrics {
	r.mu.Lock()
	leak := r.leakBytesLocked(nowNS)
	r.mu.Unlock()
	return Metrics{
		CurrentBytes: r.currentBytes.Load(),
		PeakBytes:    r.peakBytes.Load(),
		ActiveAllocs: r.activeAllocs.Load(),
		TotalAllocs:  r.totalAllocs.Load(),
		LeakBytes:    leak,
	}
}

// Timeline returns a copy of the timeline buffer, oldest first.
func (r *Registry) Timeline() []TimelinePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TimelinePoint, len(r.timeline))
	copy(out, r.timeline)
	return out
}

// Blocks returns a copy of every live AllocInfo entry.
func (r *Registry) Blocks() []AllocInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AllocInfo, 0, len(r.live))
	for _, info := range r.live {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialID < out[j].SerialID })
	return out
}

// FileStats returns a copy of the per-file statistics, sorted by file name
// for deterministic snapshot output.
func (r *Registry) FileStats() []FileStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FileStats, 0, len(r.fileStats))
	for _, fs := range r.fileStats {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].File < out[j].File })
	return out
}

// TypeStats returns a copy of the per-type statistics, sorted by type name.
func (r *Registry) TypeStats() []TypeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TypeStats, 0, len(r.typeStats))
	for _, ts := range r.typeStats {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Histogram buckets the current live blocks by size, using the fixed
// default ladder (spec.md §3).
func (r *Registry) Histogram() []HistogramBin {
	r.mu.Lock()
	ladder := r.ladder
	sizes := make([]uint64, 0, len(r.live))
	for _, info := range r.live {
		sizes = append(sizes, info.Size)
	}
	r.mu.Unlock()

	bins := make([]HistogramBin, len(ladder))
	lo := uint64(0)
	for i, hi := range ladder {
		bins[i] = HistogramBin{Lo: lo, Hi: hi}
		lo = hi
	}
	for _, size := range sizes {
		idx := binIndex(ladder, size)
		bins[idx].Bytes += size
		bins[idx].Allocations++
	}
	return bins
}

func binIndex(ladder []uint64, size uint64) int {
	for i, hi := range ladder {
		if size < hi {
			return i
		}
	}
	return len(ladder) - 1
}

// LeakKPIs computes the derived leak-classification metrics by scanning the
// live map with the current threshold (spec.md §4.E).
func (r *Registry) LeakKPIs(nowNS uint64) LeakKPIs {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := r.leakThresholdNS.Load()
	var (
		totalLeakBytes uint64
		leakCount      uint64
		largest        LargestLeak
		haveLargest    bool
		topFiles       = map[string]*TopFileByLeaks{}
	)

	for _, info := range r.live {
		if !isLeakAt(nowNS, threshold, info.TimestampNS) {
			continue
		}
		leakCount++
		totalLeakBytes += info.Size

		if !haveLargest ||
			info.Size > largest.Size ||
			(info.Size == largest.Size && info.TimestampNS < largestTimestamp(r.live, largest)) {
			largest = LargestLeak{File: info.File, Ptr: info.Ptr, Size: info.Size}
			haveLargest = true
		}

		tf, ok := topFiles[info.File]
		if !ok {
			tf = &TopFileByLeaks{File: info.File}
			topFiles[info.File] = tf
		}
		tf.Count++
		tf.Bytes += info.Size
	}

	var leakRate float64
	total := r.totalAllocs.Load()
	if total > 0 {
		leakRate = float64(leakCount) / float64(total)
	}

	var top TopFileByLeaks
	var topNames []string
	for name := range topFiles {
		topNames = append(topNames, name)
	}
	sort.Strings(topNames)
	for _, name := range topNames {
		tf := topFiles[name]
		if tf.Count > top.Count ||
			(tf.Count == top.Count && tf.Bytes > top.Bytes) {
			top = *tf
		}
	}

	return LeakKPIs{
		TotalLeakBytes: totalLeakBytes,
		LeakRate:       leakRate,
		Largest:        largest,
		TopFile:        top,
	}
}

// largestTimestamp looks up the timestamp of the block currently recorded
// as the largest leak, used only to break size ties by earliest timestamp
// (spec.md §4.E KPI tie-breaks).
func largestTimestamp(live map[uint64]*AllocInfo, l LargestLeak) uint64 {
	if info, ok := live[l.Ptr]; ok {
		return info.TimestampNS
	}
	return 0
}
