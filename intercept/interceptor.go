// Package intercept is the entry point an instrumented process calls into
// on every heap allocation and deallocation (spec.md §4.D). Go exposes no
// global-allocator hook, so (per spec.md §9 "global allocator replacement")
// the host program routes its allocator through RecordAlloc/RecordFree
// directly rather than having them installed as a libc-level override.
package intercept

import (
	"runtime"
	"sync"

	"github.com/habycr/memprof/cmn"
	"github.com/habycr/memprof/registry"
)

// pendingMeta is the thread-local-context-channel slot of spec.md §4.D
// mechanism 2: three values written just before an allocation and consumed
// by the next recorded allocation on that goroutine.
type pendingMeta struct {
	file string
	line uint32
	typ  string
}

// Interceptor captures alloc/free events and forwards them to a Registry,
// guarding against reentrant recording (spec.md §4.D). Go has no true
// thread-local storage, so both the reentrancy flag and the pending
// metadata slots are keyed by cmn.ThreadID() under a short mutex instead of
// a compiler-provided TLS cell.
type Interceptor struct {
	reg *registry.Registry

	mu      sync.Mutex
	guard   map[uint64]bool
	pending map[uint64]pendingMeta
}

// New returns an Interceptor recording into reg.
func New(reg *registry.Registry) *Interceptor {
	return &Interceptor{
		reg:     reg,
		guard:   make(map[uint64]bool),
		pending: make(map[uint64]pendingMeta),
	}
}

// SetContext writes the (file, line, type) slots consumed by the next
// RecordAlloc on the calling goroutine — the TLS-context-channel mechanism
// of spec.md §4.D mechanism 2.
func (ic *Interceptor) SetContext(file string, line uint32, typ string) {
	gid := cmn.ThreadID()
	ic.mu.Lock()
	ic.pending[gid] = pendingMeta{file: file, line: line, typ: typ}
	ic.mu.Unlock()
}

func (ic *Interceptor) takeContext(gid uint64) (pendingMeta, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	m, ok := ic.pending[gid]
	if ok {
		delete(ic.pending, gid)
	}
	return m, ok
}

// enter raises the reentrancy guard for gid. It reports false if the
// goroutine is already inside the interceptor, e.g. because the Registry's
// own map growth triggered this same allocation path.
func (ic *Interceptor) enter(gid uint64) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.guard[gid] {
		return false
	}
	ic.guard[gid] = true
	return true
}

func (ic *Interceptor) exit(gid uint64) {
	ic.mu.Lock()
	delete(ic.guard, gid)
	ic.mu.Unlock()
}

// RecordAlloc captures a heap allocation. Size 0 is rounded up to 1 byte
// (spec.md §4.D); this must match the rounding RecordFree expects when
// pairing against the same ptr. If the calling goroutine has no pending
// context set via SetContext, RecordAlloc falls back to runtime.Caller at
// the given skip depth — the nearest Go equivalent of the macro-rewritten
// lexical capture in spec.md §4.D mechanism 1, since Go has no
// textual-substitution preprocessor to rewrite call sites at compile time.
//
// A reentrant call (the flag already raised for this goroutine) silently
// drops the event: RecordingDropped, spec.md §7.
func (ic *Interceptor) RecordAlloc(ptr, size uint64, isArray bool, skip int) {
	gid := cmn.ThreadID()
	if !ic.enter(gid) {
		return
	}
	defer ic.exit(gid)

	if size == 0 {
		size = 1
	}

	meta, hasCtx := ic.takeContext(gid)
	file, line, typ := meta.file, meta.line, meta.typ
	if !hasCtx {
		file, line = callerSite(skip + 1)
	}

	ic.reg.OnAlloc(registry.Event{
		Kind:        registry.Alloc,
		Ptr:         ptr,
		Size:        size,
		File:        file,
		Line:        line,
		Type:        typ,
		TimestampNS: cmn.NowNS(),
		IsArray:     isArray,
		ThreadID:    gid,
	})
}

// RecordFree captures a heap deallocation. hintedSize may be 0 when the
// caller does not track sizes itself; the Registry falls back to the size
// recorded at Alloc time.
func (ic *Interceptor) RecordFree(ptr uint64, hintedSize uint64) {
	gid := cmn.ThreadID()
	if !ic.enter(gid) {
		return
	}
	defer ic.exit(gid)
	ic.reg.OnFree(ptr, hintedSize)
}

func callerSite(skip int) (string, uint32) {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "", 0
	}
	return file, uint32(line)
}
