// Package snapshot implements the Snapshot Builder (spec.md §4.F): a
// dedicated ticker that periodically composes one NDJSON document from a
// Registry and hands it to a transport.Transport.
package snapshot

import (
	"strconv"
	"strings"

	"github.com/habycr/memprof/cmn"
)

// General mirrors the snapshot document's "general" object (spec.md §6).
type General struct {
	UptimeMS      uint64
	HeapCurrent   uint64
	HeapPeak      uint64
	ActiveAllocs  uint64
	AllocRate     float64
	FreeRate      float64
	TotalAllocs   uint64
	LeakBytes     uint64
	LeakRate      float64
	LargestSize   uint64
	LargestFile   string
	TopFile       string
	TopFileCount  uint64
	TopFileBytes  uint64
}

// PerFile mirrors one entry of the snapshot's "per_file" array.
type PerFile struct {
	File       string
	TotalBytes uint64
	Allocs     uint64
	Frees      uint64
	NetBytes   uint64
}

// PerType mirrors one entry of the snapshot's "by_type" array (SPEC_FULL.md
// §3's supplemented per-type breakdown, surfaced alongside per_file).
type PerType struct {
	Type       string
	TotalBytes uint64
	Allocs     uint64
	Frees      uint64
	NetBytes   uint64
}

// Bin mirrors one entry of the snapshot's "bins" array.
type Bin struct {
	Lo          uint64
	Hi          uint64
	Bytes       uint64
	Allocations uint64
}

// Leak mirrors one entry of the snapshot's "leaks" array.
type Leak struct {
	Ptr    uint64
	Size   uint64
	File   string
	Line   uint32
	Type   string
	TSNs   uint64
	IsLeak bool
}

// TimelinePoint mirrors one [t_ms, heap_bytes] pair of the snapshot's
// "timeline" array. The wire uses milliseconds; internal storage (and
// registry.TimelinePoint) uses nanoseconds — conversion happens here, at
// emission, per spec.md §9's open question on t_ns vs t_ms.
type TimelinePoint struct {
	TMs       uint64
	HeapBytes uint64
}

// Document is the fully composed, ready-to-emit snapshot.
type Document struct {
	General  General
	PerFile  []PerFile
	ByType   []PerType
	Bins     []Bin
	Leaks    []Leak
	Timeline []TimelinePoint
}

// Encode renders d as the single-line JSON document of spec.md §6. A
// hand-rolled writer is used rather than encoding/json or jsoniter: the
// schema mixes quoted-hex addresses, decimal integers and IEEE-754
// doubles field-by-field in a way reflection-based marshaling cannot
// express without a bespoke MarshalJSON per type anyway.
func Encode(d Document) string {
	var b strings.Builder
	b.WriteByte('{')

	b.WriteString(`"general":`)
	encodeGeneral(&b, d.General)
	b.WriteByte(',')

	b.WriteString(`"per_file":[`)
	for i, f := range d.PerFile {
		if i > 0 {
			b.WriteByte(',')
		}
		encodePerFile(&b, f)
	}
	b.WriteString(`],`)

	b.WriteString(`"by_type":[`)
	for i, t := range d.ByType {
		if i > 0 {
			b.WriteByte(',')
		}
		encodePerType(&b, t)
	}
	b.WriteString(`],`)

	b.WriteString(`"bins":[`)
	for i, bin := range d.Bins {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeBin(&b, bin)
	}
	b.WriteString(`],`)

	b.WriteString(`"leaks":[`)
	for i, l := range d.Leaks {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeLeak(&b, l)
	}
	b.WriteString(`],`)

	b.WriteString(`"timeline":[`)
	for i, p := range d.Timeline {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		writeUint(&b, p.TMs)
		b.WriteByte(',')
		writeUint(&b, p.HeapBytes)
		b.WriteByte(']')
	}
	b.WriteString(`]`)

	b.WriteByte('}')
	return b.String()
}

func encodeGeneral(b *strings.Builder, g General) {
	b.WriteByte('{')
	writeUintField(b, "uptime_ms", g.UptimeMS, true)
	writeUintField(b, "heap_current", g.HeapCurrent, false)
	writeUintField(b, "heap_peak", g.HeapPeak, false)
	writeUintField(b, "active_allocs", g.ActiveAllocs, false)
	writeFloatField(b, "alloc_rate", g.AllocRate, false)
	writeFloatField(b, "free_rate", g.FreeRate, false)
	writeUintField(b, "total_allocs", g.TotalAllocs, false)
	writeUintField(b, "leak_bytes", g.LeakBytes, false)
	writeFloatField(b, "leak_rate", g.LeakRate, false)
	writeUintField(b, "largest_size", g.LargestSize, false)
	writeStringField(b, "largest_file", g.LargestFile, false)
	writeStringField(b, "top_file", g.TopFile, false)
	writeUintField(b, "top_file_count", g.TopFileCount, false)
	writeUintField(b, "top_file_bytes", g.TopFileBytes, false)
	b.WriteByte('}')
}

func encodePerFile(b *strings.Builder, f PerFile) {
	b.WriteByte('{')
	writeStringField(b, "file", f.File, true)
	writeUintField(b, "totalBytes", f.TotalBytes, false)
	writeUintField(b, "allocs", f.Allocs, false)
	writeUintField(b, "frees", f.Frees, false)
	writeUintField(b, "netBytes", f.NetBytes, false)
	b.WriteByte('}')
}

func encodePerType(b *strings.Builder, t PerType) {
	b.WriteByte('{')
	writeStringField(b, "type", t.Type, true)
	writeUintField(b, "totalBytes", t.TotalBytes, false)
	writeUintField(b, "allocs", t.Allocs, false)
	writeUintField(b, "frees", t.Frees, false)
	writeUintField(b, "netBytes", t.NetBytes, false)
	b.WriteByte('}')
}

func encodeBin(b *strings.Builder, bin Bin) {
	b.WriteByte('{')
	writeUintField(b, "lo", bin.Lo, true)
	writeUintField(b, "hi", bin.Hi, false)
	writeUintField(b, "bytes", bin.Bytes, false)
	writeUintField(b, "allocations", bin.Allocations, false)
	b.WriteByte('}')
}

func encodeLeak(b *strings.Builder, l Leak) {
	b.WriteByte('{')
	b.WriteString(`"ptr":`)
	cmn.WriteJSONString(b, cmn.EncodeAddress(l.Ptr))
	b.WriteByte(',')
	writeUintField(b, "size", l.Size, false)
	writeStringField(b, "file", l.File, false)
	writeUintField(b, "line", uint64(l.Line), false)
	writeStringField(b, "type", l.Type, false)
	writeUintField(b, "ts_ns", l.TSNs, false)
	b.WriteString(`,"is_leak":`)
	if l.IsLeak {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteByte('}')
}

func writeUintField(b *strings.Builder, name string, v uint64, first bool) {
	if !first {
		b.WriteByte(',')
	}
	cmn.WriteJSONString(b, name)
	b.WriteByte(':')
	writeUint(b, v)
}

func writeFloatField(b *strings.Builder, name string, v float64, first bool) {
	if !first {
		b.WriteByte(',')
	}
	cmn.WriteJSONString(b, name)
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
}

func writeStringField(b *strings.Builder, name, v string, first bool) {
	if !first {
		b.WriteByte(',')
	}
	cmn.WriteJSONString(b, name)
	b.WriteByte(':')
	cmn.WriteJSONString(b, v)
}

func writeUint(b *strings.Builder, v uint64) {
	b.WriteString(strconv.FormatUint(v, 10))
}
