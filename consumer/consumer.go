// Package consumer implements the Consumer Aggregator (spec.md §4.H): a
// mirror of the Registry for viewer-side ingestion of raw alloc/free event
// lines rather than full snapshot documents.
package consumer

import (
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/habycr/memprof/cmn"
	"github.com/habycr/memprof/registry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Consumer wraps a registry.Registry rather than duplicating its state
// machine (spec.md §4.H: "identical in contract to §4.E"), matching the
// teacher's preference for composing small types over copy-paste (e.g.
// XactDemandBase embedding XactBase).
type Consumer struct {
	Registry *registry.Registry
}

// New returns a Consumer backed by a fresh Registry.
func New() *Consumer {
	return &Consumer{Registry: registry.New()}
}

// rawEvent is the flexible wire shape ProcessEvent decodes: ptr may arrive
// as a JSON number, a decimal string, or a "0x..." hex string (spec.md
// §4.H), so it is read into jsoniter's RawMessage and resolved by
// cmn.DecodeAddress / numeric fallback.
type rawEvent struct {
	Kind    string              `json:"kind"`
	Ptr     jsoniter.RawMessage `json:"ptr"`
	Size    uint64              `json:"size"`
	TSNs    uint64              `json:"ts_ns"`
	File    string              `json:"file"`
	Line    uint32              `json:"line"`
	Type    string              `json:"type"`
	IsArray bool                `json:"is_array"`
}

// ProcessEvent parses one JSON event line and applies it to the Registry.
// Malformed lines are dropped silently, logged at debug level only (spec.md
// §4.H, §7 ProtocolMalformed).
func (c *Consumer) ProcessEvent(line []byte) {
	var ev rawEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		glog.V(2).Infof("consumer: dropping malformed event line: %v", err)
		return
	}

	ptr, ok := decodePtr(ev.Ptr)
	if !ok {
		glog.V(2).Infof("consumer: dropping event with unparseable ptr: %s", ev.Ptr)
		return
	}

	switch ev.Kind {
	case "ALLOC", "Alloc", "alloc":
		c.Registry.OnAlloc(registry.Event{
			Kind:        registry.Alloc,
			Ptr:         ptr,
			Size:        ev.Size,
			File:        ev.File,
			Line:        ev.Line,
			Type:        ev.Type,
			TimestampNS: ev.TSNs,
			IsArray:     ev.IsArray,
		})
	case "FREE", "Free", "free":
		c.Registry.OnFree(ptr, ev.Size)
	default:
		glog.V(2).Infof("consumer: dropping event with unknown kind %q", ev.Kind)
	}
}

// decodePtr resolves a raw JSON ptr value that may be a quoted hex/decimal
// string or a bare JSON number.
func decodePtr(raw jsoniter.RawMessage) (uint64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return cmn.DecodeAddress(s[1 : len(s)-1])
	}
	return cmn.DecodeAddress(s)
}
