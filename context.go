// Package memprof is the runtime API an instrumented process links
// against: Init, Shutdown, RecordAlloc, RecordFree (spec.md §6). It wires
// together the interceptor, registry, snapshot builder and transport
// behind one RuntimeContext.
package memprof

import (
	"sync"
	"time"

	"github.com/habycr/memprof/intercept"
	"github.com/habycr/memprof/registry"
	"github.com/habycr/memprof/snapshot"
	"github.com/habycr/memprof/transport"
)

// Config is the set of values Init needs; everything else in RuntimeContext
// is derived. Defaults match spec.md §6 (port 7070 direct, port 5000
// broker) and §3/§4.E (3000ms leak threshold, 4096-point timeline).
type Config struct {
	Host             string
	Port             int
	UseBroker        bool
	BrokerTopic      string
	AppID            string
	SnapshotPeriod   time.Duration
	LeakThresholdMS  uint64
	Compress         bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		if c.UseBroker {
			c.Port = 5000
		} else {
			c.Port = 7070
		}
	}
	if c.SnapshotPeriod <= 0 {
		c.SnapshotPeriod = snapshot.DefaultPeriod
	}
	if c.LeakThresholdMS == 0 {
		c.LeakThresholdMS = 3000
	}
	if c.BrokerTopic == "" {
		c.BrokerTopic = "MEMORY_UPDATE"
	}
	if c.AppID == "" {
		c.AppID = "memprof"
	}
	return c
}

// RuntimeContext bundles everything Init wires up. Spec.md §9 ("Singletons
// → explicit context") prefers this explicit value, created once and held
// in a module-level once-cell, over the reference code's process-wide
// singletons — generalized from cmn.GCO's get/put-config pattern into a
// single immutable value set at Init time.
type RuntimeContext struct {
	Config      Config
	Registry    *registry.Registry
	Interceptor *intercept.Interceptor
	Sender      *transport.Sender
	Builder     *snapshot.Builder
}

var (
	ctxOnce sync.Once
	ctx     *RuntimeContext
)

// Init creates the RuntimeContext exactly once; subsequent calls are
// no-ops (spec.md §9). It does not start the snapshot builder's periodic
// tick — call Start for that, once ctx's fields are usable by the caller
// for additional wiring (e.g. installing a sink).
func Init(cfg Config) *RuntimeContext {
	ctxOnce.Do(func() {
		cfg = cfg.withDefaults()
		reg := registry.New()
		reg.SetLeakThreshold(cfg.LeakThresholdMS)

		sender := transport.NewSender(cfg.Host, cfg.Port, cfg.Compress)
		kind := transport.KindDirect
		if cfg.UseBroker {
			kind = transport.KindBroker
		}
		tr := transport.NewTransport(kind, sender, cfg.BrokerTopic, cfg.AppID)

		ctx = &RuntimeContext{
			Config:      cfg,
			Registry:    reg,
			Interceptor: intercept.New(reg),
			Sender:      sender,
			Builder:     snapshot.NewBuilder(reg, tr, cfg.SnapshotPeriod),
		}
	})
	return ctx
}

// Current returns the process's RuntimeContext, or nil if Init has not
// been called yet.
func Current() *RuntimeContext { return ctx }
