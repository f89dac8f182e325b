// Package hk provides a mechanism for registering periodic callbacks: a
// named function is fired on a timer and reschedules itself for
// whatever duration it returns. The snapshot builder uses it for its
// 250ms tick; the broker uses it to prune idle live sockets.
package hk

import (
	"fmt"
	"sync"
	"time"
)

type entry struct {
	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

var (
	mu      sync.Mutex
	entries map[string]*entry
)

func initCleaner() {
	mu.Lock()
	defer mu.Unlock()
	for _, e := range entries {
		deactivate(e)
	}
	entries = make(map[string]*entry)
}

func init() {
	entries = make(map[string]*entry)
}

// Reg registers f under name, firing it for the first time either
// immediately (no initial argument) or after the given initial delay, and
// re-arming it each time for whatever duration f returns. An empty name is
// permitted and registers an entry that Unreg can never subsequently
// target by name — callers that need to cancel it must keep their own
// handle via Unreg with a name they chose themselves.
func Reg(name string, f func() time.Duration, initial ...time.Duration) {
	e := &entry{active: true}

	key := name
	if key == "" {
		key = fmt.Sprintf("<anon:%p>", e)
	}

	mu.Lock()
	if old, ok := entries[key]; ok {
		deactivate(old)
	}
	entries[key] = e
	mu.Unlock()

	delay := time.Duration(0)
	if len(initial) > 0 {
		delay = initial[0]
	}
	schedule(e, f, delay)
}

// Unreg cancels the callback registered under name, if any. Future fires
// are suppressed; a fire already in flight still completes.
func Unreg(name string) {
	mu.Lock()
	e, ok := entries[name]
	if ok {
		delete(entries, name)
	}
	mu.Unlock()
	if ok {
		deactivate(e)
	}
}

func schedule(e *entry, f func() time.Duration, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return
	}
	e.timer = time.AfterFunc(delay, func() { fire(e, f) })
}

func fire(e *entry, f func() time.Duration) {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		return
	}
	next := f()
	schedule(e, f, next)
}

func deactivate(e *entry) {
	e.mu.Lock()
	e.active = false
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
}
