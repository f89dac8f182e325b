// Package cmn provides low-level types and utilities shared by every
// memprof package: a monotonic clock, thread identity, invariant assertions,
// the broker wire codec, and a close-once stop signal.
package cmn

import (
	"runtime"
	"strconv"
	"sync"
	"time"
)

var (
	clockOnce  sync.Once
	clockStart time.Time
)

// NowNS returns a monotonic nanosecond timestamp measured from a fixed
// process-lifetime origin. Two calls that are ordered by a happens-before
// relationship return non-decreasing values; two concurrent calls may
// return values in either order (spec.md §4.A).
func NowNS() uint64 {
	clockOnce.Do(func() { clockStart = time.Now() })
	return uint64(time.Since(clockStart).Nanoseconds())
}

// ThreadID returns a stable numeric id for the calling goroutine, parsed out
// of the goroutine header that runtime.Stack prints. Go exposes no portable
// OS thread handle at user level, so this plays the role spec.md §4.A asks
// of "thread_id()": stable per logical thread of execution, not necessarily
// portable across processes or platforms.
func ThreadID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:" is the fixed header format.
	line := buf[:n]
	const prefix = "goroutine "
	if len(line) <= len(prefix) {
		return 0
	}
	line = line[len(prefix):]
	end := 0
	for end < len(line) && line[end] >= '0' && line[end] <= '9' {
		end++
	}
	id, err := strconv.ParseUint(string(line[:end]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
