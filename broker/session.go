package broker

import (
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/habycr/memprof/cmn"
	"github.com/habycr/memprof/hk"
)

// defaultIdleTimeout is how long a live socket may go without activity
// before the idle-pruning supplement (SPEC_FULL §3) drops it from
// live_sockets. Spec.md §4.G's own disconnect rule (remove on socket
// error/EOF) still applies independently of this.
const defaultIdleTimeout = 2 * time.Minute

// liveSession tracks one appId's live_sockets entry and self-reports
// idleness, mirroring xaction/demand/demand.go's XactDemandBase: an
// "active" counter bumped on every observed command, and an hk-scheduled
// callback that confirms idleness only after two consecutive quiet ticks
// (one "likely idle", one "confirmed") before closing its tick channel.
// Repurposed here from "an on-demand xaction may self-terminate" to "a
// stale live socket may be dropped without touching its subscription or
// queued messages."
type liveSession struct {
	appID  string
	hkName string
	active atomic.Int64
	idle   *cmn.StopCh
	dur    time.Duration
	likely bool
}

func newLiveSession(appID string, dur time.Duration) *liveSession {
	if dur <= 0 {
		dur = defaultIdleTimeout
	}
	s := &liveSession{
		appID:  appID,
		hkName: "broker-live/" + appID,
		idle:   cmn.NewStopCh(),
		dur:    dur,
	}
	hk.Reg(s.hkName, s.tick, s.dur)
	return s
}

// touch records activity on this appId's live socket, deferring idle
// pruning.
func (s *liveSession) touch() { s.active.Inc() }

// IdleTimer fires once the session has been observed idle across two
// consecutive ticks.
func (s *liveSession) IdleTimer() <-chan struct{} { return s.idle.Listen() }

func (s *liveSession) tick() time.Duration {
	active := s.active.Swap(0)
	if active > 0 {
		s.likely = false
	} else if s.likely {
		s.idle.Close()
	} else {
		s.likely = true
	}
	return s.dur
}

// stop cancels the idle timer, e.g. because the socket was already removed
// on EOF/error.
func (s *liveSession) stop() { hk.Unreg(s.hkName) }

// sameConn reports whether conn is the socket currently registered for
// this session — used by the broker to implement "remove by socket
// equality across all entries" (spec.md §4.G disconnect rule).
func sameConn(a, b net.Conn) bool { return a == b }
