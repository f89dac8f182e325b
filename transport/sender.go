// Package transport implements the reconnecting line-delimited TCP sender
// (spec.md §4.C) and the small capability interfaces (spec.md §9
// "dynamic dispatch → interface abstraction") the Snapshot Builder and
// Broker use to push a line of bytes somewhere without caring whether the
// destination is a direct viewer socket or the pub/sub broker.
package transport

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"go.uber.org/atomic"
)

// session states, grounded on transport/send.go's sessST (inactive/active)
// atomic.Int64 field and its CAS-driven transitions — generalized here to a
// three-state Disconnected/Connecting/Connected machine (spec.md §4.C).
const (
	Disconnected int32 = iota
	Connecting
	Connected
)

const (
	dialTimeout  = 250 * time.Millisecond
	writeTimeout = 250 * time.Millisecond
	retryBackoff = 250 * time.Millisecond
)

// Sender is a reconnecting TCP line sender. SendLine never blocks for more
// than a 1ms read probe for peer EOF, one write syscall and at most one
// connect attempt, and never
// surfaces a network error to the caller — failures degrade to dropping
// the current payload and retrying on the next call (spec.md §4.C).
type Sender struct {
	addr     string
	compress bool

	state atomic.Int32

	mu          sync.Mutex
	conn        net.Conn
	lastAttempt time.Time
	lz4w        *lz4.Writer
}

// NewSender returns a Sender targeting host:port. When compress is true,
// every line is written through an lz4 frame writer, grounded on
// transport/send.go's lz4Stream/Extra.Compression support.
func NewSender(host string, port int, compress bool) *Sender {
	return &Sender{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		compress: compress,
	}
}

// State reports the current session state (Disconnected/Connecting/
// Connected), mainly for tests and operator tooling.
func (s *Sender) State() int32 { return s.state.Load() }

// SendLine writes payload followed by '\n'. On Connected, a write error or
// EOF transitions back to Disconnected and drops payload. On Disconnected,
// SendLine attempts one connect per call, debounced to at most once every
// 250ms so a caller that calls SendLine in a tight loop does not hammer a
// down endpoint (spec.md §4.C "sleep 250ms, caller driven").
func (s *Sender) SendLine(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A peer that has closed its end is seen as EOF by a short read probe;
	// the first write to such a socket would otherwise still succeed.
	if s.state.Load() == Connected {
		var probe [1]byte
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		_, err := s.conn.Read(probe[:])
		if ne, ok := err.(net.Error); err != nil && (!ok || !ne.Timeout()) {
			s.closeLocked()
		} else {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}

	if s.state.Load() != Connected {
		if !s.tryConnectLocked() {
			return
		}
	}

	if err := s.writeLineLocked(payload); err != nil {
		s.closeLocked()
	}
}

// tryConnectLocked attempts a single dial, debounced by retryBackoff.
// Must be called with s.mu held.
func (s *Sender) tryConnectLocked() bool {
	if !s.lastAttempt.IsZero() && time.Since(s.lastAttempt) < retryBackoff {
		return false
	}
	s.state.Store(Connecting)
	s.lastAttempt = time.Now()

	conn, err := net.DialTimeout("tcp", s.addr, dialTimeout)
	if err != nil {
		s.state.Store(Disconnected)
		return false
	}

	s.conn = conn
	if s.compress {
		s.lz4w = lz4.NewWriter(conn)
	} else {
		s.lz4w = nil
	}
	s.state.Store(Connected)
	return true
}

// writeLineLocked performs the send-all retry loop spec.md §4.C requires
// for partial writes. Must be called with s.mu held.
func (s *Sender) writeLineLocked(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	var w io.Writer = s.conn
	if s.lz4w != nil {
		w = s.lz4w
	}

	line := append(append([]byte(nil), payload...), '\n')
	for len(line) > 0 {
		n, err := w.Write(line)
		if err != nil {
			return err
		}
		line = line[n:]
	}
	if s.lz4w != nil {
		return s.lz4w.Flush()
	}
	return nil
}

func (s *Sender) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.lz4w = nil
	s.state.Store(Disconnected)
}

// Close shuts down the underlying connection, if any.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}
