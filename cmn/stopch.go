package cmn

import "sync"

// StopCh is a close-once stop/done signal, grounded on the StopCh used
// throughout transport/send.go (s.stopCh.Listen(), s.lastCh.Close()) to
// coordinate a producer goroutine and whatever is waiting on it without a
// panic on double-close.
type StopCh struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopCh returns a ready-to-use StopCh.
func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

// Listen returns the channel to select on; it closes exactly once.
func (s *StopCh) Listen() <-chan struct{} { return s.ch }

// Close signals stop. Safe to call more than once or from multiple
// goroutines.
func (s *StopCh) Close() {
	s.once.Do(func() { close(s.ch) })
}
