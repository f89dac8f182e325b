package transport

import "github.com/habycr/memprof/cmn"

// Sink is the synchronous per-event callback extension point (spec.md §9):
// "the sink (Event → ()) ... are the only extension points. Model them as
// small capability interfaces, not class hierarchies." It receives
// already-encoded lines; the Registry's own per-event callback is the
// separate registry.Sink, which receives registry.Event values.
type Sink interface {
	OnEvent(line []byte)
}

// Transport is the second extension point of spec.md §9: "bytes →
// Result<(), TransportTransient>". SendLine must never fail upward — a
// Transport implementation swallows its own transient errors, matching
// spec.md §4.C's contract for the TCP Sender.
type Transport interface {
	SendLine(payload []byte)
}

// dispatch-by-construction, grounded on transform/communicator.go's
// makeCommunicator: a single constructor picks the concrete implementation
// behind the Communicator interface by a string discriminator (push /
// redirect / rev-proxy there; direct / broker here) so callers only ever
// hold the interface.
const (
	KindDirect = "direct"
	KindBroker = "broker"
)

// directTransport writes straight to a viewer's TCP stream: one line per
// snapshot (spec.md §6 "viewer stream").
type directTransport struct {
	sender *Sender
}

func (d *directTransport) SendLine(payload []byte) {
	d.sender.SendLine(payload)
}

// brokerTransport frames payload as a PUBLISH command to a fixed topic and
// appId before handing it to the underlying Sender (spec.md §4.G).
type brokerTransport struct {
	sender *Sender
	topic  string
	appID  string
}

func (b *brokerTransport) SendLine(payload []byte) {
	line := cmn.EncodeFields("PUBLISH", b.topic, string(payload), b.appID)
	b.sender.SendLine([]byte(line))
}

// NewTransport constructs a Transport of the given kind. For KindBroker,
// topic and appID select the PUBLISH framing; both are ignored for
// KindDirect.
func NewTransport(kind string, sender *Sender, topic, appID string) Transport {
	switch kind {
	case KindBroker:
		return &brokerTransport{sender: sender, topic: topic, appID: appID}
	default:
		return &directTransport{sender: sender}
	}
}
