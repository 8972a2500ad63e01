package receiver

import "github.com/lanrelay/rmcast/pkg/wire"

// Sink is the set of outward effects a Receiver produces, delivered as
// callbacks rather than a signal/slot broadcast (SPEC_FULL.md §9): exactly
// one consumer exists for each in practice (the owning transport), so a
// struct of closures is simpler than an event-bus abstraction. Grounded on
// the teacher's RakNetHandler.SetPacketHandler closure-passing pattern
// (source/server/server.go) rather than an interface hierarchy.
type Sink struct {
	// Emit sends p onto the substrate (a repair request, a do-repair
	// retransmission, or a scheduled whois reply).
	Emit func(p *wire.Packet)

	// Deliver is called once per fully reassembled, causally-released
	// message.
	Deliver func(senderID uint32, streamID uint16, payload []byte)

	// NameDiscovered fires the first time a WHOIS_REPLY resolves this
	// sender's name.
	NameDiscovered func(senderID uint32, name string)

	// Failed fires when the sender transitions to FAILED or
	// UNKNOWN_FAILED.
	Failed func(senderID uint32)

	// Progress is called whenever this receiver's release cursor could
	// have moved or a dependency elsewhere might now be satisfiable; the
	// sender group uses it to schedule a pop-loop pass over every
	// receiver (SPEC_FULL.md §4.B "pop-loop arbitration").
	Progress func()
}

func (s Sink) emit(p *wire.Packet) {
	if s.Emit != nil {
		s.Emit(p)
	}
}

func (s Sink) deliver(sender uint32, streamID uint16, payload []byte) {
	if s.Deliver != nil {
		s.Deliver(sender, streamID, payload)
	}
}

func (s Sink) nameDiscovered(sender uint32, name string) {
	if s.NameDiscovered != nil {
		s.NameDiscovered(sender, name)
	}
}

func (s Sink) failed(sender uint32) {
	if s.Failed != nil {
		s.Failed(sender)
	}
}

func (s Sink) progress() {
	if s.Progress != nil {
		s.Progress()
	}
}
