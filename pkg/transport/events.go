package transport

// Events is the set of outward notifications a Transport produces, delivered
// as callback closures rather than a signal/slot broadcast — the same Sink
// pattern receiver.Sink uses, since each event has exactly one real consumer
// in practice (SPEC_FULL.md §9, §6.2).
type Events struct {
	// Connected fires once the join sequence commits an identity.
	Connected func()

	// Disconnected fires once the BYE sequence (or a hard teardown)
	// completes and the substrate is released.
	Disconnected func()

	// NewSender fires the first time a sender's name is resolved.
	NewSender func(id uint32, name string)

	// LostSender fires once a sender's graceful BYE is observed.
	LostSender func(id uint32, name string)

	// Received fires once per causally-released, reassembled message.
	Received func(senderID uint32, senderName string, streamID uint16, payload []byte)

	// SenderFailed fires when a sender transitions to FAILED or
	// UNKNOWN_FAILED.
	SenderFailed func(id uint32)
}

func (e Events) connected() {
	if e.Connected != nil {
		e.Connected()
	}
}

func (e Events) disconnected() {
	if e.Disconnected != nil {
		e.Disconnected()
	}
}

func (e Events) newSender(id uint32, name string) {
	if e.NewSender != nil {
		e.NewSender(id, name)
	}
}

func (e Events) lostSender(id uint32, name string) {
	if e.LostSender != nil {
		e.LostSender(id, name)
	}
}

func (e Events) received(senderID uint32, senderName string, streamID uint16, payload []byte) {
	if e.Received != nil {
		e.Received(senderID, senderName, streamID, payload)
	}
}

func (e Events) senderFailed(id uint32) {
	if e.SenderFailed != nil {
		e.SenderFailed(id)
	}
}
