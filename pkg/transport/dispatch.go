package transport

import (
	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// onDatagram is installed as the substrate's receive callback. It may run on
// the substrate's own goroutine (a UDP read loop, or a Loopback peer's Send
// caller), so it takes the Transport lock for its entire body.
func (t *Transport) onDatagram(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.BytesReceived(len(b))
	p, err := wire.Decode(b)
	if err != nil {
		t.metrics.PacketDropped("malformed")
		return
	}
	t.metrics.PacketReceived(p.Kind.String())

	if t.state == Joining {
		t.handleDuringJoin(p)
		return
	}
	if t.state != Connected && t.state != Disconnecting {
		return
	}
	t.dispatch(p)
}

// dispatch routes a decoded packet per SPEC_FULL.md §4.D's inbound dispatch
// table.
func (t *Transport) dispatch(p *wire.Packet) {
	switch p.Kind {
	case wire.KindWhoisRequest:
		r := t.ensureReceiver(p.QueriedSender)
		if r != nil {
			r.WhoisPush(p)
		}
	case wire.KindWhoisReply:
		r := t.ensureReceiver(p.Sender)
		if r != nil {
			r.WhoisPush(p)
		}
	case wire.KindRepairReq:
		if r, ok := t.grp.Lookup(p.OriginalSender); ok {
			r.RepairRequest(p.OriginalPacketID)
		}
	case wire.KindSession:
		t.handleSession(p)
	case wire.KindData, wire.KindNoData, wire.KindAttemptJoin, wire.KindJoin, wire.KindFailure, wire.KindBye:
		t.dispatchReliable(p)
	}
	t.grp.Poke()
}

func (t *Transport) dispatchReliable(p *wire.Packet) {
	if p.Sender == 0 || p.Sender == t.selfID {
		return
	}
	r := t.ensureReliableReceiver(p)
	r.Push(p)

	if p.Kind == wire.KindFailure {
		for _, id := range p.SenderIDs {
			if other, ok := t.grp.Lookup(id); ok {
				other.SetFailed()
			}
		}
	}
	if p.Kind == wire.KindBye && r.State != receiver.StateStopped {
		name := r.Name
		r.Stop()
		t.events.lostSender(p.Sender, name)
	}
}

// ensureReceiver returns the receiver for id, creating one in state NEW if
// this is the first time id has been observed. id == 0 (a joining peer that
// hasn't committed yet) never gets a receiver.
func (t *Transport) ensureReceiver(id uint32) *receiver.Receiver {
	if id == 0 {
		return nil
	}
	if r, ok := t.grp.Lookup(id); ok {
		return r
	}
	r := receiver.New(id, t.timer, t.newReceiverSink(id))
	t.grp.Add(r)
	return r
}

// ensureReliableReceiver is ensureReceiver plus update_start on first sight
// of a sender via reliable traffic, per SPEC_FULL.md §4.B.
func (t *Transport) ensureReliableReceiver(p *wire.Packet) *receiver.Receiver {
	r := t.ensureReceiver(p.Sender)
	if r.State == receiver.StateNew {
		r.UpdateStart(p.PacketID)
	}
	return r
}

func (t *Transport) newReceiverSink(id uint32) receiver.Sink {
	return receiver.Sink{
		Emit: func(p *wire.Packet) {
			if p.Kind == wire.KindRepairReq {
				t.metrics.RepairRequested()
			}
			t.sendRaw(p)
		},
		Deliver: func(senderID uint32, streamID uint16, payload []byte) {
			name := ""
			if r, ok := t.grp.Lookup(senderID); ok {
				name = r.Name
			}
			t.events.received(senderID, name, streamID, payload)
		},
		NameDiscovered: func(senderID uint32, name string) {
			t.metrics.SenderState(senderID, "RUNNING")
			t.events.newSender(senderID, name)
		},
		Failed: func(senderID uint32) {
			t.metrics.SenderState(senderID, "FAILED")
			t.events.senderFailed(senderID)
		},
		Progress: func() { t.grp.Poke() },
	}
}

// handleSession implements SPEC_FULL.md §4.D's session-announce handling:
// seen() every sender we recognize in the vector (unknown senders are
// ignored, per the binding open-question resolution), then reschedule our
// own announce if the received vector dominates ours.
func (t *Transport) handleSession(p *wire.Packet) {
	dominates := true
	for _, d := range p.Deps {
		r, ok := t.grp.Lookup(d.Sender)
		if !ok {
			continue
		}
		r.Seen(d.PacketID)
		if wire.Diff(r.NextOutput(), d.PacketID) < 0 {
			dominates = false
		}
	}
	for _, r := range t.grp.All() {
		if r.ID == p.Sender {
			continue
		}
		covered := false
		for _, d := range p.Deps {
			if d.Sender == r.ID {
				covered = true
				break
			}
		}
		if !covered {
			dominates = false
			break
		}
	}
	if dominates {
		t.rescheduleSessionAnnounce()
	}
}
