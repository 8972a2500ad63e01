package transport

import (
	"time"

	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// nextPacketID allocates the next local packet-id.
func (t *Transport) nextPacketID() uint32 {
	id := t.counter
	t.counter++
	return id
}

// buildDeps snapshots the dependency vector for an outbound reliable packet
// (SPEC_FULL.md §4.D "Outbound reliable packets"): for every known sender in
// state >= PREPARING and < FAILED other than self, the next packet from that
// sender we have not yet released.
func (t *Transport) buildDeps() []wire.DepEntry {
	all := t.grp.All()
	deps := make([]wire.DepEntry, 0, len(all))
	for _, r := range all {
		if r.ID == t.selfID {
			continue
		}
		if r.State < receiver.StatePreparing || r.State >= receiver.StateFailed {
			continue
		}
		deps = append(deps, wire.DepEntry{Sender: r.ID, PacketID: r.NextOutput()})
	}
	return deps
}

// fragmentCount computes how many DATA packets payloadLen needs under the
// current MTU, given the header overhead deps will add to every fragment
// (SPEC_FULL.md §4.A's add_payload loop, generalized to know the total
// count up front so every fragment can carry the same Total).
func (t *Transport) fragmentCount(deps []wire.DepEntry, payloadLen int) uint32 {
	probe := &wire.Packet{Kind: wire.KindData, Deps: deps}
	room := t.mtu - wire.HeaderSize(probe)
	if room <= 0 {
		room = 1
	}
	n := (payloadLen + room - 1) / room
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

// sendData fragments payload into one or more DATA packets sharing the same
// dependency vector snapshot (per spec, re-stamping every fragment is
// permitted even though only the first strictly needs fresh deps) and emits
// each, in order, onto the substrate.
func (t *Transport) sendData(streamID uint16, payload []byte) error {
	deps := t.buildDeps()
	total := t.fragmentCount(deps, len(payload))

	offset := 0
	for part := uint32(0); part < total; part++ {
		id := t.nextPacketID()
		p := &wire.Packet{
			Kind: wire.KindData, Sender: t.selfID, PacketID: id,
			Deps: deps, Part: part, Total: total, StreamID: streamID,
		}
		n, err := wire.AddPayload(p, payload[offset:], t.mtu)
		if err != nil {
			return err
		}
		offset += n
		t.feedAndEmit(p)
	}
	return nil
}

// sendControlReliable builds and emits a non-DATA reliable packet (BYE,
// NO_DATA, ATTEMPT_JOIN, JOIN, FAILURE), stamped with the current dependency
// snapshot.
func (t *Transport) sendControlReliable(kind wire.Kind, senderIDs []uint32) {
	p := &wire.Packet{
		Kind: kind, Sender: t.selfID, PacketID: t.nextPacketID(),
		Deps: t.buildDeps(), SenderIDs: senderIDs,
	}
	t.feedAndEmit(p)
}

// feedAndEmit records p in our own receiver (so it takes part in local
// causal ordering the same way a foreign sender's packets do) before putting
// it on the wire, and resets the keepalive timer per SPEC_FULL.md §4.D
// ("any emission of a reliable packet with non-empty deps resets the
// keepalive timer").
func (t *Transport) feedAndEmit(p *wire.Packet) {
	t.self.Push(p)
	t.grp.Poke()
	t.sendRaw(p)
	if len(p.Deps) > 0 {
		t.lastReliableDeps = time.Now()
		t.rearmKeepaliveTimer()
	}
}

// sendRaw encodes and hands p to the substrate, logging (not propagating)
// encode and substrate send failures for all traffic, user DATA included;
// only AddPayload errors reach Send's caller, via sendData. A reliable packet
// whose send failed is still in our own receiver's cache while it remains
// unreleased there, and is re-emitted if a peer's repair request names it.
func (t *Transport) sendRaw(p *wire.Packet) {
	data, err := wire.Encode(p, t.mtu)
	if err != nil {
		t.log.Warnw("encode failed", "kind", p.Kind.String(), "error", err)
		return
	}
	if err := t.sub.Send(data); err != nil {
		t.log.Debugw("substrate send failed", "kind", p.Kind.String(), "error", err)
	}
}
