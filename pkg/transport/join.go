package transport

import (
	"time"

	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// joinState tracks one in-progress identifier-acquisition attempt
// (SPEC_FULL.md §4.D "Joining"). A new one is allocated every time the
// candidate id is restarted after a collision.
type joinState struct {
	candidate      uint32
	requestsSent   int
	collisionsSeen int
}

// startJoinAttempt begins step 1-2: pick a candidate and wait
// PassiveJoinTime listening for collisions before polling actively.
func (t *Transport) startJoinAttempt() {
	t.metrics.JoinAttempt()
	js := &joinState{candidate: randNonZeroUint32()}
	t.join = js
	t.sched.After(PassiveJoinTime, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.join == js { // not superseded by a restart
			t.beginActivePolling()
		}
	})
}

// restartJoin implements step 4/5/6: abort the current attempt and start a
// fresh one with a new candidate.
func (t *Transport) restartJoin() {
	if t.state != Joining {
		return
	}
	t.startJoinAttempt()
}

// beginActivePolling implements step 3: send up to NrJoinRequestsToSend
// WHOIS_REQUEST packets querying the candidate id, one every
// ActiveJoinInterval, with sender stamped 0 (we don't own an id yet).
func (t *Transport) beginActivePolling() {
	if t.join == nil || t.state != Joining {
		return
	}
	t.sendJoinProbe()
}

func (t *Transport) sendJoinProbe() {
	if t.join == nil || t.state != Joining {
		return
	}
	js := t.join
	js.requestsSent++
	t.sendRaw(&wire.Packet{Kind: wire.KindWhoisRequest, Sender: 0, QueriedSender: js.candidate})

	if js.requestsSent < NrJoinRequestsToSend {
		t.sched.After(ActiveJoinInterval, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.join == js {
				t.sendJoinProbe()
			}
		})
		return
	}
	// One more interval to let any trailing collision arrive before commit.
	t.sched.After(ActiveJoinInterval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.join == js {
			t.commitJoin()
		}
	})
}

// handleDuringJoin implements step 4/5/6's collision detection against
// inbound traffic observed while Joining.
func (t *Transport) handleDuringJoin(p *wire.Packet) {
	if t.join == nil {
		return
	}
	if p.Sender != 0 && p.Sender == t.join.candidate {
		// Someone is already using our candidate id (step 4, and step 5's
		// WHOIS_REPLY case, since a reply's identity is carried in Sender).
		t.metrics.JoinCollision()
		t.restartJoin()
		return
	}
	if p.Kind == wire.KindWhoisRequest && p.Sender == 0 && p.QueriedSender == t.join.candidate {
		// A concurrent zero-sender probe for the same candidate (step 6).
		// Tie-break: restart only once collisions seen catch up to our own
		// request count, so two simultaneous pollers don't both restart
		// forever in lockstep.
		t.join.collisionsSeen++
		if t.join.collisionsSeen >= t.join.requestsSent {
			t.metrics.JoinCollision()
			t.restartJoin()
		}
	}
}

// commitJoin implements step 7: the polling window closed clean, so commit
// the candidate id, create the self receiver, and announce.
func (t *Transport) commitJoin() {
	if t.join == nil || t.state != Joining {
		return
	}
	t.selfID = t.join.candidate
	t.join = nil
	t.state = Connected

	t.self = receiver.New(t.selfID, t.timer, receiver.Sink{
		Emit:     func(p *wire.Packet) { t.sendRaw(p) },
		Progress: func() { t.grp.Poke() },
	})
	t.self.SetName(t.localName)
	t.self.UpdateStart(0)
	t.grp.Add(t.self)

	t.sendRaw(&wire.Packet{Kind: wire.KindWhoisReply, Sender: t.selfID, Name: t.localName})
	t.self.MarkWhoisReplySent()

	t.lastReliableDeps = time.Now()
	t.armSessionTimer()
	t.armKeepaliveTimer()

	t.events.connected()
}
