package transport

import (
	"math/rand"
	"time"

	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// armSessionTimer schedules the next SESSION announce at a uniform random
// delay in [SessionAnnounceMin, SessionAnnounceMax] (SPEC_FULL.md §4.D).
func (t *Transport) armSessionTimer() {
	d := sessionJitter()
	t.sessionTimer = t.sched.After(d, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.announceSession()
	})
	t.hasSessionTimer = true
}

func (t *Transport) cancelSessionTimer() {
	if t.hasSessionTimer {
		t.sessionTimer.Cancel()
		t.hasSessionTimer = false
	}
}

// rescheduleSessionAnnounce cancels and re-arms the session timer, used when
// a received SESSION vector already dominates ours and announcing again
// would be redundant (SPEC_FULL.md §4.D).
func (t *Transport) rescheduleSessionAnnounce() {
	t.cancelSessionTimer()
	t.armSessionTimer()
}

// announceSession builds and emits the periodic unreliable SESSION summary:
// a vector of (sender, release cursor) for every sender we know other than
// ourselves that isn't NEW or UNKNOWN_FAILED. Each entry is that sender's
// NextOutput (the first packet not yet released here), not its receive
// horizon: packets received but still waiting for release are not reported.
func (t *Transport) announceSession() {
	all := t.grp.All()
	deps := make([]wire.DepEntry, 0, len(all))
	for _, r := range all {
		if r.ID == t.selfID {
			continue
		}
		if r.State == receiver.StateNew || r.State == receiver.StateUnknownFailed {
			continue
		}
		deps = append(deps, wire.DepEntry{Sender: r.ID, PacketID: r.NextOutput()})
	}
	t.sendRaw(&wire.Packet{Kind: wire.KindSession, Sender: t.selfID, Deps: deps})
	t.armSessionTimer()
}

func sessionJitter() time.Duration {
	return SessionAnnounceMin + time.Duration(rand.Int63n(int64(SessionAnnounceMax-SessionAnnounceMin)))
}
