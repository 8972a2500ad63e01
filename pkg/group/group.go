// Package group implements the sender group (SPEC_FULL.md §4.C): the keyed
// collection of per-sender receivers the causal transport owns, plus the
// pop-loop arbitrator that drives causal release across all of them.
package group

import (
	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// Group holds every known sender's Receiver, keyed by sender-id, and
// arbitrates the pop loop across them.
type Group struct {
	receivers map[uint32]*receiver.Receiver

	popping bool
	dirty   bool
}

// New creates an empty sender group.
func New() *Group {
	return &Group{receivers: make(map[uint32]*receiver.Receiver)}
}

// Add registers r under its own id. Adding a second receiver for the same
// id replaces the first.
func (g *Group) Add(r *receiver.Receiver) {
	g.receivers[r.ID] = r
}

// Remove drops the receiver for id, if present.
func (g *Group) Remove(id uint32) {
	delete(g.receivers, id)
}

// Lookup returns the receiver for id, if known.
func (g *Group) Lookup(id uint32) (*receiver.Receiver, bool) {
	r, ok := g.receivers[id]
	return r, ok
}

// ByName scans for a receiver with the given resolved name. Group sizes
// targeted by this core are small, so a linear scan is simpler and cheaper
// than keeping a secondary index in sync.
func (g *Group) ByName(name string) (*receiver.Receiver, bool) {
	for _, r := range g.receivers {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// All returns every known receiver. Callers must not mutate the slice's
// backing receivers concurrently with a pop-loop pass.
func (g *Group) All() []*receiver.Receiver {
	out := make([]*receiver.Receiver, 0, len(g.receivers))
	for _, r := range g.receivers {
		out = append(out, r)
	}
	return out
}

// StopAll transitions every receiver to STOPPED (used on disconnect).
func (g *Group) StopAll() {
	for _, r := range g.receivers {
		r.Stop()
	}
}

// Satisfied implements receiver.DepResolver: a dependency on `sender` for
// `packetID` is satisfied once that sender's release cursor has reached or
// passed packetID. An unknown sender means "skip and wait" (SPEC_FULL.md
// §4.B).
func (g *Group) Satisfied(sender uint32, packetID uint32) (ok bool, known bool) {
	r, exists := g.receivers[sender]
	if !exists {
		return false, false
	}
	if r.State == receiver.StateFailed {
		if end, has := r.Endpoint(); has && wire.Diff(end, packetID) > 0 {
			// Dependency points past where the failed sender will ever
			// reach: nothing will ever satisfy it, so treat it as
			// satisfied rather than blocking release forever.
			return true, true
		}
	}
	return wire.Diff(packetID, r.NextOutput()) >= 0, true
}

// ExtendFailedEndpoint implements receiver.DepResolver.
func (g *Group) ExtendFailedEndpoint(sender uint32, packetID uint32) {
	if r, ok := g.receivers[sender]; ok {
		r.UpdateEnd(packetID)
	}
}

// Poke schedules a pop-loop pass over every receiver. If a pass is already
// running, it just marks the run dirty so the running pass loops again
// before returning — the queued-callback re-entrancy guard from
// SPEC_FULL.md §9, instead of recursive calls, since a timer-driven release
// can itself trigger another receiver's release while still on the stack.
func (g *Group) Poke() {
	if g.popping {
		g.dirty = true
		return
	}
	g.drain()
}

func (g *Group) drain() {
	g.popping = true
	defer func() { g.popping = false }()
	for {
		g.dirty = false
		progressed := true
		for progressed {
			progressed = false
			for _, r := range g.receivers {
				for g.attemptPop(r) {
					progressed = true
				}
			}
		}
		if !g.dirty {
			return
		}
	}
}

// attemptPop tries to release exactly one pending item from r, returning
// whether it made progress so the caller can keep looping.
func (g *Group) attemptPop(r *receiver.Receiver) bool {
	kind, ok := r.PeekKind()
	if !ok {
		return false
	}
	if kind == wire.KindData {
		if !r.State.CanReleaseData() {
			return false
		}
	} else if !r.State.CanReleaseControl() {
		return false
	}

	deps, ok := r.ReadyToAttempt()
	if !ok {
		return false
	}
	for _, d := range deps {
		satisfied, known := g.Satisfied(d.Sender, d.PacketID)
		if !known || !satisfied {
			return false
		}
	}
	r.Release()
	return true
}
