package group

import (
	"testing"

	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/sched"
	"github.com/lanrelay/rmcast/pkg/wire"
)

func TestPopLoopReleasesAcrossDependency(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	g := New()

	var deliveredA, deliveredB [][]byte

	a := receiver.New(1, s, receiver.Sink{
		Deliver: func(id uint32, sid uint16, p []byte) { deliveredA = append(deliveredA, p) },
		Progress: func() { g.Poke() },
	})
	a.UpdateStart(0)
	a.State = receiver.StateDataRunning
	g.Add(a)

	b := receiver.New(2, s, receiver.Sink{
		Deliver: func(id uint32, sid uint16, p []byte) { deliveredB = append(deliveredB, p) },
		Progress: func() { g.Poke() },
	})
	b.UpdateStart(0)
	b.State = receiver.StateDataRunning
	g.Add(b)

	// B's packet 0 depends on A's packet 0, which hasn't arrived yet.
	b.Push(&wire.Packet{
		Kind: wire.KindData, Sender: 2, PacketID: 0, Part: 0, Total: 1, Payload: []byte("from-b"),
		Deps: []wire.DepEntry{{Sender: 1, PacketID: 1}},
	})
	g.Poke()
	if len(deliveredB) != 0 {
		t.Fatal("B's packet should not release before A's dependency is met")
	}

	a.Push(&wire.Packet{Kind: wire.KindData, Sender: 1, PacketID: 0, Part: 0, Total: 1, Payload: []byte("from-a")})
	g.Poke()

	if len(deliveredA) != 1 || string(deliveredA[0]) != "from-a" {
		t.Fatalf("expected A delivered, got %v", deliveredA)
	}
	if len(deliveredB) != 1 || string(deliveredB[0]) != "from-b" {
		t.Fatalf("expected B delivered after A satisfied its dependency, got %v", deliveredB)
	}
}

func TestSatisfiedUnknownSenderWaits(t *testing.T) {
	g := New()
	_, known := g.Satisfied(99, 1)
	if known {
		t.Error("expected unknown sender to report known=false")
	}
}

func TestFailedSenderBeyondEndpointTreatedSatisfied(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	g := New()
	r := receiver.New(3, s, receiver.Sink{Progress: func() { g.Poke() }})
	r.UpdateStart(0)
	r.SetFailed()
	r.UpdateEnd(5)
	g.Add(r)

	ok, known := g.Satisfied(3, 100)
	if !known || !ok {
		t.Error("dependency far beyond a failed sender's endpoint should be treated satisfied")
	}
}
