package receiver

import (
	"sync"
	"testing"
	"time"

	"github.com/lanrelay/rmcast/pkg/sched"
	"github.com/lanrelay/rmcast/pkg/wire"
)

type fakeResolver struct {
	mu    sync.Mutex
	progr map[uint32]uint32
}

func newFakeResolver() *fakeResolver { return &fakeResolver{progr: map[uint32]uint32{}} }

func (f *fakeResolver) Satisfied(sender, packetID uint32) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, known := f.progr[sender]
	if !known {
		return false, false
	}
	return wire.Diff(packetID, got) >= 0, true
}

func (f *fakeResolver) ExtendFailedEndpoint(sender, packetID uint32) {}

func testSink(emitted *[]*wire.Packet, delivered *[][]byte) Sink {
	var mu sync.Mutex
	return Sink{
		Emit: func(p *wire.Packet) {
			mu.Lock()
			defer mu.Unlock()
			*emitted = append(*emitted, p)
		},
		Deliver: func(sender uint32, streamID uint16, payload []byte) {
			mu.Lock()
			defer mu.Unlock()
			*delivered = append(*delivered, payload)
		},
	}
}

func TestPushDuplicateAndOutOfRange(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	r := New(1, s, Sink{})
	r.UpdateStart(0)

	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 1, PacketID: 0})
	if _, ok := r.cache.get(0); !ok {
		t.Fatal("expected packet 0 cached")
	}

	// Release it, then re-push: should be treated as duplicate (below cursor).
	r.Release()
	if r.nextOutput != 1 {
		t.Fatalf("expected cursor at 1, got %d", r.nextOutput)
	}
	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 1, PacketID: 0})
	if _, ok := r.cache.get(0); ok {
		t.Error("duplicate packet should not be re-cached")
	}

	// Out of range: far beyond the 256-entry window.
	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 1, PacketID: 1 + cacheSize})
	if _, ok := r.cache.get(1 + cacheSize); ok {
		t.Error("out-of-range packet should be dropped")
	}
}

func TestGapTriggersRepairRequest(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	var emitted []*wire.Packet
	var delivered [][]byte
	r := New(2, s, testSink(&emitted, &delivered))
	r.UpdateStart(1)

	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 2, PacketID: 1})
	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 2, PacketID: 3})

	deadline := time.Now().Add(400 * time.Millisecond)
	found := false
	for time.Now().Before(deadline) {
		for _, p := range emitted {
			if p.Kind == wire.KindRepairReq && p.OriginalPacketID == 2 {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found {
		t.Error("expected a REPAIR_REQUEST for packet 2 within 250ms+slack")
	}

	r.Push(&wire.Packet{Kind: wire.KindBye, Sender: 2, PacketID: 2})
	if _, ok := r.cache.get(2); !ok {
		t.Fatal("expected packet 2 to fill the gap")
	}
}

func TestNameDiscoveryTimeoutMarksUnknownFailed(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	failed := make(chan uint32, 1)
	r := New(3, s, Sink{Failed: func(id uint32) { failed <- id }})
	r.armNameTimeout2ForTest()

	select {
	case id := <-failed:
		if id != 3 {
			t.Errorf("wrong id: %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected UNKNOWN_FAILED within shortened timeout")
	}
	if r.State != StateUnknownFailed {
		t.Errorf("expected UNKNOWN_FAILED, got %s", r.State)
	}
}

func TestWhoisReplyResolvesName(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	discovered := make(chan string, 1)
	r := New(4, s, Sink{NameDiscovered: func(id uint32, name string) { discovered <- name }})

	r.WhoisPush(&wire.Packet{Kind: wire.KindWhoisReply, Sender: 4, Name: "bob"})

	select {
	case name := <-discovered:
		if name != "bob" {
			t.Errorf("expected bob, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("name-discovered callback never fired")
	}
	if r.Name != "bob" {
		t.Errorf("expected name set, got %q", r.Name)
	}
}

func TestCausalReleaseRespectsDependencies(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	var delivered [][]byte
	r := New(5, s, Sink{Deliver: func(id uint32, streamID uint16, payload []byte) {
		delivered = append(delivered, payload)
	}})
	r.UpdateStart(0)
	r.State = StateDataRunning

	res := newFakeResolver()
	// Sender 9's progress is behind what packet 0 depends on.
	res.progr[9] = 0

	r.Push(&wire.Packet{
		Kind: wire.KindBye, Sender: 5, PacketID: 0,
		Deps: []wire.DepEntry{{Sender: 9, PacketID: 5}},
	})

	deps, ok := r.ReadyToAttempt()
	if !ok {
		t.Fatal("expected packet 0 ready to attempt")
	}
	satisfied := true
	for _, d := range deps {
		ok, known := res.Satisfied(d.Sender, d.PacketID)
		if !known || !ok {
			satisfied = false
		}
	}
	if satisfied {
		t.Fatal("dependency should not be satisfied yet")
	}

	res.progr[9] = 5
	deps, ok = r.ReadyToAttempt()
	if !ok {
		t.Fatal("expected packet still ready to attempt")
	}
	satisfied = true
	for _, d := range deps {
		ok, known := res.Satisfied(d.Sender, d.PacketID)
		if !known || !ok {
			satisfied = false
		}
	}
	if !satisfied {
		t.Fatal("dependency should now be satisfied")
	}
	r.Release()
	if r.nextOutput != 1 {
		t.Errorf("expected cursor to advance to 1, got %d", r.nextOutput)
	}
}

func TestDataReassemblyAcrossFragments(t *testing.T) {
	s := sched.New()
	defer s.Stop()
	var delivered [][]byte
	r := New(6, s, Sink{Deliver: func(id uint32, streamID uint16, payload []byte) {
		delivered = append(delivered, payload)
	}})
	r.UpdateStart(0)
	r.State = StateDataRunning

	for i := uint32(0); i < 3; i++ {
		r.Push(&wire.Packet{
			Kind: wire.KindData, Sender: 6, PacketID: i,
			Part: i, Total: 3, StreamID: 1, Payload: []byte{byte('a' + i)},
		})
	}
	if _, ok := r.ReadyToAttempt(); !ok {
		t.Fatal("expected reassembled message ready")
	}
	r.Release()
	if len(delivered) != 1 || string(delivered[0]) != "abc" {
		t.Errorf("expected single delivery \"abc\", got %v", delivered)
	}
	if r.nextOutput != 3 {
		t.Errorf("expected cursor to advance by 3, got %d", r.nextOutput)
	}
}

// armNameTimeout2ForTest re-arms a much shorter name-discovery timer so the
// unit test doesn't wait the full 10s production default.
func (r *Receiver) armNameTimeout2ForTest() {
	r.cancelNameTimeout()
	r.hasNameTimer = true
	r.nameTimer = r.sched.After(30*time.Millisecond, func() {
		if r.State == StateNew {
			r.setFailedLocked(true)
		}
	})
}
