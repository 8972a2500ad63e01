package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/lanrelay/rmcast/pkg/substrate"
	"github.com/lanrelay/rmcast/pkg/transport"
)

func waitConnected(t *testing.T, tr *transport.Transport) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == transport.Connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for connect")
}

func TestStreamIDRoundTripsAcrossPeers(t *testing.T) {
	bus := substrate.NewBus()

	var mu sync.Mutex
	var got Message

	aTr := transport.New(transport.Config{LocalName: "alice", Substrate: substrate.NewLoopback(bus, 0)}, transport.Events{})
	defer aTr.Close()
	bTr := transport.New(transport.Config{LocalName: "bob", Substrate: substrate.NewLoopback(bus, 0)}, transport.Events{
		Received: Receiver(func(m Message) {
			mu.Lock()
			defer mu.Unlock()
			got = m
		}),
	})
	defer bTr.Close()

	if err := aTr.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := bTr.Connect(); err != nil {
		t.Fatal(err)
	}
	waitConnected(t, aTr)
	waitConnected(t, bTr)

	a := New(aTr)
	if err := a.Send(42, []byte("on stream 42")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := got.Payload != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.StreamID != 42 || string(got.Payload) != "on stream 42" || got.SenderName != "alice" {
		t.Fatalf("unexpected message: %+v", got)
	}
}
