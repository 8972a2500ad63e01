package substrate

import (
	"testing"
	"time"
)

func TestLoopbackDeliversToPeersNotSelf(t *testing.T) {
	bus := NewBus()
	a := NewLoopback(bus, 0)
	b := NewLoopback(bus, 0)

	var gotA, gotB [][]byte
	a.SetReceiver(func(b []byte) { gotA = append(gotA, b) })
	b.SetReceiver(func(b []byte) { gotB = append(gotB, b) })

	if err := a.Dial(); err != nil {
		t.Fatal(err)
	}
	if err := b.Dial(); err != nil {
		t.Fatal(err)
	}

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	if len(gotA) != 0 {
		t.Error("sender should not receive its own send")
	}
	if len(gotB) != 1 || string(gotB[0]) != "hello" {
		t.Fatalf("expected peer to receive send, got %v", gotB)
	}
}

func TestLoopbackSendBeforeDialFails(t *testing.T) {
	bus := NewBus()
	a := NewLoopback(bus, 0)
	if err := a.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestLoopbackCloseStopsDelivery(t *testing.T) {
	bus := NewBus()
	a := NewLoopback(bus, 0)
	b := NewLoopback(bus, 0)
	var gotB int
	b.SetReceiver(func([]byte) { gotB++ })

	_ = a.Dial()
	_ = b.Dial()
	_ = b.Close()

	if err := a.Send([]byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if gotB != 0 {
		t.Error("closed member should not receive further sends")
	}
}
