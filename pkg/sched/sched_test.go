package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired int32
	h := s.After(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestOrderingByDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var order []int
	done := make(chan struct{})
	s.After(30*time.Millisecond, func() {
		order = append(order, 2)
		close(done)
	})
	s.After(10*time.Millisecond, func() {
		order = append(order, 1)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers did not fire")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("wrong fire order: %v", order)
	}
}
