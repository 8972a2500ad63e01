// Package sched provides the one-shot, cancellable, millisecond-resolution
// timer abstraction component B and component D build on (SPEC_FULL.md
// §4.G). All fires are delivered on the same goroutine the scheduler was
// started on, matching the core's single-threaded cooperative execution
// model (SPEC_FULL.md §5) — the teacher drives two independent tickers
// (Server.updateLoop, Server.sessionCleanupLoop); this generalizes that
// pattern into one deadline-ordered queue instead of fixed-period polling.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Func is a callback scheduled to run at a deadline.
type Func func()

// Handle cancels the timer it was returned for. Cancelling an already-fired
// or already-cancelled handle is a no-op.
type Handle struct {
	id int64
	s  *Scheduler
}

// Cancel prevents the associated callback from firing, if it hasn't
// already. Safe to call more than once and safe to call from the
// scheduler's own callback.
func (h Handle) Cancel() {
	h.s.cancel(h.id)
}

type timer struct {
	deadline time.Time
	id       int64
	fn       Func
	index    int // heap index, maintained by container/heap
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler is a single-goroutine deadline queue. Timers fire in deadline
// order on the scheduler's own goroutine; callers observe fires through the
// callback passed to After, which must do its own synchronization with
// whatever owns the caller's state.
type Scheduler struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[int64]*timer
	nextID  int64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	now     func() time.Time
}

// New starts a scheduler goroutine and returns it. Call Stop to release it.
func New() *Scheduler {
	s := &Scheduler{
		byID: make(map[int64]*timer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		now:  time.Now,
	}
	go s.run()
	return s
}

// After schedules fn to run after d elapses, returning a Handle that cancels
// it. fn runs on the scheduler's internal goroutine; it must not block.
func (s *Scheduler) After(d time.Duration, fn Func) Handle {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	t := &timer{deadline: s.now().Add(d), id: id, fn: fn}
	heap.Push(&s.heap, t)
	s.byID[id] = t
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return Handle{id: id, s: s}
}

func (s *Scheduler) cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if t.index >= 0 && t.index < len(s.heap) && s.heap[t.index] == t {
		heap.Remove(&s.heap, t.index)
	}
}

// Stop halts the scheduler goroutine. Pending timers never fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = s.heap[0].deadline.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(s.now()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.heap).(*timer)
		delete(s.byID, t.id)
		s.mu.Unlock()
		t.fn()
	}
}
