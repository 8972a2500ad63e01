package transport

import (
	"time"

	"github.com/lanrelay/rmcast/pkg/wire"
)

// armKeepaliveTimer starts the 180s keepalive watchdog (SPEC_FULL.md §4.D).
func (t *Transport) armKeepaliveTimer() {
	t.keepaliveTimer = t.sched.After(KeepaliveTimeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.fireKeepalive()
	})
	t.hasKeepalive = true
}

func (t *Transport) cancelKeepaliveTimer() {
	if t.hasKeepalive {
		t.keepaliveTimer.Cancel()
		t.hasKeepalive = false
	}
}

// rearmKeepaliveTimer is called whenever a reliable packet with non-empty
// deps is emitted, resetting the watchdog (SPEC_FULL.md §4.D).
func (t *Transport) rearmKeepaliveTimer() {
	t.cancelKeepaliveTimer()
	t.armKeepaliveTimer()
}

func (t *Transport) fireKeepalive() {
	if time.Since(t.lastReliableDeps) < KeepaliveTimeout {
		// A reliable send already reset the clock since this was armed;
		// just re-arm rather than sending a redundant NO_DATA.
		t.armKeepaliveTimer()
		return
	}
	t.sendControlReliable(wire.KindNoData, nil)
}
