// Package receiver implements the per-sender receive state machine
// (SPEC_FULL.md §4.B): cache, gap detection and repair scheduling, causal
// release, and name/failure handling for traffic from a single sender-id.
// The causal transport owns one Receiver per known sender, plus one
// representing itself.
package receiver

import (
	"math/rand"
	"time"

	"github.com/lanrelay/rmcast/pkg/sched"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// Timing constants from SPEC_FULL.md §4.B / §4.D.
const (
	NameDiscoveryTimeout = 10 * time.Second
	RepairTimerMin       = 150 * time.Millisecond
	RepairTimerMax       = 250 * time.Millisecond
	DoRepairJitterMin    = 50 * time.Millisecond
	DoRepairJitterMax    = 100 * time.Millisecond
	WhoisReplyJitterMin  = 50 * time.Millisecond
	WhoisReplyJitterMax  = 200 * time.Millisecond
)

// Timer is the scheduling surface a Receiver needs: exactly *sched.Scheduler's
// After method. Kept as an interface (rather than a concrete *sched.Scheduler
// field) so a transport can interpose a lock around every fire — sched runs
// callbacks on its own goroutine, and the causal core's single-execution-
// context guarantee (SPEC_FULL.md §5) is realized here via mutual exclusion
// rather than a literal single goroutine.
type Timer interface {
	After(d time.Duration, fn sched.Func) sched.Handle
}

// DepResolver lets a Receiver ask whether a dependency on some other sender
// is satisfied, without importing the sender group (SPEC_FULL.md §4.C/§4.B
// causal release). Implemented by group.Group.
type DepResolver interface {
	// Satisfied reports whether sender's next_output_packet is already at
	// or past packetID. known is false if sender has never been heard of;
	// the caller must skip-and-wait in that case, per SPEC_FULL.md §4.B.
	Satisfied(sender uint32, packetID uint32) (ok bool, known bool)

	// ExtendFailedEndpoint is called when a dependency names a FAILED
	// sender for an id beyond its current endpoint, so that sender's own
	// release proceeds up to packetID before being considered complete.
	ExtendFailedEndpoint(sender uint32, packetID uint32)
}

// Receiver tracks everything the core knows about one sender-id.
type Receiver struct {
	ID    uint32
	Name  string
	State State

	sched Timer
	sink  Sink

	cache cache

	// start is the first legal packet-id for this sender (update_start).
	start    uint32
	hasStart bool

	// nextOutput is the causal-release cursor: the next packet-id this
	// sender is expected to release. It is also the forward window anchor
	// push() tests incoming ids against.
	nextOutput uint32

	// nextInput is the repair-request horizon: the next id we are
	// actively watching for, bumped by seen() and by our own contiguous
	// receive progress.
	nextInput uint32

	dataStart    uint32
	hasDataStart bool

	// endpoint bounds release for a FAILED sender (update_end).
	endpoint    uint32
	hasEndpoint bool

	dataHeld bool
	holdAt   uint32

	gapTimers map[uint32]sched.Handle

	nameTimer     sched.Handle
	hasNameTimer  bool
	whoisReplySet bool
}

// New creates a receiver for sender id, in state NEW.
func New(id uint32, s Timer, sink Sink) *Receiver {
	r := &Receiver{
		ID:        id,
		State:     StateNew,
		sched:     s,
		sink:      sink,
		gapTimers: make(map[uint32]sched.Handle),
	}
	if id != 0 {
		r.armNameTimeout()
	}
	return r
}

func (r *Receiver) armNameTimeout() {
	r.hasNameTimer = true
	r.nameTimer = r.sched.After(NameDiscoveryTimeout, func() {
		if r.State == StateNew {
			r.setFailedLocked(true)
		}
	})
}

func (r *Receiver) cancelNameTimeout() {
	if r.hasNameTimer {
		r.nameTimer.Cancel()
		r.hasNameTimer = false
	}
}

// UpdateStart defines the first legal packet-id for this sender. The first
// call transitions NEW -> PREPARING; later calls slide the window forward,
// cancelling any pending repair timers for ids now considered out of range.
func (r *Receiver) UpdateStart(id uint32) {
	if !r.hasStart {
		r.hasStart = true
		r.start = id
		r.nextOutput = id
		r.nextInput = id
		if r.State == StateNew {
			r.State = StatePreparing
		}
		r.sink.progress()
		return
	}
	if wire.Diff(r.start, id) > 0 {
		r.start = id
		for gapID, h := range r.gapTimers {
			if wire.Diff(gapID, r.start) > 0 {
				h.Cancel()
				delete(r.gapTimers, gapID)
			}
		}
	}
}

// SetDataStart marks the first DATA packet whose payload should be
// delivered upward; data before it is dropped even once received.
func (r *Receiver) SetDataStart(id uint32) {
	r.dataStart = id
	r.hasDataStart = true
}

// UpdateEnd bounds the release window for a FAILED sender.
func (r *Receiver) UpdateEnd(id uint32) {
	if !r.hasEndpoint || wire.Diff(r.endpoint, id) > 0 {
		r.endpoint = id
		r.hasEndpoint = true
	}
}

// SetFailed marks this sender as failed. If its start was never learned it
// becomes UNKNOWN_FAILED (never delivered); otherwise FAILED (release
// continues up to the endpoint).
func (r *Receiver) SetFailed() {
	r.setFailedLocked(false)
}

func (r *Receiver) setFailedLocked(fromTimeout bool) {
	if r.State.Terminal() {
		return
	}
	r.cancelNameTimeout()
	if r.State == StateNew {
		r.State = StateUnknownFailed
	} else {
		r.State = StateFailed
		if !r.hasEndpoint {
			r.endpoint = r.nextOutput
			r.hasEndpoint = true
		}
	}
	r.sink.failed(r.ID)
	r.sink.progress()
}

// Stop moves the receiver to STOPPED: no further traffic is accepted, but
// RepairRequest still replies if we hold the packet.
func (r *Receiver) Stop() {
	r.cancelNameTimeout()
	for _, h := range r.gapTimers {
		h.Cancel()
	}
	r.gapTimers = make(map[uint32]sched.Handle)
	r.State = StateStopped
}

// HoldData pauses DATA release once the cursor reaches id, until
// ReleaseData is called.
func (r *Receiver) HoldData(id uint32) {
	r.dataHeld = true
	r.holdAt = id
}

// ReleaseData lifts a hold installed by HoldData.
func (r *Receiver) ReleaseData() {
	r.dataHeld = false
}

// Push ingests a reliable packet received from this sender.
func (r *Receiver) Push(p *wire.Packet) {
	if r.State == StateStopped || r.State == StateUnknownFailed || r.State == StatePendingRemoval {
		return
	}
	d := wire.Diff(r.nextOutput, p.PacketID)
	if d < 0 {
		// Already below the release cursor: duplicate, silently ignore.
		return
	}
	if d >= cacheSize {
		// Out of range: cache can't hold it yet.
		return
	}
	if _, exists := r.cache.get(p.PacketID); exists {
		return // duplicate already cached
	}
	r.cache.put(p.PacketID, p)
	if h, ok := r.gapTimers[p.PacketID]; ok {
		h.Cancel()
		delete(r.gapTimers, p.PacketID)
	}
	r.advanceInput()
	r.scheduleGapTimers()
	if r.State == StatePreparing {
		r.State = StateRunning
	}
	r.sink.progress()
}

// advanceInput bumps nextInput while cache slots are contiguously filled.
func (r *Receiver) advanceInput() {
	for {
		if _, ok := r.cache.get(r.nextInput); !ok {
			return
		}
		r.nextInput++
	}
}

// scheduleGapTimers arms a repair timer for every hole between nextOutput
// and the highest id currently cached, per SPEC_FULL.md §4.B's repair
// protocol (uniform random [150,250]ms).
func (r *Receiver) scheduleGapTimers() {
	// Find the end of the highest cached id in the forward window; every
	// empty slot below it is a known gap. Beyond it we simply haven't
	// heard anything yet, which is not a gap.
	end := r.nextOutput
	for i := uint32(0); i < cacheSize; i++ {
		if _, ok := r.cache.get(r.nextOutput + i); ok {
			end = r.nextOutput + i + 1
		}
	}
	for id := r.nextOutput; wire.Diff(id, end) > 0; id++ {
		if _, ok := r.cache.get(id); ok {
			continue
		}
		if _, scheduled := r.gapTimers[id]; scheduled {
			continue
		}
		gapID := id
		r.gapTimers[gapID] = r.sched.After(jitter(RepairTimerMin, RepairTimerMax), func() {
			r.fireRepairTimer(gapID)
		})
	}
}

func (r *Receiver) fireRepairTimer(id uint32) {
	if _, ok := r.cache.get(id); ok {
		delete(r.gapTimers, id)
		return
	}
	r.sink.emit(&wire.Packet{
		Kind:             wire.KindRepairReq,
		OriginalSender:   r.ID,
		OriginalPacketID: id,
	})
	// re-arm
	r.gapTimers[id] = r.sched.After(jitter(RepairTimerMin, RepairTimerMax), func() {
		r.fireRepairTimer(id)
	})
}

// Seen records that some peer claims to have received up to id from this
// sender; every gap in [nextInput, id) without a pending repair timer gets
// one armed at the normal [150,250]ms jitter, then nextInput is moved up to
// id so later Seen calls don't re-request the same range.
func (r *Receiver) Seen(id uint32) {
	if wire.Diff(r.nextInput, id) <= 0 {
		return
	}
	for gapID := r.nextInput; wire.Diff(gapID, id) > 0; gapID++ {
		if _, ok := r.cache.get(gapID); ok {
			continue
		}
		if _, scheduled := r.gapTimers[gapID]; scheduled {
			continue
		}
		g := gapID
		r.gapTimers[g] = r.sched.After(jitter(RepairTimerMin, RepairTimerMax), func() {
			r.fireRepairTimer(g)
		})
	}
	r.nextInput = id
}

// RepairRequest is called when this sender is asked to retransmit
// (original_sender == r.ID). If we still hold the packet we schedule a
// jittered do-repair emission (NAK-suppression); otherwise, if the id is
// still in our forward window, we promote any pending gap timer to fire
// sooner.
func (r *Receiver) RepairRequest(id uint32) {
	if p, ok := r.cache.get(id); ok {
		r.sched.After(jitter(DoRepairJitterMin, DoRepairJitterMax), func() {
			r.sink.emit(p)
		})
		return
	}
	if h, scheduled := r.gapTimers[id]; scheduled {
		h.Cancel()
		delete(r.gapTimers, id)
		gapID := id
		r.gapTimers[gapID] = r.sched.After(jitter(DoRepairJitterMin, DoRepairJitterMax), func() {
			r.fireRepairTimer(gapID)
		})
	}
}

// WhoisPush handles an inbound WHOIS packet addressed to this sender's
// identity: a request schedules a jittered reply, a reply resolves the
// name.
func (r *Receiver) WhoisPush(p *wire.Packet) {
	switch p.Kind {
	case wire.KindWhoisRequest:
		if r.whoisReplySet {
			return
		}
		r.sched.After(jitter(WhoisReplyJitterMin, WhoisReplyJitterMax), func() {
			r.sink.emit(&wire.Packet{
				Kind:   wire.KindWhoisReply,
				Sender: r.ID,
				Name:   r.Name,
			})
		})
	case wire.KindWhoisReply:
		if r.Name == "" {
			r.Name = p.Name
			r.cancelNameTimeout()
			r.sink.nameDiscovered(r.ID, p.Name)
			r.sink.progress()
		}
	}
}

// SetName seeds the name directly (used for the local "self" receiver,
// which never receives its own whois reply over the wire).
func (r *Receiver) SetName(name string) {
	r.Name = name
	r.cancelNameTimeout()
}

// MarkWhoisReplySent is used by the local "self" receiver to suppress a
// superfluous self-reply once the unsolicited announcement has gone out.
func (r *Receiver) MarkWhoisReplySent() {
	r.whoisReplySet = true
}

// ReadyToAttempt reports whether there is a packet cached at the release
// cursor: for DATA, that means the full multi-fragment message is present.
func (r *Receiver) ReadyToAttempt() (deps []wire.DepEntry, ok bool) {
	p, ok := r.cache.get(r.nextOutput)
	if !ok {
		return nil, false
	}
	if p.Kind == wire.KindData {
		if r.dataHeld && wire.Diff(r.holdAt, r.nextOutput) >= 0 {
			return nil, false
		}
		if p.Part != 0 {
			// Shouldn't happen if ids stay contiguous, but guard anyway.
			return nil, false
		}
		for i := uint32(1); i < p.Total; i++ {
			if _, ok := r.cache.get(r.nextOutput + i); !ok {
				return nil, false
			}
		}
	}
	return p.Deps, true
}

// Release performs the actual causal release of the packet(s) at the
// cursor, assuming the caller already confirmed dependency satisfaction via
// Satisfied for every entry ReadyToAttempt returned.
func (r *Receiver) Release() {
	p, ok := r.cache.get(r.nextOutput)
	if !ok {
		return
	}
	if p.Kind == wire.KindData {
		total := p.Total
		deliverable := !r.hasDataStart || wire.Diff(r.dataStart, r.nextOutput) >= 0
		var payload []byte
		if deliverable {
			payload = []byte{}
			for i := uint32(0); i < total; i++ {
				frag, _ := r.cache.get(r.nextOutput + i)
				payload = append(payload, frag.Payload...)
			}
		}
		for i := uint32(0); i < total; i++ {
			r.cache.clear(r.nextOutput + i)
		}
		if deliverable {
			r.sink.deliver(r.ID, p.StreamID, payload)
		}
		r.nextOutput += total
	} else {
		r.cache.clear(r.nextOutput)
		r.nextOutput++
	}
	if r.State == StateRunning && r.dataReady() {
		r.State = StateDataRunning
	}
	r.scheduleGapTimers()
	r.sink.progress()
}

// dataReady is a permissive readiness check for the RUNNING -> DATA_RUNNING
// transition: once any control-plane packet has been released, DATA may
// also be released (SPEC_FULL.md §3 draws DATA_RUNNING as following
// RUNNING).
func (r *Receiver) dataReady() bool { return true }

// PeekKind reports the Kind of the packet cached at the release cursor, if
// any, without consuming it. The sender group uses this to decide whether
// the current receiver state permits releasing it.
func (r *Receiver) PeekKind() (wire.Kind, bool) {
	p, ok := r.cache.get(r.nextOutput)
	if !ok {
		return 0, false
	}
	return p.Kind, true
}

// NextOutput exposes the release cursor, used by the sender group to
// satisfy other receivers' dependency checks.
func (r *Receiver) NextOutput() uint32 { return r.nextOutput }

// Endpoint exposes the FAILED bound, if any.
func (r *Receiver) Endpoint() (uint32, bool) { return r.endpoint, r.hasEndpoint }

func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
