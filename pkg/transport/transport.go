// Package transport implements the causal transport (SPEC_FULL.md §4.D): the
// local node's identity acquisition, dependency stamping on outgoing
// packets, session/keepalive timers, whois name discovery, graceful
// shutdown, and the inbound dispatch table routing datagrams to the sender
// group built in pkg/group and pkg/receiver.
//
// Concurrency: the spec calls for a single execution context serializing
// timers, substrate callbacks, and user sends (SPEC_FULL.md §5). pkg/sched
// fires timers on its own goroutine, so that guarantee is realized here by a
// single mutex guarding all group/receiver state, acquired uniformly by
// substrate receives, scheduler fires (via lockingTimer), and public API
// calls — rather than by funneling everything through one goroutine's
// channel, which pkg/receiver's already-built timer closures don't support
// without a larger rework. See DESIGN.md.
package transport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lanrelay/rmcast/pkg/group"
	"github.com/lanrelay/rmcast/pkg/metrics"
	"github.com/lanrelay/rmcast/pkg/receiver"
	"github.com/lanrelay/rmcast/pkg/sched"
	"github.com/lanrelay/rmcast/pkg/substrate"
	"github.com/lanrelay/rmcast/pkg/wire"
)

// State mirrors the four states the original gibber-r-multicast-causal-
// transport.c exposes as properties (SPEC_FULL.md §4.D expansion).
type State int

const (
	Disconnected State = iota
	Joining
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Joining:
		return "JOINING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Join/keepalive/session timing constants (SPEC_FULL.md §4.D).
const (
	PassiveJoinTime           = 500 * time.Millisecond
	NrJoinRequestsToSend      = 3
	ActiveJoinInterval        = 250 * time.Millisecond
	IDGenerationExpectedPolls = 3

	SessionAnnounceMin = 1500 * time.Millisecond
	SessionAnnounceMax = 3000 * time.Millisecond

	KeepaliveTimeout = 180 * time.Second

	NrByeToSend  = 3
	ByeInterval  = 500 * time.Millisecond
)

// Config configures a Transport.
type Config struct {
	LocalName string
	Substrate substrate.Substrate
	Metrics   metrics.Sink // defaults to metrics.Noop{} if nil
	Log       *zap.SugaredLogger // defaults to a no-op logger if nil
}

// Transport is the local node: it owns the sender group and drives join,
// session, keepalive, and graceful shutdown.
type Transport struct {
	mu sync.Mutex

	localName string
	sub       substrate.Substrate
	metrics   metrics.Sink
	log       *zap.SugaredLogger
	events    Events

	sched *sched.Scheduler
	timer receiver.Timer // lockingTimer wrapping sched, passed to every receiver

	mtu int

	state   State
	selfID  uint32
	self    *receiver.Receiver
	grp     *group.Group
	counter uint32 // next local packet-id

	join *joinState

	sessionTimer    sched.Handle
	hasSessionTimer bool
	keepaliveTimer  sched.Handle
	hasKeepalive    bool
	lastReliableDeps time.Time

	disconnecting bool
}

// New constructs a Transport, ready for Connect. events may be the zero
// value if the caller doesn't care about notifications.
func New(cfg Config, events Events) *Transport {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	s := sched.New()
	t := &Transport{
		localName: cfg.LocalName,
		sub:       cfg.Substrate,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		events:    events,
		sched:     s,
		mtu:       cfg.Substrate.MaxPacketSize(),
		state:     Disconnected,
		grp:       group.New(),
	}
	t.timer = lockingTimer{mu: &t.mu, s: s}
	t.sub.SetReceiver(t.onDatagram)
	return t
}

// State reports the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SelfID reports the local node's committed identity, valid once Connected.
func (t *Transport) SelfID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfID
}

// Connect dials the substrate and starts the join sequence.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Disconnected {
		return ErrAlreadyConnected
	}
	if err := t.sub.Dial(); err != nil {
		return fmt.Errorf("transport: dial substrate: %w", err)
	}
	t.state = Joining
	t.startJoinAttempt()
	return nil
}

// Send transmits payload on stream-id streamID through the causal send path;
// streamID travels in each DATA fragment's stream_id field. pkg/stream's
// Stream.Send passes its stream id straight through to this method.
func (t *Transport) Send(streamID uint16, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Connected {
		return ErrNotConnected
	}
	return t.sendData(streamID, payload)
}

// Disconnect starts the graceful shutdown sequence: NrByeToSend BYE packets
// at ByeInterval apart, then releases the substrate. Safe to call more than
// once; subsequent calls are a no-op once disconnecting has started.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Connected || t.disconnecting {
		return
	}
	t.disconnecting = true
	t.state = Disconnecting
	t.cancelSessionTimer()
	t.cancelKeepaliveTimer()
	t.sendByeSequence(0)
}

func (t *Transport) sendByeSequence(sent int) {
	if sent >= NrByeToSend {
		t.finishDisconnect()
		return
	}
	t.sendControlReliable(wire.KindBye, nil)
	t.sched.After(ByeInterval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.sendByeSequence(sent + 1)
	})
}

func (t *Transport) finishDisconnect() {
	t.grp.StopAll()
	_ = t.sub.Close()
	t.state = Disconnected
	t.disconnecting = false
	t.events.disconnected()
}

// Close cancels every pending timer and stops the scheduler goroutine,
// skipping the BYE sequence — a hard teardown per SPEC_FULL.md §5.
func (t *Transport) Close() {
	t.mu.Lock()
	t.cancelSessionTimer()
	t.cancelKeepaliveTimer()
	t.mu.Unlock()
	t.sched.Stop()
	_ = t.sub.Close()
}

func randNonZeroUint32() uint32 {
	for {
		if id := rand.Uint32(); id != 0 {
			return id
		}
	}
}

// lockingTimer adapts *sched.Scheduler to receiver.Timer by acquiring mu
// before every fire, so scheduler callbacks never touch receiver/group state
// concurrently with the dispatch-serialized paths (Connect/Send/Disconnect/
// onDatagram) that also hold mu.
type lockingTimer struct {
	mu *sync.Mutex
	s  *sched.Scheduler
}

func (l lockingTimer) After(d time.Duration, fn sched.Func) sched.Handle {
	return l.s.After(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		fn()
	})
}
