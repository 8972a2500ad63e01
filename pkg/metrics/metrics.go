// Package metrics wires the causal core's instrumentation into Prometheus,
// grounded on the custom prometheus.Collector pattern used for dynamic
// per-connection stats in the sockstats exporter (runZeroInc-sockstats/pkg/
// exporter/exporter.go) and on the counter/gauge style other_examples'
// packet engines (dveeden-tiflow/pkg/p2p/server.go) use for wire-level
// instrumentation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the instrumentation surface transport.Transport calls into. It's
// satisfied by *Metrics below and by Noop; pkg/transport imports this package
// for the interface and the Noop default, so building the transport also
// builds the Prometheus client.
type Sink interface {
	PacketReceived(kind string)
	BytesReceived(n int)
	PacketDropped(reason string)
	CacheSize(sender uint32, size int)
	RepairRequested()
	RepairServed()
	SenderState(id uint32, state string)
	JoinAttempt()
	JoinCollision()
	WhoisTimeout()
}

// Metrics is the Prometheus-backed Sink (SPEC_FULL.md §4.I).
type Metrics struct {
	packetsReceived *prometheus.CounterVec
	bytesReceived   prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	cacheSize       *prometheus.GaugeVec
	repairsReq      prometheus.Counter
	repairsServed   prometheus.Counter
	joinAttempts    prometheus.Counter
	joinCollisions  prometheus.Counter
	whoisTimeouts   prometheus.Counter

	senders *senderStates
}

// New constructs a Metrics bundle and registers every collector against reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Datagrams received from the substrate, by packet kind.",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Raw bytes received from the substrate.",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_dropped_total",
			Help: "Packets dropped before dispatch, by reason.",
		}, []string{"reason"}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_size",
			Help: "Occupied packet cache slots, per sender.",
		}, []string{"sender"}),
		repairsReq: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "repairs_requested_total",
			Help: "Repair requests sent for detected gaps.",
		}),
		repairsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "repairs_served_total",
			Help: "Repair requests answered from our own cache.",
		}),
		joinAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "join_attempts_total",
			Help: "Local identity join attempts, including retries after collision.",
		}),
		joinCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "join_collisions_total",
			Help: "Unique-id collisions observed during join.",
		}),
		whoisTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "whois_timeouts_total",
			Help: "Name resolutions that timed out without a reply.",
		}),
		senders: newSenderStates(namespace),
	}

	for _, c := range []prometheus.Collector{
		m.packetsReceived, m.bytesReceived, m.packetsDropped, m.cacheSize,
		m.repairsReq, m.repairsServed, m.joinAttempts, m.joinCollisions,
		m.whoisTimeouts, m.senders,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) PacketReceived(kind string)   { m.packetsReceived.WithLabelValues(kind).Inc() }
func (m *Metrics) BytesReceived(n int)          { m.bytesReceived.Add(float64(n)) }
func (m *Metrics) PacketDropped(reason string)  { m.packetsDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) CacheSize(sender uint32, n int) {
	m.cacheSize.WithLabelValues(idLabel(sender)).Set(float64(n))
}
func (m *Metrics) RepairRequested()  { m.repairsReq.Inc() }
func (m *Metrics) RepairServed()     { m.repairsServed.Inc() }
func (m *Metrics) JoinAttempt()      { m.joinAttempts.Inc() }
func (m *Metrics) JoinCollision()    { m.joinCollisions.Inc() }
func (m *Metrics) WhoisTimeout()     { m.whoisTimeouts.Inc() }
func (m *Metrics) SenderState(id uint32, state string) { m.senders.update(id, state) }

// senderStates is a custom collector: rmcast_senders{state} counts how many
// known senders currently sit in each receiver state. The label set (which
// states are present) isn't known up front, and a sender moves between
// states over its lifetime, so this tracks per-sender state directly
// (mirroring the sockstats TCPInfoCollector's per-connection map) and
// recomputes the per-state counts at Collect time.
type senderStates struct {
	desc *prometheus.Desc

	mu    sync.Mutex
	state map[uint32]string
}

func newSenderStates(namespace string) *senderStates {
	return &senderStates{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "senders"),
			"Count of known senders currently in each receiver state.",
			[]string{"state"}, nil,
		),
		state: make(map[uint32]string),
	}
}

func (s *senderStates) Describe(ch chan<- *prometheus.Desc) { ch <- s.desc }

func (s *senderStates) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.state))
	for _, st := range s.state {
		counts[st]++
	}
	for st, n := range counts {
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, float64(n), st)
	}
}

func (s *senderStates) update(id uint32, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[id] = state
}

func idLabel(id uint32) string {
	const hextable = "0123456789abcdef"
	buf := [8]byte{}
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[id&0xf]
		id >>= 4
	}
	return string(buf[:])
}

// Noop implements Sink with no-op methods, for tests and callers that don't
// want Prometheus wired in at all.
type Noop struct{}

func (Noop) PacketReceived(string)        {}
func (Noop) BytesReceived(int)            {}
func (Noop) PacketDropped(string)         {}
func (Noop) CacheSize(uint32, int)        {}
func (Noop) RepairRequested()             {}
func (Noop) RepairServed()                {}
func (Noop) SenderState(uint32, string)   {}
func (Noop) JoinAttempt()                 {}
func (Noop) JoinCollision()               {}
func (Noop) WhoisTimeout()                {}
