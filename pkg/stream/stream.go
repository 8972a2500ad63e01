// Package stream implements the thin stream multiplexer (SPEC_FULL.md
// §4.E) on top of the causal transport: it exposes stream-id tagged
// send/receive instead of the causal transport's raw byte payloads.
// transport.Send/transport.Events.Received already carry a stream-id
// end to end (the wire codec's per-DATA-packet stream_id field doubles as
// the multiplexer tag, since both describe "which logical channel does
// this payload belong to"), so this package is a small, named convenience
// over transport.Transport rather than a second encoding layer.
package stream

import "github.com/lanrelay/rmcast/pkg/transport"

// Default is the reserved stream-id used when a caller doesn't need more
// than one logical channel.
const Default uint16 = 0

// Message is one upward delivery, tupled the way SPEC_FULL.md §4.E
// specifies: (sender_name, sender_id, stream_id, payload).
type Message struct {
	SenderID   uint32
	SenderName string
	StreamID   uint16
	Payload    []byte
}

// Stream wraps a *transport.Transport with stream-id tagged send helpers.
type Stream struct {
	t *transport.Transport
}

// New wraps t.
func New(t *transport.Transport) *Stream {
	return &Stream{t: t}
}

// Send transmits payload on the given logical stream.
func (s *Stream) Send(streamID uint16, payload []byte) error {
	return s.t.Send(streamID, payload)
}

// SendDefault transmits payload on the reserved default stream.
func (s *Stream) SendDefault(payload []byte) error {
	return s.t.Send(Default, payload)
}

// Receiver adapts a Message-shaped callback into the
// (senderID, senderName, streamID, payload) signature transport.Events.
// Received expects, so callers can wire transport.Config up front:
//
//	events := transport.Events{Received: stream.Receiver(func(m stream.Message) { ... })}
func Receiver(fn func(Message)) func(senderID uint32, senderName string, streamID uint16, payload []byte) {
	return func(senderID uint32, senderName string, streamID uint16, payload []byte) {
		fn(Message{SenderID: senderID, SenderName: senderName, StreamID: streamID, Payload: payload})
	}
}
