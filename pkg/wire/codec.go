package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for truncated data, an unknown tag, an
// unsupported version, or a DATA packet whose part/total is inconsistent.
var ErrMalformed = errors.New("wire: malformed packet")

// ErrTooLarge is returned by Encode when the serialized packet would exceed
// the caller-supplied MTU.
var ErrTooLarge = errors.New("wire: packet exceeds mtu")

const maxNameLen = 255
const maxDeps = 255
const maxSenderIDs = 255

// Encode serializes p to the wire format, failing with ErrTooLarge if the
// result would exceed maxSize bytes.
func Encode(p *Packet, maxSize int) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(p.Kind), Version)
	buf = appendUint32(buf, p.Sender)

	if p.Kind.Reliable() || p.Kind == KindSession {
		if len(p.Deps) > maxDeps {
			return nil, fmt.Errorf("%w: %d deps exceeds %d", ErrTooLarge, len(p.Deps), maxDeps)
		}
		if p.Kind.Reliable() {
			buf = appendUint32(buf, p.PacketID)
		}
		buf = append(buf, byte(len(p.Deps)))
		for _, d := range p.Deps {
			buf = appendUint32(buf, d.Sender)
			buf = appendUint32(buf, d.PacketID)
		}
	}

	switch p.Kind {
	case KindWhoisRequest:
		buf = appendUint32(buf, p.QueriedSender)
	case KindWhoisReply:
		name := p.Name
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
	case KindData:
		if p.Part >= p.Total {
			return nil, fmt.Errorf("%w: part %d >= total %d", ErrMalformed, p.Part, p.Total)
		}
		buf = appendUint24(buf, p.Part)
		buf = appendUint24(buf, p.Total)
		buf = appendUint16(buf, p.StreamID)
		// payload appended separately via AddPayload in the fragmenting
		// caller; a pre-populated Payload is still honored here so Encode
		// round-trips a fully built Packet on its own.
		buf = append(buf, p.Payload...)
	case KindRepairReq:
		buf = appendUint32(buf, p.OriginalSender)
		buf = appendUint32(buf, p.OriginalPacketID)
	case KindAttemptJoin, KindJoin, KindFailure:
		if len(p.SenderIDs) > maxSenderIDs {
			return nil, fmt.Errorf("%w: %d sender ids exceeds %d", ErrTooLarge, len(p.SenderIDs), maxSenderIDs)
		}
		buf = append(buf, byte(len(p.SenderIDs)))
		for _, id := range p.SenderIDs {
			buf = appendUint32(buf, id)
		}
	case KindSession, KindBye, KindNoData:
		// deps only, nothing further
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, p.Kind)
	}

	if len(buf) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes > mtu %d", ErrTooLarge, len(buf), maxSize)
	}
	return buf, nil
}

// Decode parses a wire packet, rejecting truncated buffers, unknown tags,
// unsupported versions, and DATA packets with an inconsistent part/total.
func Decode(data []byte) (*Packet, error) {
	r := reader{data: data}

	tag, ok := r.byte()
	if !ok {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformed)
	}
	version, ok := r.byte()
	if !ok {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}

	p := &Packet{Kind: Kind(tag), Version: version}

	sender, ok := r.uint32()
	if !ok {
		return nil, fmt.Errorf("%w: truncated sender", ErrMalformed)
	}
	p.Sender = sender

	if p.Kind.Reliable() || p.Kind == KindSession {
		if p.Kind.Reliable() {
			id, ok := r.uint32()
			if !ok {
				return nil, fmt.Errorf("%w: truncated packet id", ErrMalformed)
			}
			p.PacketID = id
		}

		nDeps, ok := r.byte()
		if !ok {
			return nil, fmt.Errorf("%w: truncated dep count", ErrMalformed)
		}
		p.Deps = make([]DepEntry, 0, nDeps)
		for i := 0; i < int(nDeps); i++ {
			s, ok1 := r.uint32()
			pid, ok2 := r.uint32()
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: truncated dep entry", ErrMalformed)
			}
			p.Deps = append(p.Deps, DepEntry{Sender: s, PacketID: pid})
		}
	}

	switch p.Kind {
	case KindWhoisRequest:
		q, ok := r.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: truncated whois request", ErrMalformed)
		}
		p.QueriedSender = q
	case KindWhoisReply:
		nameLen, ok := r.byte()
		if !ok {
			return nil, fmt.Errorf("%w: truncated whois reply", ErrMalformed)
		}
		name, ok := r.bytes(int(nameLen))
		if !ok {
			return nil, fmt.Errorf("%w: truncated whois reply name", ErrMalformed)
		}
		p.Name = string(name)
	case KindData:
		part, ok1 := r.uint24()
		total, ok2 := r.uint24()
		streamID, ok3 := r.uint16()
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("%w: truncated data header", ErrMalformed)
		}
		if part >= total {
			return nil, fmt.Errorf("%w: data part %d >= total %d", ErrMalformed, part, total)
		}
		p.Part = part
		p.Total = total
		p.StreamID = streamID
		p.Payload = append([]byte(nil), r.rest()...)
	case KindRepairReq:
		s, ok1 := r.uint32()
		pid, ok2 := r.uint32()
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: truncated repair request", ErrMalformed)
		}
		p.OriginalSender = s
		p.OriginalPacketID = pid
	case KindAttemptJoin, KindJoin, KindFailure:
		count, ok := r.byte()
		if !ok {
			return nil, fmt.Errorf("%w: truncated sender id count", ErrMalformed)
		}
		p.SenderIDs = make([]uint32, 0, count)
		for i := 0; i < int(count); i++ {
			id, ok := r.uint32()
			if !ok {
				return nil, fmt.Errorf("%w: truncated sender id", ErrMalformed)
			}
			p.SenderIDs = append(p.SenderIDs, id)
		}
	case KindSession, KindBye, KindNoData:
		// nothing further
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}

	return p, nil
}

// AddPayload appends as much of data as fits within maxSize (the link MTU)
// given the header p already carries, returning the number of bytes
// consumed. Callers loop this over a large user message to fragment it into
// multiple DATA packets; each call only accounts for the fixed per-packet
// header, not any other fragment's bytes.
func AddPayload(p *Packet, data []byte, maxSize int) (int, error) {
	if p.Kind != KindData {
		return 0, fmt.Errorf("%w: AddPayload only valid for DATA packets", ErrMalformed)
	}
	headerBudget := headerSize(p)
	room := maxSize - headerBudget
	if room <= 0 {
		return 0, fmt.Errorf("%w: no room for payload under mtu %d", ErrTooLarge, maxSize)
	}
	n := len(data)
	if n > room {
		n = room
	}
	p.Payload = append(p.Payload[:0:0], data[:n]...)
	return n, nil
}

// HeaderSize computes the encoded size of everything in p except Payload,
// exposed so callers fragmenting a large message can work out how many DATA
// packets a payload will need before calling AddPayload.
func HeaderSize(p *Packet) int {
	return headerSize(p)
}

// headerSize computes the encoded size of everything in p except Payload,
// used by AddPayload to know how much budget remains for fragment bytes.
func headerSize(p *Packet) int {
	size := 1 + 1 + 4 // tag, version, sender
	if p.Kind.Reliable() {
		size += 4 + 1 + len(p.Deps)*8
	}
	if p.Kind == KindData {
		size += 3 + 3 + 2
	}
	return size
}

// MaxEncodedDeps returns the maximum number of dependency-vector entries
// that still leave room for at least one byte of DATA payload under mtu.
func MaxEncodedDeps(mtu int) int {
	fixed := 1 + 1 + 4 + 4 + 1 + 3 + 3 + 2 + 1
	room := mtu - fixed
	if room <= 0 {
		return 0
	}
	return room / 8
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint24(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>16), byte(v>>8), byte(v))
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) byte() (byte, bool) {
	if r.off >= len(r.data) {
		return 0, false
	}
	b := r.data[r.off]
	r.off++
	return b, true
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, false
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) uint16() (uint16, bool) {
	b, ok := r.bytes(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *reader) uint24() (uint32, bool) {
	b, ok := r.bytes(3)
	if !ok {
		return 0, false
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) rest() []byte {
	b := r.data[r.off:]
	r.off = len(r.data)
	return b
}
