package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestDiff(t *testing.T) {
	cases := []struct {
		from, to uint32
		want     int32
	}{
		{0, 0, 0},
		{0, 5, 5},
		{5, 0, -5},
		{0xfffffffe, 2, 4},
		{2, 0xfffffffe, -4},
	}
	for _, c := range cases {
		if got := Diff(c.from, c.to); got != c.want {
			t.Errorf("Diff(%d,%d) = %d, want %d", c.from, c.to, got, c.want)
		}
	}
}

func TestCodecRoundTripWhois(t *testing.T) {
	p := &Packet{Kind: KindWhoisRequest, Sender: 0, QueriedSender: 1234}
	buf, err := Encode(p, 1500)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.QueriedSender != p.QueriedSender || got.Kind != p.Kind {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCodecRoundTripWhoisReply(t *testing.T) {
	p := &Packet{Kind: KindWhoisReply, Sender: 42, Name: "alice"}
	buf, err := Encode(p, 1500)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "alice" || got.Sender != 42 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestCodecRoundTripData(t *testing.T) {
	p := &Packet{
		Kind:     KindData,
		Sender:   7,
		PacketID: 99,
		Deps:     []DepEntry{{Sender: 1, PacketID: 10}, {Sender: 2, PacketID: 20}},
		Part:     0,
		Total:    3,
		StreamID: 5,
		Payload:  []byte("hello world"),
	}
	buf, err := Encode(p, 1500)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamID != 5 || got.Part != 0 || got.Total != 3 || !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Deps) != 2 || got.Deps[1].PacketID != 20 {
		t.Errorf("deps round trip mismatch: %+v", got.Deps)
	}
}

func TestCodecRoundTripJoinFamily(t *testing.T) {
	for _, k := range []Kind{KindAttemptJoin, KindJoin, KindFailure} {
		p := &Packet{Kind: k, Sender: 1, PacketID: 2, SenderIDs: []uint32{3, 4, 5}}
		buf, err := Encode(p, 1500)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Decode(buf)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.SenderIDs) != 3 || got.SenderIDs[2] != 5 {
			t.Errorf("%s round trip mismatch: %+v", k, got)
		}
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	p := &Packet{Kind: KindBye, Sender: 1, PacketID: 1}
	buf, err := Encode(p, 1500)
	if err != nil {
		t.Fatal(err)
	}
	buf[1] = 9
	if _, err := Decode(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	if _, err := Decode([]byte{byte(KindData)}); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsPartGETotal(t *testing.T) {
	p := &Packet{Kind: KindData, Sender: 1, PacketID: 1, Part: 2, Total: 2, Payload: []byte("x")}
	if _, err := Encode(p, 1500); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected Encode to reject part>=total, got %v", err)
	}

	valid := &Packet{Kind: KindData, Sender: 1, PacketID: 1, Part: 0, Total: 2, Payload: []byte("x")}
	buf, err := Encode(valid, 1500)
	if err != nil {
		t.Fatal(err)
	}
	// Overwrite the 24-bit part field (after tag, version, sender, packet id
	// and an empty dep count) so that part == total on the wire.
	buf[11], buf[12], buf[13] = 0, 0, 2
	if _, err := Decode(buf); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected Decode to reject part>=total, got %v", err)
	}
}

func TestEncodeTooLarge(t *testing.T) {
	p := &Packet{Kind: KindBye, Sender: 1, PacketID: 1}
	if _, err := Encode(p, 2); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestAddPayloadFragmentsWithinMTU(t *testing.T) {
	const mtu = 150
	msg := bytes.Repeat([]byte("x"), 3300)
	var fragments [][]byte
	offset := 0
	for offset < len(msg) {
		p := &Packet{Kind: KindData, Sender: 1, PacketID: uint32(len(fragments)), StreamID: 1}
		n, err := AddPayload(p, msg[offset:], mtu)
		if err != nil {
			t.Fatal(err)
		}
		if n <= 0 {
			t.Fatalf("AddPayload made no progress at offset %d", offset)
		}
		fragments = append(fragments, p.Payload)
		offset += n
	}
	if len(fragments) < 22 {
		t.Errorf("expected at least 22 fragments for 3300 bytes over mtu %d, got %d", mtu, len(fragments))
	}
	var reassembled []byte
	for _, f := range fragments {
		reassembled = append(reassembled, f...)
	}
	if !bytes.Equal(reassembled, msg) {
		t.Error("reassembled payload does not match original message")
	}
}
