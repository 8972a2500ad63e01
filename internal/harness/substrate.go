// Package harness implements an in-process Substrate driven by the stdio
// test protocol (SPEC_FULL.md §4.J / spec.md §6.4), used by cmd/rmcastd in
// place of a real UDP multicast socket so scripted tests can inject and
// observe datagrams deterministically.
package harness

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/lanrelay/rmcast/pkg/substrate"
)

// Substrate implements substrate.Substrate by printing every outbound
// datagram as a `SEND:<b64>` line and accepting inbound datagrams via
// Inject, called from cmd/rmcastd's stdin loop for `INPUT:`/`RECV:` lines.
type Substrate struct {
	mtu int
	out io.Writer

	mu       sync.Mutex
	state    substrate.State
	receiver func([]byte)
}

// New wraps out (typically a buffered stdout) as a harness substrate.
func New(out io.Writer, mtu int) *Substrate {
	if mtu <= 0 {
		mtu = substrate.DefaultMTU
	}
	return &Substrate{mtu: mtu, out: out, state: substrate.Disconnected}
}

// SetReceiver implements substrate.Substrate.
func (s *Substrate) SetReceiver(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

// Dial implements substrate.Substrate; there's no real socket to join.
func (s *Substrate) Dial() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = substrate.Connected
	return nil
}

// Send implements substrate.Substrate by printing a SEND: line.
func (s *Substrate) Send(b []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != substrate.Connected {
		return substrate.ErrNotConnected
	}
	_, err := fmt.Fprintf(s.out, "SEND:%s\n", base64.StdEncoding.EncodeToString(b))
	return err
}

// MaxPacketSize implements substrate.Substrate.
func (s *Substrate) MaxPacketSize() int { return s.mtu }

// State implements substrate.Substrate.
func (s *Substrate) State() substrate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements substrate.Substrate.
func (s *Substrate) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = substrate.Disconnected
	return nil
}

// Inject feeds b into the installed receiver callback as if it had arrived
// over the wire, for the harness protocol's INPUT:/RECV: commands.
func (s *Substrate) Inject(b []byte) {
	s.mu.Lock()
	recv := s.receiver
	s.mu.Unlock()
	if recv != nil {
		recv(b)
	}
}
