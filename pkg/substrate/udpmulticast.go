package substrate

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMTU is the conservative default MaxPacketSize for UDPMulticast:
// comfortably under typical LAN/WiFi MTUs once IP/UDP headers are
// subtracted, mirroring the teacher's MTU_SAFETY_MARGIN reasoning in
// source/protocol/raknet.go.
const DefaultMTU = 1200

// UDPMulticast implements Substrate over a joined IPv4/IPv6 multicast
// group, grounded on the teacher's Server.Start/listen read loop
// (source/server/server.go) generalized from a single bound UDP socket to
// a multicast group membership.
type UDPMulticast struct {
	mtu int
	log *zap.SugaredLogger

	mu    sync.RWMutex
	state State
	conn  *net.UDPConn
	group *net.UDPAddr

	receiver func([]byte)
	done     chan struct{}
	g        *errgroup.Group // tracks the read loop so Close can wait for it to actually exit
}

// NewUDPMulticast constructs a substrate that will join group (e.g.
// "239.0.0.1:9785") once Dial is called.
func NewUDPMulticast(group string, mtu int, log *zap.SugaredLogger) (*UDPMulticast, error) {
	addr, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return nil, fmt.Errorf("substrate: resolve multicast group %q: %w", group, err)
	}
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &UDPMulticast{mtu: mtu, log: log, group: addr, state: Disconnected}, nil
}

// SetReceiver implements Substrate.
func (u *UDPMulticast) SetReceiver(fn func([]byte)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.receiver = fn
}

// Dial joins the multicast group and starts the read loop.
func (u *UDPMulticast) Dial() error {
	u.mu.Lock()
	if u.state != Disconnected {
		u.mu.Unlock()
		return fmt.Errorf("substrate: already %s", u.state)
	}
	u.state = Connecting
	u.mu.Unlock()

	conn, err := net.ListenMulticastUDP("udp", nil, u.group)
	if err != nil {
		u.mu.Lock()
		u.state = Disconnected
		u.mu.Unlock()
		return fmt.Errorf("substrate: join %s: %w", u.group, err)
	}
	_ = conn.SetReadBuffer(256 * 1024)

	done := make(chan struct{})
	g := &errgroup.Group{}
	g.Go(func() error {
		u.readLoop(conn, done)
		return nil
	})

	u.mu.Lock()
	u.conn = conn
	u.state = Connected
	u.done = done
	u.g = g
	u.mu.Unlock()
	return nil
}

func (u *UDPMulticast) readLoop(conn *net.UDPConn, done chan struct{}) {
	buf := make([]byte, u.mtu+64)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if u.log != nil {
				u.log.Debugw("substrate read error", "error", err)
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		u.mu.RLock()
		recv := u.receiver
		u.mu.RUnlock()
		if recv != nil {
			recv(data)
		}
	}
}

// Send implements Substrate.
func (u *UDPMulticast) Send(b []byte) error {
	u.mu.RLock()
	conn, state := u.conn, u.state
	u.mu.RUnlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	_, err := conn.WriteToUDP(b, u.group)
	return err
}

// MaxPacketSize implements Substrate.
func (u *UDPMulticast) MaxPacketSize() int { return u.mtu }

// State implements Substrate.
func (u *UDPMulticast) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// Close implements Substrate.
func (u *UDPMulticast) Close() error {
	u.mu.Lock()
	if u.state == Disconnected {
		u.mu.Unlock()
		return nil
	}
	u.state = Disconnecting
	conn := u.conn
	done := u.done
	g := u.g
	u.mu.Unlock()

	if done != nil {
		close(done)
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if g != nil {
		_ = g.Wait() // readLoop always returns nil; this just blocks until it has exited
	}

	u.mu.Lock()
	u.state = Disconnected
	u.conn = nil
	u.g = nil
	u.mu.Unlock()
	return err
}
