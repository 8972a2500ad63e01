package receiver

import "github.com/lanrelay/rmcast/pkg/wire"

// cacheSize is the per-sender sliding window (SPEC_FULL.md §3, invariant I7).
const cacheSize = 256

// cache is a fixed ring of 256 packet slots keyed by packetID % cacheSize.
// A nil slot with an entry in gapTimers is a known gap awaiting repair; a
// nil slot with no gapTimers entry has simply never been reached yet.
type cache struct {
	slots [cacheSize]*wire.Packet
}

func (c *cache) get(id uint32) (*wire.Packet, bool) {
	p := c.slots[id%cacheSize]
	if p == nil {
		return nil, false
	}
	return p, true
}

func (c *cache) put(id uint32, p *wire.Packet) {
	c.slots[id%cacheSize] = p
}

func (c *cache) clear(id uint32) {
	c.slots[id%cacheSize] = nil
}
