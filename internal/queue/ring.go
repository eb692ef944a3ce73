package queue

import (
	"sync/atomic"

	"github.com/mtdatapath/corepath/internal/nicdrv"
)

// packetRing is a fixed-capacity single-producer/single-consumer ring of
// packet pointers. Capacity is rounded up to the next power of two so the
// index mask avoids a modulo on the hot path. head/tail are atomics so the
// producer's store-release and the consumer's load-acquire are visible
// across goroutines without a mutex.
type packetRing struct {
	buf  []*nicdrv.Packet
	mask uint64
	head atomic.Uint64 // consumer cursor
	tail atomic.Uint64 // producer cursor
}

func newPacketRing(capacity int) *packetRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &packetRing{buf: make([]*nicdrv.Packet, n), mask: uint64(n - 1)}
}

// Push is called by the single producer (the dispatch loop). Returns false
// if the ring is full — the caller counts this as enqueue_fail_cnt.
func (r *packetRing) Push(p *nicdrv.Packet) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head > r.mask {
		return false
	}
	r.buf[tail&r.mask] = p
	r.tail.Store(tail + 1) // release
	return true
}

// Pop is called by the single consumer (the session poll). Returns nil if
// the ring is empty.
func (r *packetRing) Pop() *nicdrv.Packet {
	head := r.head.Load()
	tail := r.tail.Load() // acquire
	if head == tail {
		return nil
	}
	p := r.buf[head&r.mask]
	r.buf[head&r.mask] = nil
	r.head.Store(head + 1)
	return p
}

func (r *packetRing) Len() int { return int(r.tail.Load() - r.head.Load()) }
