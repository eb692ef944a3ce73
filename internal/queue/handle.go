package queue

import (
	"fmt"
	"sync"

	"github.com/mtdatapath/corepath/internal/nicdrv"
)

// TxFlowSpec requests a TX handle.
type TxFlowSpec struct {
	SysQueue    bool
	BytesPerSec uint64
	Dip         [4]byte
	DstPort     uint16
}

// CsqBurster is the subset of a CNI sub-queue entry the handle needs. It is
// declared here, not in package cni, so queue has no import on cni — cni's
// CsqEntry satisfies this structurally.
type CsqBurster interface {
	Burst(n int) []*nicdrv.Packet
	QueueID() uint16
	Len() int
}

// CniPort is the CNI-side factory RxqHandle calls into for use_cni_queue
// requests. Implemented by cni.Cni.
type CniPort interface {
	OpenCsq(flow nicdrv.FlowDescriptor, ringCap int) (CsqBurster, error)
	CloseCsq(entry CsqBurster)
}

type rxqMode int

const (
	rxqDirect rxqMode = iota
	rxqRsq
	rxqSrss
	rxqCsq
)

// RxqHandle hides the four RX modes behind one burst API. The
// mode is chosen once at rxq_get and cached; burst is a single tag check.
type RxqHandle struct {
	mode rxqMode

	direct *RxQueue
	pool   *RxQueuePool

	rsq      *SharedRxEntry
	rsqOwner *SharedRxQueue

	srss      *SrssEntry
	srssOwner *SharedRss

	csq    CsqBurster
	cniOwn CniPort

	// peekMu guards peeked, the lookahead stash Len() fills for the
	// dedicated-queue mode, which has no ring to inspect without consuming
	// from it. Burst drains the stash before pulling more from the mode.
	peekMu sync.Mutex
	peeked []*nicdrv.Packet
}

// RxqGet implements rxq_get: SRSS, then RSQ, then CSQ, then a dedicated
// hardware queue — in that priority order. A KERNEL_SOCKET port advertises
// a single queue and no flow steering (rawsock.go) and gets no special case:
// which branch it takes depends on whether Open built port.Srss or port.Rsq
// for it, as for any other port.
// isCni must be true only for the cni package's own dedicated system-queue
// allocation; every other caller passes false, and sys_queue=true from such
// a caller is rejected with ErrInvalidArg.
func RxqGet(port *PortIf, cni CniPort, flow nicdrv.FlowDescriptor, ringCap int, isCni bool) (*RxqHandle, error) {
	if flow.SysQueue && !isCni {
		return nil, fmt.Errorf("queue: %w: sys_queue set by non-CNI caller", ErrInvalidArg)
	}

	if flow.SysQueue {
		// CNI's dedicated control-plane queue always comes straight from
		// the pool: it is a distinct resource from the per-session SRSS/
		// RSQ demux, not one more flow registered against it.
		q, err := port.RxPool.Get(flow)
		if err != nil {
			return nil, err
		}
		return &RxqHandle{mode: rxqDirect, direct: q, pool: port.RxPool}, nil
	}
	if port.Srss != nil {
		e, err := port.Srss.Register(flow, ringCap)
		if err != nil {
			return nil, err
		}
		return &RxqHandle{mode: rxqSrss, srss: e, srssOwner: port.Srss}, nil
	}
	if port.Rsq != nil {
		e, err := port.Rsq.Register(flow, ringCap)
		if err != nil {
			return nil, err
		}
		return &RxqHandle{mode: rxqRsq, rsq: e, rsqOwner: port.Rsq}, nil
	}
	if flow.UseCniQueue {
		if cni == nil {
			return nil, fmt.Errorf("queue: %w: use_cni_queue requested with no CNI attached", ErrInvalidArg)
		}
		e, err := cni.OpenCsq(flow, ringCap)
		if err != nil {
			return nil, err
		}
		return &RxqHandle{mode: rxqCsq, csq: e, cniOwn: cni}, nil
	}

	q, err := port.RxPool.Get(flow)
	if err != nil {
		return nil, err
	}
	return &RxqHandle{mode: rxqDirect, direct: q, pool: port.RxPool}, nil
}

func (h *RxqHandle) QueueID() uint16 {
	switch h.mode {
	case rxqDirect:
		return h.direct.QueueID()
	case rxqRsq:
		return h.rsqOwner.queueID
	case rxqSrss:
		return 0
	case rxqCsq:
		return h.csq.QueueID()
	default:
		return 0
	}
}

// Burst never blocks; it returns 0..n packets. Any packet Len pulled into
// the peek stash is handed out first, in the order it arrived.
func (h *RxqHandle) Burst(n int) []*nicdrv.Packet {
	h.peekMu.Lock()
	var out []*nicdrv.Packet
	if len(h.peeked) > 0 {
		take := len(h.peeked)
		if take > n {
			take = n
		}
		out = append(out, h.peeked[:take]...)
		h.peeked = h.peeked[take:]
		n -= take
	}
	h.peekMu.Unlock()
	if n == 0 {
		return out
	}

	var rest []*nicdrv.Packet
	switch h.mode {
	case rxqDirect:
		rest = h.direct.Burst(n)
	case rxqRsq:
		rest = h.rsq.Burst(n)
	case rxqSrss:
		rest = h.srss.Burst(n)
	case rxqCsq:
		rest = h.csq.Burst(n)
	}
	if len(out) == 0 {
		return rest
	}
	return append(out, rest...)
}

// Len reports how many packets are available without consuming them.
// Ring-backed modes (RSQ/SRSS/CSQ) read their ring depth directly. The
// dedicated hardware queue has no ring to inspect, so the direct case pulls
// one packet into a lookahead stash that Burst drains before touching the
// queue again.
func (h *RxqHandle) Len() int {
	h.peekMu.Lock()
	if n := len(h.peeked); n > 0 {
		h.peekMu.Unlock()
		return n
	}
	h.peekMu.Unlock()

	switch h.mode {
	case rxqRsq:
		return h.rsq.Len()
	case rxqSrss:
		return h.srss.Len()
	case rxqCsq:
		return h.csq.Len()
	case rxqDirect:
		pkts := h.direct.Burst(1)
		if len(pkts) == 0 {
			return 0
		}
		h.peekMu.Lock()
		h.peeked = append(h.peeked, pkts...)
		h.peekMu.Unlock()
		return len(pkts)
	default:
		return 0
	}
}

// Put is idempotent: tears down the flow rule, drains the ring, returns
// the resource to its pool.
func (h *RxqHandle) Put() error {
	switch h.mode {
	case rxqDirect:
		if h.direct == nil {
			return nil
		}
		h.pool.Put(h.direct)
		h.direct = nil
	case rxqRsq:
		if h.rsq == nil {
			return nil
		}
		err := h.rsqOwner.Unregister(h.rsq)
		h.rsq = nil
		return err
	case rxqSrss:
		if h.srss == nil {
			return nil
		}
		h.srssOwner.Unregister(h.srss)
		h.srss = nil
	case rxqCsq:
		if h.csq == nil {
			return nil
		}
		h.cniOwn.CloseCsq(h.csq)
		h.csq = nil
	}
	return nil
}

type txqMode int

const (
	txqDirect txqMode = iota
	txqTsq
)

// TxqHandle hides the two TX modes behind one burst API.
type TxqHandle struct {
	mode txqMode

	direct *TxQueue
	pool   *TxQueuePool

	tsq      *SharedTxEntry
	tsqOwner *SharedTxQueue
}

// TxqGet implements txq_get: shared TX, then a dedicated hardware queue. A
// KERNEL_SOCKET port gets no special case here either.
func TxqGet(port *PortIf, spec TxFlowSpec) (*TxqHandle, error) {
	if port.Tsq != nil {
		return &TxqHandle{mode: txqTsq, tsq: port.Tsq.Get(spec.BytesPerSec), tsqOwner: port.Tsq}, nil
	}
	q, err := port.TxPool.Get(spec.BytesPerSec)
	if err != nil {
		return nil, err
	}
	return &TxqHandle{mode: txqDirect, direct: q, pool: port.TxPool}, nil
}

func (h *TxqHandle) QueueID() uint16 {
	switch h.mode {
	case txqDirect:
		return h.direct.QueueID()
	case txqTsq:
		return h.tsq.QueueID()
	default:
		return 0
	}
}

func (h *TxqHandle) Burst(pkts []*nicdrv.Packet) uint16 {
	switch h.mode {
	case txqDirect:
		return h.direct.Burst(pkts)
	case txqTsq:
		return h.tsq.Burst(pkts)
	default:
		return uint16(len(pkts))
	}
}

// BurstBusy busy-loops until every packet is sent or deadline() reports true, and
// returns the count actually sent.
func (h *TxqHandle) BurstBusy(pkts []*nicdrv.Packet, deadline func() bool) uint16 {
	var total uint16
	for len(pkts) > 0 {
		n := h.Burst(pkts)
		total += n
		pkts = pkts[n:]
		if len(pkts) == 0 {
			break
		}
		if deadline() {
			break
		}
	}
	return total
}

// Flush enqueues pad repeatedly to push in-flight descriptors past the
// hardware watermark before the queue may be safely freed.
func (h *TxqHandle) Flush(pad []byte) {
	switch h.mode {
	case txqDirect:
		h.direct.Flush(pad)
	case txqTsq:
		padPkt := nicdrv.NewPacket(pad)
		for i := 0; i < 8; i++ {
			if h.tsq.Burst([]*nicdrv.Packet{padPkt}) > 0 {
				break
			}
		}
	}
}

func (h *TxqHandle) Put() {
	switch h.mode {
	case txqDirect:
		if h.direct == nil {
			return
		}
		h.pool.Put(h.direct)
		h.direct = nil
	case txqTsq:
		if h.tsq == nil {
			return
		}
		h.tsqOwner.Put(h.tsq)
		h.tsq = nil
	}
}
