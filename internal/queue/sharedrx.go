package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/wire"
)

// flowKey is the exact-match lookup key: destination IP and destination
// UDP port. The system entry is not in the index; it is matched last.
type flowKey struct {
	dip  uint32
	port uint16
}

func lessFlowKey(a, b flowKey) bool {
	if a.dip != b.dip {
		return a.dip < b.dip
	}
	return a.port < b.port
}

type rsqIndexEntry struct {
	key   flowKey
	entry *SharedRxEntry
}

func lessIndexEntry(a, b rsqIndexEntry) bool { return lessFlowKey(a.key, b.key) }

// SharedRxEntry (RSQ) is one session's registration against the shared RX
// queue. Visible to the dispatch loop only after its flow rule is
// installed and acknowledged.
type SharedRxEntry struct {
	owner *SharedRxQueue
	index int
	flow  nicdrv.FlowDescriptor
	flowID nicdrv.FlowID
	isSys bool

	ring *packetRing

	enqueueCnt     atomic.Uint64
	enqueueFailCnt atomic.Uint64
}

func (e *SharedRxEntry) Burst(n int) []*nicdrv.Packet {
	out := make([]*nicdrv.Packet, 0, n)
	for i := 0; i < n; i++ {
		p := e.ring.Pop()
		if p == nil {
			break
		}
		out = append(out, p)
	}
	return out
}

func (e *SharedRxEntry) Len() int { return e.ring.Len() }

func (e *SharedRxEntry) Stats() (enqueueCnt, enqueueFailCnt uint64) {
	return e.enqueueCnt.Load(), e.enqueueFailCnt.Load()
}

// SharedRxQueue (RSQ) owns the single hardware RX queue shared by many
// sessions and dispatches by exact-match (dst_ip, dst_port).
type SharedRxQueue struct {
	port    *PortIf
	queueID uint16

	mu      sync.Mutex // protects index + entries during add/remove/dispatch
	index   *btree.BTreeG[rsqIndexEntry]
	entries []*SharedRxEntry
	sysEntry *SharedRxEntry
	nextIdx int
}

func newSharedRxQueue(p *PortIf, queueID uint16) *SharedRxQueue {
	return &SharedRxQueue{
		port:    p,
		queueID: queueID,
		index:   btree.NewG(32, lessIndexEntry),
	}
}

// Register installs a NIC flow rule (unless flow.SysQueue, which receives
// residual traffic instead of an exact-match rule) and only then makes the
// entry visible to Burst.
func (rsq *SharedRxQueue) Register(flow nicdrv.FlowDescriptor, ringCap int) (*SharedRxEntry, error) {
	rsq.mu.Lock()
	defer rsq.mu.Unlock()

	if flow.SysQueue {
		if rsq.sysEntry != nil {
			return nil, fmt.Errorf("queue: %w: system entry already registered", ErrInvalidArg)
		}
		e := &SharedRxEntry{owner: rsq, index: rsq.nextIdx, flow: flow, isSys: true, ring: newPacketRing(ringCap)}
		rsq.nextIdx++
		rsq.sysEntry = e
		rsq.entries = append(rsq.entries, e)
		return e, nil
	}

	id, err := rsq.port.driver.RxFlowInstall(rsq.queueID, flow)
	if err != nil {
		return nil, fmt.Errorf("queue: install rsq flow: %w: %v", ErrHardwareReject, err)
	}
	e := &SharedRxEntry{owner: rsq, index: rsq.nextIdx, flow: flow, flowID: id, ring: newPacketRing(ringCap)}
	rsq.nextIdx++
	key := flowKey{dip: flow.Dip.Uint32(), port: flow.DstPort}
	rsq.index.ReplaceOrInsert(rsqIndexEntry{key: key, entry: e})
	rsq.entries = append(rsq.entries, e)
	return e, nil
}

// Unregister un-installs the flow rule, drains the ring, then unlinks the
// entry — the reverse of Register's visibility order.
func (rsq *SharedRxQueue) Unregister(e *SharedRxEntry) error {
	rsq.mu.Lock()
	defer rsq.mu.Unlock()

	if e.isSys {
		rsq.sysEntry = nil
	} else {
		if err := rsq.port.driver.RxFlowRemove(e.flowID); err != nil {
			return fmt.Errorf("queue: remove rsq flow: %w", err)
		}
		key := flowKey{dip: e.flow.Dip.Uint32(), port: e.flow.DstPort}
		rsq.index.Delete(rsqIndexEntry{key: key})
	}
	for e.ring.Pop() != nil {
	}
	for i, other := range rsq.entries {
		if other == e {
			rsq.entries = append(rsq.entries[:i], rsq.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Poll is the dispatch loop body. It is intended to
// run from a tasklet or the CNI thread; it briefly takes rsq.mu per burst.
func (rsq *SharedRxQueue) Poll() (anyPending bool) {
	pkts := rsq.port.driver.RxBurst(rsq.queueID, config.MaxBurst)
	if len(pkts) == 0 {
		return false
	}
	rsq.mu.Lock()
	defer rsq.mu.Unlock()
	for _, pkt := range pkts {
		rsq.dispatchLocked(pkt)
	}
	return len(pkts) == config.MaxBurst
}

func (rsq *SharedRxQueue) dispatchLocked(pkt *nicdrv.Packet) {
	eth, _, payloadOff, err := wire.ParseEth(pkt.Data)
	if err != nil || eth.EtherType != config.EtherTypeIPv4 {
		rsq.dropOrResidual(pkt)
		return
	}
	parsed, err := wire.ParseIPv4(pkt.Data[payloadOff:])
	if err != nil || parsed.Proto != wire.ProtoUDP {
		rsq.dropOrResidual(pkt)
		return
	}

	key := flowKey{dip: parsed.Dst.Uint32(), port: parsed.DstPort}
	found, ok := rsq.index.Get(rsqIndexEntry{key: key})
	if !ok {
		rsq.dropOrResidual(pkt)
		return
	}
	pkt.RefcntInc()
	if found.entry.ring.Push(pkt) {
		found.entry.enqueueCnt.Add(1)
	} else {
		found.entry.enqueueFailCnt.Add(1)
	}
	pkt.RefcntDec()
}

func (rsq *SharedRxQueue) dropOrResidual(pkt *nicdrv.Packet) {
	if rsq.sysEntry == nil {
		return
	}
	pkt.RefcntInc()
	if rsq.sysEntry.ring.Push(pkt) {
		rsq.sysEntry.enqueueCnt.Add(1)
	} else {
		rsq.sysEntry.enqueueFailCnt.Add(1)
	}
	pkt.RefcntDec()
}

func (rsq *SharedRxQueue) Close() error { return nil }
