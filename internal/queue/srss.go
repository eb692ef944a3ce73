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

// SrssEntry is one session registered against software RSS.
type SrssEntry struct {
	owner *SharedRss
	flow  nicdrv.FlowDescriptor
	ring  *packetRing

	enqueueCnt     atomic.Uint64
	enqueueFailCnt atomic.Uint64
}

func (e *SrssEntry) Burst(n int) []*nicdrv.Packet {
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

func (e *SrssEntry) Len() int { return e.ring.Len() }

func (e *SrssEntry) Stats() (enqueueCnt, enqueueFailCnt uint64) {
	return e.enqueueCnt.Load(), e.enqueueFailCnt.Load()
}

type srssIndexEntry struct {
	key   flowKey
	entry *SrssEntry
}

func lessSrssIndexEntry(a, b srssIndexEntry) bool { return lessFlowKey(a.key, b.key) }

// SharedRss (SRSS) demuxes over every RSS bucket queue in software. A
// single tasklet (Poll) walks every bucket each round; per-bucket order is
// preserved because packets from the same flow land on the same bucket
// (hardware RSS groups by 5-tuple) and are pushed to the ring in burst order.
type SharedRss struct {
	port    *PortIf
	buckets []uint16 // hardware queue ids, one per RSS bucket

	mu    sync.Mutex
	index *btree.BTreeG[srssIndexEntry]
}

func newSharedRss(p *PortIf, nBuckets uint16) *SharedRss {
	s := &SharedRss{port: p, index: btree.NewG(32, lessSrssIndexEntry)}
	for i := uint16(0); i < nBuckets; i++ {
		s.buckets = append(s.buckets, i)
	}
	return s
}

func (s *SharedRss) Register(flow nicdrv.FlowDescriptor, ringCap int) (*SrssEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{dip: flow.Dip.Uint32(), port: flow.DstPort}
	if _, ok := s.index.Get(srssIndexEntry{key: key}); ok {
		return nil, fmt.Errorf("queue: %w: flow already registered", ErrInvalidArg)
	}
	e := &SrssEntry{owner: s, flow: flow, ring: newPacketRing(ringCap)}
	s.index.ReplaceOrInsert(srssIndexEntry{key: key, entry: e})
	return e, nil
}

func (s *SharedRss) Unregister(e *SrssEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey{dip: e.flow.Dip.Uint32(), port: e.flow.DstPort}
	s.index.Delete(srssIndexEntry{key: key})
	for e.ring.Pop() != nil {
	}
}

// Poll bursts every bucket queue and groups consecutive same-flow packets
// into one bulk delivery.
func (s *SharedRss) Poll() (anyPending bool) {
	for _, q := range s.buckets {
		pkts := s.port.driver.RxBurst(q, config.SrssMaxBurst)
		if len(pkts) == 0 {
			continue
		}
		s.dispatchBucket(pkts)
		if len(pkts) == config.SrssMaxBurst {
			anyPending = true
		}
	}
	return anyPending
}

func (s *SharedRss) dispatchBucket(pkts []*nicdrv.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := 0
	for i < len(pkts) {
		key, ok := s.classify(pkts[i])
		if !ok {
			i++
			continue
		}
		j := i + 1
		for j < len(pkts) {
			nk, ok := s.classify(pkts[j])
			if !ok || nk != key {
				break
			}
			j++
		}
		s.deliverGroup(key, pkts[i:j])
		i = j
	}
}

func (s *SharedRss) classify(pkt *nicdrv.Packet) (flowKey, bool) {
	eth, _, payloadOff, err := wire.ParseEth(pkt.Data)
	if err != nil || eth.EtherType != config.EtherTypeIPv4 {
		return flowKey{}, false
	}
	parsed, err := wire.ParseIPv4(pkt.Data[payloadOff:])
	if err != nil || parsed.Proto != wire.ProtoUDP {
		return flowKey{}, false
	}
	return flowKey{dip: parsed.Dst.Uint32(), port: parsed.DstPort}, true
}

func (s *SharedRss) deliverGroup(key flowKey, group []*nicdrv.Packet) {
	found, ok := s.index.Get(srssIndexEntry{key: key})
	if !ok {
		return
	}
	e := found.entry
	for _, pkt := range group {
		pkt.RefcntInc()
		if e.ring.Push(pkt) {
			e.enqueueCnt.Add(1)
		} else {
			e.enqueueFailCnt.Add(1)
		}
		pkt.RefcntDec()
	}
}

func (s *SharedRss) Close() error { return nil }
