// Package cni implements the control-plane network ingress: a dedicated
// system RX queue demultiplexed into ARP/DHCP/PTP handlers plus a debug
// table for unrecognised UDP flows, and the CSQ sub-queue facility that
// lets low-rate sessions avoid consuming a hardware queue of their own.
package cni

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/wire"
)

// ArpHandler receives a classified ARP frame.
type ArpHandler interface {
	HandleArp(payload []byte) error
}

// DhcpHandler receives a classified DHCP datagram.
type DhcpHandler interface {
	HandleDhcp(payload []byte) error
}

// PtpHandler receives a classified PTP frame; out of scope to implement
// further, the core only needs to route to it.
type PtpHandler interface {
	HandlePtp(payload []byte, vlan bool)
}

// CniUdpEntry is a debug-only record of an unrecognised UDP 3-tuple.
type CniUdpEntry struct {
	Sip     wire.IPv4
	Dip     wire.IPv4
	SrcPort uint16
	DstPort uint16
	Count   uint64
}

// CsqEntry is one session's lightweight sub-queue hanging off CNI. It
// satisfies queue.CsqBurster structurally. Traffic volume on this path is
// low by construction (sessions that need a real ring use a dedicated or
// shared hardware queue instead), so a mutex-guarded slice is enough.
type CsqEntry struct {
	owner *Cni
	flow  nicdrv.FlowDescriptor
	cap   int

	mu      sync.Mutex
	pending []*nicdrv.Packet

	enqueueCnt     atomic.Uint64
	enqueueFailCnt atomic.Uint64
}

func (e *CsqEntry) push(pkt *nicdrv.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) >= e.cap {
		e.enqueueFailCnt.Add(1)
		return
	}
	e.pending = append(e.pending, pkt)
	e.enqueueCnt.Add(1)
}

func (e *CsqEntry) Burst(n int) []*nicdrv.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	if n > len(e.pending) {
		n = len(e.pending)
	}
	out := e.pending[:n]
	e.pending = e.pending[n:]
	return out
}

func (e *CsqEntry) QueueID() uint16 { return 0 } // CNI's queue id, not a distinct hw resource

func (e *CsqEntry) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *CsqEntry) Stats() (enqueueCnt, enqueueFailCnt uint64) {
	return e.enqueueCnt.Load(), e.enqueueFailCnt.Load()
}

// Cni owns the port's dedicated control-plane RX queue and the CSQ
// sub-queues layered on top of it.
type Cni struct {
	log  *zap.Logger
	port *queue.PortIf
	rxq  *queue.RxqHandle
	txq  *queue.TxqHandle

	arp  ArpHandler
	dhcp DhcpHandler
	ptp  PtpHandler

	debugMu sync.Mutex
	debug   map[[12]byte]*CniUdpEntry // key: sip+dip+srcport+dstport

	csqMu sync.Mutex
	csqs  []*CsqEntry

	droppedProtocolErrors atomic.Uint64
}

// Open installs the system RX queue (sys_queue=true, no_ip_flow=true) and
// the shared system TX queue ARP/DHCP use to transmit.
func Open(log *zap.Logger, port *queue.PortIf, arp ArpHandler, dhcp DhcpHandler, ptp PtpHandler) (*Cni, error) {
	c := &Cni{
		log:   log.With(zap.String("port", port.Name)),
		port:  port,
		arp:   arp,
		dhcp:  dhcp,
		ptp:   ptp,
		debug: make(map[[12]byte]*CniUdpEntry),
	}

	rxq, err := queue.RxqGet(port, c, nicdrv.FlowDescriptor{SysQueue: true, NoIPFlow: true, NoPortFlow: true}, 256, true)
	if err != nil {
		return nil, fmt.Errorf("cni: open system rx queue: %w", err)
	}
	c.rxq = rxq

	txq, err := queue.TxqGet(port, queue.TxFlowSpec{SysQueue: true})
	if err != nil {
		rxq.Put()
		return nil, fmt.Errorf("cni: open system tx queue: %w", err)
	}
	c.txq = txq
	return c, nil
}

func (c *Cni) TxQueue() *queue.TxqHandle { return c.txq }

// Poll is the CNI tasklet/thread body: burst the system queue and classify
// each packet.
func (c *Cni) Poll() (anyPending bool) {
	pkts := c.rxq.Burst(config.MaxBurst)
	for _, pkt := range pkts {
		c.classify(pkt)
	}
	return len(pkts) == config.MaxBurst
}

func (c *Cni) classify(pkt *nicdrv.Packet) {
	eth, vlan, payloadOff, err := wire.ParseEth(pkt.Data)
	if err != nil {
		c.droppedProtocolErrors.Add(1)
		return
	}

	switch eth.EtherType {
	case config.EtherTypeARP:
		if c.arp != nil {
			if err := c.arp.HandleArp(pkt.Data[payloadOff:]); err != nil {
				c.droppedProtocolErrors.Add(1)
			}
		}
	case config.EtherTypeIPv4:
		c.classifyIPv4(pkt.Data[payloadOff:], vlan)
	default:
		c.droppedProtocolErrors.Add(1)
	}
}

func (c *Cni) classifyIPv4(payload []byte, vlan bool) {
	parsed, err := wire.ParseIPv4(payload)
	if err != nil || parsed.Proto != wire.ProtoUDP {
		c.droppedProtocolErrors.Add(1)
		return
	}

	switch {
	case parsed.SrcPort == config.PtpEventPort || parsed.SrcPort == config.PtpGeneralPort:
		if c.ptp != nil {
			c.ptp.HandlePtp(payload[parsed.PayloadOff:], vlan)
		}
	case parsed.SrcPort == config.DhcpServerPort:
		if c.dhcp != nil {
			if err := c.dhcp.HandleDhcp(payload[parsed.PayloadOff:]); err != nil {
				c.droppedProtocolErrors.Add(1)
			}
		}
	default:
		if e := c.matchCsq(parsed); e != nil {
			pkt := nicdrv.NewPacket(payload)
			e.push(pkt)
			return
		}
		c.recordDebug(parsed)
	}
}

// matchCsq does an exact-match scan of registered sub-queues. The fan-out
// set is small by design, so a linear scan under one lock is
// simpler than an index and does not show up on the hot path.
func (c *Cni) matchCsq(p wire.ParsedIPv4UDP) *CsqEntry {
	c.csqMu.Lock()
	defer c.csqMu.Unlock()
	for _, e := range c.csqs {
		if e.flow.Dip == p.Dst && e.flow.DstPort == p.DstPort {
			return e
		}
	}
	return nil
}

func (c *Cni) recordDebug(p wire.ParsedIPv4UDP) {
	var key [12]byte
	copy(key[0:4], p.Src[:])
	copy(key[4:8], p.Dst[:])
	key[8] = byte(p.SrcPort >> 8)
	key[9] = byte(p.SrcPort)
	key[10] = byte(p.DstPort >> 8)
	key[11] = byte(p.DstPort)

	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	e, ok := c.debug[key]
	if !ok {
		e = &CniUdpEntry{Sip: p.Src, Dip: p.Dst, SrcPort: p.SrcPort, DstPort: p.DstPort}
		c.debug[key] = e
	}
	e.Count++
}

// DebugFlows returns a snapshot of every observed unrecognised UDP flow.
func (c *Cni) DebugFlows() []CniUdpEntry {
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	out := make([]CniUdpEntry, 0, len(c.debug))
	for _, e := range c.debug {
		out = append(out, *e)
	}
	return out
}

// OpenCsq implements queue.CniPort for use_cni_queue=true requests.
func (c *Cni) OpenCsq(flow nicdrv.FlowDescriptor, ringCap int) (queue.CsqBurster, error) {
	c.csqMu.Lock()
	defer c.csqMu.Unlock()
	e := &CsqEntry{owner: c, flow: flow, cap: ringCap}
	c.csqs = append(c.csqs, e)
	return e, nil
}

func (c *Cni) CloseCsq(entry queue.CsqBurster) {
	c.csqMu.Lock()
	defer c.csqMu.Unlock()
	e, ok := entry.(*CsqEntry)
	if !ok {
		return
	}
	for i, other := range c.csqs {
		if other == e {
			c.csqs = append(c.csqs[:i], c.csqs[i+1:]...)
			return
		}
	}
}

// DroppedProtocolErrors is a debug counter for malformed control-plane
// packets.
func (c *Cni) DroppedProtocolErrors() uint64 { return c.droppedProtocolErrors.Load() }

func (c *Cni) Close() error {
	c.txq.Put()
	return c.rxq.Put()
}
