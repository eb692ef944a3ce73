// Package nicdrv models the NIC driver interface as an opaque external
// collaborator, and provides three concrete backends: an AF_XDP
// kernel-bypass implementation, an AF_PACKET raw-socket implementation for
// the KERNEL_SOCKET pmd, and an in-memory fake used by unit tests.
package nicdrv

import (
	"github.com/mtdatapath/corepath/internal/wire"
)

// Capabilities advertises what a port can offer the queue multiplexer.
type Capabilities struct {
	MaxTxQueues     uint16
	MaxRxQueues     uint16
	ChecksumOffload bool
	FlowSteering    bool // hardware can install per-flow RX rules
}

// DevInfo is the static description of a port returned at open.
type DevInfo struct {
	Capabilities Capabilities
	MAC          wire.MAC
}

// FlowDescriptor requests a hardware RX flow rule.
type FlowDescriptor struct {
	SysQueue    bool
	NoIPFlow    bool
	NoPortFlow  bool
	UseCniQueue bool
	Dip         wire.IPv4
	Sip         wire.IPv4
	DstPort     uint16
}

// FlowID identifies an installed hardware flow rule so it can be removed.
type FlowID uint32

// Packet is a single buffer handed across the driver boundary. RefCount
// mirrors the driver's own buffer discipline.
type Packet struct {
	Data []byte
	ref  int32
}

func NewPacket(data []byte) *Packet { return &Packet{Data: data, ref: 1} }

func (p *Packet) RefcntInc() { p.ref++ }
func (p *Packet) RefcntDec() int32 {
	p.ref--
	return p.ref
}

// Driver is the NIC interface the core assumes. Every queue is
// identified by (portID is implicit in the receiver, queueID uint16).
type Driver interface {
	DevInfo() DevInfo

	// RxBurst is non-blocking; it returns 0..n packets.
	RxBurst(queueID uint16, n int) []*Packet
	// TxBurst is non-blocking; it returns the number of packets accepted.
	TxBurst(queueID uint16, pkts []*Packet) int
	TxDoneCleanup(queueID uint16)

	RxFlowInstall(queueID uint16, flow FlowDescriptor) (FlowID, error)
	RxFlowRemove(id FlowID) error

	EtherMacaddrGet() wire.MAC
	EthLinkGet() (up bool, speedMbps int)

	Close() error
}
