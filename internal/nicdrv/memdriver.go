package nicdrv

import (
	"fmt"
	"sync"

	"github.com/mtdatapath/corepath/internal/wire"
)

// MemDriver is an in-memory Driver used by unit tests for every package
// that depends on nicdrv.Driver. Each queue is a plain mutex-guarded slice;
// RxInject lets a test push packets onto a queue the way a real NIC would
// deliver them.
type MemDriver struct {
	mac  wire.MAC
	caps Capabilities

	mu     sync.Mutex
	rxq    map[uint16][]*Packet
	txSent map[uint16][]*Packet
	flows  map[FlowID]FlowDescriptor
	nextID FlowID
}

func NewMemDriver(mac wire.MAC, caps Capabilities) *MemDriver {
	return &MemDriver{
		mac:    mac,
		caps:   caps,
		rxq:    make(map[uint16][]*Packet),
		txSent: make(map[uint16][]*Packet),
		flows:  make(map[FlowID]FlowDescriptor),
	}
}

func (d *MemDriver) DevInfo() DevInfo {
	return DevInfo{Capabilities: d.caps, MAC: d.mac}
}

// RxInject delivers packets onto queueID as if received from the wire.
func (d *MemDriver) RxInject(queueID uint16, pkts ...*Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxq[queueID] = append(d.rxq[queueID], pkts...)
}

func (d *MemDriver) RxBurst(queueID uint16, n int) []*Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.rxq[queueID]
	if len(q) == 0 {
		return nil
	}
	if n > len(q) {
		n = len(q)
	}
	out := q[:n]
	d.rxq[queueID] = q[n:]
	return out
}

func (d *MemDriver) TxBurst(queueID uint16, pkts []*Packet) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txSent[queueID] = append(d.txSent[queueID], pkts...)
	return len(pkts)
}

func (d *MemDriver) TxDoneCleanup(queueID uint16) {}

// TxLog returns (and clears) everything sent on queueID, for assertions.
func (d *MemDriver) TxLog(queueID uint16) []*Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.txSent[queueID]
	d.txSent[queueID] = nil
	return out
}

func (d *MemDriver) RxFlowInstall(queueID uint16, flow FlowDescriptor) (FlowID, error) {
	if !d.caps.FlowSteering {
		return 0, fmt.Errorf("nicdrv: flow steering not supported")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.flows[id] = flow
	return id, nil
}

func (d *MemDriver) RxFlowRemove(id FlowID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.flows[id]; !ok {
		return fmt.Errorf("nicdrv: unknown flow %d", id)
	}
	delete(d.flows, id)
	return nil
}

func (d *MemDriver) EtherMacaddrGet() wire.MAC { return d.mac }

func (d *MemDriver) EthLinkGet() (bool, int) { return true, 10000 }

func (d *MemDriver) Close() error { return nil }
