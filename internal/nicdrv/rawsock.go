package nicdrv

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mtdatapath/corepath/internal/wire"
)

// RawSockDriver backs the KERNEL_SOCKET pmd: an AF_PACKET/SOCK_RAW socket
// bound to one interface, with software per-flow demux standing in for
// hardware flow steering.
// There is exactly one "queue" (id 0); RxFlowInstall records the match but
// every installed flow reads from the same underlying socket.
type RawSockDriver struct {
	mac     wire.MAC
	ifIndex int
	fd      int

	mu     sync.Mutex
	flows  map[FlowID]FlowDescriptor
	nextID FlowID
}

// NewRawSockDriver opens an AF_PACKET raw socket bound to ifaceName and
// puts it in non-blocking mode so RxBurst never blocks the tasklet caller.
func NewRawSockDriver(ifaceName string) (*RawSockDriver, error) {
	ifi, err := interfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("nicdrv: rawsock: %w", err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("nicdrv: rawsock: socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  ifi.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nicdrv: rawsock: bind %s: %w", ifaceName, err)
	}

	return &RawSockDriver{
		mac:     ifi.Mac,
		ifIndex: ifi.Index,
		fd:      fd,
		flows:   make(map[FlowID]FlowDescriptor),
	}, nil
}

func (d *RawSockDriver) DevInfo() DevInfo {
	return DevInfo{
		Capabilities: Capabilities{MaxTxQueues: 1, MaxRxQueues: 1, ChecksumOffload: false, FlowSteering: false},
		MAC:          d.mac,
	}
}

// RxBurst reads up to n Ethernet frames. EAGAIN/EWOULDBLOCK collapses to an
// empty burst, matching the non-blocking contract every pmd backend shares.
func (d *RawSockDriver) RxBurst(queueID uint16, n int) []*Packet {
	var out []*Packet
	for i := 0; i < n; i++ {
		buf := make([]byte, 2048)
		nr, _, err := unix.Recvfrom(d.fd, buf, 0)
		if err != nil {
			break
		}
		if nr == 0 {
			break
		}
		out = append(out, NewPacket(buf[:nr]))
	}
	return out
}

func (d *RawSockDriver) TxBurst(queueID uint16, pkts []*Packet) int {
	sent := 0
	addr := &unix.SockaddrLinklayer{Ifindex: d.ifIndex}
	for _, p := range pkts {
		if err := unix.Sendto(d.fd, p.Data, 0, addr); err != nil {
			break
		}
		sent++
	}
	return sent
}

func (d *RawSockDriver) TxDoneCleanup(queueID uint16) {}

// RxFlowInstall records a software-only flow match; the rawsock backend
// has no hardware steering, so every packet still arrives via RxBurst and
// the caller (SharedRxQueue/SharedRss) does the matching in software.
func (d *RawSockDriver) RxFlowInstall(queueID uint16, flow FlowDescriptor) (FlowID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.flows[id] = flow
	return id, nil
}

func (d *RawSockDriver) RxFlowRemove(id FlowID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.flows[id]; !ok {
		return fmt.Errorf("nicdrv: rawsock: unknown flow %d", id)
	}
	delete(d.flows, id)
	return nil
}

func (d *RawSockDriver) EtherMacaddrGet() wire.MAC { return d.mac }

func (d *RawSockDriver) EthLinkGet() (bool, int) { return true, 0 }

func (d *RawSockDriver) Close() error {
	return unix.Close(d.fd)
}

type ifaceInfo struct {
	Index int
	Mac   wire.MAC
}

func interfaceByName(name string) (ifaceInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return ifaceInfo{}, err
	}
	var mac wire.MAC
	copy(mac[:], ifi.HardwareAddr)
	return ifaceInfo{Index: ifi.Index, Mac: mac}, nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
