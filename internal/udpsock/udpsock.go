// Package udpsock implements the POSIX-shaped UDP socket facade:
// socket/bind/sendto/recvfrom/poll/getsockopt/setsockopt over the queue
// multiplexer's RX/TX handles, restricted to AF_INET+SOCK_DGRAM.
package udpsock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/arp"
	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/wire"
)

const mudpMaxBytes = config.MaxFrameSize

// Addr is a minimal (ip, port) pair; the facade never deals in AF_INET6.
type Addr struct {
	IP   wire.IPv4
	Port uint16
}

// Socket is a one-to-one UDP wrapper. domain=AF_INET, type=SOCK_DGRAM,
// protocol=0 are implied; there is no general socket() surface.
type Socket struct {
	log  *zap.Logger
	port *queue.PortIf
	arp  *arp.Arp

	mu        sync.Mutex
	localPort uint16
	rxq       *queue.RxqHandle

	txMu        sync.Mutex
	txq         *queue.TxqHandle
	destMacOverride *wire.MAC

	mcastMu sync.Mutex
	mcast   map[wire.IPv4]bool

	wakeThresh int
	wakeTimeout time.Duration
	wakeCh      chan struct{}
}

func New(log *zap.Logger, port *queue.PortIf, arpTable *arp.Arp, wakeThresh int, wakeTimeout time.Duration) *Socket {
	return &Socket{
		log:         log.With(zap.String("port", port.Name)),
		port:        port,
		arp:         arpTable,
		mcast:       make(map[wire.IPv4]bool),
		wakeThresh:  wakeThresh,
		wakeTimeout: wakeTimeout,
		wakeCh:      make(chan struct{}, 1),
	}
}

// Bind records the local UDP port and installs an RX handle with
// no_ip_flow=true, dst_port=local_port.
func (s *Socket) Bind(localPort uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxq != nil {
		return fmt.Errorf("udpsock: %w: already bound", queue.ErrInvalidArg)
	}
	rxq, err := queue.RxqGet(s.port, nil, nicdrv.FlowDescriptor{
		NoIPFlow: true,
		DstPort:  localPort,
	}, 128, false)
	if err != nil {
		return fmt.Errorf("udpsock: bind: %w", err)
	}
	s.localPort = localPort
	s.rxq = rxq
	return nil
}

// SetDestMacOverride bypasses ARP resolution for sendto, e.g. for
// multicast destinations the application already has a mapped MAC for.
func (s *Socket) SetDestMacOverride(mac wire.MAC) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.destMacOverride = &mac
}

// SendTo is lazy-binding for TX: on first call it allocates a TX handle
// sized for MUDP_MAX_BYTES with the requested shaper, then builds
// L2/L3/L4 headers and computes the IPv4 checksum in software unless the
// NIC offloads it.
func (s *Socket) SendTo(ctx context.Context, dst Addr, payload []byte, txBps uint64) (int, error) {
	if len(payload) > mudpMaxBytes {
		return 0, fmt.Errorf("udpsock: %w: payload too large", queue.ErrInvalidArg)
	}

	s.txMu.Lock()
	if s.txq == nil {
		txq, err := queue.TxqGet(s.port, queue.TxFlowSpec{BytesPerSec: txBps})
		if err != nil {
			s.txMu.Unlock()
			return 0, fmt.Errorf("udpsock: sendto: %w", err)
		}
		s.txq = txq
	}
	txq := s.txq
	override := s.destMacOverride
	s.txMu.Unlock()

	dstMac, err := s.resolveDestMac(ctx, dst.IP, override)
	if err != nil {
		return 0, fmt.Errorf("udpsock: sendto: %w", err)
	}

	srcPort := s.localPort
	buf := make([]byte, mudpMaxBytes)
	off := wire.EncodeIPv4UDP(buf, s.port.Mac, dstMac, wire.IPv4Header{
		TTL: 64, Proto: wire.ProtoUDP, Src: s.port.SipAddr, Dst: dst.IP,
		Checksum: !s.port.Driver().DevInfo().Capabilities.ChecksumOffload,
	}, srcPort, dst.Port, len(payload))
	n := copy(buf[off:], payload)

	pkt := nicdrv.NewPacket(buf[:off+n])
	if txq.Burst([]*nicdrv.Packet{pkt}) == 0 {
		return 0, fmt.Errorf("udpsock: %w", queue.ErrRingFull)
	}
	return n, nil
}

func (s *Socket) resolveDestMac(ctx context.Context, dst wire.IPv4, override *wire.MAC) (wire.MAC, error) {
	if override != nil {
		return *override, nil
	}
	if dst.IsMulticast() {
		return multicastMac(dst), nil
	}
	if s.arp == nil {
		return wire.MAC{}, fmt.Errorf("udpsock: no arp table attached for unicast resolve")
	}
	return s.arp.Resolve(ctx, dst, 1*time.Second, 500*time.Millisecond)
}

// multicastMac maps an IPv4 multicast group to its RFC 1112 Ethernet
// address: 01:00:5e + low 23 bits of the group address.
func multicastMac(ip wire.IPv4) wire.MAC {
	return wire.MAC{0x01, 0x00, 0x5e, ip[1] & 0x7f, ip[2], ip[3]}
}

// RecvFrom polls the SPSC ring filled by the RX dispatcher. deadline<=0
// means non-blocking (DONTWAIT); otherwise it waits up to deadline for
// NotifyArrival to signal new data.
func (s *Socket) RecvFrom(buf []byte, deadline time.Duration) (n int, from Addr, err error) {
	s.mu.Lock()
	rxq := s.rxq
	s.mu.Unlock()
	if rxq == nil {
		return 0, Addr{}, fmt.Errorf("udpsock: %w: not bound", queue.ErrInvalidArg)
	}

	pkts := rxq.Burst(1)
	if len(pkts) == 0 && deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-s.wakeCh:
		case <-timer.C:
		}
		pkts = rxq.Burst(1)
	}
	if len(pkts) == 0 {
		return 0, Addr{}, fmt.Errorf("udpsock: %w", queue.ErrTimeout)
	}

	pkt := pkts[0]
	eth, _, payloadOff, err := wire.ParseEth(pkt.Data)
	if err != nil || eth.EtherType != config.EtherTypeIPv4 {
		return 0, Addr{}, fmt.Errorf("udpsock: %w", queue.ErrProtocol)
	}
	parsed, err := wire.ParseIPv4(pkt.Data[payloadOff:])
	if err != nil || parsed.Proto != wire.ProtoUDP {
		return 0, Addr{}, fmt.Errorf("udpsock: %w", queue.ErrProtocol)
	}
	udpPayload := pkt.Data[payloadOff+parsed.PayloadOff:]
	n = copy(buf, udpPayload)
	return n, Addr{IP: parsed.Src, Port: parsed.SrcPort}, nil
}

// NotifyArrival wakes a RecvFrom call that is waiting for data. Nothing in
// this package calls it, and the wake threshold and timeout given to New
// are stored but not consulted: a RecvFrom waiting on an empty ring returns
// when NotifyArrival is called or its deadline passes. Poll does not use it.
func (s *Socket) NotifyArrival() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// AddMembership joins a multicast group (IP_ADD_MEMBERSHIP).
func (s *Socket) AddMembership(group wire.IPv4) error {
	s.mcastMu.Lock()
	defer s.mcastMu.Unlock()
	if len(s.mcast) >= 32 {
		return fmt.Errorf("udpsock: %w: multicast table full", queue.ErrNoResource)
	}
	s.mcast[group] = true
	return nil
}

// DropMembership leaves a multicast group (IP_DROP_MEMBERSHIP).
func (s *Socket) DropMembership(group wire.IPv4) {
	s.mcastMu.Lock()
	defer s.mcastMu.Unlock()
	delete(s.mcast, group)
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxq != nil {
		if err := s.rxq.Put(); err != nil {
			return err
		}
		s.rxq = nil
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.txq != nil {
		s.txq.Put()
		s.txq = nil
	}
	return nil
}

// Poll waits for POLLIN on a set of sockets by re-checking every socket's
// queue length once a millisecond until one has data, the timeout passes or
// ctx is done; it does not wait on NotifyArrival. Readiness is a non-destructive length
// check: it must never consume the packet a subsequent RecvFrom expects to
// find still queued.
func Poll(ctx context.Context, socks []*Socket, timeout time.Duration) []*Socket {
	deadline := time.Now().Add(timeout)
	for {
		var ready []*Socket
		for _, s := range socks {
			s.mu.Lock()
			rxq := s.rxq
			s.mu.Unlock()
			if rxq != nil && rxq.Len() > 0 {
				ready = append(ready, s)
			}
		}
		if len(ready) > 0 || time.Now().After(deadline) {
			return ready
		}
		select {
		case <-ctx.Done():
			return ready
		case <-time.After(time.Millisecond):
		}
	}
}
