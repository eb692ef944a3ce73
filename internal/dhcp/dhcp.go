// Package dhcp implements the RFC 2131 client state machine: INIT ->
// DISCOVERING -> REQUESTING -> BOUND, with RENEWING/REBINDING lease timers
// and a multi-port init barrier.
package dhcp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/wire"
)

type State int

const (
	StateInit State = iota
	StateDiscovering
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDiscovering:
		return "DISCOVERING"
	case StateRequesting:
		return "REQUESTING"
	case StateBound:
		return "BOUND"
	case StateRenewing:
		return "RENEWING"
	case StateRebinding:
		return "REBINDING"
	default:
		return "UNKNOWN"
	}
}

// ArpResolver resolves the DHCP server's MAC for the RENEWING unicast
// REQUEST. Implemented by
// *arp.Arp; declared here so dhcp has no import on package arp.
type ArpResolver interface {
	Resolve(ctx context.Context, ip wire.IPv4, timeout, retryInterval time.Duration) (wire.MAC, error)
}

// Client is a process-wide singleton per port. All
// state transitions hold mu, and the timer callbacks (onT1, onT2, onT) take
// the same lock. Packets are sent with mu held; the only network wait done
// with the lock released is onT1's ARP resolve of the server.
type Client struct {
	log  *zap.Logger
	port *queue.PortIf
	txq  *queue.TxqHandle
	arp  ArpResolver

	mu       sync.Mutex
	state    State
	xid      uint32
	serverIP wire.IPv4
	yourIP   wire.IPv4
	netmask  wire.IPv4
	gateway  wire.IPv4
	leaseSec uint32

	t1, t2, t *time.Timer
	boundAt   time.Time

	boundCh chan struct{} // closed once, on first BOUND
	once    sync.Once
}

func New(log *zap.Logger, port *queue.PortIf, txq *queue.TxqHandle, arp ArpResolver) *Client {
	return &Client{
		log:     log.With(zap.String("port", port.Name)),
		port:    port,
		txq:     txq,
		arp:     arp,
		boundCh: make(chan struct{}),
	}
}

// SetTxQueue attaches the TX handle once it exists. Callers that need to
// hand a DhcpHandler to cni.Open before CNI's own TxqHandle is available
// construct with txq=nil and call this right after Open returns.
func (c *Client) SetTxQueue(txq *queue.TxqHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txq = txq
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) GetIP() wire.IPv4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yourIP
}

// Start transitions INIT -> DISCOVERING by sending the first DISCOVER.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startDiscoverLocked()
}

func (c *Client) startDiscoverLocked() error {
	c.xid = randomXid()
	c.state = StateDiscovering
	return c.sendLocked(config.DhcpMsgDiscover, nil, wire.Broadcast)
}

// HandleDhcp classifies the inbound message by type and drives the state
// machine. Invoked from the CNI dispatcher.
func (c *Client) HandleDhcp(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, opts, err := wire.ParseDhcp(payload, c.xid)
	if err != nil {
		return fmt.Errorf("dhcp: %w: %v", queue.ErrProtocol, err)
	}
	msgTypeRaw, ok := wire.FindOption(opts, config.DhcpOptMessageType)
	if !ok || len(msgTypeRaw) != 1 {
		return fmt.Errorf("dhcp: %w: missing message type", queue.ErrProtocol)
	}
	msgType := msgTypeRaw[0]

	if msgType == config.DhcpMsgNak {
		c.log.Info("received NAK, restarting discovery")
		return c.startDiscoverLocked()
	}

	switch c.state {
	case StateDiscovering:
		if msgType != config.DhcpMsgOffer {
			return nil
		}
		return c.handleOfferLocked(h, opts)
	case StateRequesting, StateRenewing, StateRebinding:
		if msgType != config.DhcpMsgAck {
			return nil
		}
		return c.handleAckLocked(h, opts)
	case StateBound:
		// Duplicate ACK in BOUND must not change bound fields.
		if msgType == config.DhcpMsgAck {
			return nil
		}
		return nil
	default:
		return nil
	}
}

func (c *Client) handleOfferLocked(h wire.DhcpHeader, opts []wire.DhcpOption) error {
	serverIDRaw, ok := wire.FindOption(opts, config.DhcpOptServerID)
	if !ok || len(serverIDRaw) != 4 {
		return fmt.Errorf("dhcp: %w: offer missing server id", queue.ErrProtocol)
	}
	var serverID wire.IPv4
	copy(serverID[:], serverIDRaw)
	c.serverIP = serverID
	c.yourIP = h.Yiaddr

	c.state = StateRequesting
	return c.sendLocked(config.DhcpMsgRequest, h.Yiaddr[:], wire.Broadcast)
}

func (c *Client) handleAckLocked(h wire.DhcpHeader, opts []wire.DhcpOption) error {
	leaseRaw, ok := wire.FindOption(opts, config.DhcpOptLeaseTime)
	if !ok || len(leaseRaw) != 4 {
		return fmt.Errorf("dhcp: %w: ack missing lease time", queue.ErrProtocol)
	}
	lease := binary.BigEndian.Uint32(leaseRaw)

	var netmask, gateway wire.IPv4
	if v, ok := wire.FindOption(opts, config.DhcpOptSubnetMask); ok && len(v) == 4 {
		copy(netmask[:], v)
	}
	if v, ok := wire.FindOption(opts, config.DhcpOptRouter); ok && len(v) >= 4 {
		copy(gateway[:], v[:4])
	}

	changed := c.yourIP != h.Yiaddr || c.netmask != netmask || c.gateway != gateway
	c.yourIP = h.Yiaddr
	c.netmask = netmask
	c.gateway = gateway
	c.leaseSec = lease
	c.boundAt = time.Now()
	c.state = StateBound
	if changed {
		c.log.Info("lease parameters changed", zap.String("ip", h.Yiaddr.String()),
			zap.String("netmask", netmask.String()), zap.String("gateway", gateway.String()))
	}

	c.armTimersLocked()
	c.once.Do(func() { close(c.boundCh) })
	return nil
}

func (c *Client) armTimersLocked() {
	t1 := time.Duration(float64(c.leaseSec)*0.5) * time.Second
	t2 := time.Duration(float64(c.leaseSec)*0.875) * time.Second
	t := time.Duration(c.leaseSec) * time.Second

	if c.t1 != nil {
		c.t1.Stop()
	}
	if c.t2 != nil {
		c.t2.Stop()
	}
	if c.t != nil {
		c.t.Stop()
	}
	c.t1 = time.AfterFunc(t1, c.onT1)
	c.t2 = time.AfterFunc(t2, c.onT2)
	c.t = time.AfterFunc(t, c.onT)
}

func (c *Client) onT1() {
	c.mu.Lock()
	server := c.serverIP
	requested := append([]byte(nil), c.yourIP[:]...)
	c.state = StateRenewing
	c.mu.Unlock()

	dst := wire.Broadcast
	if c.arp != nil {
		if mac, err := c.arp.Resolve(context.Background(), server, 500*time.Millisecond, 100*time.Millisecond); err == nil {
			dst = mac
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRenewing {
		return
	}
	if err := c.sendLocked(config.DhcpMsgRequest, requested, dst); err != nil {
		c.log.Warn("renew request failed", zap.Error(err))
	}
}

func (c *Client) onT2() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRenewing {
		return
	}
	c.state = StateRebinding
	if err := c.sendLocked(config.DhcpMsgRequest, c.yourIP[:], wire.Broadcast); err != nil {
		c.log.Warn("rebind request failed", zap.Error(err))
	}
}

func (c *Client) onT() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRebinding {
		return
	}
	c.log.Info("lease expired, restarting discovery")
	if err := c.startDiscoverLocked(); err != nil {
		c.log.Warn("restart discovery failed", zap.Error(err))
	}
}

// Release sends RELEASE and returns to INIT.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBound && c.state != StateRenewing && c.state != StateRebinding {
		return nil
	}
	err := c.sendLocked(config.DhcpMsgRelease, c.yourIP[:], wire.Broadcast)
	c.state = StateInit
	return err
}

func (c *Client) sendLocked(msgType uint8, requestedIP []byte, dst wire.MAC) error {
	opts := []wire.DhcpOption{
		{Type: config.DhcpOptMessageType, Data: []byte{msgType}},
	}
	if requestedIP != nil {
		opts = append(opts, wire.DhcpOption{Type: config.DhcpOptRequestedIP, Data: requestedIP})
	}
	if msgType == config.DhcpMsgRequest {
		opts = append(opts, wire.DhcpOption{Type: config.DhcpOptServerID, Data: c.serverIP[:]})
		opts = append(opts, wire.DhcpOption{Type: config.DhcpOptParamReqList, Data: []byte{
			config.DhcpOptSubnetMask, config.DhcpOptRouter, config.DhcpOptDNS,
		}})
	}

	h := wire.DhcpHeader{
		Op:    config.DhcpOpBootReq,
		Htype: config.DhcpHtypeEther,
		Hlen:  config.DhcpHlenEther,
		Xid:   c.xid,
	}
	copy(h.Chaddr[:], c.port.Mac[:])

	buf := make([]byte, config.MaxFrameSize)
	n := wire.EncodeDhcp(buf[config.EthHeaderSize+config.IPv4HeaderSize+config.UDPHeaderSize:], h, opts)
	wire.EncodeIPv4UDP(buf, c.port.Mac, dst, wire.IPv4Header{TTL: 128, Proto: wire.ProtoUDP, Src: c.port.SipAddr, Dst: broadcastOrServer(dst, c.serverIP)}, config.DhcpClientPort, config.DhcpServerPort, n)

	total := config.EthHeaderSize + config.IPv4HeaderSize + config.UDPHeaderSize + n
	pkt := nicdrv.NewPacket(buf[:total])
	if c.txq.Burst([]*nicdrv.Packet{pkt}) == 0 {
		return fmt.Errorf("dhcp: %w: send failed", queue.ErrRingFull)
	}
	return nil
}

func broadcastOrServer(dstMac wire.MAC, server wire.IPv4) wire.IPv4 {
	if dstMac == wire.Broadcast {
		return wire.IPv4{255, 255, 255, 255}
	}
	return server
}

func randomXid() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// InitAll blocks until every client reaches BOUND or the aggregate window
// elapses.
func InitAll(ctx context.Context, clients []*Client, retries int, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(retries)*interval)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			select {
			case <-c.boundCh:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("dhcp: %w: port %s not bound", queue.ErrTimeout, c.port.Name)
			}
		})
	}
	return g.Wait()
}
