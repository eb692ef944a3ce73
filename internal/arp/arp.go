// Package arp implements the RFC 826 request/reply state machine: a
// bounded per-port resolution table with atomic-publish readiness and a
// blocking resolve API with periodic re-broadcast.
package arp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/wire"
)

// entry is one slot of the bounded table. mac_ready is the publication
// flag: mac is written before mac_ready is set (release), and resolve
// reads mac_ready before mac (acquire).
type entry struct {
	ip        wire.IPv4
	mac       wire.MAC
	macReady  atomic.Bool
	used      atomic.Bool
	generation uint64
}

// Arp is a process-wide singleton per port.
type Arp struct {
	log  *zap.Logger
	port *queue.PortIf
	txq  *queue.TxqHandle

	mu      sync.Mutex
	entries []*entry
	maxSize int

	generation uint64 // bumped on every full-table reset
}

func New(log *zap.Logger, port *queue.PortIf, txq *queue.TxqHandle, maxEntries int) *Arp {
	a := &Arp{
		log:     log.With(zap.String("port", port.Name)),
		port:    port,
		txq:     txq,
		maxSize: maxEntries,
	}
	a.entries = make([]*entry, maxEntries)
	for i := range a.entries {
		a.entries[i] = &entry{}
	}
	return a
}

// SetTxQueue attaches the TX handle once it exists. Callers that need to
// hand an ArpHandler to cni.Open before CNI's own TxqHandle is available
// construct with txq=nil and call this right after Open returns.
func (a *Arp) SetTxQueue(txq *queue.TxqHandle) { a.txq = txq }

// HandleArp processes one already-classified ARP frame, routed here by the
// CNI dispatcher.
func (a *Arp) HandleArp(payload []byte) error {
	h, err := wire.ParseARP(payload)
	if err != nil {
		return fmt.Errorf("arp: %w", err)
	}
	switch h.Opcode {
	case config.ArpOpRequest:
		if h.Tip == a.port.SipAddr {
			return a.sendReply(h)
		}
		return nil
	case config.ArpOpReply:
		if h.Tip != a.port.SipAddr {
			return nil
		}
		a.learn(h.Sip, h.Sha)
		return nil
	default:
		return fmt.Errorf("arp: unknown opcode %d", h.Opcode)
	}
}

func (a *Arp) sendReply(req wire.ArpHeader) error {
	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, a.port.Mac, req.Sha, wire.ArpHeader{
		Opcode: config.ArpOpReply,
		Sha:    a.port.Mac,
		Sip:    a.port.SipAddr,
		Tha:    req.Sha,
		Tip:    req.Sip,
	})
	pkt := nicdrv.NewPacket(buf[:n])
	if a.txq.Burst([]*nicdrv.Packet{pkt}) == 0 {
		return fmt.Errorf("arp: reply tx dropped")
	}
	return nil
}

// learn finds the slot for ip and publishes mac; no unsolicited learning
// (a reply for an ip we never requested is ignored).
func (a *Arp) learn(ip wire.IPv4, mac wire.MAC) {
	a.mu.Lock()
	var e *entry
	for _, cand := range a.entries {
		if cand.used.Load() && cand.ip == ip {
			e = cand
			break
		}
	}
	a.mu.Unlock()
	if e == nil {
		return
	}
	e.mac = mac // release
	e.macReady.Store(true)
}

// Resolve implements resolve(ip, timeout_ms): returns
// immediately if already cached and ready, otherwise allocates a slot
// (resetting the whole table first if full) and broadcasts every
// retryInterval until ready, aborted, or timed out.
func (a *Arp) Resolve(ctx context.Context, ip wire.IPv4, timeout time.Duration, retryInterval time.Duration) (wire.MAC, error) {
	if mac, ok := a.lookup(ip); ok {
		return mac, nil
	}

	e, gen, err := a.allocate(ip)
	if err != nil {
		return wire.MAC{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	retries := 0
	for {
		if a.generationOf() != gen {
			return wire.MAC{}, fmt.Errorf("arp: %w: table reset during resolve", queue.ErrTimeout)
		}
		if e.macReady.Load() { // acquire
			return e.mac, nil
		}
		if err := a.broadcastRequest(ip); err != nil {
			a.log.Debug("arp request send failed", zap.Error(err))
		}
		retries++
		if retries%10 == 0 {
			a.log.Info("still resolving", zap.String("ip", ip.String()), zap.Int("retries", retries))
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return wire.MAC{}, fmt.Errorf("arp: %w", queue.ErrTimeout)
			}
			return wire.MAC{}, fmt.Errorf("arp: %w", queue.ErrAborted)
		case <-ticker.C:
		}
	}
}

func (a *Arp) lookup(ip wire.IPv4) (wire.MAC, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.used.Load() && e.ip == ip && e.macReady.Load() {
			return e.mac, true
		}
	}
	return wire.MAC{}, false
}

func (a *Arp) generationOf() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// allocate finds a free slot for ip, resetting the whole table first if
// full.
func (a *Arp) allocate(ip wire.IPv4) (*entry, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.entries {
		if !e.used.Load() {
			e.ip = ip
			e.macReady.Store(false)
			e.used.Store(true)
			return e, a.generation, nil
		}
	}

	a.generation++
	for _, e := range a.entries {
		e.used.Store(false)
		e.macReady.Store(false)
	}
	a.entries[0].ip = ip
	a.entries[0].used.Store(true)
	return a.entries[0], a.generation, nil
}

func (a *Arp) broadcastRequest(ip wire.IPv4) error {
	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, a.port.Mac, wire.Broadcast, wire.ArpHeader{
		Opcode: config.ArpOpRequest,
		Sha:    a.port.Mac,
		Sip:    a.port.SipAddr,
		Tha:    wire.MAC{},
		Tip:    ip,
	})
	pkt := nicdrv.NewPacket(buf[:n])
	pkt.RefcntInc()
	defer pkt.RefcntDec()
	if a.txq.Burst([]*nicdrv.Packet{pkt}) == 0 {
		return fmt.Errorf("arp: %w: broadcast dropped", queue.ErrRingFull)
	}
	return nil
}
