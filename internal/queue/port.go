// Package queue implements the queue multiplexer: PortIf, the hardware
// queue pools, the shared TX/RX queues, software RSS, and the tagged-variant
// RxqHandle/TxqHandle that hide all four RX modes and two TX modes behind
// one burst API.
package queue

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/wire"
)

// PortIf owns one NIC port. max_tx_queues/max_rx_queues and feature flags
// are fixed at Open; everything downstream (pools, shared queues, SRSS)
// is built against those fixed numbers.
type PortIf struct {
	log    *zap.Logger
	driver nicdrv.Driver

	Name    string
	Flags   config.Flags
	Pmd     config.Pmd
	Mac     wire.MAC
	SipAddr wire.IPv4
	Netmask wire.IPv4
	Gateway wire.IPv4

	maxTxQueues uint16
	maxRxQueues uint16

	TxPool *TxQueuePool
	RxPool *RxQueuePool

	Tsq  *SharedTxQueue // nil unless SHARED_TX_QUEUE
	Rsq  *SharedRxQueue // nil unless SHARED_RX_QUEUE
	Srss *SharedRss     // nil unless SRSS policy selected

	pad []byte // pre-allocated Pad frame for txq_flush
}

// Open creates a port bound to driver, sizing its queue pools from the
// driver's advertised capabilities and the requested queue counts.
func Open(log *zap.Logger, driver nicdrv.Driver, name string, params config.PortParams, flags config.Flags) (*PortIf, error) {
	info := driver.DevInfo()
	maxTx := params.MaxTxQueues
	if maxTx > info.Capabilities.MaxTxQueues {
		maxTx = info.Capabilities.MaxTxQueues
	}
	maxRx := params.MaxRxQueues
	if maxRx > info.Capabilities.MaxRxQueues {
		maxRx = info.Capabilities.MaxRxQueues
	}
	if maxTx == 0 || maxRx == 0 {
		return nil, fmt.Errorf("queue: port %s: no usable queues (tx=%d rx=%d)", name, maxTx, maxRx)
	}

	p := &PortIf{
		log:         log.With(zap.String("port", name)),
		driver:      driver,
		Name:        name,
		Flags:       flags,
		Pmd:         params.Pmd,
		Mac:         info.MAC,
		SipAddr:     wire.IPv4(params.SipAddr),
		Netmask:     wire.IPv4(params.Netmask),
		Gateway:     wire.IPv4(params.Gateway),
		maxTxQueues: maxTx,
		maxRxQueues: maxRx,
		pad:         buildPadFrame(info.MAC),
	}

	// When a shared queue is enabled it claims the last hardware queue id
	// of its pool; the pool hands out the rest to direct-mode callers.
	txPoolSize, rxPoolSize := maxTx, maxRx
	var tsqQueueID uint16
	var rsqQueueID uint16
	if flags.Has(config.SharedTxQueue) && txPoolSize > 0 {
		txPoolSize--
		tsqQueueID = txPoolSize
	}
	if flags.Has(config.SharedRxQueue) && rxPoolSize > 0 {
		rxPoolSize--
		rsqQueueID = rxPoolSize
	}

	p.TxPool = newTxQueuePool(p, txPoolSize)
	p.RxPool = newRxQueuePool(p, rxPoolSize)

	if flags.Has(config.SharedTxQueue) {
		p.Tsq = newSharedTxQueue(p, tsqQueueID)
	}
	if flags.Has(config.SharedRxQueue) {
		p.Rsq = newSharedRxQueue(p, rsqQueueID)
	} else if !flags.Has(config.DisableSystemRxQueues) {
		// SRSS is the other demux mechanism; per-port exclusive with RSQ,
		// see DESIGN.md for why RSQ and SRSS are kept mutually exclusive.
		p.Srss = newSharedRss(p, rxPoolSize)
	}

	p.log.Info("port opened",
		zap.Uint16("max_tx_queues", maxTx),
		zap.Uint16("max_rx_queues", maxRx),
		zap.Bool("shared_tx", p.Tsq != nil),
		zap.Bool("shared_rx", p.Rsq != nil),
		zap.Bool("srss", p.Srss != nil),
	)
	return p, nil
}

func buildPadFrame(mac wire.MAC) []byte {
	buf := make([]byte, config.EthHeaderSize)
	wire.EthHeader{Dst: mac, Src: mac, EtherType: config.EtherTypeIPv4}.Encode(buf)
	return buf
}

func (p *PortIf) PadFrame() []byte { return p.pad }

func (p *PortIf) Driver() nicdrv.Driver { return p.driver }

// Close tears down the SRSS/RSQ demultiplexer, then the TX and RX queue
// pools, then the driver. The shared TX queue is not closed here.
func (p *PortIf) Close() error {
	var firstErr error
	rec := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Srss != nil {
		rec(p.Srss.Close())
	}
	if p.Rsq != nil {
		rec(p.Rsq.Close())
	}
	rec(p.TxPool.Close())
	rec(p.RxPool.Close())
	rec(p.driver.Close())
	return firstErr
}
