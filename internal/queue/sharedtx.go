package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mtdatapath/corepath/internal/nicdrv"
)

// SharedTxQueue (TSQ) multiplexes many sessions onto one hardware TX queue.
// tx_mutex is held only around hw_tx_burst; entry bookkeeping uses
// a separate lock so registration never blocks an in-flight burst.
type SharedTxQueue struct {
	port    *PortIf
	queueID uint16

	txMu sync.Mutex // held only around driver.TxBurst

	entryMu sync.Mutex
	entries []*SharedTxEntry
}

// SharedTxEntry is one session's lease on the shared TX queue.
type SharedTxEntry struct {
	owner  *SharedTxQueue
	index  int
	shaper *rate.Limiter
}

func newSharedTxQueue(p *PortIf, queueID uint16) *SharedTxQueue {
	return &SharedTxQueue{port: p, queueID: queueID}
}

func (tsq *SharedTxQueue) Get(bytesPerSec uint64) *SharedTxEntry {
	tsq.entryMu.Lock()
	defer tsq.entryMu.Unlock()
	e := &SharedTxEntry{owner: tsq, index: len(tsq.entries)}
	if bytesPerSec > 0 {
		e.shaper = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}
	tsq.entries = append(tsq.entries, e)
	return e
}

func (tsq *SharedTxQueue) Put(e *SharedTxEntry) {
	tsq.entryMu.Lock()
	defer tsq.entryMu.Unlock()
	for i, other := range tsq.entries {
		if other == e {
			tsq.entries = append(tsq.entries[:i], tsq.entries[i+1:]...)
			return
		}
	}
}

// Burst serializes access to the single hardware queue across every
// session entry sharing it, trimming pkts to the entry's own rate-limit
// shaper before it ever reaches the driver.
func (e *SharedTxEntry) Burst(pkts []*nicdrv.Packet) uint16 {
	if e.shaper != nil {
		pkts = e.shaperFilter(pkts)
	}
	tsq := e.owner
	tsq.txMu.Lock()
	defer tsq.txMu.Unlock()
	return uint16(tsq.port.driver.TxBurst(tsq.queueID, pkts))
}

// shaperFilter trims pkts to however many the entry's rate limiter
// currently allows, mirroring TxQueue.shaperFilter for the dedicated-queue
// path.
func (e *SharedTxEntry) shaperFilter(pkts []*nicdrv.Packet) []*nicdrv.Packet {
	now := time.Now()
	allowed := 0
	for _, p := range pkts {
		if !e.shaper.AllowN(now, len(p.Data)) {
			break
		}
		allowed++
	}
	return pkts[:allowed]
}

func (e *SharedTxEntry) QueueID() uint16 { return e.owner.queueID }
