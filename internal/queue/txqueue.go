package queue

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mtdatapath/corepath/internal/nicdrv"
)

// TxQueue is one dedicated hardware TX queue. At most one TxqHandle
// references it at a time.
type TxQueue struct {
	port    *PortIf
	queueID uint16
	active  bool
	shaper  *rate.Limiter // nil unless a TxFlowSpec requested bytes_per_sec
}

func (q *TxQueue) QueueID() uint16 { return q.queueID }

// Burst is non-blocking: it returns however many packets the driver accepted.
func (q *TxQueue) Burst(pkts []*nicdrv.Packet) uint16 {
	if q.shaper != nil {
		pkts = q.shaperFilter(pkts)
	}
	return uint16(q.port.driver.TxBurst(q.queueID, pkts))
}

// shaperFilter trims pkts to however many the rate limiter currently allows,
// so a burst never exceeds the configured bytes_per_sec.
func (q *TxQueue) shaperFilter(pkts []*nicdrv.Packet) []*nicdrv.Packet {
	now := time.Now()
	allowed := 0
	for _, p := range pkts {
		if !q.shaper.AllowN(now, len(p.Data)) {
			break
		}
		allowed++
	}
	return pkts[:allowed]
}

func (q *TxQueue) Flush(pad []byte) {
	padPkt := nicdrv.NewPacket(pad)
	for i := 0; i < 8; i++ {
		if q.port.driver.TxBurst(q.queueID, []*nicdrv.Packet{padPkt}) > 0 {
			break
		}
		q.port.driver.TxDoneCleanup(q.queueID)
	}
}

// TxQueuePool is the per-port pool of dedicated hardware TX queues.
type TxQueuePool struct {
	port *PortIf
	mu   sync.Mutex
	all  []*TxQueue
}

func newTxQueuePool(p *PortIf, n uint16) *TxQueuePool {
	pool := &TxQueuePool{port: p}
	for i := uint16(0); i < n; i++ {
		pool.all = append(pool.all, &TxQueue{port: p, queueID: i})
	}
	return pool
}

// Get allocates the next free queue and optionally attaches a rate shaper.
func (pool *TxQueuePool) Get(bytesPerSec uint64) (*TxQueue, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	for _, q := range pool.all {
		if !q.active {
			q.active = true
			if bytesPerSec > 0 {
				q.shaper = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
			}
			return q, nil
		}
	}
	return nil, fmt.Errorf("queue: %w", ErrNoResource)
}

func (pool *TxQueuePool) Put(q *TxQueue) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	q.active = false
	q.shaper = nil
}

func (pool *TxQueuePool) Close() error { return nil }
