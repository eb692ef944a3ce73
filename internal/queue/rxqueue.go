package queue

import (
	"fmt"
	"sync"

	"github.com/mtdatapath/corepath/internal/nicdrv"
)

// RxQueue is one dedicated hardware RX queue. Active ⇔ a NIC flow rule is
// installed that directs packets here.
type RxQueue struct {
	port    *PortIf
	queueID uint16
	active  bool
	flow    nicdrv.FlowDescriptor
	flowID  nicdrv.FlowID
}

func (q *RxQueue) QueueID() uint16 { return q.queueID }

func (q *RxQueue) Burst(n int) []*nicdrv.Packet {
	return q.port.driver.RxBurst(q.queueID, n)
}

// RxQueuePool is the per-port pool of dedicated hardware RX queues.
type RxQueuePool struct {
	port *PortIf
	mu   sync.Mutex
	all  []*RxQueue
}

func newRxQueuePool(p *PortIf, n uint16) *RxQueuePool {
	pool := &RxQueuePool{port: p}
	for i := uint16(0); i < n; i++ {
		pool.all = append(pool.all, &RxQueue{port: p, queueID: i})
	}
	return pool
}

// Get allocates a free queue and installs the requested NIC flow rule. A
// hardware flow-install failure is reported as ErrHardwareReject so the
// caller (rxq_get) can fall back to software dispatch where available.
func (pool *RxQueuePool) Get(flow nicdrv.FlowDescriptor) (*RxQueue, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	var free *RxQueue
	for _, q := range pool.all {
		if !q.active {
			free = q
			break
		}
	}
	if free == nil {
		return nil, fmt.Errorf("queue: %w", ErrNoResource)
	}
	id, err := pool.port.driver.RxFlowInstall(free.queueID, flow)
	if err != nil {
		return nil, fmt.Errorf("queue: install rx flow: %w: %v", ErrHardwareReject, err)
	}
	free.flow = flow
	free.flowID = id
	free.active = true
	return free, nil
}

func (pool *RxQueuePool) Put(q *RxQueue) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if !q.active {
		return
	}
	_ = pool.port.driver.RxFlowRemove(q.flowID)
	q.active = false
}

func (pool *RxQueuePool) Close() error { return nil }
