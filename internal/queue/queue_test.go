package queue_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/wire"
)

func testCaps() nicdrv.Capabilities {
	return nicdrv.Capabilities{MaxTxQueues: 4, MaxRxQueues: 4, FlowSteering: true}
}

func openPort(t *testing.T, flags config.Flags) (*queue.PortIf, *nicdrv.MemDriver) {
	t.Helper()
	drv := nicdrv.NewMemDriver(wire.MAC{0xa, 0xb, 0xc, 0xd, 0xe, 0xf}, testCaps())
	port, err := queue.Open(zap.NewNop(), drv, "eth0", config.PortParams{
		Name: "eth0", MaxTxQueues: 4, MaxRxQueues: 4,
		SipAddr: [4]byte{10, 0, 0, 1},
	}, flags)
	require.NoError(t, err)
	return port, drv
}

func buildUDPFrame(t *testing.T, dst wire.IPv4, dstPort uint16, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, config.MaxFrameSize)
	off := wire.EncodeIPv4UDP(buf, wire.MAC{1, 1, 1, 1, 1, 1}, wire.MAC{2, 2, 2, 2, 2, 2}, wire.IPv4Header{
		TTL: 64, Proto: wire.ProtoUDP, Src: wire.IPv4{10, 0, 0, 2}, Dst: dst,
	}, 5000, dstPort, len(payload))
	n := copy(buf[off:], payload)
	return buf[:off+n]
}

func TestRxqGetUsesSharedRxQueueWhenEnabled(t *testing.T) {
	port, drv := openPort(t, config.SharedRxQueue)
	require.NotNil(t, port.Rsq)
	require.Nil(t, port.Srss)

	h, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 1}, DstPort: 6000}, 16, false)
	require.NoError(t, err)
	defer h.Put()

	frame := buildUDPFrame(t, wire.IPv4{10, 0, 0, 1}, 6000, []byte("payload"))
	drv.RxInject(h.QueueID(), nicdrv.NewPacket(frame))

	require.False(t, port.Rsq.Poll()) // one packet, below the MaxBurst watermark
	pkts := h.Burst(1)
	require.Len(t, pkts, 1)
	require.Equal(t, frame, pkts[0].Data)
}

func TestRxqGetUsesSoftwareRSSWhenRsqDisabled(t *testing.T) {
	port, drv := openPort(t, 0)
	require.Nil(t, port.Rsq)
	require.NotNil(t, port.Srss)

	h, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 5}, DstPort: 7000}, 16, false)
	require.NoError(t, err)
	defer h.Put()

	frame := buildUDPFrame(t, wire.IPv4{10, 0, 0, 5}, 7000, []byte("rss"))
	// SRSS buckets are hardware RX queues 0..N-1; any bucket routes by
	// exact-match regardless of which one the NIC's RSS hash picked.
	drv.RxInject(0, nicdrv.NewPacket(frame))

	require.False(t, port.Srss.Poll())
	pkts := h.Burst(1)
	require.Len(t, pkts, 1)
	require.Equal(t, frame, pkts[0].Data)
}

func TestRxqGetUnregisteredFlowIsDropped(t *testing.T) {
	port, drv := openPort(t, config.SharedRxQueue)
	h, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 1}, DstPort: 6000}, 16, false)
	require.NoError(t, err)
	defer h.Put()

	frame := buildUDPFrame(t, wire.IPv4{192, 168, 0, 1}, 9999, []byte("nobody"))
	drv.RxInject(h.QueueID(), nicdrv.NewPacket(frame))
	port.Rsq.Poll()

	require.Empty(t, h.Burst(1))
}

func TestRxqGetRejectsSysQueueFromNonCniCaller(t *testing.T) {
	port, _ := openPort(t, config.SharedRxQueue)
	_, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{SysQueue: true}, 16, false)
	require.ErrorIs(t, err, queue.ErrInvalidArg)
}

// fakeCniPort implements queue.CniPort/CsqBurster for exercising the
// use_cni_queue path without depending on package cni.
type fakeCniPort struct {
	opened int
	closed int
}

type fakeCsq struct{ pending []*nicdrv.Packet }

func (f *fakeCsq) Burst(n int) []*nicdrv.Packet {
	if len(f.pending) == 0 {
		return nil
	}
	if n > len(f.pending) {
		n = len(f.pending)
	}
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out
}
func (f *fakeCsq) QueueID() uint16 { return 0 }
func (f *fakeCsq) Len() int        { return len(f.pending) }

func (f *fakeCniPort) OpenCsq(flow nicdrv.FlowDescriptor, ringCap int) (queue.CsqBurster, error) {
	f.opened++
	return &fakeCsq{}, nil
}
func (f *fakeCniPort) CloseCsq(entry queue.CsqBurster) { f.closed++ }

func TestRxqGetFallsBackToCniQueue(t *testing.T) {
	// Neither SHARED_RX_QUEUE nor the SRSS fallback is present, so a
	// use_cni_queue request must route to the attached CniPort.
	port, _ := openPort(t, config.DisableSystemRxQueues)
	require.Nil(t, port.Rsq)
	require.Nil(t, port.Srss)

	cni := &fakeCniPort{}
	h, err := queue.RxqGet(port, cni, nicdrv.FlowDescriptor{UseCniQueue: true}, 8, false)
	require.NoError(t, err)
	require.Equal(t, 1, cni.opened)

	require.NoError(t, h.Put())
	require.Equal(t, 1, cni.closed)
}

func TestRxqGetFallsBackToDedicatedQueue(t *testing.T) {
	port, drv := openPort(t, config.DisableSystemRxQueues)
	h, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 9}, DstPort: 8000}, 8, false)
	require.NoError(t, err)
	defer h.Put()

	frame := buildUDPFrame(t, wire.IPv4{10, 0, 0, 9}, 8000, []byte("direct"))
	drv.RxInject(h.QueueID(), nicdrv.NewPacket(frame))

	pkts := h.Burst(1)
	require.Len(t, pkts, 1)
	require.Equal(t, frame, pkts[0].Data)
}

func TestRxqHandlePutIsIdempotent(t *testing.T) {
	port, _ := openPort(t, config.DisableSystemRxQueues)
	h, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{DstPort: 1}, 8, false)
	require.NoError(t, err)
	require.NoError(t, h.Put())
	require.NoError(t, h.Put())
}

func TestTxqGetSharedQueueMultiplexesManyEntries(t *testing.T) {
	port, drv := openPort(t, config.SharedTxQueue)
	require.NotNil(t, port.Tsq)

	h1, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	h2, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	require.Equal(t, h1.QueueID(), h2.QueueID())

	pkt := nicdrv.NewPacket([]byte{1, 2, 3})
	require.EqualValues(t, 1, h1.Burst([]*nicdrv.Packet{pkt}))
	sent := drv.TxLog(h1.QueueID())
	require.Len(t, sent, 1)
}

func TestTxqGetDedicatedQueueExhaustion(t *testing.T) {
	port, _ := openPort(t, 0)
	var handles []*queue.TxqHandle
	for i := 0; i < 4; i++ {
		h, err := queue.TxqGet(port, queue.TxFlowSpec{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	_, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.ErrorIs(t, err, queue.ErrNoResource)

	handles[0].Put()
	_, err = queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
}

func TestTxqHandleBurstBusyReturnsBeforeDeadlineWhenAllSent(t *testing.T) {
	port, _ := openPort(t, 0)
	h, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)

	pkts := []*nicdrv.Packet{nicdrv.NewPacket([]byte{1}), nicdrv.NewPacket([]byte{2})}
	calls := 0
	sent := h.BurstBusy(pkts, func() bool {
		calls++
		return true // abort immediately after one attempt
	})
	// MemDriver.TxBurst always accepts everything it is handed, so the very
	// first Burst call drains the whole slice before the deadline is ever
	// consulted.
	require.EqualValues(t, len(pkts), sent)
	require.Equal(t, 0, calls)
}

func TestSrssRejectsDuplicateFlowRegistration(t *testing.T) {
	port, _ := openPort(t, 0)
	_, err := queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 1}, DstPort: 100}, 8, false)
	require.NoError(t, err)
	_, err = queue.RxqGet(port, nil, nicdrv.FlowDescriptor{Dip: wire.IPv4{10, 0, 0, 1}, DstPort: 100}, 8, false)
	require.ErrorIs(t, err, queue.ErrInvalidArg)
}
