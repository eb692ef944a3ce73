package nicdrv_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/wire"
)

func TestMemDriverRxBurstPreservesOrder(t *testing.T) {
	mac := wire.MAC{1, 2, 3, 4, 5, 6}
	d := nicdrv.NewMemDriver(mac, nicdrv.Capabilities{MaxRxQueues: 1, MaxTxQueues: 1, FlowSteering: true})

	p1, p2, p3 := nicdrv.NewPacket([]byte{1}), nicdrv.NewPacket([]byte{2}), nicdrv.NewPacket([]byte{3})
	d.RxInject(0, p1, p2, p3)

	got := d.RxBurst(0, 2)
	require.Equal(t, []*nicdrv.Packet{p1, p2}, got)

	rest := d.RxBurst(0, 10)
	require.Equal(t, []*nicdrv.Packet{p3}, rest)

	require.Nil(t, d.RxBurst(0, 1))
}

func TestMemDriverTxBurstAndLog(t *testing.T) {
	d := nicdrv.NewMemDriver(wire.MAC{}, nicdrv.Capabilities{MaxTxQueues: 1})
	pkt := nicdrv.NewPacket([]byte{9, 9})
	n := d.TxBurst(0, []*nicdrv.Packet{pkt})
	require.Equal(t, 1, n)

	sent := d.TxLog(0)
	require.Equal(t, []*nicdrv.Packet{pkt}, sent)
	require.Empty(t, d.TxLog(0)) // TxLog drains
}

func TestMemDriverFlowInstallRequiresSteeringCapability(t *testing.T) {
	d := nicdrv.NewMemDriver(wire.MAC{}, nicdrv.Capabilities{FlowSteering: false})
	_, err := d.RxFlowInstall(0, nicdrv.FlowDescriptor{})
	require.Error(t, err)
}

func TestMemDriverFlowInstallAndRemove(t *testing.T) {
	d := nicdrv.NewMemDriver(wire.MAC{}, nicdrv.Capabilities{FlowSteering: true})
	id, err := d.RxFlowInstall(0, nicdrv.FlowDescriptor{DstPort: 5000})
	require.NoError(t, err)
	require.NoError(t, d.RxFlowRemove(id))
	require.Error(t, d.RxFlowRemove(id)) // already removed
}

func TestPacketRefcount(t *testing.T) {
	p := nicdrv.NewPacket([]byte{1})
	p.RefcntInc()
	require.EqualValues(t, 2, p.RefcntDec()+1)
	require.EqualValues(t, 0, p.RefcntDec())
}

func TestDevInfoReportsConfiguredCapabilities(t *testing.T) {
	mac := wire.MAC{1, 1, 1, 1, 1, 1}
	caps := nicdrv.Capabilities{MaxTxQueues: 4, MaxRxQueues: 8, ChecksumOffload: true, FlowSteering: true}
	d := nicdrv.NewMemDriver(mac, caps)
	info := d.DevInfo()
	require.Equal(t, mac, info.MAC)
	require.Equal(t, caps, info.Capabilities)
}
