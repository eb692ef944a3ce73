package udpsock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
	"github.com/mtdatapath/corepath/internal/udpsock"
	"github.com/mtdatapath/corepath/internal/wire"
)

func openPort(t *testing.T) (*queue.PortIf, *nicdrv.MemDriver) {
	t.Helper()
	drv := nicdrv.NewMemDriver(wire.MAC{1, 2, 3, 4, 5, 6}, nicdrv.Capabilities{
		MaxTxQueues: 2, MaxRxQueues: 2, FlowSteering: true,
	})
	port, err := queue.Open(zap.NewNop(), drv, "eth0", config.PortParams{
		Name: "eth0", MaxTxQueues: 2, MaxRxQueues: 2, SipAddr: [4]byte{10, 0, 0, 1},
	}, 0)
	require.NoError(t, err)
	return port, drv
}

func TestBindRejectsDoubleBind(t *testing.T) {
	port, _ := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s.Bind(5004))
	require.ErrorIs(t, s.Bind(5004), queue.ErrInvalidArg)
}

func TestRecvFromNonBlockingReturnsTimeoutWhenEmpty(t *testing.T) {
	port, _ := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s.Bind(5004))

	buf := make([]byte, 1500)
	_, _, err := s.RecvFrom(buf, 0)
	require.ErrorIs(t, err, queue.ErrTimeout)
}

func TestRecvFromDeliversLoopbackStyleFrame(t *testing.T) {
	port, drv := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s.Bind(5004))

	// The software dispatch exact-matches on (dst_ip, dst_port); Bind only
	// constrains dst_port (no_ip_flow=true), so the registered flow's dst_ip
	// is the zero value and the injected frame's destination must match it.
	buf := make([]byte, config.MaxFrameSize)
	off := wire.EncodeIPv4UDP(buf, wire.MAC{9, 9, 9, 9, 9, 9}, port.Mac, wire.IPv4Header{
		TTL: 64, Proto: wire.ProtoUDP, Src: wire.IPv4{10, 0, 0, 55}, Dst: wire.IPv4{},
	}, 6000, 5004, len("hello"))
	n := copy(buf[off:], "hello")
	frame := buf[:off+n]
	drv.RxInject(0, nicdrv.NewPacket(frame))
	port.Srss.Poll()

	recvBuf := make([]byte, 1500)
	got, from, err := s.RecvFrom(recvBuf, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "hello", string(recvBuf[:got]))
	require.Equal(t, wire.IPv4{10, 0, 0, 55}, from.IP)
	require.Equal(t, uint16(6000), from.Port)
}

func TestRecvFromBlockingWakesOnNotifyArrival(t *testing.T) {
	port, drv := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s.Bind(5005))

	buf := make([]byte, config.MaxFrameSize)
	off := wire.EncodeIPv4UDP(buf, wire.MAC{9, 9, 9, 9, 9, 9}, port.Mac, wire.IPv4Header{
		TTL: 64, Proto: wire.ProtoUDP, Src: wire.IPv4{10, 0, 0, 55}, Dst: wire.IPv4{},
	}, 6001, 5005, len("later"))
	n := copy(buf[off:], "later")
	frame := buf[:off+n]

	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		drv.RxInject(0, nicdrv.NewPacket(frame))
		port.Srss.Poll()
		s.NotifyArrival()
		close(done)
	}()

	recvBuf := make([]byte, 1500)
	got, _, err := s.RecvFrom(recvBuf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "later", string(recvBuf[:got]))
	<-done
}

func TestSendToWithMacOverride(t *testing.T) {
	port, drv := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	s.SetDestMacOverride(wire.MAC{5, 5, 5, 5, 5, 5})

	n, err := s.SendTo(context.Background(), udpsock.Addr{IP: wire.IPv4{10, 0, 0, 99}, Port: 7000}, []byte("ping"), 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	var sent []*nicdrv.Packet
	for q := uint16(0); q < 2; q++ {
		sent = append(sent, drv.TxLog(q)...)
	}
	require.Len(t, sent, 1)
	eth, _, off, err := wire.ParseEth(sent[0].Data)
	require.NoError(t, err)
	require.Equal(t, wire.MAC{5, 5, 5, 5, 5, 5}, eth.Dst)
	parsed, err := wire.ParseIPv4(sent[0].Data[off:])
	require.NoError(t, err)
	require.Equal(t, uint16(7000), parsed.DstPort)
}

func TestSendToMulticastUsesRfc1112Mapping(t *testing.T) {
	port, drv := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)

	group := wire.IPv4{239, 5, 1, 129}
	_, err := s.SendTo(context.Background(), udpsock.Addr{IP: group, Port: 8000}, []byte("x"), 0)
	require.NoError(t, err)

	var sent []*nicdrv.Packet
	for q := uint16(0); q < 2; q++ {
		sent = append(sent, drv.TxLog(q)...)
	}
	require.Len(t, sent, 1)
	eth, _, _, err := wire.ParseEth(sent[0].Data)
	require.NoError(t, err)
	require.Equal(t, wire.MAC{0x01, 0x00, 0x5e, 5, 1, 129}, eth.Dst)
}

func TestSendToUnicastWithoutArpFails(t *testing.T) {
	port, _ := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)

	_, err := s.SendTo(context.Background(), udpsock.Addr{IP: wire.IPv4{10, 0, 0, 77}, Port: 9000}, []byte("x"), 0)
	require.Error(t, err)
}

func TestMulticastMembershipBounds(t *testing.T) {
	port, _ := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)

	for i := 0; i < 32; i++ {
		require.NoError(t, s.AddMembership(wire.IPv4{239, 0, 0, byte(i)}))
	}
	require.ErrorIs(t, s.AddMembership(wire.IPv4{239, 0, 1, 0}), queue.ErrNoResource)

	s.DropMembership(wire.IPv4{239, 0, 0, 0})
	require.NoError(t, s.AddMembership(wire.IPv4{239, 0, 1, 0}))
}

func TestPollReturnsSocketsWithDataReady(t *testing.T) {
	port, drv := openPort(t)
	s1 := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	s2 := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s1.Bind(5100))
	require.NoError(t, s2.Bind(5101))

	buf := make([]byte, config.MaxFrameSize)
	off := wire.EncodeIPv4UDP(buf, wire.MAC{9, 9, 9, 9, 9, 9}, port.Mac, wire.IPv4Header{
		TTL: 64, Proto: wire.ProtoUDP, Src: wire.IPv4{10, 0, 0, 55}, Dst: wire.IPv4{},
	}, 6002, 5101, 3)
	n := copy(buf[off:], "hey")
	drv.RxInject(0, nicdrv.NewPacket(buf[:off+n]))
	port.Srss.Poll()

	ready := udpsock.Poll(context.Background(), []*udpsock.Socket{s1, s2}, 50*time.Millisecond)
	require.Len(t, ready, 1)
	require.Same(t, s2, ready[0])

	// Poll's readiness check must not consume the packet it observed: the
	// canonical poll-then-recv sequence has to still see it.
	recvBuf := make([]byte, config.MaxFrameSize)
	rn, _, err := s2.RecvFrom(recvBuf, 0)
	require.NoError(t, err)
	require.Equal(t, "hey", string(recvBuf[:rn]))
}

func TestCloseReleasesRxAndTxHandles(t *testing.T) {
	port, _ := openPort(t)
	s := udpsock.New(zap.NewNop(), port, nil, 1, time.Millisecond)
	require.NoError(t, s.Bind(5200))
	_, err := s.SendTo(context.Background(), udpsock.Addr{}, nil, 0)
	_ = err // may fail resolving the zero address; only exercising txq allocation here
	require.NoError(t, s.Close())
}
