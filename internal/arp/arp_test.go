package arp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtdatapath/corepath/internal/arp"
	"github.com/mtdatapath/corepath/internal/config"
	"github.com/mtdatapath/corepath/internal/nicdrv"
	"github.com/mtdatapath/corepath/internal/queue"
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

func TestHandleArpRequestSendsReply(t *testing.T) {
	port, drv := openPort(t)
	txq, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	a := arp.New(zap.NewNop(), port, txq, config.ArpEntryMax)

	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, wire.MAC{9, 9, 9, 9, 9, 9}, port.Mac, wire.ArpHeader{
		Opcode: config.ArpOpRequest, Sha: wire.MAC{9, 9, 9, 9, 9, 9}, Sip: wire.IPv4{10, 0, 0, 99},
		Tha: wire.MAC{}, Tip: port.SipAddr,
	})
	_, _, off, err := wire.ParseEth(buf[:n])
	require.NoError(t, err)

	require.NoError(t, a.HandleArp(buf[off:n]))

	sent := drv.TxLog(txq.QueueID())
	require.Len(t, sent, 1)
	_, _, replyOff, err := wire.ParseEth(sent[0].Data)
	require.NoError(t, err)
	reply, err := wire.ParseARP(sent[0].Data[replyOff:])
	require.NoError(t, err)
	require.Equal(t, uint16(config.ArpOpReply), reply.Opcode)
	require.Equal(t, port.Mac, reply.Sha)
	require.Equal(t, port.SipAddr, reply.Sip)
}

func TestHandleArpIgnoresUnsolicitedReply(t *testing.T) {
	port, _ := openPort(t)
	txq, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	a := arp.New(zap.NewNop(), port, txq, config.ArpEntryMax)

	// A reply for an IP we never asked about must never publish into the
	// table.
	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, wire.MAC{9, 9, 9, 9, 9, 9}, port.Mac, wire.ArpHeader{
		Opcode: config.ArpOpReply, Sha: wire.MAC{9, 9, 9, 9, 9, 9}, Sip: wire.IPv4{10, 0, 0, 50},
		Tha: port.Mac, Tip: port.SipAddr,
	})
	_, _, off, err := wire.ParseEth(buf[:n])
	require.NoError(t, err)
	require.NoError(t, a.HandleArp(buf[off:n]))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Resolve(ctx, wire.IPv4{10, 0, 0, 50}, 10*time.Millisecond, 5*time.Millisecond)
	require.Error(t, err) // never learned, so this still has to broadcast and time out
}

func TestResolveLearnsFromReplyAndPublishesAtomically(t *testing.T) {
	port, _ := openPort(t)
	txq, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	a := arp.New(zap.NewNop(), port, txq, config.ArpEntryMax)

	target := wire.IPv4{10, 0, 0, 77}
	targetMac := wire.MAC{7, 7, 7, 7, 7, 7}

	resolved := make(chan wire.MAC, 1)
	resolveErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mac, err := a.Resolve(ctx, target, 500*time.Millisecond, 10*time.Millisecond)
		resolved <- mac
		resolveErr <- err
	}()

	// Give Resolve a moment to allocate its table slot and broadcast once.
	time.Sleep(20 * time.Millisecond)

	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, targetMac, port.Mac, wire.ArpHeader{
		Opcode: config.ArpOpReply, Sha: targetMac, Sip: target, Tha: port.Mac, Tip: port.SipAddr,
	})
	_, _, off, err := wire.ParseEth(buf[:n])
	require.NoError(t, err)
	require.NoError(t, a.HandleArp(buf[off:n]))

	require.NoError(t, <-resolveErr)
	require.Equal(t, targetMac, <-resolved)
}

func TestResolveReturnsCachedEntryImmediately(t *testing.T) {
	port, _ := openPort(t)
	txq, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	a := arp.New(zap.NewNop(), port, txq, 1) // single slot: the second Resolve hits the cached entry, so no reset happens

	target := wire.IPv4{10, 0, 0, 77}
	targetMac := wire.MAC{7, 7, 7, 7, 7, 7}

	resolved := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = a.Resolve(ctx, target, 500*time.Millisecond, 5*time.Millisecond)
		close(resolved)
	}()
	time.Sleep(10 * time.Millisecond)

	buf := make([]byte, config.EthHeaderSize+config.ArpHeaderSize)
	n := wire.EncodeARP(buf, targetMac, port.Mac, wire.ArpHeader{
		Opcode: config.ArpOpReply, Sha: targetMac, Sip: target, Tha: port.Mac, Tip: port.SipAddr,
	})
	_, _, off, err := wire.ParseEth(buf[:n])
	require.NoError(t, err)
	require.NoError(t, a.HandleArp(buf[off:n]))
	<-resolved

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	mac, err := a.Resolve(ctx, target, 10*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, targetMac, mac)
}

func TestTableResetInvalidatesInFlightResolve(t *testing.T) {
	port, _ := openPort(t)
	txq, err := queue.TxqGet(port, queue.TxFlowSpec{})
	require.NoError(t, err)
	// maxEntries=1 so the second Resolve's allocate() forces a full reset
	// while the first Resolve is still waiting on its (now evicted) slot.
	a := arp.New(zap.NewNop(), port, txq, 1)

	firstErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := a.Resolve(ctx, wire.IPv4{10, 0, 0, 1}, 500*time.Millisecond, 10*time.Millisecond)
		firstErr <- err
	}()
	time.Sleep(15 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = a.Resolve(ctx, wire.IPv4{10, 0, 0, 2}, 30*time.Millisecond, 5*time.Millisecond)

	err = <-firstErr
	require.ErrorIs(t, err, queue.ErrTimeout)
}
