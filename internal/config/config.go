// Package config holds the init-time parameters, feature flags, and wire
// constants shared across the datapath core. Parsing these from a file or
// CLI is an external concern; this package only defines the shapes.
package config

import "time"

// Flags is the boot-time feature bitset.
type Flags uint64

const (
	PtpEnable Flags = 1 << iota
	CniThread
	SharedRxQueue
	SharedTxQueue
	DisableSystemRxQueues
	RxMonoPool
	TxMonoPool
	TaskletThread
	TaskletSleep
	TaskletTimeMeasure
	TxNoChain
	UdpLcore
	RxUseCni
	RandomSrcPort
	MultiSrcPort
	RxVideoMigrate
	TxVideoMigrate
	RxSeparateVideoLcore
	DevAutoStartStop
	PtpSourceTsc
	AfXdpZcDisable
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Pmd identifies the kernel-bypass driver backing a port.
type Pmd int

const (
	PmdDpdkUser Pmd = iota
	PmdAfXdp
	PmdKernelSocket
)

func (p Pmd) String() string {
	switch p {
	case PmdDpdkUser:
		return "dpdk_user"
	case PmdAfXdp:
		return "af_xdp"
	case PmdKernelSocket:
		return "kernel_socket"
	default:
		return "unknown"
	}
}

// NetProto selects how a port's local IP configuration is obtained.
type NetProto int

const (
	NetProtoStatic NetProto = iota
	NetProtoDHCP
)

// PortParams is the per-port slice of InitParams.
type PortParams struct {
	Name     string
	Pmd      Pmd
	SipAddr  [4]byte
	Netmask  [4]byte
	Gateway  [4]byte
	NetProto NetProto

	MaxTxQueues uint16
	MaxRxQueues uint16

	// AfXdpQueueID is the NIC RX/TX queue bound to the AF_XDP socket when
	// Pmd == PmdAfXdp. Ignored otherwise.
	AfXdpQueueID uint32
}

// InitParams is the public, caller-constructed configuration surface.
// Nothing in this module parses it from disk or flags.
type InitParams struct {
	Ports []PortParams
	Flags Flags

	SchDefaultSleepUs time.Duration
	SchForceSleepUs   time.Duration
	SchZeroSleepUs    time.Duration

	ArpEntryMax int
	ArpRetryInterval time.Duration

	DhcpInitRetries  int
	DhcpInitInterval time.Duration

	SharedRxQueues int
	SharedTxQueues int
	SrssBuckets    int

	UdpWakeThreshCount int
	UdpWakeTimeoutUs   time.Duration
}

// Defaults mirrors the constants the original C implementation hardcodes.
func Defaults() InitParams {
	return InitParams{
		SchDefaultSleepUs: 1 * time.Millisecond,
		SchForceSleepUs:   10 * time.Millisecond,
		SchZeroSleepUs:    20 * time.Microsecond,

		ArpEntryMax:      ArpEntryMax,
		ArpRetryInterval: 500 * time.Millisecond,

		DhcpInitRetries:  50,
		DhcpInitInterval: 100 * time.Millisecond,

		SharedRxQueues: 4,
		SharedTxQueues: 4,
		SrssBuckets:    4,

		UdpWakeThreshCount: 1,
		UdpWakeTimeoutUs:   200 * time.Microsecond,
	}
}

// Wire-format and protocol constants.
const (
	EthHeaderSize    = 14
	VlanTagSize      = 4
	IPv4HeaderSize   = 20
	UDPHeaderSize    = 8
	ArpHeaderSize    = 28 // Ethernet ARP payload: htype(2)+ptype(2)+hlen(1)+plen(1)+op(2)+sha(6)+spa(4)+tha(6)+tpa(4), see wire pkg
	MaxFrameSize     = 2048
	MaxBurst         = 32
	SrssMaxBurst     = 128

	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeVLAN = 0x8100

	ArpOpRequest = 1
	ArpOpReply   = 2

	DhcpClientPort = 68
	DhcpServerPort = 67

	PtpEventPort   = 319
	PtpGeneralPort = 320

	DhcpMagicCookie  = 0x63825363
	DhcpOpBootReq    = 1
	DhcpOpBootReply  = 2
	DhcpHtypeEther   = 1
	DhcpHlenEther    = 6

	DhcpOptEnd           = 255
	DhcpOptSubnetMask    = 1
	DhcpOptRouter        = 3
	DhcpOptDNS           = 6
	DhcpOptRequestedIP   = 50
	DhcpOptLeaseTime     = 51
	DhcpOptMessageType   = 53
	DhcpOptServerID      = 54
	DhcpOptParamReqList  = 55

	DhcpMsgDiscover = 1
	DhcpMsgOffer    = 2
	DhcpMsgRequest  = 3
	DhcpMsgAck      = 5
	DhcpMsgNak      = 6
	DhcpMsgRelease  = 7

	ArpEntryMax = 16
)
