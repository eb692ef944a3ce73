// Package wire builds and parses the Ethernet/ARP/IPv4/UDP/DHCP frames the
// control plane speaks. Layouts are taken field-by-field from
// original_source/lib/src/mt_arp.c and mt_dhcp.c rather than gvisor's
// tcpip/header package, since that package only composes into the full
// tcpip.Stack and offers no standalone raw frame builders.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mtdatapath/corepath/internal/config"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPv4 is a 4-byte big-endian address.
type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func (ip IPv4) IsMulticast() bool { return ip[0] >= 224 && ip[0] <= 239 }

func (ip IPv4) Uint32() uint32 { return binary.BigEndian.Uint32(ip[:]) }

// EthHeader is the 14-byte Ethernet II header. ParseEth strips one VLAN
// tag when present; Encode writes no VLAN tag.
type EthHeader struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
}

func (h EthHeader) Encode(buf []byte) {
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], h.EtherType)
}

// ParseEth strips at most one VLAN tag and returns the header, whether a
// VLAN tag was present, and the offset of the payload following it.
func ParseEth(buf []byte) (h EthHeader, vlan bool, payloadOff int, err error) {
	if len(buf) < config.EthHeaderSize {
		return h, false, 0, fmt.Errorf("wire: short ethernet frame (%d bytes)", len(buf))
	}
	copy(h.Dst[:], buf[0:6])
	copy(h.Src[:], buf[6:12])
	etype := binary.BigEndian.Uint16(buf[12:14])
	if etype == config.EtherTypeVLAN {
		if len(buf) < config.EthHeaderSize+config.VlanTagSize {
			return h, false, 0, fmt.Errorf("wire: short vlan frame")
		}
		h.EtherType = binary.BigEndian.Uint16(buf[16:18])
		return h, true, 18, nil
	}
	h.EtherType = etype
	return h, false, config.EthHeaderSize, nil
}

// Checksum computes the RFC 791/768 ones'-complement checksum used by both
// IPv4 headers and (when the application opts in) UDP datagrams.
func Checksum(b []byte, initial uint32) uint16 {
	sum := initial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
