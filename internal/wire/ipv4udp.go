package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mtdatapath/corepath/internal/config"
)

// IPv4Header is the subset of RFC 791 fields this datapath sets explicitly;
// all outbound frames use IHL=5 and the Don't-Fragment bit.
type IPv4Header struct {
	TTL      uint8
	Proto    uint8
	Src      IPv4
	Dst      IPv4
	Checksum bool // compute in software when the NIC offload is unavailable
}

const ProtoUDP = 17

// EncodeIPv4UDP writes Ethernet+IPv4+UDP headers for a UDP payload of length
// payloadLen starting at buf[0], and returns the offset the caller should
// copy the UDP payload to.
func EncodeIPv4UDP(buf []byte, src, dst MAC, ip IPv4Header, srcPort, dstPort uint16, payloadLen int) int {
	EthHeader{Dst: dst, Src: src, EtherType: config.EtherTypeIPv4}.Encode(buf)
	ipOff := config.EthHeaderSize
	udpOff := ipOff + config.IPv4HeaderSize
	payloadOff := udpOff + config.UDPHeaderSize

	ipTotalLen := config.IPv4HeaderSize + config.UDPHeaderSize + payloadLen
	ipBuf := buf[ipOff : ipOff+config.IPv4HeaderSize]
	ipBuf[0] = 0x45 // version 4, IHL 5
	ipBuf[1] = 0
	binary.BigEndian.PutUint16(ipBuf[2:4], uint16(ipTotalLen))
	binary.BigEndian.PutUint16(ipBuf[4:6], 0) // identification
	binary.BigEndian.PutUint16(ipBuf[6:8], 0x4000) // don't fragment
	ipBuf[8] = ip.TTL
	ipBuf[9] = ip.Proto
	binary.BigEndian.PutUint16(ipBuf[10:12], 0) // checksum placeholder
	copy(ipBuf[12:16], ip.Src[:])
	copy(ipBuf[16:20], ip.Dst[:])
	if ip.Checksum {
		cksum := Checksum(ipBuf, 0)
		binary.BigEndian.PutUint16(ipBuf[10:12], cksum)
	}

	udpBuf := buf[udpOff:payloadOff]
	binary.BigEndian.PutUint16(udpBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(udpBuf[2:4], dstPort)
	binary.BigEndian.PutUint16(udpBuf[4:6], uint16(config.UDPHeaderSize+payloadLen))
	binary.BigEndian.PutUint16(udpBuf[6:8], 0) // checksum left zero unless the app sets it

	return payloadOff
}

// ParsedIPv4UDP is the decoded L3/L4 view CNI/RSQ/SRSS dispatch on.
type ParsedIPv4UDP struct {
	Src, Dst         IPv4
	Proto            uint8
	SrcPort, DstPort uint16
	PayloadOff       int
}

// ParseIPv4 decodes the minimum needed to dispatch: source/dest IP and next
// protocol. If proto is UDP, source/destination ports are also decoded.
func ParseIPv4(payload []byte) (ParsedIPv4UDP, error) {
	var p ParsedIPv4UDP
	if len(payload) < config.IPv4HeaderSize {
		return p, fmt.Errorf("wire: short ipv4 header (%d bytes)", len(payload))
	}
	verIHL := payload[0]
	if verIHL>>4 != 4 {
		return p, fmt.Errorf("wire: not ipv4 (version %d)", verIHL>>4)
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < config.IPv4HeaderSize || len(payload) < ihl {
		return p, fmt.Errorf("wire: invalid ipv4 ihl %d", ihl)
	}
	copy(p.Src[:], payload[12:16])
	copy(p.Dst[:], payload[16:20])
	p.Proto = payload[9]
	p.PayloadOff = ihl
	if p.Proto == ProtoUDP {
		if len(payload) < ihl+config.UDPHeaderSize {
			return p, fmt.Errorf("wire: short udp header")
		}
		udpBuf := payload[ihl:]
		p.SrcPort = binary.BigEndian.Uint16(udpBuf[0:2])
		p.DstPort = binary.BigEndian.Uint16(udpBuf[2:4])
		p.PayloadOff = ihl + config.UDPHeaderSize
	}
	return p, nil
}
