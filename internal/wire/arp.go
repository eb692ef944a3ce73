package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mtdatapath/corepath/internal/config"
)

// ArpHeader is the RFC 826 payload for hw=Ethernet(1), proto=IPv4(0x0800),
// hlen=6, plen=4 — the only combination this datapath speaks.
type ArpHeader struct {
	Opcode uint16
	Sha    MAC
	Sip    IPv4
	Tha    MAC
	Tip    IPv4
}

const arpPayloadSize = 28 // hw(2)+proto(2)+hlen(1)+plen(1)+op(2)+sha(6)+sip(4)+tha(6)+tip(4)

// EncodeARP writes an Ethernet+ARP frame into buf and returns its length.
func EncodeARP(buf []byte, src MAC, dst MAC, a ArpHeader) int {
	EthHeader{Dst: dst, Src: src, EtherType: config.EtherTypeARP}.Encode(buf)
	p := buf[config.EthHeaderSize:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // hardware type: Ethernet
	binary.BigEndian.PutUint16(p[2:4], config.EtherTypeIPv4)
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], a.Opcode)
	copy(p[8:14], a.Sha[:])
	copy(p[14:18], a.Sip[:])
	copy(p[18:24], a.Tha[:])
	copy(p[24:28], a.Tip[:])
	return config.EthHeaderSize + arpPayloadSize
}

// ParseARP validates and decodes the ARP payload following an already
// stripped Ethernet(+VLAN) header.
func ParseARP(payload []byte) (ArpHeader, error) {
	var a ArpHeader
	if len(payload) < arpPayloadSize {
		return a, fmt.Errorf("wire: short arp payload (%d bytes)", len(payload))
	}
	hw := binary.BigEndian.Uint16(payload[0:2])
	proto := binary.BigEndian.Uint16(payload[2:4])
	hlen, plen := payload[4], payload[5]
	if hw != 1 || proto != config.EtherTypeIPv4 || hlen != 6 || plen != 4 {
		return a, fmt.Errorf("wire: unsupported arp hw/proto/len combination")
	}
	a.Opcode = binary.BigEndian.Uint16(payload[6:8])
	copy(a.Sha[:], payload[8:14])
	copy(a.Sip[:], payload[14:18])
	copy(a.Tha[:], payload[18:24])
	copy(a.Tip[:], payload[24:28])
	return a, nil
}
