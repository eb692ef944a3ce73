package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mtdatapath/corepath/internal/config"
)

// DhcpHeader is the fixed portion of the RFC 2131 message; options follow
// as a TLV stream terminated by DhcpOptEnd.
type DhcpHeader struct {
	Op      uint8
	Htype   uint8
	Hlen    uint8
	Hops    uint8
	Xid     uint32
	Secs    uint16
	Flags   uint16
	Ciaddr  IPv4
	Yiaddr  IPv4
	Siaddr  IPv4
	Giaddr  IPv4
	Chaddr  [16]byte
}

const dhcpFixedSize = 1 + 1 + 1 + 1 + 4 + 2 + 2 + 4 + 4 + 4 + 4 + 16 + 64 + 128 + 4 // sname/file/cookie included

// DhcpOption is one decoded TLV.
type DhcpOption struct {
	Type uint8
	Data []byte
}

// EncodeDhcp writes the fixed header plus options into buf starting at
// offset 0 and returns the total length written.
func EncodeDhcp(buf []byte, h DhcpHeader, opts []DhcpOption) int {
	for i := range buf[:dhcpFixedSize] {
		buf[i] = 0
	}
	buf[0] = h.Op
	buf[1] = h.Htype
	buf[2] = h.Hlen
	buf[3] = h.Hops
	binary.BigEndian.PutUint32(buf[4:8], h.Xid)
	binary.BigEndian.PutUint16(buf[8:10], h.Secs)
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
	copy(buf[12:16], h.Ciaddr[:])
	copy(buf[16:20], h.Yiaddr[:])
	copy(buf[20:24], h.Siaddr[:])
	copy(buf[24:28], h.Giaddr[:])
	copy(buf[28:44], h.Chaddr[:])
	binary.BigEndian.PutUint32(buf[236:240], config.DhcpMagicCookie)

	off := dhcpFixedSize
	for _, o := range opts {
		buf[off] = o.Type
		buf[off+1] = byte(len(o.Data))
		copy(buf[off+2:], o.Data)
		off += 2 + len(o.Data)
	}
	buf[off] = config.DhcpOptEnd
	off++
	return off
}

// ParseDhcp validates magic cookie/op/xid and decodes the option TLVs.
func ParseDhcp(buf []byte, expectXid uint32) (DhcpHeader, []DhcpOption, error) {
	var h DhcpHeader
	if len(buf) < dhcpFixedSize {
		return h, nil, fmt.Errorf("wire: short dhcp message (%d bytes)", len(buf))
	}
	h.Op = buf[0]
	h.Htype = buf[1]
	h.Hlen = buf[2]
	h.Hops = buf[3]
	h.Xid = binary.BigEndian.Uint32(buf[4:8])
	h.Secs = binary.BigEndian.Uint16(buf[8:10])
	h.Flags = binary.BigEndian.Uint16(buf[10:12])
	copy(h.Ciaddr[:], buf[12:16])
	copy(h.Yiaddr[:], buf[16:20])
	copy(h.Siaddr[:], buf[20:24])
	copy(h.Giaddr[:], buf[24:28])
	copy(h.Chaddr[:], buf[28:44])

	cookie := binary.BigEndian.Uint32(buf[236:240])
	if cookie != config.DhcpMagicCookie {
		return h, nil, fmt.Errorf("wire: bad dhcp magic cookie 0x%08x", cookie)
	}
	if h.Op != config.DhcpOpBootReply {
		return h, nil, fmt.Errorf("wire: dhcp op %d is not BOOTREPLY", h.Op)
	}
	if h.Xid != expectXid {
		return h, nil, fmt.Errorf("wire: dhcp xid mismatch got 0x%08x want 0x%08x", h.Xid, expectXid)
	}

	var opts []DhcpOption
	off := dhcpFixedSize
	for off < len(buf) && buf[off] != config.DhcpOptEnd {
		typ := buf[off]
		if typ == 0 { // RFC 2131 pad: a single byte, no length field
			off++
			continue
		}
		if off+1 >= len(buf) {
			break
		}
		l := int(buf[off+1])
		if off+2+l > len(buf) {
			break
		}
		data := append([]byte(nil), buf[off+2:off+2+l]...)
		opts = append(opts, DhcpOption{Type: typ, Data: data})
		off += 2 + l
	}
	return h, opts, nil
}

// FindOption returns the first option of the given type, if present.
func FindOption(opts []DhcpOption, typ uint8) ([]byte, bool) {
	for _, o := range opts {
		if o.Type == typ {
			return o.Data, true
		}
	}
	return nil, false
}
