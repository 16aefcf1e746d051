// Package netproto encodes and decodes the wire formats the network core
// speaks on top of Ethernet: ARP, IPv4, UDP and TCP headers, plus the
// checksum routines shared by all of them. Nothing here touches a device or
// holds state; it is pure byte-level plumbing so the ARP, DHCP, DNS and TCP
// packages can build and parse frames without repeating the bit-twiddling.
package netproto

import (
	"encoding/binary"
	"fmt"
)

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is ff:ff:ff:ff:ff:ff.
func (m MAC) IsBroadcast() bool {
	return m == BroadcastMAC
}

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IPv4 is a 4-byte IPv4 address.
type IPv4 [4]byte

func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// EtherType identifies the payload carried by an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// Protocol identifies the IPv4 payload protocol.
type Protocol uint8

const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

const (
	EthernetHeaderLen = 14
	ARPPacketLen      = 28
	IPv4HeaderLen     = 20
	UDPHeaderLen      = 8
	TCPHeaderLen      = 20
)

// EthernetHeader is the fixed 14-byte Ethernet II header.
type EthernetHeader struct {
	Dst       MAC
	Src       MAC
	EtherType EtherType
}

// EncodeEthernet writes the header into the first EthernetHeaderLen bytes of buf.
func EncodeEthernet(buf []byte, h EthernetHeader) {
	copy(buf[0:6], h.Dst[:])
	copy(buf[6:12], h.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], uint16(h.EtherType))
}

// DecodeEthernet parses the header and returns the remaining payload.
func DecodeEthernet(frame []byte) (EthernetHeader, []byte, error) {
	if len(frame) < EthernetHeaderLen {
		return EthernetHeader{}, nil, fmt.Errorf("netproto: short ethernet frame: %d bytes", len(frame))
	}
	var h EthernetHeader
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.EtherType = EtherType(binary.BigEndian.Uint16(frame[12:14]))
	return h, frame[EthernetHeaderLen:], nil
}

// ARP opcodes.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

// ARPPacket is the Ethernet/IPv4 ARP payload (RFC 826 subset).
type ARPPacket struct {
	Opcode    uint16
	SenderMAC MAC
	SenderIP  IPv4
	TargetMAC MAC
	TargetIP  IPv4
}

// EncodeARP writes the fixed 28-byte ARP payload into buf.
func EncodeARP(buf []byte, p ARPPacket) {
	binary.BigEndian.PutUint16(buf[0:2], 1)      // hardware type: Ethernet
	binary.BigEndian.PutUint16(buf[2:4], 0x0800) // protocol type: IPv4
	buf[4] = 6                                   // hardware size
	buf[5] = 4                                   // protocol size
	binary.BigEndian.PutUint16(buf[6:8], p.Opcode)
	copy(buf[8:14], p.SenderMAC[:])
	copy(buf[14:18], p.SenderIP[:])
	copy(buf[18:24], p.TargetMAC[:])
	copy(buf[24:28], p.TargetIP[:])
}

// DecodeARP parses a 28-byte ARP payload. Packets with a hardware/protocol
// size other than Ethernet/IPv4 are rejected.
func DecodeARP(data []byte) (ARPPacket, error) {
	if len(data) < ARPPacketLen {
		return ARPPacket{}, fmt.Errorf("netproto: short arp packet: %d bytes", len(data))
	}
	hwType := binary.BigEndian.Uint16(data[0:2])
	protoType := binary.BigEndian.Uint16(data[2:4])
	if hwType != 1 || protoType != 0x0800 || data[4] != 6 || data[5] != 4 {
		return ARPPacket{}, fmt.Errorf("netproto: unsupported arp hw/proto %#x/%#x", hwType, protoType)
	}
	var p ARPPacket
	p.Opcode = binary.BigEndian.Uint16(data[6:8])
	copy(p.SenderMAC[:], data[8:14])
	copy(p.SenderIP[:], data[14:18])
	copy(p.TargetMAC[:], data[18:24])
	copy(p.TargetIP[:], data[24:28])
	return p, nil
}

// IPv4Header is the 20-byte-minimum IPv4 header (no options are emitted;
// options are preserved verbatim on decode for completeness but ignored).
type IPv4Header struct {
	TOS      uint8
	ID       uint16
	FragInfo uint16 // flags (3 bits) + fragment offset (13 bits), wire order
	TTL      uint8
	Protocol Protocol
	Src      IPv4
	Dst      IPv4
	Options  []byte
}

// EncodeIPv4 builds a full IPv4 packet (header + payload) with a freshly
// computed header checksum.
func EncodeIPv4(h IPv4Header, payload []byte) []byte {
	total := IPv4HeaderLen + len(payload)
	buf := make([]byte, total)
	buf[0] = (4 << 4) | (IPv4HeaderLen / 4) // version/IHL, no options
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FragInfo)
	ttl := h.TTL
	if ttl == 0 {
		ttl = 64
	}
	buf[8] = ttl
	buf[9] = byte(h.Protocol)
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(buf[10:12], Checksum(buf[:IPv4HeaderLen]))
	copy(buf[IPv4HeaderLen:], payload)
	return buf
}

// DecodeIPv4 parses the header (including any options) and returns the
// payload that follows. The header checksum is not verified here: callers
// that care (nothing in this stack currently does on receive, matching the
// reference implementation) can call Checksum on the returned header bytes.
func DecodeIPv4(data []byte) (IPv4Header, []byte, error) {
	if len(data) < IPv4HeaderLen {
		return IPv4Header{}, nil, fmt.Errorf("netproto: short ipv4 header: %d bytes", len(data))
	}
	version := data[0] >> 4
	ihl := int(data[0]&0x0f) * 4
	if version != 4 {
		return IPv4Header{}, nil, fmt.Errorf("netproto: unsupported ip version %d", version)
	}
	if ihl < IPv4HeaderLen || len(data) < ihl {
		return IPv4Header{}, nil, fmt.Errorf("netproto: bad ipv4 ihl %d", ihl)
	}
	var h IPv4Header
	h.TOS = data[1]
	h.ID = binary.BigEndian.Uint16(data[4:6])
	h.FragInfo = binary.BigEndian.Uint16(data[6:8])
	h.TTL = data[8]
	h.Protocol = Protocol(data[9])
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	if ihl > IPv4HeaderLen {
		h.Options = append([]byte(nil), data[IPv4HeaderLen:ihl]...)
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < ihl || totalLen > len(data) {
		totalLen = len(data)
	}
	return h, data[ihl:totalLen], nil
}

// Checksum computes the 16-bit one's-complement of the one's-complement sum
// of data, treated as a sequence of 16-bit big-endian words (RFC 1071). The
// caller must zero the checksum field before calling this for header
// checksums; the result, written back into that field, makes a subsequent
// call to Checksum over the same bytes return 0.
func Checksum(data []byte) uint16 {
	return finish(partialSum(0, data))
}

// ChecksumWithPseudoHeader computes a transport checksum (UDP/TCP) that
// starts from the IPv4 pseudo-header sum and folds in header+payload, with
// the checksum field assumed to be zero in segment.
func ChecksumWithPseudoHeader(src, dst IPv4, proto Protocol, segment []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, proto, len(segment))
	sum = partialSum(sum, segment)
	return finish(sum)
}

func pseudoHeaderSum(src, dst IPv4, proto Protocol, length int) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

func partialSum(sum uint32, data []byte) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

func finish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// UDPHeader is the 8-byte UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
}

// EncodeUDP builds a UDP segment (header + payload) with a checksum computed
// over the IPv4 pseudo-header. A zero checksum field (no checksum) is
// accepted on receive per RFC 768, but this stack always emits one.
func EncodeUDP(src, dst IPv4, h UDPHeader, payload []byte) []byte {
	total := UDPHeaderLen + len(payload)
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	copy(buf[UDPHeaderLen:], payload)
	check := ChecksumWithPseudoHeader(src, dst, ProtoUDP, buf)
	if check == 0 {
		check = 0xffff
	}
	binary.BigEndian.PutUint16(buf[6:8], check)
	return buf
}

// DecodeUDP parses the header and returns the payload. The UDP checksum is
// not verified, whether zero or not (it is optional for IPv4, RFC 768).
func DecodeUDP(data []byte) (UDPHeader, []byte, error) {
	if len(data) < UDPHeaderLen {
		return UDPHeader{}, nil, fmt.Errorf("netproto: short udp header: %d bytes", len(data))
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < UDPHeaderLen || length > len(data) {
		return UDPHeader{}, nil, fmt.Errorf("netproto: bad udp length %d (have %d)", length, len(data))
	}
	h := UDPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
	}
	return h, data[UDPHeaderLen:length], nil
}

// TCP flag bits.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// TCP option kinds used by this stack.
const (
	TCPOptEnd = 0
	TCPOptNOP = 1
	TCPOptMSS = 2
)

// TCPHeader is a parsed TCP header (options excluded; see Options).
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Urgent  uint16
	Options []byte
}

// EncodeTCP builds a TCP segment (header + options + payload) and fills in
// the pseudo-header checksum.
func EncodeTCP(src, dst IPv4, h TCPHeader, payload []byte) []byte {
	optLen := len(h.Options)
	// Pad options to a multiple of 4 bytes per the data-offset field.
	pad := (4 - optLen%4) % 4
	hdrLen := TCPHeaderLen + optLen + pad
	total := hdrLen + len(payload)
	buf := make([]byte, total)

	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.Seq)
	binary.BigEndian.PutUint32(buf[8:12], h.Ack)
	buf[12] = byte((hdrLen / 4) << 4)
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[18:20], h.Urgent)
	copy(buf[TCPHeaderLen:TCPHeaderLen+optLen], h.Options)
	copy(buf[hdrLen:], payload)

	check := ChecksumWithPseudoHeader(src, dst, ProtoTCP, buf)
	binary.BigEndian.PutUint16(buf[16:18], check)
	return buf
}

// DecodeTCP parses a TCP header (including options) and returns the payload.
func DecodeTCP(data []byte) (TCPHeader, []byte, error) {
	if len(data) < TCPHeaderLen {
		return TCPHeader{}, nil, fmt.Errorf("netproto: short tcp header: %d bytes", len(data))
	}
	hdrLen := int(data[12]>>4) * 4
	if hdrLen < TCPHeaderLen || hdrLen > len(data) {
		return TCPHeader{}, nil, fmt.Errorf("netproto: bad tcp data offset %d", hdrLen)
	}
	h := TCPHeader{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Seq:     binary.BigEndian.Uint32(data[4:8]),
		Ack:     binary.BigEndian.Uint32(data[8:12]),
		Flags:   data[13],
		Window:  binary.BigEndian.Uint16(data[14:16]),
		Urgent:  binary.BigEndian.Uint16(data[18:20]),
	}
	if hdrLen > TCPHeaderLen {
		h.Options = append([]byte(nil), data[TCPHeaderLen:hdrLen]...)
	}
	return h, data[hdrLen:], nil
}

// ParseMSSOption scans TCP options for the MSS option (kind 2, length 4).
func ParseMSSOption(options []byte) (uint16, bool) {
	i := 0
	for i < len(options) {
		kind := options[i]
		switch kind {
		case TCPOptEnd:
			return 0, false
		case TCPOptNOP:
			i++
		default:
			if i+1 >= len(options) {
				return 0, false
			}
			length := int(options[i+1])
			if length < 2 || i+length > len(options) {
				return 0, false
			}
			if kind == TCPOptMSS && length == 4 {
				return binary.BigEndian.Uint16(options[i+2 : i+4]), true
			}
			i += length
		}
	}
	return 0, false
}

// BuildMSSOption returns the 4-byte MSS option.
func BuildMSSOption(mss uint16) []byte {
	opt := make([]byte, 4)
	opt[0] = TCPOptMSS
	opt[1] = 4
	binary.BigEndian.PutUint16(opt[2:4], mss)
	return opt
}

// SeqLess reports whether a comes strictly before b in 32-bit sequence-number
// space, accounting for wraparound (RFC 793 modular comparison).
func SeqLess(a, b uint32) bool { return int32(a-b) < 0 }

// SeqLessEqual reports a <= b modulo wraparound.
func SeqLessEqual(a, b uint32) bool { return int32(a-b) <= 0 }
