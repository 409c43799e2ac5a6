package relay

import (
	"encoding/binary"
	"net/netip"
)

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	headerLen     = ipv4HeaderLen + udpHeaderLen

	protoUDP   = 17
	defaultTTL = 64
)

// NetChecksum computes the one's complement checksum over data, used for the IP header checksum.
func NetChecksum(data []byte) uint16 {
	return ^fold(sum16(0, data))
}

// sum16 adds data to sum as big-endian 16-bit words. An odd trailing byte is
// added as the high byte of a zero-padded word.
func sum16(sum uint32, data []byte) uint32 {
	length := len(data)
	for i := 0; i+1 < length; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if length%2 != 0 {
		sum += uint32(data[length-1]) << 8
	}
	return sum
}

// fold reduces sum to 16 bits with end-around carry.
func fold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

// UDPChecksum computes the UDP checksum of segment (UDP header followed by
// payload, checksum field zeroed) under the IPv4 pseudo-header for src and dst.
func UDPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	s4 := src.As4()
	d4 := dst.As4()

	var sum uint32
	sum = sum16(sum, s4[:])
	sum = sum16(sum, d4[:])
	sum += protoUDP
	sum += uint32(len(segment))
	sum = sum16(sum, segment)
	return ^fold(sum)
}

// ipv4Header is the fixed 20-byte header the relay writes; no options.
type ipv4Header struct {
	TotalLen uint16
	ID       uint16
	TTL      uint8
	Src      netip.Addr
	Dst      netip.Addr
}

// marshal writes the header into b[:20] including its checksum.
func (h *ipv4Header) marshal(b []byte) {
	b[0] = 4<<4 | ipv4HeaderLen/4
	b[1] = 0 // TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], 0) // flags + fragment offset
	b[8] = h.TTL
	b[9] = protoUDP
	b[10], b[11] = 0, 0
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], NetChecksum(b[:ipv4HeaderLen]))
}

// udpHeader is the 8-byte UDP header; the checksum is filled in separately.
type udpHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// marshal writes the header into b[:8] with a zero checksum.
func (h udpHeader) marshal(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint16(b[4:6], h.Length)
	binary.BigEndian.PutUint16(b[6:8], 0)
}

// buildPacket writes an IPv4+UDP packet around the payload already copied to
// buf[headerLen:headerLen+payloadLen] and returns the packet slice.
func buildPacket(buf []byte, payloadLen int, ip ipv4Header, udp udpHeader) []byte {
	pkt := buf[:headerLen+payloadLen]
	ip.TotalLen = uint16(len(pkt))
	ip.marshal(pkt[:ipv4HeaderLen])

	udp.Length = uint16(udpHeaderLen + payloadLen)
	segment := pkt[ipv4HeaderLen:]
	udp.marshal(segment)
	binary.BigEndian.PutUint16(segment[6:8], UDPChecksum(ip.Src, ip.Dst, segment))
	return pkt
}
