package relay

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestNetChecksum(t *testing.T) {
	// Header from RFC 1071 style worked examples.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), NetChecksum(hdr))

	binary.BigEndian.PutUint16(hdr[10:12], 0xb861)
	assert.Equal(t, uint16(0), NetChecksum(hdr))
}

func TestSum16OddLength(t *testing.T) {
	assert.Equal(t, uint32(0xab00), sum16(0, []byte{0xab}))
	assert.Equal(t, uint32(0x0102+0x0300), sum16(0, []byte{0x01, 0x02, 0x03}))
	assert.Equal(t, uint32(0), sum16(0, nil))
}

func TestFold(t *testing.T) {
	assert.Equal(t, uint16(0x0001), fold(0x10000))
	assert.Equal(t, uint16(0xffff), fold(0xffff))
	assert.Equal(t, uint16(0x0003), fold(0x1ffff+0x2))
}

// verifyUDP sums the pseudo-header and the whole segment, checksum included.
// A correct checksum folds to all ones.
func verifyUDP(src, dst netip.Addr, segment []byte) uint16 {
	s4, d4 := src.As4(), dst.As4()
	var sum uint32
	sum = sum16(sum, s4[:])
	sum = sum16(sum, d4[:])
	sum += protoUDP
	sum += uint32(len(segment))
	sum = sum16(sum, segment)
	return fold(sum)
}

func TestBuildPacketChecksumsForEveryLength(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("10.0.0.255")
	buf := make([]byte, 1500+headerLen+bufferSlack)

	for n := 0; n <= len(buf)-headerLen; n++ {
		for i := 0; i < n; i++ {
			buf[headerLen+i] = byte(i*7 + n)
		}
		pkt := buildPacket(buf, n,
			ipv4Header{ID: uint16(n), TTL: 64, Src: src, Dst: dst},
			udpHeader{SrcPort: 5000, DstPort: 9},
		)
		require.Len(t, pkt, headerLen+n)
		require.Equal(t, uint16(0), NetChecksum(pkt[:ipv4HeaderLen]), "ip header checksum, n=%d", n)
		require.Equal(t, uint16(0xffff), verifyUDP(src, dst, pkt[ipv4HeaderLen:]), "udp checksum, n=%d", n)
		require.Equal(t, uint16(headerLen+n), binary.BigEndian.Uint16(pkt[2:4]))
		require.Equal(t, uint16(udpHeaderLen+n), binary.BigEndian.Uint16(pkt[24:26]))
	}
}

func TestBuildPacketParsesAsIPv4(t *testing.T) {
	src := netip.MustParseAddr("172.16.0.1")
	dst := netip.MustParseAddr("172.16.255.255")
	payload := []byte("hello, broadcast")
	buf := make([]byte, 256)
	copy(buf[headerLen:], payload)

	pkt := buildPacket(buf, len(payload),
		ipv4Header{ID: 0x1234, TTL: 7, Src: src, Dst: dst},
		udpHeader{SrcPort: 40000, DstPort: 137},
	)

	h, err := ipv4.ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, ipv4.Version, h.Version)
	assert.Equal(t, ipv4.HeaderLen, h.Len)
	assert.Equal(t, 0, h.TOS)
	assert.Equal(t, len(pkt), h.TotalLen)
	assert.Equal(t, 0x1234, h.ID)
	assert.Equal(t, ipv4.HeaderFlags(0), h.Flags)
	assert.Equal(t, 0, h.FragOff)
	assert.Equal(t, 7, h.TTL)
	assert.Equal(t, protoUDP, h.Protocol)
	assert.True(t, h.Src.Equal(net.IP(src.AsSlice())))
	assert.True(t, h.Dst.Equal(net.IP(dst.AsSlice())))

	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, p.ErrorLayer())
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(40000), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(137), udp.DstPort)
	assert.Equal(t, uint16(udpHeaderLen+len(payload)), udp.Length)
	assert.Equal(t, payload, udp.Payload)
}

func TestBuildPacketMatchesGopacket(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.17")
	dst := netip.MustParseAddr("198.51.100.255")

	payloads := [][]byte{
		{},
		{0x01},
		[]byte("odd length payload"),
		[]byte("an even length payload!!"),
	}
	for i, payload := range payloads {
		buf := make([]byte, 128)
		copy(buf[headerLen:], payload)
		pkt := buildPacket(buf, len(payload),
			ipv4Header{ID: uint16(i + 1), TTL: 64, Src: src, Dst: dst},
			udpHeader{SrcPort: 1234, DstPort: 5678},
		)

		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			Id:       uint16(i + 1),
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		udp := &layers.UDP{SrcPort: 1234, DstPort: 5678}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

		sb := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(sb, opts, ip, udp, gopacket.Payload(payload)))

		assert.Equal(t, sb.Bytes(), pkt, "payload %d", i)
	}
}
