package relay

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func testResolved(leftSrc, rightSrc SourcePolicy, marker uint8) *Resolved {
	left := Attachment{
		Side:      Left,
		Interface: "eth0",
		Index:     2,
		Dest:      DestPolicy{Kind: DestBroadcast},
		Source:    leftSrc,
		DestAddr:  netip.MustParseAddr("192.168.1.255"),
		MTU:       1500,
	}
	right := Attachment{
		Side:      Right,
		Interface: "eth1",
		Index:     3,
		Dest:      DestPolicy{Kind: DestBroadcast},
		Source:    rightSrc,
		DestAddr:  netip.MustParseAddr("10.0.0.255"),
		MTU:       1500,
	}
	if leftSrc.Kind == SourceInterface {
		left.SourceAddr = netip.MustParseAddr("192.168.1.1")
	} else if leftSrc.Kind == SourceFixed {
		left.SourceAddr = leftSrc.Addr
	}
	if rightSrc.Kind == SourceInterface {
		right.SourceAddr = netip.MustParseAddr("10.0.0.1")
	} else if rightSrc.Kind == SourceFixed {
		right.SourceAddr = rightSrc.Addr
	}
	return &Resolved{
		Port:        137,
		EchoMarker:  marker,
		Attachments: [2]Attachment{left, right},
		BufferSize:  1500 + bufferSlack + headerLen,
	}
}

var (
	ifaddr    = SourcePolicy{Kind: SourceInterface}
	unchanged = SourcePolicy{Kind: SourceUnchanged}
)

func datagram(ifIndex, ttl int, src string, payload string) *Datagram {
	return &Datagram{
		Payload: []byte(payload),
		Source:  netip.MustParseAddrPort(src),
		IfIndex: ifIndex,
		TTL:     ttl,
		Dest:    netip.MustParseAddr("255.255.255.255"),
	}
}

func TestEngineDirection(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))

	pkt, out, v := e.Process(datagram(2, 64, "192.168.1.50:5000", "from left"))
	require.Equal(t, Forward, v)
	assert.Equal(t, Right, out)
	h, err := ipv4.ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", h.Src.String())
	assert.Equal(t, "10.0.0.255", h.Dst.String())

	pkt, out, v = e.Process(datagram(3, 64, "10.0.0.50:5001", "from right"))
	require.Equal(t, Forward, v)
	assert.Equal(t, Left, out)
	h, err = ipv4.ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", h.Src.String())
	assert.Equal(t, "192.168.1.255", h.Dst.String())
}

func TestEngineUnknownAttachment(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))
	pkt, _, v := e.Process(datagram(9, 64, "192.168.1.50:5000", "x"))
	assert.Equal(t, UnknownAttachment, v)
	assert.Nil(t, pkt)
}

func TestEngineEchoByTTLMarker(t *testing.T) {
	e := NewEngine(testResolved(unchanged, unchanged, 7))

	_, _, v := e.Process(datagram(2, 7, "192.168.1.50:5000", "echo"))
	assert.Equal(t, Echo, v)

	pkt, out, v := e.Process(datagram(2, 8, "192.168.1.50:5000", "not an echo"))
	require.Equal(t, Forward, v)
	assert.Equal(t, Right, out)

	h, err := ipv4.ParseHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, 7, h.TTL)
	assert.Equal(t, "192.168.1.50", h.Src.String(), "unchanged keeps the original sender")
}

func TestEngineEchoMarkerComparesLowByte(t *testing.T) {
	e := NewEngine(testResolved(unchanged, unchanged, 7))
	_, _, v := e.Process(datagram(2, 256+7, "192.168.1.50:5000", "echo"))
	assert.Equal(t, Echo, v)
}

func TestEngineEchoBySourceAddress(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))

	// Our own transmission on the right attachment, heard back there.
	_, _, v := e.Process(datagram(3, 64, "10.0.0.1:5000", "echo"))
	assert.Equal(t, Echo, v)

	// The same address arriving on the left is not an echo of the right.
	_, out, v := e.Process(datagram(2, 64, "10.0.0.1:5000", "relayed"))
	assert.Equal(t, Forward, v)
	assert.Equal(t, Right, out)
}

func TestEngineMarkerIgnoredWithoutUnchanged(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 7))

	// TTL equals the marker but the receive side does not use "unchanged".
	_, _, v := e.Process(datagram(2, 7, "192.168.1.50:5000", "data"))
	assert.Equal(t, Forward, v)
}

func TestEngineMixedPolicies(t *testing.T) {
	// Left keeps the sender address, right rewrites it.
	e := NewEngine(testResolved(unchanged, ifaddr, 9))

	// Arriving on left: left is unchanged, so TTL decides.
	_, _, v := e.Process(datagram(2, 9, "10.0.0.1:5000", "x"))
	assert.Equal(t, Echo, v)

	// Arriving on right: right is ifaddr, so the sender address decides.
	_, _, v = e.Process(datagram(3, 9, "10.0.0.77:5000", "x"))
	assert.Equal(t, Forward, v)
	_, _, v = e.Process(datagram(3, 64, "10.0.0.1:5000", "x"))
	assert.Equal(t, Echo, v)
}

func TestEngineTTL(t *testing.T) {
	pkt, _, v := NewEngine(testResolved(ifaddr, ifaddr, 0)).Process(datagram(2, 1, "192.168.1.50:5000", "x"))
	require.Equal(t, Forward, v)
	assert.Equal(t, uint8(defaultTTL), pkt[8])

	pkt, _, v = NewEngine(testResolved(ifaddr, ifaddr, 42)).Process(datagram(2, 1, "192.168.1.50:5000", "x"))
	require.Equal(t, Forward, v)
	assert.Equal(t, uint8(42), pkt[8])
}

func TestEngineFixedSource(t *testing.T) {
	fixed := SourcePolicy{Kind: SourceFixed, Addr: netip.MustParseAddr("198.51.100.7")}
	e := NewEngine(testResolved(ifaddr, fixed, 0))

	pkt, _, v := e.Process(datagram(2, 64, "192.168.1.50:5000", "x"))
	require.Equal(t, Forward, v)
	assert.Equal(t, []byte{198, 51, 100, 7}, pkt[12:16])
}

func TestEnginePacketLayout(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))
	payload := "some payload bytes"

	pkt, _, v := e.Process(datagram(2, 64, "192.168.1.50:40001", payload))
	require.Equal(t, Forward, v)
	require.Len(t, pkt, headerLen+len(payload))

	udp := pkt[ipv4HeaderLen:]
	assert.Equal(t, uint16(40001), binary.BigEndian.Uint16(udp[0:2]), "source port preserved")
	assert.Equal(t, uint16(137), binary.BigEndian.Uint16(udp[2:4]), "destination port is the relay port")
	assert.Equal(t, payload, string(udp[udpHeaderLen:]))
	assert.Equal(t, uint16(0), NetChecksum(pkt[:ipv4HeaderLen]))
	assert.Equal(t, uint16(0xffff), verifyUDP(
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.255"), udp))
}

func TestEngineIdentifierIncrements(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))
	var ids []uint16
	for i := 0; i < 3; i++ {
		pkt, _, v := e.Process(datagram(2, 64, "192.168.1.50:5000", "x"))
		require.Equal(t, Forward, v)
		ids = append(ids, binary.BigEndian.Uint16(pkt[4:6]))
	}
	assert.Equal(t, []uint16{1, 2, 3}, ids)
}

func TestEngineOversize(t *testing.T) {
	e := NewEngine(testResolved(ifaddr, ifaddr, 0))
	limit := e.MaxPayload()
	assert.Equal(t, 1500+bufferSlack, limit)

	_, _, v := e.Process(&Datagram{Payload: make([]byte, limit), Source: netip.MustParseAddrPort("192.168.1.50:1"), IfIndex: 2})
	assert.Equal(t, Forward, v)
	_, _, v = e.Process(&Datagram{Payload: make([]byte, limit+1), Source: netip.MustParseAddrPort("192.168.1.50:1"), IfIndex: 2})
	assert.Equal(t, Oversize, v)
}

func TestEngineBadSource(t *testing.T) {
	e := NewEngine(testResolved(unchanged, unchanged, 7))
	_, _, v := e.Process(datagram(2, 64, "[2001:db8::1]:5000", "x"))
	assert.Equal(t, BadSource, v)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "forward", Forward.String())
	assert.Equal(t, "echo", Echo.String())
	assert.Equal(t, "unknown_attachment", UnknownAttachment.String())
	assert.Equal(t, "oversize", Oversize.String())
	assert.Equal(t, "bad_source", BadSource.String())
	assert.Equal(t, "invalid", Verdict(99).String())
}
