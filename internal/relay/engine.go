package relay

import (
	"net/netip"
)

// Datagram is one received UDP payload and its receive metadata. It is only
// valid for the iteration that read it.
type Datagram struct {
	Payload []byte
	Source  netip.AddrPort
	IfIndex int
	TTL     int
	Dest    netip.Addr // original destination
}

// Verdict is the engine's decision for one datagram.
type Verdict int

const (
	Forward Verdict = iota
	Echo
	UnknownAttachment
	Oversize
	BadSource
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Echo:
		return "echo"
	case UnknownAttachment:
		return "unknown_attachment"
	case Oversize:
		return "oversize"
	case BadSource:
		return "bad_source"
	}
	return "invalid"
}

// Engine decides direction, suppresses echoes and synthesizes outgoing
// packets into a single reused buffer. It is not safe for concurrent use.
type Engine struct {
	attachments [2]Attachment
	port        uint16
	echoMarker  uint8
	ttl         uint8
	buf         []byte
	ident       uint16
}

// NewEngine creates an engine for the resolved configuration.
func NewEngine(res *Resolved) *Engine {
	ttl := uint8(defaultTTL)
	if res.EchoMarker != 0 {
		ttl = res.EchoMarker
	}
	size := res.BufferSize
	if size < headerLen {
		size = headerLen
	}
	return &Engine{
		attachments: res.Attachments,
		port:        res.Port,
		echoMarker:  res.EchoMarker,
		ttl:         ttl,
		buf:         make([]byte, size),
	}
}

// MaxPayload is the largest payload that fits the packet buffer.
func (e *Engine) MaxPayload() int {
	return len(e.buf) - headerLen
}

// Arrival maps an interface index to the attachment it belongs to.
func (e *Engine) Arrival(ifIndex int) (Side, bool) {
	switch ifIndex {
	case e.attachments[Left].Index:
		return Left, true
	case e.attachments[Right].Index:
		return Right, true
	}
	return 0, false
}

// isEcho reports whether d is a packet this relay sent out on rx.
func (e *Engine) isEcho(rx *Attachment, d *Datagram) bool {
	if rx.Source.Kind == SourceUnchanged {
		// The sender address cannot be trusted; rely on the TTL marker.
		return uint8(d.TTL) == e.echoMarker
	}
	return d.Source.Addr() == rx.SourceAddr
}

// Process returns the packet to send and the attachment to send it on when
// the verdict is Forward. The returned slice aliases the engine buffer and is
// overwritten by the next call.
func (e *Engine) Process(d *Datagram) ([]byte, Side, Verdict) {
	in, ok := e.Arrival(d.IfIndex)
	if !ok {
		return nil, 0, UnknownAttachment
	}
	out := in.Opposite()
	rx := &e.attachments[in]
	tx := &e.attachments[out]

	if e.isEcho(rx, d) {
		return nil, out, Echo
	}
	if len(d.Payload) > e.MaxPayload() {
		return nil, out, Oversize
	}

	src := tx.SourceAddr
	if tx.Source.Kind == SourceUnchanged {
		src = d.Source.Addr()
	}
	if !src.Is4() {
		return nil, out, BadSource
	}

	n := copy(e.buf[headerLen:], d.Payload)
	e.ident++
	pkt := buildPacket(e.buf, n,
		ipv4Header{ID: e.ident, TTL: e.ttl, Src: src, Dst: tx.DestAddr},
		udpHeader{SrcPort: d.Source.Port(), DstPort: e.port},
	)
	return pkt, out, Forward
}
