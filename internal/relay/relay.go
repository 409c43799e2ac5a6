// Package relay implements the UDP broadcast relay engine between two
// attachments, "left" and "right".
package relay

import (
	"net"
	"net/netip"
	"sync"

	"github.com/mojo333/broadcast-relay/internal/logger"

	"github.com/pkg/errors"
)

// Receiver delivers datagrams received on the relay port together with their
// control messages.
type Receiver interface {
	ReadDatagram(payload, oob []byte) (n, oobn int, truncated bool, src netip.AddrPort, err error)
	Close() error
}

// Transmitter sends a complete IPv4 packet out of one attachment.
type Transmitter interface {
	Send(pkt []byte, dst netip.Addr) error
	Close() error
}

// PacketRelay runs the receive, decide, transmit cycle. All state besides the
// reused buffers is fixed at construction.
type PacketRelay struct {
	engine       *Engine
	attachments  [2]Attachment
	receiver     Receiver
	transmitters [2]Transmitter
	logger       *logger.Logger
	metrics      *Metrics

	payload []byte
	oob     []byte

	closeOnce sync.Once
}

// New assembles a relay from already opened sockets. tx is indexed by Side.
func New(res *Resolved, rx Receiver, tx [2]Transmitter, log *logger.Logger, m *Metrics) *PacketRelay {
	engine := NewEngine(res)
	return &PacketRelay{
		engine:       engine,
		attachments:  res.Attachments,
		receiver:     rx,
		transmitters: tx,
		logger:       log,
		metrics:      m,
		payload:      make([]byte, engine.MaxPayload()),
		oob:          make([]byte, oobSize),
	}
}

// Loop processes datagrams one at a time until the receiver is closed.
// Per-packet failures are logged and never end the loop.
func (pr *PacketRelay) Loop() error {
	for {
		n, oobn, truncated, src, err := pr.receiver.ReadDatagram(pr.payload, pr.oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			pr.logger.Debug("Error receiving packet: %s", err)
			pr.metrics.incDropped("receive_error")
			continue
		}
		pr.handle(n, oobn, truncated, src)
	}
}

func (pr *PacketRelay) handle(n, oobn int, truncated bool, src netip.AddrPort) {
	pr.metrics.incReceived()
	pr.logger.Debug("Received %d bytes of data from %s", n, src)

	if n == 0 {
		pr.drop("empty", "Empty datagram, ignoring")
		return
	}
	if truncated {
		pr.drop("truncated", "Datagram larger than %d bytes, ignoring", len(pr.payload))
		return
	}

	anc, err := DecodeAncillary(pr.oob[:oobn])
	if err != nil {
		if errors.Is(err, ErrNoAncillary) {
			pr.drop("no_ancillary", "No ancillary data, ignoring")
		} else {
			pr.drop("bad_ancillary", "Bad ancillary data: %s", err)
		}
		return
	}

	d := Datagram{
		Payload: pr.payload[:n],
		Source:  src,
		IfIndex: anc.IfIndex,
		TTL:     anc.TTL,
		Dest:    anc.Dest,
	}
	pkt, out, verdict := pr.engine.Process(&d)
	switch verdict {
	case Forward:
	case UnknownAttachment:
		pr.drop(verdict.String(), "Packet arrived on uninteresting interface %s", ifName(anc.IfIndex))
		return
	case Echo:
		pr.drop(verdict.String(), "Echo from %s [ttl %d] on %s: not forwarding", src, anc.TTL, out.Opposite())
		return
	default:
		pr.drop(verdict.String(), "Not forwarding %d bytes from %s: %s", n, src, verdict)
		return
	}

	tx := &pr.attachments[out]
	if err := pr.transmitters[out].Send(pkt, tx.DestAddr); err != nil {
		pr.metrics.incTransmitError(out)
		pr.logger.Debug("Failed to transmit on %s: %s", tx.Interface, err)
		return
	}
	pr.metrics.incForwarded(out)
	pr.logger.Debug("Relayed %d bytes from %s on %s [ttl %d, dst %s] to %s:%d via %s",
		n, src, pr.attachments[out.Opposite()].Interface, anc.TTL, anc.Dest,
		tx.DestAddr, pr.engine.port, tx.Interface)
}

func (pr *PacketRelay) drop(reason, format string, args ...interface{}) {
	pr.metrics.incDropped(reason)
	pr.logger.Debug(format, args...)
}

// Shutdown closes the receiver, which makes Loop return.
func (pr *PacketRelay) Shutdown() error {
	return pr.receiver.Close()
}

// Close releases the receiver and both transmitters. It is safe to call
// more than once.
func (pr *PacketRelay) Close() error {
	var first error
	pr.closeOnce.Do(func() {
		if err := pr.receiver.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			first = err
		}
		for _, tx := range pr.transmitters {
			if tx == nil {
				continue
			}
			if err := tx.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}

// ifName formats an interface index as its name; the lookup happens only
// when a message is actually formatted.
type ifName int

func (i ifName) String() string {
	ifi, err := net.InterfaceByIndex(int(i))
	if err != nil {
		return "<???>"
	}
	return ifi.Name
}
