//go:build !linux

package relay

import (
	"net/netip"

	"github.com/mojo333/broadcast-relay/internal/logger"

	"github.com/pkg/errors"
)

var errUnsupported = errors.New("broadcast relay requires Linux (IP_PKTINFO, IP_RECVORIGDSTADDR, SO_BINDTODEVICE)")

// ErrNoAncillary is returned for a datagram that arrived without control messages.
var ErrNoAncillary = errors.New("no ancillary data")

const oobSize = 128

// Ancillary is the receive metadata the kernel delivers with a datagram.
type Ancillary struct {
	IfIndex int
	TTL     int
	Dest    netip.Addr
}

func DecodeAncillary(oob []byte) (Ancillary, error) {
	if len(oob) == 0 {
		return Ancillary{}, ErrNoAncillary
	}
	return Ancillary{}, errUnsupported
}

func Open(*Resolved, *logger.Logger, *Metrics) (*PacketRelay, error) {
	return nil, errUnsupported
}
