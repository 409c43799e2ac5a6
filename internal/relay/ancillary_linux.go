package relay

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNoAncillary is returned for a datagram that arrived without control
// messages; such datagrams cannot be attributed to an attachment.
var ErrNoAncillary = errors.New("no ancillary data")

// oobSize fits IP_PKTINFO, IP_TTL and IP_ORIGDSTADDR.
var oobSize = unix.CmsgSpace(unix.SizeofInet4Pktinfo) +
	unix.CmsgSpace(4) +
	unix.CmsgSpace(unix.SizeofSockaddrInet4)

// Ancillary is the receive metadata the kernel delivers with a datagram.
type Ancillary struct {
	IfIndex    int
	TTL        int
	Dest       netip.Addr // IP_ORIGDSTADDR
	HeaderDest netip.Addr // IP_PKTINFO ipi_addr
}

// DecodeAncillary parses the control messages of one received datagram.
// Messages outside IPPROTO_IP and types that were not requested are skipped.
func DecodeAncillary(oob []byte) (Ancillary, error) {
	var a Ancillary
	if len(oob) == 0 {
		return a, ErrNoAncillary
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return a, errors.Wrap(err, "parsing control messages")
	}
	for _, m := range msgs {
		if m.Header.Level != unix.IPPROTO_IP {
			continue
		}
		switch m.Header.Type {
		case unix.IP_PKTINFO:
			// struct in_pktinfo { int ipi_ifindex; in_addr ipi_spec_dst; in_addr ipi_addr; }
			if len(m.Data) < unix.SizeofInet4Pktinfo {
				continue
			}
			a.IfIndex = int(int32(binary.NativeEndian.Uint32(m.Data[0:4])))
			a.HeaderDest = netip.AddrFrom4([4]byte(m.Data[8:12]))
		case unix.IP_TTL:
			if len(m.Data) < 4 {
				continue
			}
			a.TTL = int(binary.NativeEndian.Uint32(m.Data[0:4]))
		case unix.IP_ORIGDSTADDR:
			// struct sockaddr_in { sa_family_t; in_port_t; in_addr; ... }
			if len(m.Data) < 8 {
				continue
			}
			a.Dest = netip.AddrFrom4([4]byte(m.Data[4:8]))
		}
	}
	return a, nil
}
