package relay

import (
	"net/netip"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RawSocket transmits complete IPv4 packets, header included, out of one
// interface only.
type RawSocket struct {
	fd    int
	iface string
}

// OpenRawSocket creates a raw IPv4 socket bound to iface with header
// inclusion and broadcast transmission enabled.
func OpenRawSocket(iface string) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create raw socket on %s", iface)
	}

	opts := []struct {
		name         string
		level, value int
	}{
		{"SO_BROADCAST", unix.SOL_SOCKET, unix.SO_BROADCAST},
		{"IP_HDRINCL", unix.IPPROTO_IP, unix.IP_HDRINCL},
		{"SO_REUSEPORT", unix.SOL_SOCKET, unix.SO_REUSEPORT},
	}
	for _, opt := range opts {
		if err := unix.SetsockoptInt(fd, opt.level, opt.value, 1); err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "cannot set %s on %s", opt.name, iface)
		}
	}
	if err := unix.BindToDevice(fd, iface); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "cannot set SO_BINDTODEVICE on %s", iface)
	}

	return &RawSocket{fd: fd, iface: iface}, nil
}

// Send transmits pkt, a complete IPv4 packet, towards dst.
func (s *RawSocket) Send(pkt []byte, dst netip.Addr) error {
	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	return unix.Sendto(s.fd, pkt, 0, sa)
}

func (s *RawSocket) Close() error {
	return unix.Close(s.fd)
}
