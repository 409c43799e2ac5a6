package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// Listener receives datagrams for the relay port on all local addresses,
// together with their arrival interface, TTL and original destination.
type Listener struct {
	conn *net.UDPConn
}

// Listen binds the receive socket on 0.0.0.0:port.
func Listen(port uint16) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, rawConn syscall.RawConn) error {
			var controlErr error
			if err := rawConn.Control(func(fd uintptr) {
				for _, opt := range []struct {
					name         string
					level, value int
				}{
					{"SO_BROADCAST", unix.SOL_SOCKET, unix.SO_BROADCAST},
					{"SO_REUSEPORT", unix.SOL_SOCKET, unix.SO_REUSEPORT},
					{"IP_RECVORIGDSTADDR", unix.SOL_IP, unix.IP_RECVORIGDSTADDR},
				} {
					if err := unix.SetsockoptInt(int(fd), opt.level, opt.value, 1); err != nil {
						controlErr = errors.Wrapf(err, "setsockopt %s", opt.name)
						return
					}
				}
			}); err != nil {
				return errors.Wrap(err, "raw control")
			}
			return controlErr
		},
	}

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	pc, err := lc.ListenPacket(context.Background(), "udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot bind UDP socket to %s", addr)
	}
	conn := pc.(*net.UDPConn)

	// IP_PKTINFO and IP_RECVTTL.
	if err := ipv4.NewPacketConn(conn).SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagTTL, true); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "enabling IP_PKTINFO/IP_RECVTTL")
	}
	return &Listener{conn: conn}, nil
}

// ReadDatagram blocks for the next datagram. truncated is set when the
// payload did not fit into payload.
func (l *Listener) ReadDatagram(payload, oob []byte) (n, oobn int, truncated bool, src netip.AddrPort, err error) {
	var flags int
	n, oobn, flags, src, err = l.conn.ReadMsgUDPAddrPort(payload, oob)
	if err != nil {
		return 0, 0, false, netip.AddrPort{}, err
	}
	return n, oobn, flags&unix.MSG_TRUNC != 0, netip.AddrPortFrom(src.Addr().Unmap(), src.Port()), nil
}

// LocalPort returns the bound UDP port.
func (l *Listener) LocalPort() uint16 {
	return uint16(l.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Close unblocks a pending ReadDatagram with net.ErrClosed.
func (l *Listener) Close() error {
	return l.conn.Close()
}
