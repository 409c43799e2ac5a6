// Package netifaces answers the per-interface questions the relay asks once at
// startup: index, flags, IPv4 address and netmask, broadcast or peer address,
// and MTU.
package netifaces

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// ErrNoIPv4 is returned when an interface has no IPv4 address assigned.
var ErrNoIPv4 = errors.New("no IPv4 address assigned")

// Querier looks up live attachment properties by interface name.
type Querier interface {
	Index(name string) (int, error)
	Flags(name string) (net.Flags, error)
	Address(name string) (netip.Addr, error)
	Netmask(name string) (netip.Addr, error)
	Broadcast(name string) (netip.Addr, error)
	Peer(name string) (netip.Addr, error)
	MTU(name string) (int, error)
}

// Netlink is a Querier backed by rtnetlink.
type Netlink struct{}

var _ Querier = Netlink{}

func (Netlink) Index(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}

func (Netlink) Flags(name string) (net.Flags, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Flags, nil
}

func (Netlink) MTU(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().MTU, nil
}

func (n Netlink) Address(name string) (netip.Addr, error) {
	addr, err := n.firstIPv4(name)
	if err != nil {
		return netip.Addr{}, err
	}
	return toAddr(addr.IP), nil
}

func (n Netlink) Netmask(name string) (netip.Addr, error) {
	addr, err := n.firstIPv4(name)
	if err != nil {
		return netip.Addr{}, err
	}
	mask := addr.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	return toAddr(net.IP(mask)), nil
}

// Broadcast returns the broadcast address configured on the interface, or
// 0.0.0.0 when none is set explicitly.
func (n Netlink) Broadcast(name string) (netip.Addr, error) {
	addr, err := n.firstIPv4(name)
	if err != nil {
		return netip.Addr{}, err
	}
	return toAddr(addr.Broadcast), nil
}

// Peer returns the remote address of a point-to-point interface, or 0.0.0.0.
func (n Netlink) Peer(name string) (netip.Addr, error) {
	addr, err := n.firstIPv4(name)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.Peer == nil {
		return netip.IPv4Unspecified(), nil
	}
	return toAddr(addr.Peer.IP), nil
}

func (Netlink) firstIPv4(name string) (*netlink.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrap(err, "listing addresses")
	}
	for i := range addrs {
		if addrs[i].IPNet != nil && addrs[i].IP.To4() != nil {
			return &addrs[i], nil
		}
	}
	return nil, ErrNoIPv4
}

// toAddr converts a possibly nil net.IP to an IPv4 netip.Addr; anything that
// is not IPv4 becomes 0.0.0.0.
func toAddr(ip net.IP) netip.Addr {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.IPv4Unspecified()
	}
	return netip.AddrFrom4([4]byte(ip4))
}

// DeriveBroadcast computes the directed broadcast address addr | ^mask.
func DeriveBroadcast(addr, mask netip.Addr) netip.Addr {
	a := addr.As4()
	m := mask.As4()
	bcast := binary.BigEndian.Uint32(a[:]) | ^binary.BigEndian.Uint32(m[:])
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], bcast)
	return netip.AddrFrom4(out)
}
