package relay

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/mojo333/broadcast-relay/internal/logger"
	"github.com/mojo333/broadcast-relay/internal/netifaces"

	"github.com/pkg/errors"
)

const (
	// defaultMTU replaces an MTU reported as 0.
	defaultMTU = 4096
	// bufferSlack is extra room on top of MTU and headers.
	bufferSlack = 32
)

// Side names one of the two attachments.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Opposite returns the other attachment.
func (s Side) Opposite() Side {
	return 1 - s
}

// DestKind selects how the outgoing destination address is chosen.
type DestKind int

const (
	DestUnset DestKind = iota
	DestBroadcast
	DestFixed
)

// DestPolicy is the destination address policy of an attachment.
type DestPolicy struct {
	Kind DestKind
	Addr netip.Addr // DestFixed only
}

// ParseDestPolicy accepts "broadcast" or a dotted-quad IPv4 address.
func ParseDestPolicy(s string) (DestPolicy, error) {
	if s == "broadcast" {
		return DestPolicy{Kind: DestBroadcast}, nil
	}
	addr, err := parseIPv4(s)
	if err != nil {
		return DestPolicy{}, errors.Errorf("%q is not a valid destination: expecting \"broadcast\" or an IPv4 address", s)
	}
	return DestPolicy{Kind: DestFixed, Addr: addr}, nil
}

func (p DestPolicy) String() string {
	switch p.Kind {
	case DestBroadcast:
		return "broadcast"
	case DestFixed:
		return p.Addr.String()
	}
	return "unset"
}

// SourceKind selects how the outgoing source address is chosen.
type SourceKind int

const (
	SourceUnset SourceKind = iota
	SourceUnchanged
	SourceInterface
	SourceFixed
)

// SourcePolicy is the source address policy of an attachment.
type SourcePolicy struct {
	Kind SourceKind
	Addr netip.Addr // SourceFixed only
}

// ParseSourcePolicy accepts "unchanged", "ifaddr" or a dotted-quad IPv4 address.
func ParseSourcePolicy(s string) (SourcePolicy, error) {
	switch s {
	case "unchanged":
		return SourcePolicy{Kind: SourceUnchanged}, nil
	case "ifaddr":
		return SourcePolicy{Kind: SourceInterface}, nil
	}
	addr, err := parseIPv4(s)
	if err != nil {
		return SourcePolicy{}, errors.Errorf("%q is not a valid source: expecting \"unchanged\", \"ifaddr\" or an IPv4 address", s)
	}
	return SourcePolicy{Kind: SourceFixed, Addr: addr}, nil
}

func (p SourcePolicy) String() string {
	switch p.Kind {
	case SourceUnchanged:
		return "unchanged"
	case SourceInterface:
		return "ifaddr"
	case SourceFixed:
		return p.Addr.String()
	}
	return "unset"
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, errors.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

// AttachmentConfig is the unresolved configuration of one attachment.
type AttachmentConfig struct {
	Interface string
	Dest      DestPolicy
	Source    SourcePolicy
}

// Config holds everything needed to resolve the two attachments.
type Config struct {
	Port       int
	EchoMarker int // 0 = unused, else 1-255
	Left       AttachmentConfig
	Right      AttachmentConfig
	Logger     *logger.Logger
}

func (c *Config) attachment(s Side) AttachmentConfig {
	if s == Left {
		return c.Left
	}
	return c.Right
}

// Validate checks the configuration without touching the network.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("UDP port %d out of range (1-65535)", c.Port)
	}
	if c.EchoMarker < 0 || c.EchoMarker > 255 {
		return errors.Errorf("invalid echo marker %d (must be between 1 and 255)", c.EchoMarker)
	}
	for _, s := range []Side{Left, Right} {
		ac := c.attachment(s)
		if ac.Interface == "" {
			return errors.Errorf("%s interface not specified", s)
		}
		if ac.Dest.Kind == DestUnset {
			return errors.Errorf("%s destination policy is mandatory", s)
		}
		if ac.Source.Kind == SourceUnset {
			return errors.Errorf("%s source policy is mandatory", s)
		}
	}
	if c.Left.Interface == c.Right.Interface {
		return errors.Errorf("left and right interface must differ (both %s)", c.Left.Interface)
	}
	if c.anyUnchanged() && c.EchoMarker == 0 {
		return errors.New("an echo marker is needed when either source policy is \"unchanged\"")
	}
	return nil
}

func (c *Config) anyUnchanged() bool {
	return c.Left.Source.Kind == SourceUnchanged || c.Right.Source.Kind == SourceUnchanged
}

// Attachment is one resolved side of the relay. It is immutable once
// Resolve returns.
type Attachment struct {
	Side       Side
	Interface  string
	Index      int
	Dest       DestPolicy
	Source     SourcePolicy
	DestAddr   netip.Addr
	SourceAddr netip.Addr // unset when Source is SourceUnchanged
	MTU        int
}

func (a Attachment) String() string {
	src := "src (unchanged)"
	switch a.Source.Kind {
	case SourceInterface:
		src = fmt.Sprintf("src %s (ifaddr)", a.SourceAddr)
	case SourceFixed:
		src = fmt.Sprintf("src %s (specified)", a.SourceAddr)
	}
	dst := fmt.Sprintf("dst %s (specified)", a.DestAddr)
	if a.Dest.Kind == DestBroadcast {
		dst = fmt.Sprintf("dst %s (broadcast)", a.DestAddr)
	}
	return fmt.Sprintf("%s: %s index %d mtu %d %s %s", a.Side, a.Interface, a.Index, a.MTU, src, dst)
}

// Resolved is the immutable startup configuration the relay runs with.
type Resolved struct {
	Port        uint16
	EchoMarker  uint8
	Attachments [2]Attachment
	BufferSize  int
}

// ResolveError reports which query on which attachment failed.
type ResolveError struct {
	Side      Side
	Interface string
	Query     string
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("%s interface %s: %s: %v", e.Side, e.Interface, e.Query, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through to the underlying failure.
func (e *ResolveError) Cause() error { return e.Err }

// Resolve validates cfg and queries both attachments through q.
func Resolve(cfg Config, q netifaces.Querier) (*Resolved, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.anyUnchanged() && cfg.EchoMarker != 0 && cfg.Logger != nil {
		cfg.Logger.Warning("echo marker %d is ignored for echo detection because neither source policy is \"unchanged\"", cfg.EchoMarker)
	}

	res := &Resolved{
		Port:       uint16(cfg.Port),
		EchoMarker: uint8(cfg.EchoMarker),
	}
	largestMTU := 0
	for _, s := range []Side{Left, Right} {
		att, err := resolveAttachment(s, cfg.attachment(s), q)
		if err != nil {
			return nil, err
		}
		if att.MTU > largestMTU {
			largestMTU = att.MTU
		}
		res.Attachments[s] = att
		if cfg.Logger != nil {
			cfg.Logger.Info("%s", att)
		}
	}
	res.BufferSize = largestMTU + bufferSlack + headerLen
	if cfg.Logger != nil {
		cfg.Logger.Info("Largest MTU: %d", largestMTU)
	}
	return res, nil
}

func resolveAttachment(s Side, ac AttachmentConfig, q netifaces.Querier) (Attachment, error) {
	fail := func(query string, err error) (Attachment, error) {
		return Attachment{}, &ResolveError{Side: s, Interface: ac.Interface, Query: query, Err: err}
	}

	att := Attachment{
		Side:      s,
		Interface: ac.Interface,
		Dest:      ac.Dest,
		Source:    ac.Source,
	}

	idx, err := q.Index(ac.Interface)
	if err != nil {
		return fail("index", err)
	}
	att.Index = idx

	flags, err := q.Flags(ac.Interface)
	if err != nil {
		return fail("flags", err)
	}
	if flags&net.FlagLoopback != 0 {
		return fail("flags", errors.New("loopback interface is not supported"))
	}
	if flags&net.FlagUp == 0 {
		return fail("flags", errors.New("interface is not up"))
	}

	switch ac.Dest.Kind {
	case DestFixed:
		att.DestAddr = ac.Dest.Addr
	case DestBroadcast:
		var dst netip.Addr
		if flags&net.FlagBroadcast != 0 {
			if dst, err = q.Broadcast(ac.Interface); err != nil {
				return fail("broadcast address", err)
			}
			// No explicit broadcast address: derive it from address and netmask.
			if !dst.IsValid() || dst.IsUnspecified() {
				addr, err := q.Address(ac.Interface)
				if err != nil {
					return fail("address", err)
				}
				mask, err := q.Netmask(ac.Interface)
				if err != nil {
					return fail("netmask", err)
				}
				dst = netifaces.DeriveBroadcast(addr, mask)
			}
		} else {
			if dst, err = q.Peer(ac.Interface); err != nil {
				return fail("peer address", err)
			}
		}
		att.DestAddr = dst
	}
	if !att.DestAddr.IsValid() || att.DestAddr.IsUnspecified() {
		return fail("destination", errors.New("could not determine the destination address; try specifying it explicitly"))
	}

	switch ac.Source.Kind {
	case SourceFixed:
		att.SourceAddr = ac.Source.Addr
	case SourceInterface:
		if att.SourceAddr, err = q.Address(ac.Interface); err != nil {
			return fail("address", err)
		}
	}

	mtu, err := q.MTU(ac.Interface)
	if err != nil {
		return fail("mtu", err)
	}
	if mtu == 0 {
		mtu = defaultMTU
	}
	att.MTU = mtu

	return att, nil
}
