// Package kernel declares the collaborator an established ModeCfg/IKE
// session consults to install the forwarding state a completed exchange
// implies: security associations, security policies, routes, and the
// virtual IP a responder assigns to an initiator.
package kernel

import "net/netip"

// SAParams describes a security association to install or remove.
type SAParams struct {
	Src, Dst netip.Addr
	SPI      uint32
	Proto    string // "esp" or "ah"
}

// PolicyParams describes a security policy selector.
type PolicyParams struct {
	SrcNet, DstNet netip.Prefix
	Direction      string // "in", "out", or "fwd"
}

// RouteParams describes a route installed for a client subnet reachable
// through a virtual-IP-assigned peer.
type RouteParams struct {
	Dest    netip.Prefix
	Gateway netip.Addr
	IfName  string
}

// Interface is the kernel collaborator contract: every call is
// synchronous from the session's worker goroutine's point of view.
// Whether a repeated Add* call is harmless depends on the backend: Noop
// keeps no state, while OVSDB inserts a new row on every Add* call, so
// repeating one there leaves a duplicate row.
type Interface interface {
	AddSA(SAParams) error
	DelSA(SAParams) error
	AddPolicy(PolicyParams) error
	DelPolicy(PolicyParams) error
	AddRoute(RouteParams) error
	DelRoute(RouteParams) error
	AddIP(iface string, addr netip.Prefix) error
	DelIP(iface string, addr netip.Prefix) error
	GetSourceAddr(dst netip.Addr) (netip.Addr, error)
}
