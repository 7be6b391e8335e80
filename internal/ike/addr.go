package ike

import "net/netip"

// AttrKind identifies a ModeCfg attribute kind, matching the low 15 bits of
// the on-wire af_type field (IANA Mode Config Attributes registry).
type AttrKind uint16

const (
	AttrIPv4Address AttrKind = 1
	AttrIPv4Netmask AttrKind = 2
	AttrIPv4DNS     AttrKind = 3
	AttrIPv4NBNS    AttrKind = 4
	AttrIPv4Subnet  AttrKind = 13
)

// String returns the attribute kind's wire name.
func (k AttrKind) String() string {
	switch k {
	case AttrIPv4Address:
		return "IPv4-Address"
	case AttrIPv4Netmask:
		return "IPv4-Netmask"
	case AttrIPv4DNS:
		return "IPv4-DNS"
	case AttrIPv4NBNS:
		return "IPv4-NBNS"
	case AttrIPv4Subnet:
		return "IPv4-Subnet"
	default:
		return unknownStr
	}
}

// bit returns the AttrSet bit corresponding to this kind.
func (k AttrKind) bit() AttrSet {
	return AttrSet(1) << uint(k)
}

// AttrSet is a bitset over AttrKind, one bit per kind. The enum above is
// the single source of truth for which kinds are supported; AttrSet never
// carries a bit for an unrecognized kind.
type AttrSet uint16

// Has reports whether kind's bit is set.
func (s AttrSet) Has(kind AttrKind) bool {
	return s&kind.bit() != 0
}

// Set returns s with kind's bit set.
func (s AttrSet) Set(kind AttrKind) AttrSet {
	return s | kind.bit()
}

// supportedAttrSet is the intersection mask of every attribute kind this
// implementation understands, consulted when building an ACK so that
// acknowledgements never echo back a kind the receiver doesn't recognize.
const supportedAttrSet = AttrSet(uint16(1)<<AttrIPv4Address | uint16(1)<<AttrIPv4Netmask |
	uint16(1)<<AttrIPv4DNS | uint16(1)<<AttrIPv4NBNS | uint16(1)<<AttrIPv4Subnet)

// maxNameServers bounds the DNS and NBNS address lists carried by an
// InternalAddress: at most two of each may be emitted per spec.
const maxNameServers = 2

// InternalAddress is the ModeCfg attribute bundle exchanged between
// initiator and responder: a virtual IPv4 address, up to two DNS servers,
// up to two NBNS (WINS) servers, and the bitset recording which fields are
// present and meaningful.
//
// A kind's bit is set only when the corresponding field is non-any;
// Init leaves every field at the any-address sentinel and AttrSet empty.
type InternalAddress struct {
	AttrSet AttrSet
	Addr    netip.Addr
	DNS     []netip.Addr
	NBNS    []netip.Addr
}

// Init resets ia to its zero-value-equivalent state: all addresses at the
// any-address sentinel, AttrSet empty.
func (ia *InternalAddress) Init() {
	ia.AttrSet = 0
	ia.Addr = netip.Addr{}
	ia.DNS = nil
	ia.NBNS = nil
}

// GetFromConnection populates ia from conn's configured virtual IP and
// name-server lists. If conn has no HostSrcIP configured, ia remains empty
// (a future extension may consult an external directory service instead).
func GetFromConnection(conn *Connection) InternalAddress {
	var ia InternalAddress

	if conn.HostSrcIP.IsValid() && !isAnyAddr(conn.HostSrcIP) {
		ia.Addr = conn.HostSrcIP
		ia.AttrSet = ia.AttrSet.Set(AttrIPv4Address).Set(AttrIPv4Netmask)
	}

	if len(conn.DNS) > 0 {
		n := len(conn.DNS)
		if n > maxNameServers {
			n = maxNameServers
		}
		ia.DNS = append(ia.DNS, conn.DNS[:n]...)
		ia.AttrSet = ia.AttrSet.Set(AttrIPv4DNS)
	}

	if len(conn.NBNS) > 0 {
		n := len(conn.NBNS)
		if n > maxNameServers {
			n = maxNameServers
		}
		ia.NBNS = append(ia.NBNS, conn.NBNS[:n]...)
		ia.AttrSet = ia.AttrSet.Set(AttrIPv4NBNS)
	}

	return ia
}

// ApplyToConnection applies ia's virtual address to conn: sets HostSrcIP,
// derives a /32 client subnet, and marks HasClient. Returns true iff ia
// carried an IPv4-Address attribute. Calling this twice with the same ia
// is idempotent: conn is unchanged after the second call. If conn already
// carries a different HostSrcIP, the new value replaces it and the
// replacement is left for the caller to log.
func ApplyToConnection(conn *Connection, ia InternalAddress) bool {
	if !ia.AttrSet.Has(AttrIPv4Address) {
		return false
	}

	conn.HostSrcIP = ia.Addr
	conn.ClientSubnet = netip.PrefixFrom(ia.Addr, ia.Addr.BitLen())
	conn.HasClient = true
	return true
}
