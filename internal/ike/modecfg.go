package ike

import (
	"log/slog"
	"net/netip"
)

// kindEmitOrder lists every recognized attribute kind in ascending order:
// attributes are emitted by iterating the attr_set bitset from kind 0
// upward. modecfg.c's emission loop walks attr_set bit by bit rather than
// a fixed table; a Go slice over the closed enum achieves the same order
// more legibly.
var kindEmitOrder = []AttrKind{
	AttrIPv4Address,
	AttrIPv4Netmask,
	AttrIPv4DNS,
	AttrIPv4NBNS,
	AttrIPv4Subnet,
}

// BuildAttributesForEmit serializes ia's present attributes into a TLV
// list, in ascending kind order. DNS and NBNS emit one TLV per configured
// server (up to two), without advancing past the kind until both entries
// are exhausted, to support multi-valued attributes. IPv4-Subnet is never
// set on emit by any current caller, so its branch never fires in
// practice, but is retained for a future explicit use case.
func BuildAttributesForEmit(ia InternalAddress) []Attribute {
	var attrs []Attribute

	for _, kind := range kindEmitOrder {
		if !ia.AttrSet.Has(kind) {
			continue
		}

		switch kind {
		case AttrIPv4Address:
			attrs = append(attrs, Attribute{Kind: kind, Value: addrBytes(ia.Addr)})

		case AttrIPv4Netmask:
			// RFC 3456: network order, all-ones for a /32 host address.
			attrs = append(attrs, Attribute{Kind: kind, Value: []byte{0xff, 0xff, 0xff, 0xff}})

		case AttrIPv4Subnet:
			attrs = append(attrs, Attribute{Kind: kind, Value: append(addrBytes(ia.Addr), 0xff, 0xff, 0xff, 0xff)})

		case AttrIPv4DNS:
			for _, d := range firstN(ia.DNS, maxNameServers) {
				attrs = append(attrs, Attribute{Kind: kind, Value: addrBytes(d)})
			}

		case AttrIPv4NBNS:
			for _, n := range firstN(ia.NBNS, maxNameServers) {
				attrs = append(attrs, Attribute{Kind: kind, Value: addrBytes(n)})
			}
		}
	}

	return attrs
}

func firstN(addrs []netip.Addr, n int) []netip.Addr {
	if len(addrs) > n {
		return addrs[:n]
	}
	return addrs
}

// ParseAttributesIntoInternalAddress decodes attrs into an InternalAddress,
// logging and skipping any kind this implementation does not recognize:
// unknown attribute kinds received on the wire are logged and ignored and
// never appear in the bitset.
func ParseAttributesIntoInternalAddress(log *slog.Logger, attrs []Attribute) InternalAddress {
	var ia InternalAddress

	for _, a := range attrs {
		switch a.Kind {
		case AttrIPv4Address:
			if addr, ok := addrFromBytes(a.Value); ok {
				ia.Addr = addr
				ia.AttrSet = ia.AttrSet.Set(AttrIPv4Address)
			}

		case AttrIPv4Netmask:
			ia.AttrSet = ia.AttrSet.Set(AttrIPv4Netmask)

		case AttrIPv4Subnet:
			ia.AttrSet = ia.AttrSet.Set(AttrIPv4Subnet)

		case AttrIPv4DNS:
			if len(ia.DNS) < maxNameServers {
				if addr, ok := addrFromBytes(a.Value); ok {
					ia.DNS = append(ia.DNS, addr)
					ia.AttrSet = ia.AttrSet.Set(AttrIPv4DNS)
				}
			}

		case AttrIPv4NBNS:
			if len(ia.NBNS) < maxNameServers {
				if addr, ok := addrFromBytes(a.Value); ok {
					ia.NBNS = append(ia.NBNS, addr)
					ia.AttrSet = ia.AttrSet.Set(AttrIPv4NBNS)
				}
			}

		default:
			if log != nil {
				log.Warn("modecfg: ignoring unrecognized attribute kind", "kind", uint16(a.Kind))
			}
		}
	}

	return ia
}

// DispatchResult is the outcome of matching an inbound Attribute payload
// against the expected isama_type for the session's current ModeCfg
// state.
type DispatchResult struct {
	Event   Event
	Addr    InternalAddress
	Status  Status
	Matched bool
}

// requiresAddress reports whether event's transition applies an assigned
// address (ActionApplyAddress in fsmTable), meaning a payload missing
// AttrIPv4Address cannot be honored and must FAIL rather than proceed.
func requiresAddress(event Event) bool {
	switch event {
	case EventRecvReply, EventRecvSet:
		return true
	default:
		return false
	}
}

// DispatchAttributePayload applies the incoming-dispatch rule: if
// payload.MsgType matches the kind expected for state, parse its
// attributes and report the FSM event to apply. If it does not match, the
// payload is still parsed (for its side effects, i.e. so unrecognized
// attribute warnings are still logged) but the result is discarded and
// Matched is false -- the caller logs a warning and returns IGNORE, a
// permissive-receive policy for unexpected-but-valid messages.
//
// A payload that does match the expected isama_type but omits the
// AttrIPv4Address this event's transition requires is structurally valid
// (HASH-verifiable) yet semantically incomplete -- there is no address to
// apply. That case reports StatusFail with Matched true, directing the
// caller to send ATTRIBUTES_NOT_SUPPORTED and abandon the exchange instead
// of applying the event.
func DispatchAttributePayload(log *slog.Logger, state State, payload AttributePayload) DispatchResult {
	ia := ParseAttributesIntoInternalAddress(log, payload.Attributes)

	expected, hasExpectation := expectedMsgType(state)
	if !hasExpectation || payload.MsgType != expected {
		return DispatchResult{Status: StatusIgnore, Addr: ia, Matched: false}
	}

	event, ok := MsgTypeToEvent(payload.MsgType)
	if !ok {
		return DispatchResult{Status: StatusIgnore, Addr: ia, Matched: false}
	}

	if requiresAddress(event) && !ia.AttrSet.Has(AttrIPv4Address) {
		return DispatchResult{Event: event, Addr: ia, Status: StatusFail, Matched: true}
	}

	return DispatchResult{Event: event, Addr: ia, Status: StatusOK, Matched: true}
}

// BuildReplyAttributes constructs the attribute list for a responder's
// REPLY in pull mode, derived from conn's configuration.
func BuildReplyAttributes(conn *Connection) []Attribute {
	ia := GetFromConnection(conn)
	return BuildAttributesForEmit(ia)
}

// BuildAckAttributes constructs the attribute list for an ACK, echoing
// back the intersection of the received attribute set with the kinds this
// implementation supports, each with a zero-length value.
func BuildAckAttributes(received AttrSet) []Attribute {
	var attrs []Attribute
	for _, kind := range kindEmitOrder {
		if received.Has(kind) && supportedAttrSet.Has(kind) {
			attrs = append(attrs, Attribute{Kind: kind, Value: nil})
		}
	}
	return attrs
}

// addrBytes returns addr's 4-byte big-endian representation, or a
// zero-length slice if addr is not a valid IPv4 address.
func addrBytes(addr netip.Addr) []byte {
	if !addr.IsValid() || !addr.Is4() {
		return nil
	}
	a4 := addr.As4()
	return a4[:]
}

// addrFromBytes parses a 4-byte big-endian IPv4 address.
func addrFromBytes(b []byte) (netip.Addr, bool) {
	if len(b) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(b)), true
}
