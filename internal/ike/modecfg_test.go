package ike_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/dantte-lp/iked/internal/ike"
)

func TestBuildAttributesForEmitOrderAndMultiValue(t *testing.T) {
	t.Parallel()

	ia := ike.InternalAddress{
		Addr: netip.MustParseAddr("10.1.1.1"),
		DNS:  []netip.Addr{netip.MustParseAddr("8.8.8.8"), netip.MustParseAddr("8.8.4.4")},
		NBNS: []netip.Addr{netip.MustParseAddr("10.0.0.53")},
	}
	ia.AttrSet = ia.AttrSet.Set(ike.AttrIPv4Address).Set(ike.AttrIPv4Netmask).Set(ike.AttrIPv4DNS).Set(ike.AttrIPv4NBNS)

	attrs := ike.BuildAttributesForEmit(ia)

	wantKinds := []ike.AttrKind{
		ike.AttrIPv4Address, ike.AttrIPv4Netmask, ike.AttrIPv4DNS, ike.AttrIPv4DNS, ike.AttrIPv4NBNS,
	}
	if len(attrs) != len(wantKinds) {
		t.Fatalf("BuildAttributesForEmit returned %d attrs, want %d", len(attrs), len(wantKinds))
	}
	for i, want := range wantKinds {
		if attrs[i].Kind != want {
			t.Errorf("attrs[%d].Kind = %v, want %v", i, attrs[i].Kind, want)
		}
	}

	if !bytes.Equal(attrs[0].Value, []byte{10, 1, 1, 1}) {
		t.Errorf("address value = %x, want 0a010101", attrs[0].Value)
	}
	if !bytes.Equal(attrs[1].Value, []byte{255, 255, 255, 255}) {
		t.Errorf("netmask value = %x, want ffffffff", attrs[1].Value)
	}
}

func TestBuildAttributesForEmitCapsDNSAtTwo(t *testing.T) {
	t.Parallel()

	ia := ike.InternalAddress{
		DNS: []netip.Addr{
			netip.MustParseAddr("1.1.1.1"),
			netip.MustParseAddr("2.2.2.2"),
			netip.MustParseAddr("3.3.3.3"),
		},
	}
	ia.AttrSet = ia.AttrSet.Set(ike.AttrIPv4DNS)

	attrs := ike.BuildAttributesForEmit(ia)
	if len(attrs) != 2 {
		t.Fatalf("BuildAttributesForEmit returned %d DNS attrs, want 2 (capped)", len(attrs))
	}
}

func TestParseAttributesIntoInternalAddressSkipsUnknownKind(t *testing.T) {
	t.Parallel()

	attrs := []ike.Attribute{
		{Kind: ike.AttrIPv4Address, Value: []byte{192, 168, 0, 1}},
		{Kind: ike.AttrKind(999), Value: []byte{0xff}},
	}

	ia := ike.ParseAttributesIntoInternalAddress(nil, attrs)
	if !ia.AttrSet.Has(ike.AttrIPv4Address) {
		t.Error("expected IPv4-Address bit set")
	}
	if ia.Addr != netip.MustParseAddr("192.168.0.1") {
		t.Errorf("ia.Addr = %v, want 192.168.0.1", ia.Addr)
	}
}

func TestDispatchAttributePayloadMatch(t *testing.T) {
	t.Parallel()

	payload := ike.AttributePayload{
		MsgType:    ike.MsgTypeReply,
		Attributes: []ike.Attribute{{Kind: ike.AttrIPv4Address, Value: []byte{10, 0, 0, 5}}},
	}

	result := ike.DispatchAttributePayload(nil, ike.StateModeCfgI1, payload)
	if !result.Matched {
		t.Fatal("expected Matched = true for REPLY while in I1")
	}
	if result.Event != ike.EventRecvReply {
		t.Errorf("result.Event = %v, want EventRecvReply", result.Event)
	}
	if result.Status != ike.StatusOK {
		t.Errorf("result.Status = %v, want StatusOK", result.Status)
	}
	if result.Addr.Addr != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("result.Addr.Addr = %v, want 10.0.0.5", result.Addr.Addr)
	}
}

func TestDispatchAttributePayloadMismatchStillParsesButDiscards(t *testing.T) {
	t.Parallel()

	payload := ike.AttributePayload{
		MsgType:    ike.MsgTypeSet,
		Attributes: []ike.Attribute{{Kind: ike.AttrIPv4Address, Value: []byte{10, 0, 0, 5}}},
	}

	// I1 expects REPLY, not SET: the message is ignored...
	result := ike.DispatchAttributePayload(nil, ike.StateModeCfgI1, payload)
	if result.Matched {
		t.Fatal("expected Matched = false for a SET received while expecting REPLY")
	}
	if result.Status != ike.StatusIgnore {
		t.Errorf("result.Status = %v, want StatusIgnore", result.Status)
	}
	// ...but the attributes are still parsed for their side effects.
	if !result.Addr.AttrSet.Has(ike.AttrIPv4Address) {
		t.Error("expected attributes to still be parsed on a mismatched message type")
	}
}

func TestDispatchAttributePayloadMissingAddressFails(t *testing.T) {
	t.Parallel()

	payload := ike.AttributePayload{
		MsgType:    ike.MsgTypeReply,
		Attributes: []ike.Attribute{{Kind: ike.AttrIPv4DNS, Value: []byte{8, 8, 8, 8}}},
	}

	result := ike.DispatchAttributePayload(nil, ike.StateModeCfgI1, payload)
	if !result.Matched {
		t.Fatal("expected Matched = true: the REPLY isama_type itself matched the expected kind")
	}
	if result.Status != ike.StatusFail {
		t.Errorf("result.Status = %v, want StatusFail", result.Status)
	}
}

func TestDispatchAttributePayloadRequestNeedsNoAddress(t *testing.T) {
	t.Parallel()

	payload := ike.AttributePayload{MsgType: ike.MsgTypeRequest}

	result := ike.DispatchAttributePayload(nil, ike.StateModeCfgR0, payload)
	if result.Status != ike.StatusOK {
		t.Errorf("result.Status = %v, want StatusOK: REQUEST applies no address", result.Status)
	}
}

func TestBuildAckAttributesEchoesIntersectionWithZeroLength(t *testing.T) {
	t.Parallel()

	var received ike.AttrSet
	received = received.Set(ike.AttrIPv4Address).Set(ike.AttrIPv4Netmask)

	attrs := ike.BuildAckAttributes(received)
	if len(attrs) != 2 {
		t.Fatalf("BuildAckAttributes returned %d attrs, want 2", len(attrs))
	}
	for _, a := range attrs {
		if len(a.Value) != 0 {
			t.Errorf("ACK attribute %v has non-zero-length value %x", a.Kind, a.Value)
		}
	}
}

func TestBuildReplyAttributesFromConnection(t *testing.T) {
	t.Parallel()

	conn := &ike.Connection{HostSrcIP: netip.MustParseAddr("10.5.5.5")}
	attrs := ike.BuildReplyAttributes(conn)

	if len(attrs) != 2 {
		t.Fatalf("BuildReplyAttributes returned %d attrs, want 2 (address + netmask)", len(attrs))
	}
}
