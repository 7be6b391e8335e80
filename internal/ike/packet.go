// Package ike wire format for ModeCfg messages: a 28-byte IKE header
// followed by a HASH payload and an Attribute payload, per RFC 2408/2409
// and the ISAKMP Mode Config draft. Constant-table-driven layout,
// encoding/binary, explicit size constants, Encode*/Decode* functions
// returning []byte or the decoded value (plus any remaining bytes) and an
// error.
package ike

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
)

const (
	unknownStr = "UNKNOWN"
	unknownFmt = "UNKNOWN(%d)"
)

// Protocol constants.
const (
	// Version is the ISAKMP header version field, major 1 / minor 0.
	Version uint8 = 0x10

	// ExchangeModeCfg is the ISAKMP exchange type used for ModeCfg messages.
	ExchangeModeCfg uint8 = 0x06

	// ExchangeInformational is the ISAKMP exchange type used to carry a
	// standalone Notification payload, per RFC 2408 5.8.
	ExchangeInformational uint8 = 0x05

	// FlagEncryption marks the payloads following the header as encrypted.
	FlagEncryption uint8 = 0x01

	// Payload next-payload type codes.
	PayloadNone      uint8 = 0
	PayloadHash      uint8 = 8
	PayloadNotify    uint8 = 11
	PayloadAttribute uint8 = 14

	// ISAKMPDOI is the Domain of Interpretation carried in a Notification
	// payload for an ISAKMP-level (non-IPsec-DOI) notify.
	ISAKMPDOI uint32 = 1

	// ISAKMPProtoID identifies ISAKMP itself as the protocol a Notification
	// payload pertains to, per RFC 2408 3.14's Protocol-ID table.
	ISAKMPProtoID uint8 = 1

	// NotifyAttributesNotSupported is the ISAKMP notify message type sent
	// when a ModeCfg attribute payload cannot be honored, per RFC 2408
	// 3.14.1's table (ATTRIBUTES-NOT-SUPPORTED = 13).
	NotifyAttributesNotSupported uint16 = 13
)

// Wire size constants.
const (
	// HeaderSize is the fixed ISAKMP header length: two 8-byte cookies plus
	// six single/multi-byte fields (next_payload, version, exchange, flags,
	// msgid, length) = 8+8+1+1+1+1+4+4.
	HeaderSize = 28

	hashPayloadHeaderSize   = 4
	attrPayloadHeaderSize   = 8
	attributeHeaderSize     = 4
	notifyPayloadHeaderSize = 12

	// MaxPacketSize bounds a single ModeCfg datagram; generous for a UDP
	// payload carrying at most a handful of short TLV attributes.
	MaxPacketSize = 4096
)

// ModeCfg message (isama_type) codes.
const (
	MsgTypeRequest uint8 = 1
	MsgTypeReply   uint8 = 2
	MsgTypeSet     uint8 = 3
	MsgTypeAck     uint8 = 4
)

// MsgTypeName returns the human-readable name of a ModeCfg message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgTypeRequest:
		return "REQUEST"
	case MsgTypeReply:
		return "REPLY"
	case MsgTypeSet:
		return "SET"
	case MsgTypeAck:
		return "ACK"
	default:
		return fmt.Sprintf(unknownFmt, t)
	}
}

// Errors returned by the codec.
var (
	ErrShortBuffer  = errors.New("buffer too short")
	ErrLengthField  = errors.New("length field inconsistent with buffer")
	ErrAttrTooShort = errors.New("attribute truncated")
)

// Header is the fixed 28-byte ISAKMP header.
type Header struct {
	ICookie     [8]byte
	RCookie     [8]byte
	NextPayload uint8
	Version     uint8
	Exchange    uint8
	Flags       uint8
	MessageID   uint32
	Length      uint32
}

// EncodeHeader writes h's wire representation into a fresh HeaderSize-byte
// slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], h.ICookie[:])
	copy(buf[8:16], h.RCookie[:])
	buf[16] = h.NextPayload
	buf[17] = h.Version
	buf[18] = h.Exchange
	buf[19] = h.Flags
	binary.BigEndian.PutUint32(buf[20:24], h.MessageID)
	binary.BigEndian.PutUint32(buf[24:28], h.Length)
	return buf
}

// DecodeHeader parses a Header from the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: %w", ErrShortBuffer)
	}
	var h Header
	copy(h.ICookie[:], b[0:8])
	copy(h.RCookie[:], b[8:16])
	h.NextPayload = b[16]
	h.Version = b[17]
	h.Exchange = b[18]
	h.Flags = b[19]
	h.MessageID = binary.BigEndian.Uint32(b[20:24])
	h.Length = binary.BigEndian.Uint32(b[24:28])
	return h, nil
}

// Attribute is one ModeCfg TLV attribute: a recognized kind and its raw
// value bytes. ModeCfg uses only the TLV form (af_type high bit clear).
type Attribute struct {
	Kind  AttrKind
	Value []byte
}

// EncodeAttribute appends the wire form of attr to buf and returns the
// result.
func EncodeAttribute(buf []byte, attr Attribute) []byte {
	var hdr [attributeHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(attr.Kind)&0x7fff)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(attr.Value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, attr.Value...)
	return buf
}

// DecodeAttribute parses one TLV attribute from the front of b and returns
// it along with the remaining, unconsumed bytes.
func DecodeAttribute(b []byte) (Attribute, []byte, error) {
	if len(b) < attributeHeaderSize {
		return Attribute{}, nil, fmt.Errorf("decode attribute: %w", ErrAttrTooShort)
	}
	afType := binary.BigEndian.Uint16(b[0:2])
	length := binary.BigEndian.Uint16(b[2:4])
	kind := AttrKind(afType & 0x7fff)

	rest := b[attributeHeaderSize:]
	if len(rest) < int(length) {
		return Attribute{}, nil, fmt.Errorf("decode attribute kind %d: %w", kind, ErrAttrTooShort)
	}
	value := rest[:length]
	return Attribute{Kind: kind, Value: value}, rest[length:], nil
}

// AttributePayload is the ModeCfg Attribute payload: a message-type/
// identifier header followed by a sequence of TLV attributes.
type AttributePayload struct {
	NextPayload uint8
	MsgType     uint8
	Identifier  uint16
	Attributes  []Attribute
}

// EncodeAttributePayload serializes p, including its 8-byte payload header.
func EncodeAttributePayload(p AttributePayload) []byte {
	body := make([]byte, 0, attrPayloadHeaderSize)
	for _, a := range p.Attributes {
		body = EncodeAttribute(body, a)
	}

	buf := make([]byte, attrPayloadHeaderSize)
	buf[0] = p.NextPayload
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(attrPayloadHeaderSize+len(body)))
	buf[4] = p.MsgType
	buf[5] = 0
	binary.BigEndian.PutUint16(buf[6:8], p.Identifier)
	buf = append(buf, body...)
	return buf
}

// DecodeAttributePayload parses an Attribute payload, including its
// 8-byte header, from the front of b.
func DecodeAttributePayload(b []byte) (AttributePayload, error) {
	if len(b) < attrPayloadHeaderSize {
		return AttributePayload{}, fmt.Errorf("decode attribute payload: %w", ErrShortBuffer)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < attrPayloadHeaderSize || length > len(b) {
		return AttributePayload{}, fmt.Errorf("decode attribute payload: %w", ErrLengthField)
	}

	p := AttributePayload{
		NextPayload: b[0],
		MsgType:     b[4],
		Identifier:  binary.BigEndian.Uint16(b[6:8]),
	}

	rest := b[attrPayloadHeaderSize:length]
	for len(rest) > 0 {
		attr, tail, err := DecodeAttribute(rest)
		if err != nil {
			return AttributePayload{}, fmt.Errorf("decode attribute payload: %w", err)
		}
		p.Attributes = append(p.Attributes, attr)
		rest = tail
	}
	return p, nil
}

// HashPayload is the leading HASH payload: next-payload header plus the
// raw digest bytes.
type HashPayload struct {
	NextPayload uint8
	Digest      []byte
}

// EncodeHashPayload serializes p, including its 4-byte header.
func EncodeHashPayload(p HashPayload) []byte {
	buf := make([]byte, hashPayloadHeaderSize, hashPayloadHeaderSize+len(p.Digest))
	buf[0] = p.NextPayload
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], uint16(hashPayloadHeaderSize+len(p.Digest)))
	buf = append(buf, p.Digest...)
	return buf
}

// DecodeHashPayload parses a HASH payload from the front of b.
func DecodeHashPayload(b []byte) (HashPayload, []byte, error) {
	if len(b) < hashPayloadHeaderSize {
		return HashPayload{}, nil, fmt.Errorf("decode hash payload: %w", ErrShortBuffer)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < hashPayloadHeaderSize || length > len(b) {
		return HashPayload{}, nil, fmt.Errorf("decode hash payload: %w", ErrLengthField)
	}
	p := HashPayload{
		NextPayload: b[0],
		Digest:      b[hashPayloadHeaderSize:length],
	}
	return p, b[length:], nil
}

// BuiltMessage is the result of building an outgoing ModeCfg message: the
// fully serialized, HASH-back-patched bytes and the byte offset at which
// the HASH digest begins (exposed so a caller that wants to re-verify or
// re-sign the message need not re-parse it).
type BuiltMessage struct {
	Bytes      []byte
	HashOffset int
}

// BuildModeCfgMessage constructs a complete ModeCfg datagram: header, HASH
// payload, Attribute payload. The HASH digest is computed over
// msgid||attribute-payload-bytes using hashFunc, after the attribute
// payload has been serialized -- resolving the back-patch ambiguity by
// returning the digest's offset explicitly rather than relying on an
// implicit pointer-publication order.
func BuildModeCfgMessage(
	icookie, rcookie [8]byte,
	msgID uint32,
	msgType uint8,
	identifier uint16,
	attrs []Attribute,
	hashFunc func() hash.Hash,
	skeyidA []byte,
) BuiltMessage {
	attrPayload := EncodeAttributePayload(AttributePayload{
		NextPayload: PayloadNone,
		MsgType:     msgType,
		Identifier:  identifier,
		Attributes:  attrs,
	})

	digest := ComputeHMAC(hashFunc, skeyidA, msgID, attrPayload)

	hashPayload := EncodeHashPayload(HashPayload{
		NextPayload: PayloadAttribute,
		Digest:      digest,
	})

	header := Header{
		ICookie:     icookie,
		RCookie:     rcookie,
		NextPayload: PayloadHash,
		Version:     Version,
		Exchange:    ExchangeModeCfg,
		Flags:       FlagEncryption,
		MessageID:   msgID,
		Length:      uint32(HeaderSize + len(hashPayload) + len(attrPayload)),
	}

	out := EncodeHeader(header)
	hashOffset := len(out) + hashPayloadHeaderSize
	out = append(out, hashPayload...)
	out = append(out, attrPayload...)

	return BuiltMessage{Bytes: out, HashOffset: hashOffset}
}

// ComputeHMAC computes HMAC(skeyidA, msgID || attrPayloadBytes) using
// hashFunc, matching the session's negotiated hash algorithm.
func ComputeHMAC(hashFunc func() hash.Hash, skeyidA []byte, msgID uint32, attrPayloadBytes []byte) []byte {
	mac := newHMAC(hashFunc, skeyidA)
	var msgIDBuf [4]byte
	binary.BigEndian.PutUint32(msgIDBuf[:], msgID)
	mac.Write(msgIDBuf[:])
	mac.Write(attrPayloadBytes)
	return mac.Sum(nil)
}

// Message is a fully decoded ModeCfg datagram, produced by ParseModeCfgMessage.
type Message struct {
	Header      Header
	Hash        HashPayload
	Attribute   AttributePayload
	rawMsgIDBuf [4]byte
	rawAttrs    []byte
}

// ParseModeCfgMessage decodes b as a ModeCfg message (header, HASH
// payload, Attribute payload) without verifying the HASH; call VerifyHash
// separately once the session's keys are available.
func ParseModeCfgMessage(b []byte) (Message, error) {
	header, err := DecodeHeader(b)
	if err != nil {
		return Message{}, fmt.Errorf("parse modecfg message: %w", err)
	}
	if header.Exchange != ExchangeModeCfg {
		return Message{}, fmt.Errorf("parse modecfg message: exchange %d: %w", header.Exchange, ErrLengthField)
	}

	rest := b[HeaderSize:]
	hashPayload, rest, err := DecodeHashPayload(rest)
	if err != nil {
		return Message{}, fmt.Errorf("parse modecfg message: %w", err)
	}

	attrPayload, err := DecodeAttributePayload(rest)
	if err != nil {
		return Message{}, fmt.Errorf("parse modecfg message: %w", err)
	}

	msg := Message{
		Header:    header,
		Hash:      hashPayload,
		Attribute: attrPayload,
		rawAttrs:  rest[:len(rest)],
	}
	binary.BigEndian.PutUint32(msg.rawMsgIDBuf[:], header.MessageID)
	return msg, nil
}

// VerifyHash recomputes the HMAC over the message's msgid||attribute-payload
// range and reports whether it matches the digest carried in the message.
func (m Message) VerifyHash(hashFunc func() hash.Hash, skeyidA []byte) bool {
	want := ComputeHMAC(hashFunc, skeyidA, m.Header.MessageID, m.rawAttrs)
	return hmacEqual(want, m.Hash.Digest)
}

// NotifyPayload is an ISAKMP Notification payload (RFC 2408 3.14): a
// protocol/SPI header identifying what the notify concerns, followed by
// an optional SPI and notification data.
type NotifyPayload struct {
	NextPayload uint8
	DOI         uint32
	ProtoID     uint8
	MsgType     uint16
	SPI         []byte
	Data        []byte
}

// EncodeNotifyPayload serializes p, including its 12-byte header.
func EncodeNotifyPayload(p NotifyPayload) []byte {
	buf := make([]byte, notifyPayloadHeaderSize, notifyPayloadHeaderSize+len(p.SPI)+len(p.Data))
	buf[0] = p.NextPayload
	buf[1] = 0
	binary.BigEndian.PutUint32(buf[4:8], p.DOI)
	buf[8] = p.ProtoID
	buf[9] = byte(len(p.SPI))
	binary.BigEndian.PutUint16(buf[10:12], p.MsgType)
	buf = append(buf, p.SPI...)
	buf = append(buf, p.Data...)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf
}

// DecodeNotifyPayload parses a Notification payload from the front of b.
func DecodeNotifyPayload(b []byte) (NotifyPayload, []byte, error) {
	if len(b) < notifyPayloadHeaderSize {
		return NotifyPayload{}, nil, fmt.Errorf("decode notify payload: %w", ErrShortBuffer)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < notifyPayloadHeaderSize || length > len(b) {
		return NotifyPayload{}, nil, fmt.Errorf("decode notify payload: %w", ErrLengthField)
	}
	spiSize := int(b[9])
	body := b[notifyPayloadHeaderSize:length]
	if len(body) < spiSize {
		return NotifyPayload{}, nil, fmt.Errorf("decode notify payload: %w", ErrLengthField)
	}
	p := NotifyPayload{
		NextPayload: b[0],
		DOI:         binary.BigEndian.Uint32(b[4:8]),
		ProtoID:     b[8],
		MsgType:     binary.BigEndian.Uint16(b[10:12]),
		SPI:         body[:spiSize],
		Data:        body[spiSize:],
	}
	return p, b[length:], nil
}

// BuildFailNotify constructs a HASH-protected Informational exchange
// carrying an ATTRIBUTES-NOT-SUPPORTED notify, sent to abandon a ModeCfg
// exchange whose attribute payload could not be honored.
func BuildFailNotify(
	icookie, rcookie [8]byte,
	msgID uint32,
	hashFunc func() hash.Hash,
	skeyidA []byte,
) BuiltMessage {
	notifyPayload := EncodeNotifyPayload(NotifyPayload{
		NextPayload: PayloadNone,
		DOI:         ISAKMPDOI,
		ProtoID:     ISAKMPProtoID,
		MsgType:     NotifyAttributesNotSupported,
	})

	digest := ComputeHMAC(hashFunc, skeyidA, msgID, notifyPayload)

	hashPayload := EncodeHashPayload(HashPayload{
		NextPayload: PayloadNotify,
		Digest:      digest,
	})

	header := Header{
		ICookie:     icookie,
		RCookie:     rcookie,
		NextPayload: PayloadHash,
		Version:     Version,
		Exchange:    ExchangeInformational,
		Flags:       FlagEncryption,
		MessageID:   msgID,
		Length:      uint32(HeaderSize + len(hashPayload) + len(notifyPayload)),
	}

	out := EncodeHeader(header)
	hashOffset := len(out) + hashPayloadHeaderSize
	out = append(out, hashPayload...)
	out = append(out, notifyPayload...)

	return BuiltMessage{Bytes: out, HashOffset: hashOffset}
}
