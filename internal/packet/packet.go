// Package packet implements the Semtech UDP packet-forwarder protocol as
// spoken by a gateway: a 4-byte binary header followed by a JSON body.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Semtech UDP protocol versions
const (
	ProtocolVersion1 uint8 = 1
	ProtocolVersion2 uint8 = 2
)

// PacketType is the identifier carried in the fourth header byte
type PacketType byte

// Packet types
const (
	PushData PacketType = 0x00
	PushAck  PacketType = 0x01
	PullData PacketType = 0x02
	PullResp PacketType = 0x03
	PullAck  PacketType = 0x04
	TxAck    PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	}
	return fmt.Sprintf("PacketType(0x%02x)", byte(t))
}

const (
	// HeaderSize is {version, token(2), type}
	HeaderSize = 4
	euiSize    = 8
)

// Decode errors. Every decode failure wraps exactly one of them.
var (
	ErrMalformed          = errors.New("malformed datagram")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// DecodeError is returned by all decoders in this package
type DecodeError struct {
	Kind error // ErrMalformed or ErrUnsupportedVersion
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

// Is matches the error kind
func (e *DecodeError) Is(target error) bool {
	return target == e.Kind
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Kind: ErrMalformed, Err: fmt.Errorf(format, args...)}
}

// Header is the fixed part of every datagram
type Header struct {
	Version uint8
	Token   models.Token
	Type    PacketType
}

// DecodeHeader validates and extracts the datagram header
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, malformed("datagram of %d bytes is shorter than header", len(data))
	}

	h := Header{
		Version: data[0],
		Token:   models.Token(binary.BigEndian.Uint16(data[1:3])),
		Type:    PacketType(data[3]),
	}
	if h.Version != ProtocolVersion1 && h.Version != ProtocolVersion2 {
		return h, &DecodeError{Kind: ErrUnsupportedVersion, Err: fmt.Errorf("version %d", h.Version)}
	}
	if h.Type > TxAck {
		return h, malformed("unknown packet type 0x%02x", byte(h.Type))
	}
	return h, nil
}

func appendHeader(buf []byte, version uint8, token models.Token, typ PacketType) []byte {
	buf = append(buf, version, 0, 0, byte(typ))
	binary.BigEndian.PutUint16(buf[len(buf)-3:len(buf)-1], uint16(token))
	return buf
}

// decodeGatewayHeader decodes a gateway→server datagram: header plus EUI
func decodeGatewayHeader(data []byte, want PacketType) (Header, lorawan.EUI64, error) {
	var eui lorawan.EUI64

	h, err := DecodeHeader(data)
	if err != nil {
		return h, eui, err
	}
	if h.Type != want {
		return h, eui, malformed("expected %s, got %s", want, h.Type)
	}
	if len(data) < HeaderSize+euiSize {
		return h, eui, malformed("%s without gateway EUI", h.Type)
	}
	copy(eui[:], data[HeaderSize:HeaderSize+euiSize])
	return h, eui, nil
}
