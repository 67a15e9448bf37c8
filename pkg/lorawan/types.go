package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseEUI64(s)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// ParseEUI64 parses a 16 digit hex string. Separators ':' and '-' are ignored.
func ParseEUI64(s string) (EUI64, error) {
	var e EUI64
	b, err := decodeHexField(s, len(e))
	if err != nil {
		return e, fmt.Errorf("invalid EUI64 %q: %w", s, err)
	}
	copy(e[:], b)
	return e, nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDevAddr parses a big-endian hex DevAddr (as printed by network servers).
func ParseDevAddr(s string) (DevAddr, error) {
	var d DevAddr
	b, err := decodeHexField(s, len(d))
	if err != nil {
		return d, fmt.Errorf("invalid DevAddr %q: %w", s, err)
	}
	copy(d[:], b)
	return d, nil
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseAES128Key parses a 32 digit hex key.
func ParseAES128Key(s string) (AES128Key, error) {
	var k AES128Key
	b, err := decodeHexField(s, len(k))
	if err != nil {
		return k, fmt.Errorf("invalid AES128 key: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

func decodeHexField(s string, size int) ([]byte, error) {
	s = strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

var mtypeNames = [...]string{
	"JoinRequest", "JoinAccept", "UnconfirmedDataUp", "UnconfirmedDataDown",
	"ConfirmedDataUp", "ConfirmedDataDown", "RFU", "Proprietary",
}

// String returns the LoRaWAN name of the message type
func (m MType) String() string {
	if int(m) < len(mtypeNames) {
		return mtypeNames[m]
	}
	return fmt.Sprintf("MType(%d)", byte(m))
}

// IsDataUp reports whether the message type is an uplink data frame
func (m MType) IsDataUp() bool {
	return m == UnconfirmedDataUp || m == ConfirmedDataUp
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWANR1 Major = 0
)

// PHYPayload represents the physical payload
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte returns the wire encoding of the header
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

// MACPayload represents the MAC payload
type MACPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}
