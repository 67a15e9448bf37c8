package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPayloadTooShort is returned when a PHYPayload cannot hold MHDR and MIC
var ErrPayloadTooShort = errors.New("PHYPayload too short")

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooShort, len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = data[1 : len(data)-4]
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+len(p.MACPayload)+4)
	out = append(out, p.MHDR.Byte())
	out = append(out, p.MACPayload...)
	out = append(out, p.MIC[:]...)
	return out, nil
}

// Unmarshal unmarshals MACPayload of a data frame
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	// DevAddr is little endian on the wire
	for i := 0; i < 4; i++ {
		m.FHDR.DevAddr[i] = data[3-i]
	}
	pos := 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// DataFrameHeader parses the frame header of an uplink data frame.
func (p *PHYPayload) DataFrameHeader() (FHDR, error) {
	if !p.MHDR.MType.IsDataUp() {
		return FHDR{}, fmt.Errorf("%s is not an uplink data frame", p.MHDR.MType)
	}
	var mac MACPayload
	if err := mac.Unmarshal(p.MACPayload, true); err != nil {
		return FHDR{}, err
	}
	return mac.FHDR, nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// ValidateUplinkDataMIC validates the MIC of a LoRaWAN 1.0 uplink data frame.
// lastFCnt is the last known 32-bit uplink counter used to restore the
// upper 16 bits of the transmitted counter.
func (p *PHYPayload) ValidateUplinkDataMIC(lastFCnt uint32, nwkSKey AES128Key) (bool, error) {
	fhdr, err := p.DataFrameHeader()
	if err != nil {
		return false, err
	}

	b0 := make([]byte, 16)
	b0[0] = 0x49
	b0[5] = 0x00 // uplink
	for i := 0; i < 4; i++ {
		b0[6+i] = fhdr.DevAddr[3-i]
	}
	binary.LittleEndian.PutUint32(b0[10:14], GetFullFCnt(lastFCnt, fhdr.FCnt))
	b0[15] = byte(1 + len(p.MACPayload))

	msg := make([]byte, 0, len(b0)+1+len(p.MACPayload))
	msg = append(msg, b0...)
	msg = append(msg, p.MHDR.Byte())
	msg = append(msg, p.MACPayload...)

	mic, err := CalculateMIC(nwkSKey[:], msg)
	if err != nil {
		return false, fmt.Errorf("calculate MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// CalculateMIC returns the first four bytes of the AES-CMAC of data
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	full, err := aesCMAC(key, data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], full[:4])
	return mic, nil
}
