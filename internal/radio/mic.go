package radio

import (
	"errors"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

var errMICMismatch = errors.New("MIC mismatch")

// MICChecker verifies uplink data frames of a fixed set of devices. Frames
// of other devices, and frames that are not data uplinks, always pass.
type MICChecker struct {
	keys     map[lorawan.DevAddr]lorawan.AES128Key
	lastFCnt map[lorawan.DevAddr]uint32
}

// NewMICChecker creates a checker for the given NwkSKeys
func NewMICChecker(keys map[lorawan.DevAddr]lorawan.AES128Key) *MICChecker {
	return &MICChecker{
		keys:     keys,
		lastFCnt: make(map[lorawan.DevAddr]uint32),
	}
}

// Check returns nil when payload is acceptable
func (m *MICChecker) Check(payload []byte) error {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(payload); err != nil {
		return nil
	}
	if !phy.MHDR.MType.IsDataUp() {
		return nil
	}

	fhdr, err := phy.DataFrameHeader()
	if err != nil {
		return nil
	}
	key, ok := m.keys[fhdr.DevAddr]
	if !ok {
		return nil
	}

	last := m.lastFCnt[fhdr.DevAddr]
	valid, err := phy.ValidateUplinkDataMIC(last, key)
	if err != nil {
		return err
	}
	if !valid {
		return errMICMismatch
	}
	m.lastFCnt[fhdr.DevAddr] = lorawan.GetFullFCnt(last, fhdr.FCnt)
	return nil
}
