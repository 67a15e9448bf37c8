package models

import (
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// CRCStatus follows the Semtech "stat" field
type CRCStatus int8

const (
	CRCNone CRCStatus = 0
	CRCOK   CRCStatus = 1
	CRCBad  CRCStatus = -1
)

// RadioFrame represents one frame captured by the radio. It is immutable
// once captured and passed by value; Payload must not be modified.
type RadioFrame struct {
	Payload []byte `json:"payload"`

	// Timestamp estimates the start of the preamble on the gateway's
	// 32-bit microsecond counter
	Timestamp lorawan.Timestamp `json:"tmst"`

	Frequency  uint32             `json:"frequency"`
	DataRate   lorawan.DataRate   `json:"dataRate"`
	CodingRate lorawan.CodingRate `json:"codingRate"`
	RSSI       int                `json:"rssi"`
	SNR        float64            `json:"snr"`
	Channel    uint8              `json:"channel"`
	RFChain    uint8              `json:"rfChain"`
	CRCStatus  CRCStatus          `json:"crcStatus"`
}

// MType returns the LoRaWAN message type carried in the first byte, or
// false for an empty payload.
func (f RadioFrame) MType() (lorawan.MType, bool) {
	if len(f.Payload) == 0 {
		return 0, false
	}
	return lorawan.MType(f.Payload[0] >> 5), true
}
