// Package radio owns the single LoRa transceiver: it decides when to listen,
// when to scan for channel activity and when to transmit.
package radio

import (
	"errors"
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// ErrRadioBusy is returned by a HAL that cannot accept a command right now
var ErrRadioBusy = errors.New("radio busy")

// Settings is the channel configuration applied to the transceiver
type Settings struct {
	Frequency      uint32
	DataRate       lorawan.DataRate
	CodingRate     lorawan.CodingRate
	PreambleLength int
	TxPower        int
	CAD            bool
}

// Modulation returns the air-time parameters of the configured channel
func (s Settings) Modulation() lorawan.Modulation {
	return lorawan.Modulation{
		DataRate:       s.DataRate,
		CodingRate:     s.CodingRate,
		PreambleLength: s.PreambleLength,
		CRC:            true,
	}
}

// TxParams describes how a single downlink is modulated
type TxParams struct {
	Frequency      uint32
	DataRate       lorawan.DataRate
	CodingRate     lorawan.CodingRate
	Power          int
	InvertPolarity bool
	NoCRC          bool
	PreambleLength int
}

// Modulation returns the air-time parameters of the downlink
func (p TxParams) Modulation() lorawan.Modulation {
	return lorawan.Modulation{
		DataRate:       p.DataRate,
		CodingRate:     p.CodingRate,
		PreambleLength: p.PreambleLength,
		CRC:            !p.NoCRC,
	}
}

// RawFrame is what the transceiver FIFO yields after an RX-done interrupt
type RawFrame struct {
	Payload  []byte
	RSSI     int
	SNR      float64
	CRC      bool // frame carried a payload CRC
	CRCError bool
	// SpreadingFactor as decoded from the header; zero when unknown
	SpreadingFactor lorawan.SpreadingFactor
}

// HAL is the register-level driver of the transceiver. Interrupts are not
// part of the interface: the driver reports them through an EventQueue.
type HAL interface {
	Configure(s Settings) error
	StartReceive() error
	StartCAD() error
	Standby() error
	ReadFrame() (RawFrame, error)
	// Transmit sends payload when the counter reaches at, or right away if
	// at has already passed.
	Transmit(payload []byte, at lorawan.Timestamp, params TxParams) error
	Now() lorawan.Timestamp
}

// cadDuration is how long a CAD scan listens before it reports detection
func cadDuration(m lorawan.Modulation) time.Duration {
	return 2 * m.SymbolPeriod()
}
