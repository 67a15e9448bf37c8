package models

import (
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Token correlates a request datagram with its response
type Token uint16

// UplinkMessage represents one received frame on its way to the backend
type UplinkMessage struct {
	GatewayEUI lorawan.EUI64
	Frame      RadioFrame
	Token      Token
}

// DownlinkJob represents a transmit request decoded from a PULL_RESP
type DownlinkJob struct {
	Token   Token
	Payload []byte

	// Timing: either Immediate, or an absolute counter value in Timestamp
	Immediate    bool
	Timestamp    lorawan.Timestamp
	HasTimestamp bool

	Frequency      uint32
	RFChain        uint8
	DataRate       lorawan.DataRate
	CodingRate     lorawan.CodingRate
	Power          int
	InvertPolarity bool
	NoCRC          bool
	PreambleLength int
}

// TxAckError is the outcome reported to the backend in a TX_ACK
type TxAckError string

const (
	TxAckNone            TxAckError = "NONE"
	TxAckTooLate         TxAckError = "TOO_LATE"
	TxAckTooEarly        TxAckError = "TOO_EARLY"
	TxAckCollisionPacket TxAckError = "COLLISION_PACKET"
	TxAckTxFreq          TxAckError = "TX_FREQ"
	TxAckTxPower         TxAckError = "TX_POWER"
)
