package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Event is a copy of gateway activity published to the optional mirror
type Event struct {
	ID         uuid.UUID     `json:"id"`
	SessionID  uuid.UUID     `json:"sessionId"`
	GatewayEUI lorawan.EUI64 `json:"gatewayEui"`
	Type       EventType     `json:"type"`
	Time       time.Time     `json:"time"`
	Data       interface{}   `json:"data,omitempty"`
}

// EventType represents event types
type EventType string

const (
	EventTypeUplink   EventType = "rx"
	EventTypeDownlink EventType = "tx"
	EventTypeStats    EventType = "stat"
	EventTypeDrop     EventType = "drop"
)

// NewEvent creates an event stamped with a fresh id
func NewEvent(session uuid.UUID, eui lorawan.EUI64, typ EventType, data interface{}) Event {
	return Event{
		ID:         uuid.New(),
		SessionID:  session,
		GatewayEUI: eui,
		Type:       typ,
		Time:       time.Now().UTC(),
		Data:       data,
	}
}

// DownlinkEvent describes the outcome of a downlink job
type DownlinkEvent struct {
	Token     Token             `json:"token"`
	At        lorawan.Timestamp `json:"tmst"`
	Frequency uint32            `json:"frequency"`
	DataRate  string            `json:"dataRate"`
	Size      int               `json:"size"`
	Result    TxAckError        `json:"result"`
}

// DropEvent describes a discarded item worth surfacing to an operator
type DropEvent struct {
	Reason DropReason `json:"reason"`
	Token  *Token     `json:"token,omitempty"`
	Detail string     `json:"detail,omitempty"`
}
