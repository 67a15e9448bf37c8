package models

import (
	"sort"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Identity is the gateway description reported in stat messages
type Identity struct {
	EUI         lorawan.EUI64 `json:"eui"`
	Description string        `json:"description"`
	Platform    string        `json:"platform"`
	Email       string        `json:"email"`
	Location    Location      `json:"location"`
}

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  int     `json:"altitude"`
}

// DropReason names why a frame, datagram or job was discarded
type DropReason string

const (
	DropCRC             DropReason = "crc"
	DropSize            DropReason = "size"
	DropSFMismatch      DropReason = "sf_mismatch"
	DropMIC             DropReason = "mic"
	DropPreempted       DropReason = "preempted"
	DropDecode          DropReason = "decode"
	DropScheduleExpired DropReason = "schedule_expired"
	DropRadioFault      DropReason = "radio_fault"
	DropReplaced        DropReason = "replaced"
	DropTxBusy          DropReason = "tx_busy"
	DropNetwork         DropReason = "network"
	DropQueueOverflow   DropReason = "queue_overflow"
)

// GatewayStats holds the runtime counters of one gateway session. It is
// owned by the control loop; other goroutines only ever see a Clone.
type GatewayStats struct {
	RXReceived  uint64 `json:"rxReceived"`
	RXOK        uint64 `json:"rxOK"`
	RXForwarded uint64 `json:"rxForwarded"`

	Dropped map[DropReason]uint64 `json:"dropped"`

	AckedRoundTrips uint64 `json:"ackedRoundTrips"`
	UnackedUplinks  uint64 `json:"unackedUplinks"`

	DownlinksReceived    uint64 `json:"downlinksReceived"`
	DownlinksTransmitted uint64 `json:"downlinksTransmitted"`

	PullsSent  uint64 `json:"pullsSent"`
	PullsAcked uint64 `json:"pullsAcked"`
	StatsSent  uint64 `json:"statsSent"`

	// Lifetime counters restored from the state file
	Restarts uint64 `json:"restarts"`
	Resets   uint64 `json:"resets"`
}

// NewGatewayStats creates an empty stats object
func NewGatewayStats() *GatewayStats {
	return &GatewayStats{Dropped: make(map[DropReason]uint64)}
}

// Drop counts one discarded item
func (s *GatewayStats) Drop(reason DropReason) {
	if s.Dropped == nil {
		s.Dropped = make(map[DropReason]uint64)
	}
	s.Dropped[reason]++
}

// TotalDropped sums all drop reasons
func (s *GatewayStats) TotalDropped() uint64 {
	var n uint64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

// DropReasons returns the reasons with a non-zero count in stable order
func (s *GatewayStats) DropReasons() []DropReason {
	reasons := make([]DropReason, 0, len(s.Dropped))
	for r, n := range s.Dropped {
		if n > 0 {
			reasons = append(reasons, r)
		}
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

// AckRatio is the percentage of forwarded uplinks acknowledged by the backend
func (s *GatewayStats) AckRatio() float64 {
	if s.RXForwarded == 0 {
		return 0
	}
	ratio := 100 * float64(s.AckedRoundTrips) / float64(s.RXForwarded)
	if ratio > 100 {
		ratio = 100
	}
	return ratio
}

// Clone returns a deep copy safe to hand to another goroutine
func (s *GatewayStats) Clone() GatewayStats {
	out := *s
	out.Dropped = make(map[DropReason]uint64, len(s.Dropped))
	for k, v := range s.Dropped {
		out.Dropped[k] = v
	}
	return out
}

// Reset zeroes the session counters. Restarts and Resets survive.
func (s *GatewayStats) Reset() {
	*s = GatewayStats{
		Dropped:  make(map[DropReason]uint64),
		Restarts: s.Restarts,
		Resets:   s.Resets,
	}
}
