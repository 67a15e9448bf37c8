package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// ErrStopped is returned when the control loop no longer serves requests
var ErrStopped = errors.New("gateway stopped")

// Status is a point-in-time view of the gateway
type Status struct {
	Session            uuid.UUID           `json:"session"`
	EUI                lorawan.EUI64       `json:"eui"`
	Started            time.Time           `json:"started"`
	Uptime             float64             `json:"uptimeSeconds"`
	Radio              RadioStatus         `json:"radio"`
	Stats              models.GatewayStats `json:"stats"`
	AckRatio           float64             `json:"ackRatio"`
	OutstandingUplinks int                 `json:"outstandingUplinks"`
}

// RadioStatus describes the radio scheduler
type RadioStatus struct {
	State        string             `json:"state"`
	Now          lorawan.Timestamp  `json:"tmst"`
	Frequency    uint32             `json:"frequency"`
	DataRate     string             `json:"dataRate"`
	CAD          bool               `json:"cad"`
	PendingToken *models.Token      `json:"pendingToken,omitempty"`
	PendingAt    *lorawan.Timestamp `json:"pendingAt,omitempty"`
}

// RadioChange is an operator request to move the radio to another channel.
// Zero fields keep their current value.
type RadioChange struct {
	Frequency       uint32 `json:"frequency"`
	SpreadingFactor int    `json:"spreadingFactor"`
	CAD             *bool  `json:"cad"`
}

// do runs fn on the control loop and waits for it
func (g *Gateway) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case g.requests <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopped, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopped, ctx.Err())
	}
}

// Status returns a snapshot taken on the control loop
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	var st Status
	err := g.do(ctx, func() { st = g.status() })
	return st, err
}

func (g *Gateway) status() Status {
	settings := g.radio.Settings()
	st := Status{
		Session: g.session,
		EUI:     g.identity.EUI,
		Started: g.started,
		Uptime:  time.Since(g.started).Seconds(),
		Radio: RadioStatus{
			State:     g.radio.State().String(),
			Now:       g.hal.Now(),
			Frequency: settings.Frequency,
			DataRate:  settings.DataRate.String(),
			CAD:       settings.CAD,
		},
		Stats:              g.stats.Clone(),
		AckRatio:           g.stats.AckRatio(),
		OutstandingUplinks: g.forwarder.Outstanding(),
	}
	if p, ok := g.radio.Pending(); ok {
		st.Radio.PendingToken = &p.Token
		st.Radio.PendingAt = &p.At
	}
	return st
}

// ResetStats zeroes the session counters and counts the reset
func (g *Gateway) ResetStats(ctx context.Context) (models.GatewayStats, error) {
	var out models.GatewayStats
	err := g.do(ctx, func() {
		g.stats.Reset()
		g.stats.Resets++
		g.saveState()
		out = g.stats.Clone()
		log.Info().Uint64("resets", g.stats.Resets).Msg("Statistics reset by operator")
	})
	return out, err
}

// Reconfigure moves the radio to another channel. A downlink waiting for
// its slot is cancelled.
func (g *Gateway) Reconfigure(ctx context.Context, change RadioChange) (RadioStatus, error) {
	var (
		out    RadioStatus
		cfgErr error
	)
	err := g.do(ctx, func() {
		settings := g.radio.Settings()
		if change.Frequency != 0 {
			if !g.region.ValidFrequency(change.Frequency) {
				cfgErr = fmt.Errorf("frequency %d outside %s band", change.Frequency, g.region.Name)
				return
			}
			settings.Frequency = change.Frequency
		}
		if change.SpreadingFactor != 0 {
			sf := lorawan.SpreadingFactor(change.SpreadingFactor)
			if !sf.Valid() {
				cfgErr = fmt.Errorf("invalid spreading factor %d", change.SpreadingFactor)
				return
			}
			settings.DataRate.SpreadingFactor = sf
		}
		if change.CAD != nil {
			settings.CAD = *change.CAD
		}

		if err := g.radio.Reconfigure(settings); err != nil {
			cfgErr = err
			return
		}
		log.Info().
			Uint32("frequency", settings.Frequency).
			Str("datr", settings.DataRate.String()).
			Bool("cad", settings.CAD).
			Msg("Radio reconfigured by operator")
		out = g.status().Radio
	})
	if err != nil {
		return out, err
	}
	return out, cfgErr
}
