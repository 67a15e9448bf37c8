package gateway

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// immediateSlack is how long an immediate job may wait for the radio
const immediateSlack = time.Second

// Windows holds the receive window offsets after an uplink
type Windows struct {
	RX1     time.Duration
	RX2     time.Duration
	JoinRX1 time.Duration
	JoinRX2 time.Duration
}

// Submitter accepts transmissions; *radio.Scheduler implements it
type Submitter interface {
	Submit(t radio.Transmission) (replaced bool, err error)
}

// uplinkLookup finds the uplink a downlink answers
type uplinkLookup interface {
	Lookup(token models.Token) (uplinkRecord, bool)
}

// DownlinkScheduler turns decoded downlink jobs into radio transmissions
type DownlinkScheduler struct {
	radio   Submitter
	clock   func() lorawan.Timestamp
	uplinks uplinkLookup
	windows Windows
	region  *lorawan.RegionConfiguration
	strict  bool
	stats   *models.GatewayStats
}

// NewDownlinkScheduler creates a downlink scheduler. clock is the HAL clock.
func NewDownlinkScheduler(r Submitter, clock func() lorawan.Timestamp, uplinks uplinkLookup, windows Windows, region *lorawan.RegionConfiguration, strict bool, stats *models.GatewayStats) *DownlinkScheduler {
	return &DownlinkScheduler{
		radio:   r,
		clock:   clock,
		uplinks: uplinks,
		windows: windows,
		region:  region,
		strict:  strict,
		stats:   stats,
	}
}

var errNoTiming = errors.New("downlink has neither a matching uplink nor a timestamp")

// schedule computes when job goes on the air
func (d *DownlinkScheduler) schedule(job models.DownlinkJob, now lorawan.Timestamp) (at lorawan.Timestamp, window string, err error) {
	if job.Immediate {
		return now, "immediate", nil
	}

	if up, ok := d.uplinks.Lookup(job.Token); ok {
		rx1, rx2 := d.windows.RX1, d.windows.RX2
		if up.HasMType && up.MType == lorawan.JoinRequest {
			rx1, rx2 = d.windows.JoinRX1, d.windows.JoinRX2
		}

		useRX2 := job.DataRate.SpreadingFactor >= lorawan.SF9
		if job.HasTimestamp && job.Timestamp.Sub(up.Timestamp) >= rx2-(rx2-rx1)/2 {
			useRX2 = true
		}
		if useRX2 {
			return up.Timestamp.Add(rx2), "rx2", nil
		}
		return up.Timestamp.Add(rx1), "rx1", nil
	}

	if job.HasTimestamp {
		return job.Timestamp, "absolute", nil
	}
	return 0, "", errNoTiming
}

// Handle schedules job and returns the outcome to report in TX_ACK
func (d *DownlinkScheduler) Handle(job models.DownlinkJob) models.TxAckError {
	d.stats.DownlinksReceived++
	now := d.clock()

	logger := log.With().Uint16("token", uint16(job.Token)).Logger()

	at, window, err := d.schedule(job, now)
	if err != nil {
		d.stats.Drop(models.DropDecode)
		logger.Warn().Err(err).Msg("Downlink rejected")
		return models.TxAckTooLate
	}

	if !job.Immediate && !now.Before(at) {
		d.stats.Drop(models.DropScheduleExpired)
		logger.Warn().
			Str("window", window).
			Uint32("at", uint32(at)).
			Uint32("now", uint32(now)).
			Msg("Downlink arrived after its window")
		return models.TxAckTooLate
	}

	if !d.strict && d.region != nil && !d.region.ValidFrequency(job.Frequency) {
		d.stats.Drop(models.DropDecode)
		logger.Warn().Uint32("frequency", job.Frequency).Msg("Downlink frequency outside region")
		return models.TxAckTxFreq
	}

	power := job.Power
	if d.region != nil && power > d.region.MaxTxPower {
		logger.Debug().Int("requested", power).Int("max", d.region.MaxTxPower).Msg("Clamping downlink power")
		power = d.region.MaxTxPower
	}

	params := radio.TxParams{
		Frequency:      job.Frequency,
		DataRate:       job.DataRate,
		CodingRate:     job.CodingRate,
		Power:          power,
		InvertPolarity: job.InvertPolarity,
		NoCRC:          job.NoCRC,
		PreambleLength: job.PreambleLength,
	}

	deadline := at.Add(params.Modulation().PreambleDuration())
	if job.Immediate {
		deadline = at.Add(immediateSlack)
	}

	replaced, err := d.radio.Submit(radio.Transmission{
		Token:    job.Token,
		Payload:  job.Payload,
		At:       at,
		Deadline: deadline,
		Params:   params,
	})
	if err != nil {
		if errors.Is(err, radio.ErrTransmitBusy) {
			d.stats.Drop(models.DropTxBusy)
			logger.Info().Msg("Downlink dropped: radio busy transmitting")
			return models.TxAckCollisionPacket
		}
		d.stats.Drop(models.DropRadioFault)
		logger.Error().Err(err).Msg("Downlink not accepted by radio")
		return models.TxAckCollisionPacket
	}
	if replaced {
		d.stats.Drop(models.DropReplaced)
		logger.Debug().Msg("Pending downlink replaced")
	}

	logger.Debug().
		Str("window", window).
		Uint32("at", uint32(at)).
		Str("datr", job.DataRate.String()).
		Msg("Downlink scheduled")
	return models.TxAckNone
}
