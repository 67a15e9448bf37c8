package gateway

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/packet"
)

// Reporter sends the periodic stat report and the PULL_DATA keepalive
type Reporter struct {
	codec     packet.Codec
	identity  models.Identity
	transport Transport
	tokens    *TokenPool
	stats     *models.GatewayStats

	pullToken   models.Token
	pullPending bool
	pullSentAt  time.Time
}

// NewReporter creates a reporter
func NewReporter(codec packet.Codec, identity models.Identity, transport Transport, tokens *TokenPool, stats *models.GatewayStats) *Reporter {
	return &Reporter{
		codec:     codec,
		identity:  identity,
		transport: transport,
		tokens:    tokens,
		stats:     stats,
	}
}

// SendStats sends one stat PUSH_DATA. Its token is not tracked: the
// PUSH_ACK for it is simply ignored.
func (r *Reporter) SendStats(now time.Time) error {
	token := r.tokens.Acquire()
	r.tokens.Release(token)

	b, err := r.codec.EncodeStats(token, *r.stats, r.identity, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode stat report")
		return err
	}
	if err := r.transport.Send(b); err != nil {
		r.stats.Drop(models.DropNetwork)
		log.Error().Err(err).Msg("Failed to send stat report")
		return err
	}

	r.stats.StatsSent++
	log.Debug().
		Uint64("rxnb", r.stats.RXReceived).
		Uint64("rxok", r.stats.RXOK).
		Uint64("rxfw", r.stats.RXForwarded).
		Uint64("txnb", r.stats.DownlinksTransmitted).
		Msg("Stat report sent")
	return nil
}

// SendPull sends a PULL_DATA keepalive. A previous keepalive still
// unanswered is given up on; this one is its retry.
func (r *Reporter) SendPull(now time.Time) error {
	if r.pullPending {
		log.Warn().
			Uint16("token", uint16(r.pullToken)).
			Dur("age", now.Sub(r.pullSentAt)).
			Msg("PULL_ACK missing")
		r.tokens.Release(r.pullToken)
		r.pullPending = false
	}

	token := r.tokens.Acquire()
	b, err := r.codec.EncodePullData(token, r.identity.EUI)
	if err == nil {
		err = r.transport.Send(b)
	}
	if err != nil {
		r.tokens.Release(token)
		r.stats.Drop(models.DropNetwork)
		log.Error().Err(err).Msg("Failed to send PULL_DATA")
		return err
	}

	r.pullToken = token
	r.pullPending = true
	r.pullSentAt = now
	r.stats.PullsSent++
	log.Debug().Uint16("token", uint16(token)).Msg("PULL_DATA sent")
	return nil
}

// HandlePullAck matches a PULL_ACK against the keepalive in flight
func (r *Reporter) HandlePullAck(token models.Token, now time.Time) bool {
	if !r.pullPending || token != r.pullToken {
		return false
	}
	r.tokens.Release(token)
	r.pullPending = false
	r.stats.PullsAcked++
	log.Debug().Uint16("token", uint16(token)).Dur("rtt", now.Sub(r.pullSentAt)).Msg("PULL_ACK received")
	return true
}
