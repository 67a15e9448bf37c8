// Package gateway runs the control loop that ties the radio scheduler to the
// Semtech UDP backend.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/packet"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/internal/storage"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

const (
	// maxWait bounds how long the loop sleeps without anything to do
	maxWait = 50 * time.Millisecond
	minWait = time.Millisecond
)

// EventPublisher receives a copy of gateway activity; mirror.Publisher
// implements it
type EventPublisher interface {
	Publish(ev models.Event) error
}

// Options wires a Gateway
type Options struct {
	Config    *config.Config
	HAL       radio.HAL
	Events    *radio.EventQueue
	Transport Transport
	// Mirror and State are optional
	Mirror  EventPublisher
	State   storage.Store
	Session uuid.UUID
}

// Gateway is the single control loop of the gateway. Everything it owns is
// touched only from Run; other goroutines go through Status, ResetStats and
// Reconfigure.
type Gateway struct {
	cfg      *config.Config
	identity models.Identity
	session  uuid.UUID
	region   *lorawan.RegionConfiguration
	started  time.Time

	stats  *models.GatewayStats
	events *radio.EventQueue
	hal    radio.HAL
	radio  *radio.Scheduler

	transport Transport
	codec     packet.Codec
	tokens    *TokenPool
	forwarder *Forwarder
	downlinks *DownlinkScheduler
	reporter  *Reporter

	mirror EventPublisher
	state  storage.Store

	requests chan func()
}

// New creates a gateway from its configuration
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config

	region, err := lorawan.GetRegionConfiguration(cfg.Radio.Region)
	if err != nil {
		return nil, err
	}
	dr, err := cfg.Radio.DataRate()
	if err != nil {
		return nil, err
	}
	cr, err := lorawan.ParseCodingRate(cfg.Radio.CodingRate)
	if err != nil {
		return nil, err
	}

	var mic *radio.MICChecker
	if cfg.Radio.MICCheck {
		keys, err := cfg.Radio.DeviceKeys()
		if err != nil {
			return nil, fmt.Errorf("device keys: %w", err)
		}
		mic = radio.NewMICChecker(keys)
	}

	g := &Gateway{
		cfg: cfg,
		identity: models.Identity{
			EUI:         cfg.GatewayEUI(),
			Description: cfg.Gateway.Description,
			Platform:    cfg.Gateway.Platform,
			Email:       cfg.Gateway.Email,
			Location: models.Location{
				Latitude:  cfg.Gateway.Latitude,
				Longitude: cfg.Gateway.Longitude,
				Altitude:  cfg.Gateway.Altitude,
			},
		},
		session:   opts.Session,
		region:    region,
		stats:     models.NewGatewayStats(),
		events:    opts.Events,
		hal:       opts.HAL,
		transport: opts.Transport,
		codec:     packet.NewCodec(uint8(cfg.Backend.ProtocolVersion)),
		tokens:    NewTokenPool(rand.New(rand.NewSource(time.Now().UnixNano()))),
		mirror:    opts.Mirror,
		state:     opts.State,
		requests:  make(chan func()),
	}

	g.radio = radio.NewScheduler(opts.HAL, radio.Options{
		Settings: radio.Settings{
			Frequency:      cfg.Radio.Frequency,
			DataRate:       dr,
			CodingRate:     cr,
			PreambleLength: cfg.Radio.PreambleLength,
			TxPower:        cfg.Radio.TxPower,
			CAD:            cfg.Radio.CAD,
		},
		TxLead: cfg.Radio.TxLead,
		Strict: cfg.Radio.Strict,
		MIC:    mic,
	}, g.stats)
	g.radio.OnTxDone = g.txDone

	g.forwarder = NewForwarder(g.codec, g.identity.EUI, g.transport, g.tokens, g.stats,
		cfg.Backend.UplinkTimeout, cfg.Backend.RecentTokens)
	g.downlinks = NewDownlinkScheduler(g.radio, g.hal.Now, g.forwarder, Windows{
		RX1:     cfg.Backend.RX1Delay,
		RX2:     cfg.Backend.RX2Delay,
		JoinRX1: cfg.Backend.JoinAcceptDelay1,
		JoinRX2: cfg.Backend.JoinAcceptDelay2,
	}, region, cfg.Radio.Strict, g.stats)
	g.reporter = NewReporter(g.codec, g.identity, g.transport, g.tokens, g.stats)

	g.restoreState()
	return g, nil
}

// restoreState counts this boot in the state file. The file is best effort:
// a missing or unreadable one starts the counters from zero.
func (g *Gateway) restoreState() {
	if g.state == nil {
		return
	}

	st, err := g.state.Load()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("Ignoring unreadable gateway state")
		}
		st = &storage.GatewayState{}
	}
	st.EUI = g.identity.EUI.String()
	st.Boots++
	st.LastBoot = time.Now().UTC()

	g.stats.Restarts = st.Boots
	g.stats.Resets = st.Resets
	g.saveState()
}

func (g *Gateway) saveState() {
	if g.state == nil {
		return
	}
	st := &storage.GatewayState{
		EUI:      g.identity.EUI.String(),
		Boots:    g.stats.Restarts,
		Resets:   g.stats.Resets,
		LastBoot: time.Now().UTC(),
	}
	if !g.started.IsZero() {
		st.LastBoot = g.started.UTC()
	}
	if err := g.state.Save(st); err != nil {
		log.Warn().Err(err).Msg("Failed to save gateway state")
	}
}

// Run drives the gateway until ctx is cancelled
func (g *Gateway) Run(ctx context.Context) error {
	g.started = time.Now()
	if err := g.radio.Start(); err != nil {
		return err
	}

	log.Info().
		Str("gateway", g.identity.EUI.String()).
		Str("session", g.session.String()).
		Uint64("boots", g.stats.Restarts).
		Msg("Gateway started")

	statTicker := time.NewTicker(g.cfg.Backend.StatInterval)
	defer statTicker.Stop()
	pullTicker := time.NewTicker(g.cfg.Backend.PullInterval)
	defer pullTicker.Stop()
	refreshTicker := time.NewTicker(g.cfg.Backend.RefreshInterval)
	defer refreshTicker.Stop()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	g.reporter.SendPull(time.Now())

	for {
		select {
		case <-ctx.Done():
			if err := g.hal.Standby(); err != nil {
				log.Warn().Err(err).Msg("Radio standby failed")
			}
			log.Info().Str("gateway", g.identity.EUI.String()).Msg("Gateway stopped")
			return nil
		case ev := <-g.events.C():
			g.handleRadioEvent(ev)
		case b := <-g.transport.Datagrams():
			g.handleDatagram(b)
		case now := <-statTicker.C:
			g.reporter.SendStats(now)
		case now := <-pullTicker.C:
			g.reporter.SendPull(now)
		case <-refreshTicker.C:
			g.publish(models.EventTypeStats, g.stats.Clone())
		case <-timer.C:
		case fn := <-g.requests:
			fn()
		}

		g.service()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(g.nextWake())
	}
}

// service runs the time-driven work after every wake-up
func (g *Gateway) service() {
	if n := g.events.TakeOverflow(); n > 0 {
		g.stats.Dropped[models.DropQueueOverflow] += n
		log.Warn().Uint64("lost", n).Msg("Radio event queue overflowed")
	}
	g.radio.Poll()
	g.forwarder.Expire(time.Now())
}

// nextWake returns how long the loop may sleep
func (g *Gateway) nextWake() time.Duration {
	wait := maxWait
	if at, ok := g.radio.NextDeadline(); ok {
		if d := at.Sub(g.hal.Now()); d < wait {
			wait = d
		}
	}
	if exp, ok := g.forwarder.NextExpiry(); ok {
		if d := time.Until(exp); d < wait {
			wait = d
		}
	}
	if wait < minWait {
		wait = minWait
	}
	return wait
}

func (g *Gateway) handleRadioEvent(ev radio.Event) {
	frame := g.radio.HandleEvent(ev)
	if frame == nil {
		return
	}

	msg, err := g.forwarder.Forward(*frame, time.Now())
	if err != nil {
		return
	}
	g.publish(models.EventTypeUplink, uplinkEvent{Token: msg.Token, RXPK: packet.NewRXPK(msg.Frame)})
}

type uplinkEvent struct {
	Token models.Token `json:"token"`
	packet.RXPK
}

func (g *Gateway) handleDatagram(b []byte) {
	h, err := packet.DecodeHeader(b)
	if err != nil {
		g.stats.Drop(models.DropDecode)
		log.Debug().Err(err).Int("size", len(b)).Msg("Ignoring invalid datagram")
		return
	}

	now := time.Now()
	switch h.Type {
	case packet.PushAck:
		if !g.forwarder.HandleAck(h.Token, now) {
			log.Debug().Uint16("token", uint16(h.Token)).Msg("PUSH_ACK for unknown token")
		}
	case packet.PullAck:
		if !g.reporter.HandlePullAck(h.Token, now) {
			log.Debug().Uint16("token", uint16(h.Token)).Msg("PULL_ACK for unknown token")
		}
	case packet.PullResp:
		g.handlePullResp(h, b)
	default:
		log.Debug().Str("type", h.Type.String()).Msg("Unexpected datagram from backend")
	}
}

func (g *Gateway) handlePullResp(h packet.Header, b []byte) {
	job, err := packet.DecodeDownlink(b)
	if err != nil {
		g.stats.Drop(models.DropDecode)
		log.Warn().Err(err).Uint16("token", uint16(h.Token)).Msg("Invalid PULL_RESP")
		token := h.Token
		g.publish(models.EventTypeDrop, models.DropEvent{Reason: models.DropDecode, Token: &token, Detail: err.Error()})
		return
	}

	result := g.downlinks.Handle(job)

	ack, err := g.codec.EncodeTxAck(job.Token, g.identity.EUI, result)
	if err == nil {
		err = g.transport.Send(ack)
	}
	if err != nil {
		g.stats.Drop(models.DropNetwork)
		log.Error().Err(err).Uint16("token", uint16(job.Token)).Msg("Failed to send TX_ACK")
	}

	if result != models.TxAckNone {
		g.publish(models.EventTypeDownlink, models.DownlinkEvent{
			Token:     job.Token,
			At:        job.Timestamp,
			Frequency: job.Frequency,
			DataRate:  job.DataRate.String(),
			Size:      len(job.Payload),
			Result:    result,
		})
	}
}

// txDone reports the fate of an accepted transmission to the mirror
func (g *Gateway) txDone(t radio.Transmission, err error) {
	result := models.TxAckNone
	switch {
	case err == nil:
	case errors.Is(err, radio.ErrScheduleExpired):
		result = models.TxAckTooLate
	default:
		result = models.TxAckCollisionPacket
	}
	g.publish(models.EventTypeDownlink, models.DownlinkEvent{
		Token:     t.Token,
		At:        t.At,
		Frequency: t.Params.Frequency,
		DataRate:  t.Params.DataRate.String(),
		Size:      len(t.Payload),
		Result:    result,
	})
}

func (g *Gateway) publish(typ models.EventType, data interface{}) {
	if g.mirror == nil {
		return
	}
	if err := g.mirror.Publish(models.NewEvent(g.session, g.identity.EUI, typ, data)); err != nil {
		log.Debug().Err(err).Str("type", string(typ)).Msg("Mirror publish failed")
	}
}
