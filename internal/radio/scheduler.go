package radio

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Scheduler errors
var (
	ErrTransmitBusy    = errors.New("transmission in progress")
	ErrScheduleExpired = errors.New("transmit deadline passed")
	ErrTxFailed        = errors.New("transmit failed")
	ErrCancelled       = errors.New("cancelled by reconfiguration")
)

// State of the radio scheduler
type State uint8

const (
	StateIdle State = iota
	StateListening
	StateActivityDetected
	StateReceiving
	StateTransmitPending
	StateTransmitting
)

var stateNames = [...]string{
	"IDLE", "LISTENING", "ACTIVITY_DETECTED", "RECEIVING", "TRANSMIT_PENDING", "TRANSMITTING",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Transmission is a downlink handed to the radio
type Transmission struct {
	Token    models.Token
	Payload  []byte
	At       lorawan.Timestamp
	Deadline lorawan.Timestamp
	Params   TxParams
	Retries  int
}

// Options configures a Scheduler
type Options struct {
	Settings Settings
	// TxLead is how long before At the scheduler stops listening
	TxLead time.Duration
	// Strict forces every downlink onto the gateway's own channel
	Strict bool
	// MIC, when set, drops data uplinks of known devices with a bad MIC
	MIC *MICChecker
}

// Scheduler is the sole owner of the HAL. It is not safe for concurrent use:
// every method must be called from the control loop.
type Scheduler struct {
	hal   HAL
	opts  Options
	stats *models.GatewayStats

	state    State
	pending  *Transmission
	inflight *Transmission

	activityAt  lorawan.Timestamp
	hasActivity bool

	// settings waiting for an in-flight transmission to finish
	nextSettings *Settings

	// OnTxDone is called when an accepted transmission leaves the scheduler:
	// sent (nil error), expired, failed or cancelled.
	OnTxDone func(t Transmission, err error)
}

// NewScheduler creates a scheduler driving hal and counting into stats
func NewScheduler(hal HAL, opts Options, stats *models.GatewayStats) *Scheduler {
	return &Scheduler{
		hal:   hal,
		opts:  opts,
		stats: stats,
		state: StateIdle,
	}
}

// State returns the current state
func (s *Scheduler) State() State {
	return s.state
}

// Settings returns the channel configuration in use
func (s *Scheduler) Settings() Settings {
	return s.opts.Settings
}

// Pending returns a copy of the transmission waiting for its slot
func (s *Scheduler) Pending() (Transmission, bool) {
	if s.pending == nil {
		return Transmission{}, false
	}
	return *s.pending, true
}

// Start configures the transceiver and leaves IDLE
func (s *Scheduler) Start() error {
	if err := s.hal.Configure(s.opts.Settings); err != nil {
		return fmt.Errorf("configure radio: %w", err)
	}
	log.Info().
		Uint32("frequency", s.opts.Settings.Frequency).
		Str("datr", s.opts.Settings.DataRate.String()).
		Bool("cad", s.opts.Settings.CAD).
		Msg("Radio configured")
	s.resume()
	return nil
}

// prepWindow is how early before At the radio must stop listening
func (s *Scheduler) prepWindow() time.Duration {
	sym := s.opts.Settings.Modulation().SymbolPeriod()
	if s.opts.TxLead > sym {
		return s.opts.TxLead
	}
	return sym
}

// resume leaves IDLE: to TRANSMIT_PENDING when a transmission is imminent,
// to LISTENING otherwise.
func (s *Scheduler) resume() {
	s.state = StateIdle
	s.hasActivity = false
	if s.pending != nil && !s.hal.Now().Before(s.pending.At.Add(-s.prepWindow())) {
		s.enterTransmitPending()
		s.Poll()
		return
	}
	s.listen()
}

func (s *Scheduler) listen() {
	var err error
	if s.opts.Settings.CAD {
		err = s.hal.StartCAD()
	} else {
		err = s.hal.StartReceive()
	}
	if err != nil {
		s.stats.Drop(models.DropRadioFault)
		log.Error().Err(err).Msg("Failed to arm receiver")
	}
	s.state = StateListening
}

func (s *Scheduler) enterTransmitPending() {
	if s.state == StateActivityDetected {
		s.stats.Drop(models.DropPreempted)
		log.Debug().Msg("Reception pre-empted by downlink")
	}
	if err := s.hal.Standby(); err != nil {
		log.Warn().Err(err).Msg("Radio standby failed")
	}
	s.hasActivity = false
	s.state = StateTransmitPending
}

// Submit places t in the single pending slot. While a transmission is on
// the air it fails with ErrTransmitBusy; otherwise a waiting transmission
// is replaced and replaced is reported true.
func (s *Scheduler) Submit(t Transmission) (replaced bool, err error) {
	if s.state == StateTransmitting {
		return false, ErrTransmitBusy
	}
	if s.opts.Strict {
		t.Params.Frequency = s.opts.Settings.Frequency
		t.Params.DataRate = s.opts.Settings.DataRate
	}

	replaced = s.pending != nil
	s.pending = &t
	s.Poll()
	return replaced, nil
}

// Poll is one scheduling pass; the control loop calls it whenever the HAL
// clock may have reached NextDeadline.
func (s *Scheduler) Poll() {
	p := s.pending
	if p == nil || s.state == StateTransmitting || s.state == StateIdle {
		return
	}
	now := s.hal.Now()

	if now.After(p.Deadline) {
		s.pending = nil
		s.stats.Drop(models.DropScheduleExpired)
		log.Warn().
			Uint16("token", uint16(p.Token)).
			Uint32("at", uint32(p.At)).
			Uint32("now", uint32(now)).
			Msg("Downlink missed its window")
		s.notify(*p, ErrScheduleExpired)
		if s.state == StateTransmitPending {
			s.listen()
		}
		return
	}

	prepAt := p.At.Add(-s.prepWindow())
	switch {
	case s.state != StateTransmitPending && !now.Before(prepAt):
		s.enterTransmitPending()
	case s.state == StateTransmitPending && now.Before(prepAt):
		// the job that forced standby was replaced by a later one
		s.listen()
		return
	}

	if s.state == StateTransmitPending && !now.Before(p.At) {
		s.pending = nil
		s.transmit(p, p.At)
	}
}

func (s *Scheduler) transmit(t *Transmission, at lorawan.Timestamp) {
	if err := s.hal.Transmit(t.Payload, at, t.Params); err != nil {
		s.txFailed(t, err)
		return
	}
	s.inflight = t
	s.state = StateTransmitting
	log.Info().
		Uint16("token", uint16(t.Token)).
		Uint32("tmst", uint32(at)).
		Uint32("frequency", t.Params.Frequency).
		Str("datr", t.Params.DataRate.String()).
		Int("size", len(t.Payload)).
		Msg("Downlink transmitting")
}

// txFailed retries once while the window is still open, else drops
func (s *Scheduler) txFailed(t *Transmission, cause error) {
	now := s.hal.Now()
	if t.Retries == 0 && now.Before(t.Deadline) {
		t.Retries++
		log.Warn().Err(cause).Uint16("token", uint16(t.Token)).Msg("Transmit failed, retrying")
		s.transmit(t, now)
		return
	}

	s.inflight = nil
	s.stats.Drop(models.DropRadioFault)
	log.Error().Err(cause).Uint16("token", uint16(t.Token)).Msg("Downlink dropped after radio fault")
	s.notify(*t, fmt.Errorf("%w: %v", ErrTxFailed, cause))
	s.finish()
}

// finish returns to LISTENING after a transmission, applying settings that
// arrived while it was on the air.
func (s *Scheduler) finish() {
	s.state = StateIdle
	if s.nextSettings != nil {
		settings := *s.nextSettings
		s.nextSettings = nil
		s.apply(settings)
		return
	}
	s.resume()
}

func (s *Scheduler) notify(t Transmission, err error) {
	if s.OnTxDone != nil {
		s.OnTxDone(t, err)
	}
}

// NextDeadline returns the HAL time at which Poll has work to do
func (s *Scheduler) NextDeadline() (lorawan.Timestamp, bool) {
	p := s.pending
	if p == nil || s.state == StateTransmitting {
		return 0, false
	}
	if s.state == StateTransmitPending {
		return p.At, true
	}
	return p.At.Add(-s.prepWindow()), true
}

// HandleEvent advances the state machine on one interrupt. A received,
// validated frame is returned; everything else yields nil.
func (s *Scheduler) HandleEvent(ev Event) *models.RadioFrame {
	log.Debug().Str("event", ev.Kind.String()).Str("state", s.state.String()).Uint32("at", uint32(ev.At)).Msg("Radio event")

	switch ev.Kind {
	case EventTxDone, EventTxFailed:
		s.handleTxEvent(ev)
		return nil
	}

	if s.state != StateListening && s.state != StateActivityDetected {
		// stale receive interrupt while transmitting or in standby
		return nil
	}

	mod := s.opts.Settings.Modulation()
	switch ev.Kind {
	case EventCADDone:
		if s.state == StateListening && s.opts.Settings.CAD {
			s.listen()
		}
	case EventCADDetected:
		if !s.hasActivity {
			s.activityAt = ev.At.Add(-cadDuration(mod))
			s.hasActivity = true
		}
		s.state = StateActivityDetected
		if err := s.hal.StartReceive(); err != nil {
			log.Error().Err(err).Msg("Failed to start reception after CAD")
			s.stats.Drop(models.DropRadioFault)
			s.resume()
		}
	case EventValidHeader:
		s.activityAt = ev.At.Add(-mod.HeaderDuration())
		s.hasActivity = true
		s.state = StateActivityDetected
	case EventRxTimeout:
		s.resume()
	case EventRxDone:
		frame := s.receive(ev)
		s.resume()
		return frame
	}
	return nil
}

func (s *Scheduler) handleTxEvent(ev Event) {
	t := s.inflight
	if s.state != StateTransmitting || t == nil {
		return
	}
	if ev.Kind == EventTxFailed {
		s.txFailed(t, ErrRadioBusy)
		return
	}

	s.inflight = nil
	s.stats.DownlinksTransmitted++
	log.Debug().Uint16("token", uint16(t.Token)).Msg("Downlink sent")
	s.notify(*t, nil)
	s.finish()
}

// receive reads and validates the frame behind an RX-done interrupt
func (s *Scheduler) receive(ev Event) *models.RadioFrame {
	s.state = StateReceiving
	s.stats.RXReceived++

	raw, err := s.hal.ReadFrame()
	if err != nil {
		s.stats.Drop(models.DropRadioFault)
		log.Error().Err(err).Msg("Failed to read frame")
		return nil
	}

	settings := s.opts.Settings
	switch {
	case raw.CRCError:
		s.stats.Drop(models.DropCRC)
		log.Debug().Int("size", len(raw.Payload)).Msg("Frame dropped: CRC error")
		return nil
	case len(raw.Payload) == 0 || len(raw.Payload) > lorawan.MaxRadioPayload:
		s.stats.Drop(models.DropSize)
		log.Debug().Int("size", len(raw.Payload)).Msg("Frame dropped: size")
		return nil
	case settings.CAD && raw.SpreadingFactor != 0 && raw.SpreadingFactor != settings.DataRate.SpreadingFactor:
		s.stats.Drop(models.DropSFMismatch)
		log.Info().
			Str("got", raw.SpreadingFactor.String()).
			Str("want", settings.DataRate.SpreadingFactor.String()).
			Msg("Frame dropped: spreading factor mismatch")
		return nil
	}

	if s.opts.MIC != nil {
		if err := s.opts.MIC.Check(raw.Payload); err != nil {
			s.stats.Drop(models.DropMIC)
			log.Warn().Err(err).Msg("Frame dropped: MIC check")
			return nil
		}
	}

	mod := settings.Modulation()
	ts := ev.At.Add(-mod.TimeOnAir(len(raw.Payload)))
	if s.hasActivity {
		ts = s.activityAt
	}

	crc := models.CRCNone
	if raw.CRC {
		crc = models.CRCOK
	}

	s.stats.RXOK++
	payload := make([]byte, len(raw.Payload))
	copy(payload, raw.Payload)
	return &models.RadioFrame{
		Payload:    payload,
		Timestamp:  ts,
		Frequency:  settings.Frequency,
		DataRate:   settings.DataRate,
		CodingRate: settings.CodingRate,
		RSSI:       raw.RSSI,
		SNR:        raw.SNR,
		CRCStatus:  crc,
	}
}

// Reconfigure switches to new channel settings. A transmission waiting for
// its slot is cancelled; one on the air is allowed to finish first.
func (s *Scheduler) Reconfigure(settings Settings) error {
	if p := s.pending; p != nil {
		s.pending = nil
		s.stats.Drop(models.DropReplaced)
		s.notify(*p, ErrCancelled)
	}
	if s.state == StateTransmitting {
		s.nextSettings = &settings
		return nil
	}
	return s.apply(settings)
}

func (s *Scheduler) apply(settings Settings) error {
	if err := s.hal.Standby(); err != nil {
		log.Warn().Err(err).Msg("Radio standby failed")
	}
	s.state = StateIdle
	s.opts.Settings = settings
	return s.Start()
}
