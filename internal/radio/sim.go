package radio

import (
	"errors"
	"sync"
	"time"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// SimTransmission records one HAL.Transmit call
type SimTransmission struct {
	Payload  []byte
	At       lorawan.Timestamp
	CalledAt lorawan.Timestamp
	Params   TxParams
}

// SimHAL is an in-memory transceiver. With a manual clock (tests) time
// only moves through SetNow/Advance and interrupts are raised explicitly;
// with a real clock (bench runs) transmissions complete on their own.
type SimHAL struct {
	mu     sync.Mutex
	events *EventQueue

	manual bool
	now    lorawan.Timestamp
	start  time.Time

	settings Settings
	mode     string
	rx       []RawFrame

	txErrs []error
	sent   []SimTransmission
}

// NewSimHAL returns a simulated radio with a manual clock starting at zero
func NewSimHAL(events *EventQueue) *SimHAL {
	return &SimHAL{events: events, manual: true, mode: "standby"}
}

// NewRealtimeSimHAL returns a simulated radio driven by the wall clock
func NewRealtimeSimHAL(events *EventQueue) *SimHAL {
	return &SimHAL{events: events, start: time.Now(), mode: "standby"}
}

// Now implements HAL
func (h *SimHAL) Now() lorawan.Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nowLocked()
}

func (h *SimHAL) nowLocked() lorawan.Timestamp {
	if h.manual {
		return h.now
	}
	return lorawan.Timestamp(0).Add(time.Since(h.start))
}

// SetNow moves the manual clock
func (h *SimHAL) SetNow(t lorawan.Timestamp) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

// Advance moves the manual clock forward by d
func (h *SimHAL) Advance(d time.Duration) lorawan.Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
	return h.now
}

// Configure implements HAL
func (h *SimHAL) Configure(s Settings) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = s
	h.mode = "standby"
	return nil
}

// StartReceive implements HAL
func (h *SimHAL) StartReceive() error {
	h.setMode("rx")
	return nil
}

// StartCAD implements HAL
func (h *SimHAL) StartCAD() error {
	h.setMode("cad")
	return nil
}

// Standby implements HAL
func (h *SimHAL) Standby() error {
	h.setMode("standby")
	return nil
}

func (h *SimHAL) setMode(mode string) {
	h.mu.Lock()
	h.mode = mode
	h.mu.Unlock()
}

// Mode returns "standby", "rx", "cad" or "tx"
func (h *SimHAL) Mode() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// ReadFrame implements HAL
func (h *SimHAL) ReadFrame() (RawFrame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rx) == 0 {
		return RawFrame{}, errors.New("receive FIFO empty")
	}
	f := h.rx[0]
	h.rx = h.rx[1:]
	return f, nil
}

// Transmit implements HAL
func (h *SimHAL) Transmit(payload []byte, at lorawan.Timestamp, params TxParams) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.txErrs) > 0 {
		err := h.txErrs[0]
		h.txErrs = h.txErrs[1:]
		if err != nil {
			return err
		}
	}

	now := h.nowLocked()
	h.sent = append(h.sent, SimTransmission{
		Payload:  append([]byte(nil), payload...),
		At:       at,
		CalledAt: now,
		Params:   params,
	})
	h.mode = "tx"

	if !h.manual {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		done := wait + params.Modulation().TimeOnAir(len(payload))
		time.AfterFunc(done, func() {
			h.setMode("standby")
			h.events.Signal(EventTxDone, h.Now())
		})
	}
	return nil
}

// FailNextTransmit makes the next Transmit calls return errs in order; a
// nil entry lets that call succeed.
func (h *SimHAL) FailNextTransmit(errs ...error) {
	h.mu.Lock()
	h.txErrs = append(h.txErrs, errs...)
	h.mu.Unlock()
}

// Sent returns the transmissions handed to the radio so far
func (h *SimHAL) Sent() []SimTransmission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SimTransmission(nil), h.sent...)
}

// Receive simulates a frame whose preamble starts at start: it loads the
// FIFO and raises the valid-header and RX-done interrupts at the times the
// configured modulation implies. It returns the RX-done time.
func (h *SimHAL) Receive(f RawFrame, start lorawan.Timestamp) lorawan.Timestamp {
	h.mu.Lock()
	mod := h.settings.Modulation()
	h.rx = append(h.rx, f)
	h.mu.Unlock()

	done := start.Add(mod.TimeOnAir(len(f.Payload)))
	h.events.Signal(EventValidHeader, start.Add(mod.HeaderDuration()))
	h.events.Signal(EventRxDone, done)
	return done
}

// CompleteTx raises the TX-done interrupt
func (h *SimHAL) CompleteTx() {
	h.setMode("standby")
	h.events.Signal(EventTxDone, h.Now())
}

// FailTx raises the TX-failed interrupt
func (h *SimHAL) FailTx() {
	h.setMode("standby")
	h.events.Signal(EventTxFailed, h.Now())
}
