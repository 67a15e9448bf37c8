package gateway

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/packet"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// TokenPool hands out tokens that are unique among requests still waiting
// for an answer.
type TokenPool struct {
	next  uint16
	inUse map[models.Token]struct{}
}

// NewTokenPool creates a pool starting at a random token
func NewTokenPool(rng *rand.Rand) *TokenPool {
	return &TokenPool{
		next:  uint16(rng.Intn(1 << 16)),
		inUse: make(map[models.Token]struct{}),
	}
}

// Acquire returns the next free token and marks it in use
func (p *TokenPool) Acquire() models.Token {
	for {
		t := models.Token(p.next)
		p.next++
		if _, busy := p.inUse[t]; !busy {
			p.inUse[t] = struct{}{}
			return t
		}
	}
}

// Release makes t available again
func (p *TokenPool) Release(t models.Token) {
	delete(p.inUse, t)
}

// uplinkRecord remembers a forwarded uplink for ACK and downlink matching
type uplinkRecord struct {
	Token     models.Token
	Timestamp lorawan.Timestamp
	MType     lorawan.MType
	HasMType  bool
	SentAt    time.Time
	Expires   time.Time
	Acked     bool
}

// Forwarder turns received frames into PUSH_DATA datagrams and tracks them
// until the backend acknowledges them or they time out.
type Forwarder struct {
	codec     packet.Codec
	eui       lorawan.EUI64
	transport Transport
	tokens    *TokenPool
	stats     *models.GatewayStats
	timeout   time.Duration

	outstanding map[models.Token]*uplinkRecord

	// ring of retired uplinks, newest at recent[(pos-1) mod len]
	recent []uplinkRecord
	pos    int
	filled bool
}

// NewForwarder creates a forwarder keeping recentSize retired uplinks
func NewForwarder(codec packet.Codec, eui lorawan.EUI64, transport Transport, tokens *TokenPool, stats *models.GatewayStats, timeout time.Duration, recentSize int) *Forwarder {
	if recentSize <= 0 {
		recentSize = 16
	}
	return &Forwarder{
		codec:       codec,
		eui:         eui,
		transport:   transport,
		tokens:      tokens,
		stats:       stats,
		timeout:     timeout,
		outstanding: make(map[models.Token]*uplinkRecord),
		recent:      make([]uplinkRecord, recentSize),
	}
}

// Forward sends frame to the backend. The returned message carries the
// token assigned to it even when the send failed.
func (f *Forwarder) Forward(frame models.RadioFrame, now time.Time) (models.UplinkMessage, error) {
	msg := models.UplinkMessage{
		GatewayEUI: f.eui,
		Frame:      frame,
		Token:      f.tokens.Acquire(),
	}

	b, err := f.codec.EncodeUplink(msg)
	if err != nil {
		f.tokens.Release(msg.Token)
		f.stats.Drop(models.DropSize)
		return msg, err
	}

	if err := f.transport.Send(b); err != nil {
		f.tokens.Release(msg.Token)
		f.stats.Drop(models.DropNetwork)
		log.Error().Err(err).Uint16("token", uint16(msg.Token)).Msg("Failed to forward uplink")
		return msg, err
	}

	rec := &uplinkRecord{
		Token:     msg.Token,
		Timestamp: frame.Timestamp,
		SentAt:    now,
		Expires:   now.Add(f.timeout),
	}
	rec.MType, rec.HasMType = frame.MType()
	f.outstanding[msg.Token] = rec
	f.stats.RXForwarded++

	log.Debug().
		Uint16("token", uint16(msg.Token)).
		Uint32("tmst", uint32(frame.Timestamp)).
		Int("size", len(frame.Payload)).
		Msg("Uplink forwarded")
	return msg, nil
}

// HandleAck retires the uplink acknowledged by a PUSH_ACK
func (f *Forwarder) HandleAck(token models.Token, now time.Time) bool {
	rec, ok := f.outstanding[token]
	if !ok {
		return false
	}
	rec.Acked = true
	f.stats.AckedRoundTrips++
	log.Debug().Uint16("token", uint16(token)).Dur("rtt", now.Sub(rec.SentAt)).Msg("PUSH_ACK received")
	f.retire(rec)
	return true
}

// Expire retires every uplink whose ACK is overdue and returns how many
func (f *Forwarder) Expire(now time.Time) int {
	n := 0
	for _, rec := range f.outstanding {
		if now.Before(rec.Expires) {
			continue
		}
		f.stats.UnackedUplinks++
		log.Debug().Uint16("token", uint16(rec.Token)).Msg("Uplink not acknowledged")
		f.retire(rec)
		n++
	}
	return n
}

func (f *Forwarder) retire(rec *uplinkRecord) {
	delete(f.outstanding, rec.Token)
	f.tokens.Release(rec.Token)

	f.recent[f.pos] = *rec
	f.pos = (f.pos + 1) % len(f.recent)
	if f.pos == 0 {
		f.filled = true
	}
}

// Lookup finds the uplink a downlink token answers, outstanding ones first
// and then the most recently retired.
func (f *Forwarder) Lookup(token models.Token) (uplinkRecord, bool) {
	if rec, ok := f.outstanding[token]; ok {
		return *rec, true
	}

	n := f.pos
	if f.filled {
		n = len(f.recent)
	}
	for i := 1; i <= n; i++ {
		rec := f.recent[(f.pos-i+len(f.recent))%len(f.recent)]
		if rec.Token == token {
			return rec, true
		}
	}
	return uplinkRecord{}, false
}

// Outstanding returns the number of uplinks waiting for a PUSH_ACK
func (f *Forwarder) Outstanding() int {
	return len(f.outstanding)
}

// NextExpiry returns when the oldest outstanding uplink times out
func (f *Forwarder) NextExpiry() (time.Time, bool) {
	var next time.Time
	for _, rec := range f.outstanding {
		if next.IsZero() || rec.Expires.Before(next) {
			next = rec.Expires
		}
	}
	return next, !next.IsZero()
}
