package gateway

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/packet"
)

func newTestReporter(tr Transport) (*Reporter, *models.GatewayStats) {
	stats := models.NewGatewayStats()
	id := models.Identity{EUI: testEUI, Description: "bench", Platform: "sim", Email: "ops@example.com"}
	pool := NewTokenPool(rand.New(rand.NewSource(7)))
	return NewReporter(packet.NewCodec(packet.ProtocolVersion2), id, tr, pool, stats), stats
}

func TestReporterPullKeepalive(t *testing.T) {
	c := qt.New(t)

	tr := newFakeTransport()
	r, stats := newTestReporter(tr)
	now := time.Now()

	c.Assert(r.SendPull(now), qt.IsNil)
	h, eui, err := packet.DecodePullData(tr.sent[0])
	c.Assert(err, qt.IsNil)
	c.Assert(eui, qt.Equals, testEUI)

	c.Assert(r.HandlePullAck(h.Token+1, now), qt.IsFalse)
	c.Assert(r.HandlePullAck(h.Token, now.Add(20*time.Millisecond)), qt.IsTrue)
	c.Assert(r.HandlePullAck(h.Token, now.Add(20*time.Millisecond)), qt.IsFalse)
	c.Assert(stats.PullsSent, qt.Equals, uint64(1))
	c.Assert(stats.PullsAcked, qt.Equals, uint64(1))
}

func TestReporterMissedPullAck(t *testing.T) {
	c := qt.New(t)

	tr := newFakeTransport()
	r, stats := newTestReporter(tr)
	now := time.Now()

	c.Assert(r.SendPull(now), qt.IsNil)
	first, _, err := packet.DecodePullData(tr.sent[0])
	c.Assert(err, qt.IsNil)

	c.Assert(r.SendPull(now.Add(30*time.Second)), qt.IsNil)
	second, _, err := packet.DecodePullData(tr.sent[1])
	c.Assert(err, qt.IsNil)
	c.Assert(second.Token, qt.Not(qt.Equals), first.Token)

	// an ACK for the abandoned keepalive no longer counts
	c.Assert(r.HandlePullAck(first.Token, now.Add(31*time.Second)), qt.IsFalse)
	c.Assert(stats.PullsSent, qt.Equals, uint64(2))
	c.Assert(stats.PullsAcked, qt.Equals, uint64(0))
}

func TestReporterSendStats(t *testing.T) {
	c := qt.New(t)

	tr := newFakeTransport()
	r, stats := newTestReporter(tr)
	stats.RXReceived = 5
	stats.RXOK = 4
	stats.RXForwarded = 4
	stats.AckedRoundTrips = 3

	c.Assert(r.SendStats(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), qt.IsNil)
	c.Assert(stats.StatsSent, qt.Equals, uint64(1))

	_, eui, body, err := packet.DecodePushData(tr.sent[0])
	c.Assert(err, qt.IsNil)
	c.Assert(eui, qt.Equals, testEUI)
	c.Assert(body.Stat, qt.Not(qt.IsNil))
	c.Assert(body.Stat.RXNb, qt.Equals, uint64(5))
	c.Assert(body.Stat.RXFW, qt.Equals, uint64(4))
	c.Assert(body.Stat.ACKR, qt.Equals, 75.0)
	c.Assert(body.Stat.Desc, qt.Equals, "bench")
	c.Assert(body.RXPK, qt.HasLen, 0)

	var raw map[string]json.RawMessage
	c.Assert(json.Unmarshal(tr.sent[0][packet.HeaderSize+8:], &raw), qt.IsNil)
	c.Assert(raw, qt.HasLen, 1)
}

func TestReporterSendFailure(t *testing.T) {
	c := qt.New(t)

	tr := newFakeTransport()
	tr.err = errors.New("write: connection refused")
	r, stats := newTestReporter(tr)

	c.Assert(r.SendPull(time.Now()), qt.Not(qt.IsNil))
	c.Assert(r.SendStats(time.Now()), qt.Not(qt.IsNil))
	c.Assert(stats.Dropped[models.DropNetwork], qt.Equals, uint64(2))
	c.Assert(stats.PullsSent, qt.Equals, uint64(0))
	c.Assert(stats.StatsSent, qt.Equals, uint64(0))
}
