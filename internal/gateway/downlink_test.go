package gateway

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/internal/radio"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

type fakeRadio struct {
	submitted []radio.Transmission
	err       error
}

func (r *fakeRadio) Submit(t radio.Transmission) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	replaced := len(r.submitted) > 0
	r.submitted = append(r.submitted, t)
	return replaced, nil
}

type fakeUplinks map[models.Token]uplinkRecord

func (u fakeUplinks) Lookup(t models.Token) (uplinkRecord, bool) {
	rec, ok := u[t]
	return rec, ok
}

var testWindows = Windows{
	RX1:     time.Second,
	RX2:     2 * time.Second,
	JoinRX1: 5 * time.Second,
	JoinRX2: 6 * time.Second,
}

const (
	dataToken models.Token = 1
	joinToken models.Token = 2
)

type downlinkFixture struct {
	radio *fakeRadio
	stats *models.GatewayStats
	now   lorawan.Timestamp
	d     *DownlinkScheduler
}

func newDownlinkFixture(c *qt.C, strict bool) *downlinkFixture {
	region, err := lorawan.GetRegionConfiguration("EU868")
	c.Assert(err, qt.IsNil)

	f := &downlinkFixture{
		radio: &fakeRadio{},
		stats: models.NewGatewayStats(),
		now:   1150000,
	}
	uplinks := fakeUplinks{
		dataToken: {Token: dataToken, Timestamp: 1000000, MType: lorawan.UnconfirmedDataUp, HasMType: true},
		joinToken: {Token: joinToken, Timestamp: 1000000, MType: lorawan.JoinRequest, HasMType: true},
	}
	f.d = NewDownlinkScheduler(f.radio, func() lorawan.Timestamp { return f.now }, uplinks, testWindows, region, strict, f.stats)
	return f
}

func downlink(token models.Token, sf lorawan.SpreadingFactor) models.DownlinkJob {
	return models.DownlinkJob{
		Token:          token,
		Payload:        []byte{0x60, 0x04, 0x03, 0x02, 0x01, 0x00, 0x00, 0x00, 0x11, 0x22, 0x33, 0x44},
		HasTimestamp:   true,
		Timestamp:      2000000,
		Frequency:      868100000,
		DataRate:       lorawan.DataRate{SpreadingFactor: sf, Bandwidth: 125},
		CodingRate:     lorawan.CR4_5,
		Power:          14,
		InvertPolarity: true,
	}
}

func TestDownlinkWindowSelection(t *testing.T) {
	tests := []struct {
		name   string
		job    func() models.DownlinkJob
		wantAt lorawan.Timestamp
	}{{
		name:   "SF7 uses RX1",
		job:    func() models.DownlinkJob { return downlink(dataToken, lorawan.SF7) },
		wantAt: 2000000,
	}, {
		name:   "SF8 uses RX1",
		job:    func() models.DownlinkJob { return downlink(dataToken, lorawan.SF8) },
		wantAt: 2000000,
	}, {
		name:   "SF9 uses RX2",
		job:    func() models.DownlinkJob { return downlink(dataToken, lorawan.SF9) },
		wantAt: 3000000,
	}, {
		name:   "SF12 uses RX2",
		job:    func() models.DownlinkJob { return downlink(dataToken, lorawan.SF12) },
		wantAt: 3000000,
	}, {
		name: "backend asks for RX2",
		job: func() models.DownlinkJob {
			j := downlink(dataToken, lorawan.SF7)
			j.Timestamp = 3000000
			return j
		},
		wantAt: 3000000,
	}, {
		name: "timestamp below the midpoint stays in RX1",
		job: func() models.DownlinkJob {
			j := downlink(dataToken, lorawan.SF7)
			j.Timestamp = 2490000
			return j
		},
		wantAt: 2000000,
	}, {
		name:   "join accept RX1",
		job:    func() models.DownlinkJob { return downlink(joinToken, lorawan.SF7) },
		wantAt: 6000000,
	}, {
		name:   "join accept RX2",
		job:    func() models.DownlinkJob { return downlink(joinToken, lorawan.SF12) },
		wantAt: 7000000,
	}, {
		name: "immediate",
		job: func() models.DownlinkJob {
			j := downlink(99, lorawan.SF7)
			j.Immediate = true
			j.HasTimestamp = false
			return j
		},
		wantAt: 1150000,
	}, {
		name: "unsolicited absolute time",
		job: func() models.DownlinkJob {
			j := downlink(99, lorawan.SF7)
			j.Timestamp = 5000000
			return j
		},
		wantAt: 5000000,
	}}

	c := qt.New(t)
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			f := newDownlinkFixture(c, false)

			c.Assert(f.d.Handle(test.job()), qt.Equals, models.TxAckNone)
			c.Assert(f.radio.submitted, qt.HasLen, 1)
			c.Assert(f.radio.submitted[0].At, qt.Equals, test.wantAt)
			c.Assert(f.radio.submitted[0].Deadline.After(test.wantAt), qt.IsTrue)
			c.Assert(f.stats.DownlinksReceived, qt.Equals, uint64(1))
			c.Assert(f.stats.TotalDropped(), qt.Equals, uint64(0))
		})
	}
}

func TestDownlinkParams(t *testing.T) {
	c := qt.New(t)
	f := newDownlinkFixture(c, false)

	job := downlink(dataToken, lorawan.SF7)
	job.Power = 27
	c.Assert(f.d.Handle(job), qt.Equals, models.TxAckNone)

	tx := f.radio.submitted[0]
	c.Assert(tx.Token, qt.Equals, dataToken)
	c.Assert(tx.Payload, qt.DeepEquals, job.Payload)
	c.Assert(tx.Params.Power, qt.Equals, 16)
	c.Assert(tx.Params.InvertPolarity, qt.IsTrue)
	c.Assert(tx.Deadline, qt.Equals, lorawan.Timestamp(2000000+12544))
}

func TestDownlinkRejections(t *testing.T) {
	tests := []struct {
		name       string
		now        lorawan.Timestamp
		radioErr   error
		job        func() models.DownlinkJob
		wantResult models.TxAckError
		wantDrop   models.DropReason
	}{{
		name: "no uplink and no timestamp",
		now:  1150000,
		job: func() models.DownlinkJob {
			j := downlink(99, lorawan.SF7)
			j.HasTimestamp = false
			return j
		},
		wantResult: models.TxAckTooLate,
		wantDrop:   models.DropDecode,
	}, {
		name:       "window already started",
		now:        2000000,
		job:        func() models.DownlinkJob { return downlink(dataToken, lorawan.SF7) },
		wantResult: models.TxAckTooLate,
		wantDrop:   models.DropScheduleExpired,
	}, {
		name:       "window long gone",
		now:        2600000,
		job:        func() models.DownlinkJob { return downlink(dataToken, lorawan.SF8) },
		wantResult: models.TxAckTooLate,
		wantDrop:   models.DropScheduleExpired,
	}, {
		name:       "radio transmitting",
		now:        1150000,
		radioErr:   radio.ErrTransmitBusy,
		job:        func() models.DownlinkJob { return downlink(dataToken, lorawan.SF7) },
		wantResult: models.TxAckCollisionPacket,
		wantDrop:   models.DropTxBusy,
	}, {
		name: "frequency outside region",
		now:  1150000,
		job: func() models.DownlinkJob {
			j := downlink(dataToken, lorawan.SF7)
			j.Frequency = 915000000
			return j
		},
		wantResult: models.TxAckTxFreq,
		wantDrop:   models.DropDecode,
	}}

	c := qt.New(t)
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			f := newDownlinkFixture(c, false)
			f.now = test.now
			f.radio.err = test.radioErr

			c.Assert(f.d.Handle(test.job()), qt.Equals, test.wantResult)
			c.Assert(f.radio.submitted, qt.HasLen, 0)
			c.Assert(f.stats.Dropped[test.wantDrop], qt.Equals, uint64(1))
			c.Assert(f.stats.TotalDropped(), qt.Equals, uint64(1))
			c.Assert(f.stats.DownlinksReceived, qt.Equals, uint64(1))
		})
	}
}

func TestDownlinkStrictAcceptsForeignFrequency(t *testing.T) {
	c := qt.New(t)
	f := newDownlinkFixture(c, true)

	job := downlink(dataToken, lorawan.SF7)
	job.Frequency = 915000000
	c.Assert(f.d.Handle(job), qt.Equals, models.TxAckNone)
	c.Assert(f.radio.submitted, qt.HasLen, 1)
}

func TestDownlinkReplacesPending(t *testing.T) {
	c := qt.New(t)
	f := newDownlinkFixture(c, false)

	c.Assert(f.d.Handle(downlink(dataToken, lorawan.SF7)), qt.Equals, models.TxAckNone)
	c.Assert(f.d.Handle(downlink(joinToken, lorawan.SF7)), qt.Equals, models.TxAckNone)
	c.Assert(f.stats.Dropped[models.DropReplaced], qt.Equals, uint64(1))
	c.Assert(f.radio.submitted, qt.HasLen, 2)
}
