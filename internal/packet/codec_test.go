package packet

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

var testEUI = lorawan.EUI64{0xaa, 0xbb, 0xcc, 0xff, 0xfe, 0x00, 0x11, 0x22}

func testFrame() models.RadioFrame {
	return models.RadioFrame{
		Payload:    []byte{0x40, 0x04, 0x03, 0x02, 0x01, 0x00, 0x05, 0x00, 0x01, 0xAB, 1, 2, 3, 4},
		Timestamp:  lorawan.Timestamp(1000000),
		Frequency:  868100000,
		DataRate:   lorawan.DataRate{SpreadingFactor: lorawan.SF7, Bandwidth: 125},
		CodingRate: lorawan.CR4_5,
		RSSI:       -57,
		SNR:        9.5,
		CRCStatus:  models.CRCOK,
	}
}

func TestUplinkRoundTrip(t *testing.T) {
	c := qt.New(t)
	codec := NewCodec(ProtocolVersion2)

	frames := []models.RadioFrame{testFrame()}
	f := testFrame()
	f.Timestamp = 0xFFFFFFF0
	f.DataRate = lorawan.DataRate{SpreadingFactor: lorawan.SF12, Bandwidth: 125}
	f.CodingRate = lorawan.CR4_8
	f.RSSI = -120
	f.SNR = -17.25
	f.Frequency = 869525000
	f.Payload = make([]byte, 255)
	frames = append(frames, f)

	for i, frame := range frames {
		msg := models.UplinkMessage{GatewayEUI: testEUI, Frame: frame, Token: models.Token(0xBEEF + i)}

		b, err := codec.EncodeUplink(msg)
		c.Assert(err, qt.IsNil)

		back, err := DecodeUplink(b)
		c.Assert(err, qt.IsNil)
		c.Assert(back, qt.DeepEquals, msg)
	}
}

func TestEncodeUplinkDeterministic(t *testing.T) {
	c := qt.New(t)
	codec := NewCodec(ProtocolVersion2)
	msg := models.UplinkMessage{GatewayEUI: testEUI, Frame: testFrame(), Token: 7}

	a, err := codec.EncodeUplink(msg)
	c.Assert(err, qt.IsNil)
	b, err := codec.EncodeUplink(msg)
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.DeepEquals, b)

	c.Assert(a[:4], qt.DeepEquals, []byte{2, 0x00, 0x07, byte(PushData)})
	c.Assert(a[4:12], qt.DeepEquals, testEUI[:])

	var body map[string][]map[string]interface{}
	c.Assert(json.Unmarshal(a[12:], &body), qt.IsNil)
	rx := body["rxpk"][0]
	c.Assert(rx["datr"], qt.Equals, "SF7BW125")
	c.Assert(rx["freq"], qt.Equals, 868.1)
	c.Assert(rx["modu"], qt.Equals, "LORA")
	c.Assert(rx["tmst"], qt.Equals, 1000000.0)
	_, hasTime := rx["time"]
	c.Assert(hasTime, qt.IsFalse)
}

func TestEncodeUplinkRejectsBadSize(t *testing.T) {
	c := qt.New(t)
	f := testFrame()
	f.Payload = nil
	_, err := NewCodec(2).EncodeUplink(models.UplinkMessage{Frame: f})
	c.Assert(err, qt.IsNotNil)
}

func TestDecodeDownlink(t *testing.T) {
	c := qt.New(t)

	data := append([]byte{2, 0x12, 0x34, byte(PullResp)},
		`{"txpk":{"imme":false,"tmst":3000000,"freq":868.1,"rfch":0,"powe":14,"modu":"LORA","datr":"SF9BW125","codr":"4/5","ipol":true,"size":4,"data":"AQIDBA=="}}`...)

	job, err := DecodeDownlink(data)
	c.Assert(err, qt.IsNil)
	c.Assert(job, qt.DeepEquals, models.DownlinkJob{
		Token:          0x1234,
		Payload:        []byte{1, 2, 3, 4},
		Timestamp:      3000000,
		HasTimestamp:   true,
		Frequency:      868100000,
		DataRate:       lorawan.DataRate{SpreadingFactor: lorawan.SF9, Bandwidth: 125},
		CodingRate:     lorawan.CR4_5,
		Power:          14,
		InvertPolarity: true,
	})
}

func TestPullRespRoundTrip(t *testing.T) {
	c := qt.New(t)

	job := models.DownlinkJob{
		Token:      99,
		Payload:    []byte{0x60, 1, 2, 3, 4, 5},
		Immediate:  true,
		Frequency:  869525000,
		DataRate:   lorawan.DataRate{SpreadingFactor: lorawan.SF12, Bandwidth: 125},
		CodingRate: lorawan.CR4_5,
		Power:      27,
	}
	b, err := EncodePullResp(ProtocolVersion1, job)
	c.Assert(err, qt.IsNil)

	back, err := DecodeDownlink(b)
	c.Assert(err, qt.IsNil)
	c.Assert(back, qt.DeepEquals, job)
}

func TestDecodeDownlinkErrors(t *testing.T) {
	valid := `{"txpk":{"imme":true,"freq":868.1,"modu":"LORA","datr":"SF7BW125","data":"AQID"}}`

	tests := []struct {
		name string
		data []byte
		kind error
	}{
		{"empty", nil, ErrMalformed},
		{"short header", []byte{2, 0, 1}, ErrMalformed},
		{"unknown version", append([]byte{9, 0, 1, byte(PullResp)}, valid...), ErrUnsupportedVersion},
		{"wrong type", append([]byte{2, 0, 1, byte(PushAck)}, valid...), ErrMalformed},
		{"no body", []byte{2, 0, 1, byte(PullResp)}, ErrMalformed},
		{"truncated json", append([]byte{2, 0, 1, byte(PullResp)}, valid[:40]...), ErrMalformed},
		{"missing txpk", append([]byte{2, 0, 1, byte(PullResp)}, `{"foo":1}`...), ErrMalformed},
		{"bad base64", append([]byte{2, 0, 1, byte(PullResp)}, `{"txpk":{"imme":true,"freq":868.1,"modu":"LORA","datr":"SF7BW125","data":"!!"}}`...), ErrMalformed},
		{"bad datr", append([]byte{2, 0, 1, byte(PullResp)}, `{"txpk":{"imme":true,"freq":868.1,"modu":"LORA","datr":"SF5BW125","data":"AQID"}}`...), ErrMalformed},
		{"fsk", append([]byte{2, 0, 1, byte(PullResp)}, `{"txpk":{"imme":true,"freq":868.1,"modu":"FSK","datr":50000,"data":"AQID"}}`...), ErrMalformed},
		{"size mismatch", append([]byte{2, 0, 1, byte(PullResp)}, `{"txpk":{"imme":true,"freq":868.1,"modu":"LORA","datr":"SF7BW125","size":9,"data":"AQID"}}`...), ErrMalformed},
		{"empty payload", append([]byte{2, 0, 1, byte(PullResp)}, `{"txpk":{"imme":true,"freq":868.1,"modu":"LORA","datr":"SF7BW125","data":""}}`...), ErrMalformed},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := qt.New(t)
			job, err := DecodeDownlink(test.data)
			c.Assert(errors.Is(err, test.kind), qt.IsTrue, qt.Commentf("err: %v", err))
			var de *DecodeError
			c.Assert(errors.As(err, &de), qt.IsTrue)
			c.Assert(job.Payload, qt.IsNil)
		})
	}
}

func TestEncodeStats(t *testing.T) {
	c := qt.New(t)
	codec := NewCodec(ProtocolVersion2)

	stats := models.NewGatewayStats()
	stats.RXReceived = 10
	stats.RXOK = 8
	stats.RXForwarded = 8
	stats.AckedRoundTrips = 4
	stats.DownlinksReceived = 2
	stats.DownlinksTransmitted = 1
	stats.Restarts = 3
	stats.Drop(models.DropCRC)

	id := models.Identity{
		EUI:         testEUI,
		Description: "bench",
		Platform:    "sc-gateway",
		Email:       "ops@example.com",
		Location:    models.Location{Latitude: 52.1, Longitude: 5.1, Altitude: 12},
	}
	now := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	a, err := codec.EncodeStats(0x0102, *stats, id, now)
	c.Assert(err, qt.IsNil)
	b, err := codec.EncodeStats(0x0102, *stats, id, now)
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.DeepEquals, b)

	h, eui, body, err := DecodePushData(a)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Token, qt.Equals, models.Token(0x0102))
	c.Assert(eui, qt.Equals, testEUI)
	c.Assert(body.RXPK, qt.HasLen, 0)
	c.Assert(body.Stat, qt.DeepEquals, &Stat{
		Time: "2024-05-01 12:30:00 UTC",
		Lati: 52.1,
		Long: 5.1,
		Alti: 12,
		RXNb: 10,
		RXOK: 8,
		RXFW: 8,
		ACKR: 50,
		DWNb: 2,
		TXNb: 1,
		Pfrm: "sc-gateway",
		Mail: "ops@example.com",
		Desc: "bench",
		Drop: map[string]uint64{"crc": 1},
		Boot: 3,
	})
}

func TestPullDataAndAcks(t *testing.T) {
	c := qt.New(t)
	codec := NewCodec(ProtocolVersion2)

	b, err := codec.EncodePullData(0xABCD, testEUI)
	c.Assert(err, qt.IsNil)
	c.Assert(b, qt.HasLen, 12)
	h, eui, err := DecodePullData(b)
	c.Assert(err, qt.IsNil)
	c.Assert(h, qt.Equals, Header{Version: 2, Token: 0xABCD, Type: PullData})
	c.Assert(eui, qt.Equals, testEUI)

	ack := EncodeAck(ProtocolVersion2, PullAck, 0xABCD)
	h, err = DecodeHeader(ack)
	c.Assert(err, qt.IsNil)
	c.Assert(h, qt.Equals, Header{Version: 2, Token: 0xABCD, Type: PullAck})
}

func TestTxAck(t *testing.T) {
	c := qt.New(t)

	b, err := NewCodec(ProtocolVersion2).EncodeTxAck(5, testEUI, models.TxAckTooLate)
	c.Assert(err, qt.IsNil)
	h, _, result, err := DecodeTxAck(b)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Token, qt.Equals, models.Token(5))
	c.Assert(result, qt.Equals, models.TxAckTooLate)

	b, err = NewCodec(ProtocolVersion1).EncodeTxAck(5, testEUI, models.TxAckTooLate)
	c.Assert(err, qt.IsNil)
	c.Assert(b, qt.HasLen, 12)
	_, _, result, err = DecodeTxAck(b)
	c.Assert(err, qt.IsNil)
	c.Assert(result, qt.Equals, models.TxAckNone)
}
