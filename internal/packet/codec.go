package packet

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// maxPayload is the largest PHYPayload a LoRa radio can carry
const maxPayload = 255

// Codec encodes gateway→server datagrams with a fixed protocol version
type Codec struct {
	Version uint8
}

// NewCodec returns a codec for the given protocol version, defaulting to v2
func NewCodec(version uint8) Codec {
	if version != ProtocolVersion1 {
		version = ProtocolVersion2
	}
	return Codec{Version: version}
}

func (c Codec) gatewayDatagram(token models.Token, typ PacketType, eui lorawan.EUI64, body interface{}) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = appendHeader(buf, c.Version, token, typ)
	buf = append(buf, eui[:]...)
	if body == nil {
		return buf, nil
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", typ, err)
	}
	return append(buf, b...), nil
}

// NewRXPK converts a radio frame into its wire form
func NewRXPK(f models.RadioFrame) RXPK {
	return RXPK{
		Tmst: uint32(f.Timestamp),
		Chan: f.Channel,
		RFCh: f.RFChain,
		Freq: hzToMHz(f.Frequency),
		Stat: int8(f.CRCStatus),
		Modu: "LORA",
		DatR: f.DataRate.String(),
		CodR: f.CodingRate.String(),
		RSSI: f.RSSI,
		LSNR: f.SNR,
		Size: len(f.Payload),
		Data: base64.StdEncoding.EncodeToString(f.Payload),
	}
}

// EncodeUplink builds the PUSH_DATA datagram for one uplink. The output is
// a pure function of msg.
func (c Codec) EncodeUplink(msg models.UplinkMessage) ([]byte, error) {
	if len(msg.Frame.Payload) == 0 || len(msg.Frame.Payload) > maxPayload {
		return nil, fmt.Errorf("payload size %d out of range", len(msg.Frame.Payload))
	}
	body := PushDataPayload{RXPK: []RXPK{NewRXPK(msg.Frame)}}
	return c.gatewayDatagram(msg.Token, PushData, msg.GatewayEUI, body)
}

// NewStat converts a stats snapshot into its wire form
func NewStat(stats models.GatewayStats, id models.Identity, now time.Time) Stat {
	st := Stat{
		Time: now.UTC().Format(StatTimeFormat),
		Lati: id.Location.Latitude,
		Long: id.Location.Longitude,
		Alti: id.Location.Altitude,
		RXNb: stats.RXReceived,
		RXOK: stats.RXOK,
		RXFW: stats.RXForwarded,
		ACKR: stats.AckRatio(),
		DWNb: stats.DownlinksReceived,
		TXNb: stats.DownlinksTransmitted,
		Pfrm: id.Platform,
		Mail: id.Email,
		Desc: id.Description,
		Boot: stats.Restarts,
		Rset: stats.Resets,
	}
	if reasons := stats.DropReasons(); len(reasons) > 0 {
		st.Drop = make(map[string]uint64, len(reasons))
		for _, r := range reasons {
			st.Drop[string(r)] = stats.Dropped[r]
		}
	}
	return st
}

// EncodeStats builds a stat PUSH_DATA. It has no side effects and depends
// only on its arguments.
func (c Codec) EncodeStats(token models.Token, stats models.GatewayStats, id models.Identity, now time.Time) ([]byte, error) {
	st := NewStat(stats, id, now)
	return c.gatewayDatagram(token, PushData, id.EUI, PushDataPayload{Stat: &st})
}

// EncodePullData builds a PULL_DATA keepalive
func (c Codec) EncodePullData(token models.Token, eui lorawan.EUI64) ([]byte, error) {
	return c.gatewayDatagram(token, PullData, eui, nil)
}

// EncodeTxAck builds a TX_ACK reporting the outcome of a PULL_RESP. Protocol
// v1 has no TX_ACK body.
func (c Codec) EncodeTxAck(token models.Token, eui lorawan.EUI64, result models.TxAckError) ([]byte, error) {
	if c.Version == ProtocolVersion1 {
		return c.gatewayDatagram(token, TxAck, eui, nil)
	}
	return c.gatewayDatagram(token, TxAck, eui, TxAckPayload{TXPKAck: TxAckResult{Error: result}})
}

// EncodeAck builds a server→gateway PUSH_ACK or PULL_ACK
func EncodeAck(version uint8, typ PacketType, token models.Token) []byte {
	return appendHeader(make([]byte, 0, HeaderSize), version, token, typ)
}

// EncodePullResp builds a server→gateway PULL_RESP for job
func EncodePullResp(version uint8, job models.DownlinkJob) ([]byte, error) {
	codr := job.CodingRate.String()
	if job.CodingRate == 0 {
		codr = lorawan.CR4_5.String()
	}
	txpk := TXPK{
		Imme: job.Immediate,
		Freq: hzToMHz(job.Frequency),
		RFCh: job.RFChain,
		Powe: job.Power,
		Modu: "LORA",
		DatR: job.DataRate.String(),
		CodR: codr,
		IPol: job.InvertPolarity,
		Prea: job.PreambleLength,
		Size: len(job.Payload),
		Data: base64.StdEncoding.EncodeToString(job.Payload),
		NCRC: job.NoCRC,
	}
	if job.HasTimestamp {
		tmst := uint32(job.Timestamp)
		txpk.Tmst = &tmst
	}

	b, err := json.Marshal(PullRespPayload{TXPK: &txpk})
	if err != nil {
		return nil, fmt.Errorf("marshal txpk: %w", err)
	}
	buf := appendHeader(make([]byte, 0, HeaderSize+len(b)), version, job.Token, PullResp)
	return append(buf, b...), nil
}

// DecodeDownlink parses a PULL_RESP into a DownlinkJob. Any failure is
// reported as a *DecodeError; the function never panics on hostile input.
func DecodeDownlink(data []byte) (models.DownlinkJob, error) {
	var job models.DownlinkJob

	h, err := DecodeHeader(data)
	if err != nil {
		return job, err
	}
	if h.Type != PullResp {
		return job, malformed("expected PULL_RESP, got %s", h.Type)
	}
	job.Token = h.Token

	var body PullRespPayload
	if err := unmarshalBody(data[HeaderSize:], &body); err != nil {
		return job, err
	}
	if body.TXPK == nil {
		return job, malformed("missing txpk object")
	}
	txpk := body.TXPK

	if txpk.Modu != "LORA" {
		return job, malformed("unsupported modulation %q", txpk.Modu)
	}
	if txpk.Freq <= 0 {
		return job, malformed("missing frequency")
	}
	if job.DataRate, err = lorawan.ParseDataRate(txpk.DatR); err != nil {
		return job, malformed("datr: %v", err)
	}
	job.CodingRate = lorawan.CR4_5
	if txpk.CodR != "" {
		if job.CodingRate, err = lorawan.ParseCodingRate(txpk.CodR); err != nil {
			return job, malformed("codr: %v", err)
		}
	}

	payload, err := decodeBase64(txpk.Data)
	if err != nil {
		return job, malformed("data: %v", err)
	}
	if len(payload) == 0 || len(payload) > maxPayload {
		return job, malformed("payload size %d out of range", len(payload))
	}
	if txpk.Size != 0 && txpk.Size != len(payload) {
		return job, malformed("size %d does not match payload of %d bytes", txpk.Size, len(payload))
	}

	job.Payload = payload
	job.Immediate = txpk.Imme
	if txpk.Tmst != nil {
		job.Timestamp = lorawan.Timestamp(*txpk.Tmst)
		job.HasTimestamp = true
	}
	job.Frequency = mhzToHz(txpk.Freq)
	job.RFChain = txpk.RFCh
	job.Power = txpk.Powe
	job.InvertPolarity = txpk.IPol
	job.NoCRC = txpk.NCRC
	job.PreambleLength = txpk.Prea

	return job, nil
}

// DecodePushData parses a gateway PUSH_DATA datagram
func DecodePushData(data []byte) (Header, lorawan.EUI64, PushDataPayload, error) {
	var body PushDataPayload

	h, eui, err := decodeGatewayHeader(data, PushData)
	if err != nil {
		return h, eui, body, err
	}
	err = unmarshalBody(data[HeaderSize+euiSize:], &body)
	return h, eui, body, err
}

// DecodeUplink is the mirror of EncodeUplink. It returns the first rxpk of
// a PUSH_DATA datagram.
func DecodeUplink(data []byte) (models.UplinkMessage, error) {
	var msg models.UplinkMessage

	h, eui, body, err := DecodePushData(data)
	if err != nil {
		return msg, err
	}
	if len(body.RXPK) == 0 {
		return msg, malformed("PUSH_DATA without rxpk")
	}
	rx := body.RXPK[0]

	payload, err := decodeBase64(rx.Data)
	if err != nil {
		return msg, malformed("data: %v", err)
	}
	dr, err := lorawan.ParseDataRate(rx.DatR)
	if err != nil {
		return msg, malformed("datr: %v", err)
	}
	cr, err := lorawan.ParseCodingRate(rx.CodR)
	if err != nil {
		return msg, malformed("codr: %v", err)
	}

	msg.GatewayEUI = eui
	msg.Token = h.Token
	msg.Frame = models.RadioFrame{
		Payload:    payload,
		Timestamp:  lorawan.Timestamp(rx.Tmst),
		Frequency:  mhzToHz(rx.Freq),
		DataRate:   dr,
		CodingRate: cr,
		RSSI:       rx.RSSI,
		SNR:        rx.LSNR,
		Channel:    rx.Chan,
		RFChain:    rx.RFCh,
		CRCStatus:  models.CRCStatus(rx.Stat),
	}
	return msg, nil
}

// DecodePullData parses a gateway PULL_DATA datagram
func DecodePullData(data []byte) (Header, lorawan.EUI64, error) {
	return decodeGatewayHeader(data, PullData)
}

// DecodeTxAck parses a gateway TX_ACK datagram. A missing body means NONE.
func DecodeTxAck(data []byte) (Header, lorawan.EUI64, models.TxAckError, error) {
	h, eui, err := decodeGatewayHeader(data, TxAck)
	if err != nil {
		return h, eui, "", err
	}
	rest := data[HeaderSize+euiSize:]
	if len(bytes.TrimSpace(rest)) == 0 {
		return h, eui, models.TxAckNone, nil
	}
	var body TxAckPayload
	if err := unmarshalBody(rest, &body); err != nil {
		return h, eui, "", err
	}
	if body.TXPKAck.Error == "" {
		return h, eui, models.TxAckNone, nil
	}
	return h, eui, body.TXPKAck.Error, nil
}

func unmarshalBody(data []byte, v interface{}) error {
	// some forwarders terminate the JSON with a NUL byte
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return malformed("empty JSON body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("json: %v", err)
	}
	return nil
}
