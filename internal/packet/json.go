package packet

import (
	"encoding/base64"
	"math"
	"strings"

	"github.com/lorawan-server/sc-gateway/internal/models"
)

// RXPK is one received packet in a PUSH_DATA body. Field order is fixed so
// that encoding is deterministic.
type RXPK struct {
	Tmst uint32  `json:"tmst"`
	Chan uint8   `json:"chan"`
	RFCh uint8   `json:"rfch"`
	Freq float64 `json:"freq"`
	Stat int8    `json:"stat"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI int     `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// TXPK is the transmit request carried in a PULL_RESP body
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst *uint32 `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	RFCh uint8   `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr,omitempty"`
	IPol bool    `json:"ipol"`
	Prea int     `json:"prea,omitempty"`
	Size int     `json:"size"`
	Data string  `json:"data"`
	NCRC bool    `json:"ncrc,omitempty"`
}

// Stat is the gateway status object of a PUSH_DATA body. The drop, boot
// and rset keys are extensions; standard backends ignore them.
type Stat struct {
	Time string            `json:"time"`
	Lati float64           `json:"lati"`
	Long float64           `json:"long"`
	Alti int               `json:"alti"`
	RXNb uint64            `json:"rxnb"`
	RXOK uint64            `json:"rxok"`
	RXFW uint64            `json:"rxfw"`
	ACKR float64           `json:"ackr"`
	DWNb uint64            `json:"dwnb"`
	TXNb uint64            `json:"txnb"`
	Pfrm string            `json:"pfrm,omitempty"`
	Mail string            `json:"mail,omitempty"`
	Desc string            `json:"desc,omitempty"`
	Drop map[string]uint64 `json:"drop,omitempty"`
	Boot uint64            `json:"boot,omitempty"`
	Rset uint64            `json:"rset,omitempty"`
}

// PushDataPayload is the JSON body of a PUSH_DATA datagram
type PushDataPayload struct {
	RXPK []RXPK `json:"rxpk,omitempty"`
	Stat *Stat  `json:"stat,omitempty"`
}

// PullRespPayload is the JSON body of a PULL_RESP datagram
type PullRespPayload struct {
	TXPK *TXPK `json:"txpk"`
}

// TxAckPayload is the JSON body of a TX_ACK datagram
type TxAckPayload struct {
	TXPKAck TxAckResult `json:"txpk_ack"`
}

// TxAckResult carries the outcome of a downlink
type TxAckResult struct {
	Error models.TxAckError `json:"error"`
}

// StatTimeFormat is the "time" layout used by the Semtech reference forwarder
const StatTimeFormat = "2006-01-02 15:04:05 MST"

func hzToMHz(hz uint32) float64 {
	return float64(hz) / 1e6
}

func mhzToHz(mhz float64) uint32 {
	return uint32(math.Round(mhz * 1e6))
}

// decodeBase64 accepts padded and unpadded standard encoding
func decodeBase64(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}
