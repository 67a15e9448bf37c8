package lorawan

import (
	"fmt"
	"strings"
)

// SpreadingFactor is the LoRa spreading factor, SF7 fastest to SF12 slowest
type SpreadingFactor uint8

// Supported spreading factors
const (
	SF7  SpreadingFactor = 7
	SF8  SpreadingFactor = 8
	SF9  SpreadingFactor = 9
	SF10 SpreadingFactor = 10
	SF11 SpreadingFactor = 11
	SF12 SpreadingFactor = 12
)

// Valid reports whether sf is within SF7..SF12
func (sf SpreadingFactor) Valid() bool {
	return sf >= SF7 && sf <= SF12
}

// ChipsPerSymbol returns 2^SF
func (sf SpreadingFactor) ChipsPerSymbol() int64 {
	return 1 << uint(sf)
}

func (sf SpreadingFactor) String() string {
	return fmt.Sprintf("SF%d", uint8(sf))
}

// DataRate is a LoRa modulation setting as carried in the Semtech "datr" field
type DataRate struct {
	SpreadingFactor SpreadingFactor `json:"spreadingFactor"`
	Bandwidth       int             `json:"bandwidth"` // kHz
}

// String returns the identifier in the form SF7BW125
func (dr DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", uint8(dr.SpreadingFactor), dr.Bandwidth)
}

// ParseDataRate parses a Semtech LoRa datarate identifier such as "SF9BW125"
func ParseDataRate(s string) (DataRate, error) {
	var sf, bw int
	n, err := fmt.Sscanf(strings.ToUpper(strings.TrimSpace(s)), "SF%dBW%d", &sf, &bw)
	if err != nil || n != 2 {
		return DataRate{}, fmt.Errorf("invalid LoRa datarate %q", s)
	}

	dr := DataRate{SpreadingFactor: SpreadingFactor(sf), Bandwidth: bw}
	if !dr.SpreadingFactor.Valid() {
		return DataRate{}, fmt.Errorf("unsupported spreading factor in %q", s)
	}
	if !validBandwidth(bw) {
		return DataRate{}, fmt.Errorf("unsupported bandwidth in %q", s)
	}
	return dr, nil
}

func validBandwidth(khz int) bool {
	return khz == 125 || khz == 250 || khz == 500
}

// CodingRate is the LoRa forward error correction rate, 1 = 4/5 .. 4 = 4/8
type CodingRate uint8

// Supported coding rates
const (
	CR4_5 CodingRate = 1
	CR4_6 CodingRate = 2
	CR4_7 CodingRate = 3
	CR4_8 CodingRate = 4
)

// String returns the Semtech "codr" identifier
func (cr CodingRate) String() string {
	if cr < CR4_5 || cr > CR4_8 {
		return "OFF"
	}
	return fmt.Sprintf("4/%d", uint8(cr)+4)
}

// ParseCodingRate parses a Semtech "codr" identifier
func ParseCodingRate(s string) (CodingRate, error) {
	switch strings.TrimSpace(s) {
	case "OFF":
		return 0, nil
	case "4/5":
		return CR4_5, nil
	case "4/6", "2/3":
		return CR4_6, nil
	case "4/7":
		return CR4_7, nil
	case "4/8", "1/2":
		return CR4_8, nil
	}
	return 0, fmt.Errorf("invalid coding rate %q", s)
}
