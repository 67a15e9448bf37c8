package lorawan

import "fmt"

// RegionConfiguration holds the band limits a single-channel gateway needs
// to validate its own channel and the downlinks it is asked to send.
type RegionConfiguration struct {
	Name             string
	MinFrequency     uint32
	MaxFrequency     uint32
	DefaultFrequency uint32
	DataRates        []DataRate
	// MaxPayloadSize is the largest MACPayload (M) per data rate
	MaxPayloadSize map[DataRate]int
	RX2Frequency   uint32
	RX2DataRate    DataRate
	MaxTxPower     int // dBm
}

// GetRegionConfiguration returns configuration for a region
func GetRegionConfiguration(region string) (*RegionConfiguration, error) {
	switch region {
	case "EU868", "":
		return &EU868Configuration, nil
	case "US915":
		return &US915Configuration, nil
	case "CN470", "CN470_510":
		return &CN470Configuration, nil
	default:
		return nil, fmt.Errorf("unsupported region %q", region)
	}
}

// EU868Configuration for EU 868MHz band
var EU868Configuration = RegionConfiguration{
	Name:             "EU868",
	MinFrequency:     863000000,
	MaxFrequency:     870000000,
	DefaultFrequency: 868100000,
	DataRates: []DataRate{
		{SpreadingFactor: SF12, Bandwidth: 125}, // DR0
		{SpreadingFactor: SF11, Bandwidth: 125}, // DR1
		{SpreadingFactor: SF10, Bandwidth: 125}, // DR2
		{SpreadingFactor: SF9, Bandwidth: 125},  // DR3
		{SpreadingFactor: SF8, Bandwidth: 125},  // DR4
		{SpreadingFactor: SF7, Bandwidth: 125},  // DR5
		{SpreadingFactor: SF7, Bandwidth: 250},  // DR6
	},
	MaxPayloadSize: map[DataRate]int{
		{SF12, 125}: 59, {SF11, 125}: 59, {SF10, 125}: 59,
		{SF9, 125}: 123, {SF8, 125}: 230, {SF7, 125}: 230, {SF7, 250}: 230,
	},
	RX2Frequency: 869525000,
	RX2DataRate:  DataRate{SpreadingFactor: SF12, Bandwidth: 125},
	MaxTxPower:   16,
}

// US915Configuration for US 915MHz band
var US915Configuration = RegionConfiguration{
	Name:             "US915",
	MinFrequency:     902000000,
	MaxFrequency:     928000000,
	DefaultFrequency: 902300000,
	DataRates: []DataRate{
		{SpreadingFactor: SF10, Bandwidth: 125}, // DR0
		{SpreadingFactor: SF9, Bandwidth: 125},  // DR1
		{SpreadingFactor: SF8, Bandwidth: 125},  // DR2
		{SpreadingFactor: SF7, Bandwidth: 125},  // DR3
		{SpreadingFactor: SF8, Bandwidth: 500},  // DR4
	},
	MaxPayloadSize: map[DataRate]int{
		{SF10, 125}: 19, {SF9, 125}: 61, {SF8, 125}: 133, {SF7, 125}: 250,
		{SF12, 500}: 61, {SF11, 500}: 137, {SF10, 500}: 250, {SF9, 500}: 250,
		{SF8, 500}: 250, {SF7, 500}: 250,
	},
	RX2Frequency: 923300000,
	RX2DataRate:  DataRate{SpreadingFactor: SF12, Bandwidth: 500},
	MaxTxPower:   30,
}

// CN470Configuration for China 470-510MHz band
var CN470Configuration = RegionConfiguration{
	Name:             "CN470",
	MinFrequency:     470000000,
	MaxFrequency:     510000000,
	DefaultFrequency: 470300000,
	DataRates: []DataRate{
		{SpreadingFactor: SF12, Bandwidth: 125}, // DR0
		{SpreadingFactor: SF11, Bandwidth: 125}, // DR1
		{SpreadingFactor: SF10, Bandwidth: 125}, // DR2
		{SpreadingFactor: SF9, Bandwidth: 125},  // DR3
		{SpreadingFactor: SF8, Bandwidth: 125},  // DR4
		{SpreadingFactor: SF7, Bandwidth: 125},  // DR5
	},
	MaxPayloadSize: map[DataRate]int{
		{SF12, 125}: 59, {SF11, 125}: 59, {SF10, 125}: 59,
		{SF9, 125}: 123, {SF8, 125}: 230, {SF7, 125}: 230,
	},
	RX2Frequency: 505300000,
	RX2DataRate:  DataRate{SpreadingFactor: SF12, Bandwidth: 125},
	MaxTxPower:   19,
}

// ValidFrequency reports whether freq (Hz) lies inside the band
func (r *RegionConfiguration) ValidFrequency(freq uint32) bool {
	return freq >= r.MinFrequency && freq <= r.MaxFrequency
}

// DataRateIndex returns the region's DR index for dr, or -1
func (r *RegionConfiguration) DataRateIndex(dr DataRate) int {
	for i, d := range r.DataRates {
		if d == dr {
			return i
		}
	}
	return -1
}

// MaxPHYPayload returns the largest PHYPayload (MHDR + M + MIC) allowed at
// dr. Data rates outside the table yield the radio limit.
func (r *RegionConfiguration) MaxPHYPayload(dr DataRate) int {
	m, ok := r.MaxPayloadSize[dr]
	if !ok || m+5 > MaxRadioPayload {
		return MaxRadioPayload
	}
	return m + 5
}

// MaxRadioPayload is the FIFO limit of the transceiver
const MaxRadioPayload = 255
