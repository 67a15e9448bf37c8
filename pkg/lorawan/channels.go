package lorawan

import "fmt"

// eu868Channels is the common EU868 plan: the three mandatory join channels,
// the five usual network channels and the two high-power sub-band channels.
var eu868Channels = []uint32{
	868100000, 868300000, 868500000,
	867100000, 867300000, 867500000, 867700000, 867900000,
	868800000, 869525000,
}

// UplinkChannelCount returns how many uplink channels the region defines
func (r *RegionConfiguration) UplinkChannelCount() int {
	switch r.Name {
	case "EU868":
		return len(eu868Channels)
	case "US915":
		return 64
	case "CN470":
		return 96
	}
	return 0
}

// UplinkChannelFrequency returns the centre frequency of uplink channel n.
// US915 and CN470 space their 125 kHz channels 200 kHz apart from the
// bottom of the band.
func (r *RegionConfiguration) UplinkChannelFrequency(n int) (uint32, error) {
	if n < 0 || n >= r.UplinkChannelCount() {
		return 0, fmt.Errorf("channel %d not defined in %s", n, r.Name)
	}
	switch r.Name {
	case "EU868":
		return eu868Channels[n], nil
	case "US915":
		return uint32(902300000 + n*200000), nil
	default:
		return uint32(470300000 + n*200000), nil
	}
}
