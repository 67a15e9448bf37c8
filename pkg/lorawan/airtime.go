package lorawan

import "time"

// DefaultPreambleLength is the LoRaWAN preamble length in symbols
const DefaultPreambleLength = 8

// Modulation holds the parameters that determine LoRa timing on air.
type Modulation struct {
	DataRate       DataRate
	CodingRate     CodingRate
	PreambleLength int
	CRC            bool
	ImplicitHeader bool
}

// SymbolPeriod returns the duration of one symbol: 2^SF / BW.
func (m Modulation) SymbolPeriod() time.Duration {
	bwHz := int64(m.DataRate.Bandwidth) * 1000
	if bwHz == 0 {
		return 0
	}
	return time.Duration(m.DataRate.SpreadingFactor.ChipsPerSymbol()) * time.Second / time.Duration(bwHz)
}

// lowDataRateOptimize is mandated when the symbol duration exceeds 16ms.
func (m Modulation) lowDataRateOptimize() bool {
	return m.SymbolPeriod() > 16*time.Millisecond
}

// PreambleDuration returns the air time of the preamble including the 4.25
// symbols of sync word and start frame delimiter.
func (m Modulation) PreambleDuration() time.Duration {
	preamble := m.PreambleLength
	if preamble == 0 {
		preamble = DefaultPreambleLength
	}
	return time.Duration(4*preamble+17) * m.SymbolPeriod() / 4
}

// HeaderDuration returns the air time from the start of the preamble to the
// end of the explicit header, the point where a valid-header interrupt fires.
func (m Modulation) HeaderDuration() time.Duration {
	// the header is carried in the first 8 payload symbols
	return m.PreambleDuration() + 8*m.SymbolPeriod()
}

// TimeOnAir returns the time it takes to transmit a packet of the given
// payload length (SX1276 datasheet, section 4.1.1.7).
func (m Modulation) TimeOnAir(payloadLength int) time.Duration {
	if m.DataRate.Bandwidth == 0 {
		return 0
	}
	sf := int64(m.DataRate.SpreadingFactor)
	crc := b2i(m.CRC)
	ih := b2i(m.ImplicitHeader)
	de := b2i(m.lowDataRateOptimize())
	cr := int64(m.CodingRate)
	if cr == 0 {
		cr = int64(CR4_5)
	}

	num := 8*int64(payloadLength) - 4*sf + 28 + 16*crc - 20*ih
	div := 4 * (sf - 2*de)
	var symbols int64
	if num > 0 && div > 0 {
		symbols = (num + div - 1) / div * (cr + 4)
	}
	symbols += 8

	return m.PreambleDuration() + time.Duration(symbols)*m.SymbolPeriod()
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
