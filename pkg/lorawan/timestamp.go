package lorawan

import "time"

// Timestamp is the gateway's internal microsecond counter ("tmst"). It is
// 32 bits wide and rolls over every ~71.6 minutes, so comparisons are only
// meaningful between timestamps less than ~35 minutes apart.
type Timestamp uint32

// Add returns t shifted by d, wrapping around the counter
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(uint32(int64(d/time.Microsecond)))
}

// Sub returns the signed duration t-u
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(int32(t-u)) * time.Microsecond
}

// Before reports whether t is before u
func (t Timestamp) Before(u Timestamp) bool {
	return int32(t-u) < 0
}

// After reports whether t is after u
func (t Timestamp) After(u Timestamp) bool {
	return int32(t-u) > 0
}
