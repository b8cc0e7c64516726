package l2frames

import (
	"time"
)

// Point is one sensor return in sensor-relative meters. X is range-forward
// and non-negative by convention; Y and Z may be negative.
type Point struct {
	X, Y, Z float32
}

// Frame is a private copy of one capture cycle taken out of the shared buffer.
// Points always has Capacity entries; only the first ValidCount are real data.
type Frame struct {
	Sequence   uint64 // publication order, starting at 1
	Label      string // session-unique frame label
	ValidCount int    // leading entries that carry real data
	Capacity   int    // shared buffer capacity at copy time
	Truncated  int    // points the producer refused because the buffer was full
	Points     []Point
}

// Trimmed returns the real points of the frame, dropping the trailing padding.
func (f *Frame) Trimmed() []Point {
	if f == nil {
		return nil
	}
	return f.Points[:f.ValidCount]
}

// ReturnMode selects how many returns the sensor reports per pulse.
type ReturnMode int

const (
	ReturnFirst     ReturnMode = 0 // single first return
	ReturnStrongest ReturnMode = 1 // single strongest return
	ReturnDual      ReturnMode = 2 // first and strongest
)

// Multiplier is the worst-case factor on the sensor point rate.
func (m ReturnMode) Multiplier() int {
	return 1 + int(m)/2
}

// DefaultPointsPerSecond is the nominal point rate used for buffer sizing.
const DefaultPointsPerSecond = 100_000

// CapacityFor sizes the shared buffer for the worst-case frame:
// points per second x return-mode multiplier x frame duration.
func CapacityFor(pointsPerSecond int, mode ReturnMode, frame time.Duration) int {
	if pointsPerSecond <= 0 || frame <= 0 {
		return 0
	}
	perSecond := int64(pointsPerSecond * mode.Multiplier())
	return int((perSecond*frame.Nanoseconds() + int64(time.Second) - 1) / int64(time.Second))
}
