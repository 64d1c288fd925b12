package anomaly

import (
	"math"
)

// StatBaseline holds the training values of one pair and their summary
// statistics. It is immutable once built.
type StatBaseline struct {
	values []float64
	mean   float64
	stdDev float64
	min    float64
	max    float64
}

// NewStatBaseline copies values and computes mean, population standard
// deviation, min and max.
func NewStatBaseline(values []float64) *StatBaseline {
	b := &StatBaseline{values: append([]float64(nil), values...)}
	if len(values) == 0 {
		return b
	}

	sum := 0.0
	b.min, b.max = values[0], values[0]
	for _, v := range values {
		sum += v
		b.min = math.Min(b.min, v)
		b.max = math.Max(b.max, v)
	}
	b.mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - b.mean) * (v - b.mean)
	}
	variance /= float64(len(values))
	b.stdDev = math.Sqrt(variance)

	return b
}

// Values returns a copy of the training values in input order.
func (b *StatBaseline) Values() []float64 {
	return append([]float64(nil), b.values...)
}

func (b *StatBaseline) Count() int { return len(b.values) }
func (b *StatBaseline) Mean() float64 { return b.mean }
func (b *StatBaseline) StdDev() float64 { return b.stdDev }
func (b *StatBaseline) Min() float64 { return b.min }
func (b *StatBaseline) Max() float64 { return b.max }

// ZScore returns |value-mean|/std. ok is false when std is 0.
func (b *StatBaseline) ZScore(value float64) (z float64, ok bool) {
	if b.stdDev == 0 {
		return 0, false
	}
	return math.Abs(value-b.mean) / b.stdDev, true
}
