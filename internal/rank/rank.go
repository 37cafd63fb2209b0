// Package rank allocates sortable float64 rank values for per-user goal ordering.
//
// Ranks are sparse: a goal moved between two neighbors receives a value strictly
// between theirs, so no other row has to be renumbered. When the gap between two
// neighbors can no longer be split, the allocator reports ErrExhaustedPrecision and
// the caller regenerates the whole series.
package rank

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

const (
	// DefaultJitter is the fraction of the gap width used as random deviation
	// around the midpoint.
	DefaultJitter = 0.05
	// DefaultSeriesMin and DefaultSeriesMax bound freshly generated series.
	DefaultSeriesMin = 1.0
	DefaultSeriesMax = 1000.0
)

var (
	ErrInvalidRange       = errors.New("invalid rank range")
	ErrExhaustedPrecision = errors.New("rank precision exhausted")
)

// InvalidRangeError is returned when the low bound sorts after the high bound.
type InvalidRangeError struct {
	Low, High float64
}

func (e InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid rank range: low %v is greater than high %v", e.Low, e.High)
}

func (e InvalidRangeError) Is(target error) bool { return target == ErrInvalidRange }

// ExhaustedPrecisionError is returned when no float64 fits strictly between the bounds.
type ExhaustedPrecisionError struct {
	Low, High float64
}

func (e ExhaustedPrecisionError) Error() string {
	return fmt.Sprintf("no room left between ranks %v and %v", e.Low, e.High)
}

func (e ExhaustedPrecisionError) Is(target error) bool { return target == ErrExhaustedPrecision }

// Bounds describes the neighbors of an insertion point. A nil Low inserts at the
// start of the order, a nil High at the end.
type Bounds struct {
	Low  *float64
	High *float64
}

// Between is shorthand for Bounds with both neighbors known.
func Between(low, high float64) Bounds {
	return Bounds{Low: &low, High: &high}
}

// After returns bounds for inserting directly after low, at the end of the order.
func After(low float64) Bounds {
	return Bounds{Low: &low}
}

// Before returns bounds for inserting directly before high, at the start of the order.
func Before(high float64) Bounds {
	return Bounds{High: &high}
}

// Source supplies uniformly distributed values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// Allocator computes jittered midpoints. The zero value uses the global random
// generator and DefaultJitter.
type Allocator struct {
	Rand Source
	// Jitter must be below 0.5; zero means DefaultJitter.
	Jitter float64
}

func (a Allocator) source() Source {
	if a.Rand != nil {
		return a.Rand
	}
	return globalSource{}
}

func (a Allocator) jitter() float64 {
	if a.Jitter > 0 {
		return a.Jitter
	}
	return DefaultJitter
}

// Middle returns a rank strictly between b.Low and b.High.
func (a Allocator) Middle(b Bounds) (float64, error) {
	low, high := -math.MaxFloat64, math.MaxFloat64
	if b.Low != nil {
		low = *b.Low
	}
	if b.High != nil {
		high = *b.High
	}
	if !isFinite(low) || !isFinite(high) || low > high {
		return 0, InvalidRangeError{Low: low, High: high}
	}
	if low == high {
		return 0, ExhaustedPrecisionError{Low: low, High: high}
	}
	// half is (high-low)/2 computed without overflowing when both ends are open.
	half := high/2 - low/2
	deviation := (a.source().Float64()*2 - 1) * (2 * a.jitter()) * half
	middle := low + half + deviation
	if middle <= low || middle >= high {
		return 0, ExhaustedPrecisionError{Low: low, High: high}
	}
	return middle, nil
}

// MiddleRank allocates with the default Allocator.
func MiddleRank(b Bounds) (float64, error) {
	return Allocator{}.Middle(b)
}

// Series generates evenly spaced ranks over [Min, Max].
type Series struct {
	Min float64
	Max float64
}

// DefaultSeries spans [DefaultSeriesMin, DefaultSeriesMax].
func DefaultSeries() Series {
	return Series{Min: DefaultSeriesMin, Max: DefaultSeriesMax}
}

// Generate returns count ranks starting at Min and, for count > 1, ending at Max.
func (s Series) Generate(count int) []float64 {
	if count <= 0 {
		return []float64{}
	}
	out := make([]float64, count)
	if count == 1 {
		out[0] = s.Min
		return out
	}
	step := (s.Max - s.Min) / float64(count-1)
	for i := range out {
		out[i] = s.Min + float64(i)*step
	}
	out[count-1] = s.Max
	return out
}

// RankSeries generates count ranks over the default domain.
func RankSeries(count int) []float64 {
	return DefaultSeries().Generate(count)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
