// Package schedule converts a drift-correction period into the number of
// main-scan pixels to acquire between two anchor acquisitions.
package schedule

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"anchordrift/internal/models"
)

// Schedule is a repeating cycle of pixel counts. Each value means "acquire
// this many main-scan pixels, then run one anchor correction". A Schedule is
// a plain value: iterating it never changes it.
type Schedule struct {
	cycle []int
}

// CorrectionPeriod computes the schedule for a desired time between anchor
// corrections, the acquisition time of one main-scan pixel and the scan shape.
//
// Pixels are scanned line by line, Width pixels per line. When a period holds
// at least one line, corrections happen after a whole number of lines. When
// it is shorter, each line is split into the largest number of chunks that
// still fit in the period, with the larger chunks spread evenly so that every
// line adds up to exactly Width pixels. A period of one pixel or less corrects
// after every pixel.
func CorrectionPeriod(period, pixelTime time.Duration, shape models.ScanGeometry) (Schedule, error) {
	if period <= 0 {
		return Schedule{}, fmt.Errorf("%w: correction period %v must be positive", models.ErrInvalidArgument, period)
	}
	if pixelTime <= 0 {
		return Schedule{}, fmt.Errorf("%w: pixel time %v must be positive", models.ErrInvalidArgument, pixelTime)
	}
	if err := shape.Validate(); err != nil {
		return Schedule{}, err
	}

	perPeriod := int64(period / pixelTime)
	line := int64(shape.Width)

	switch {
	case perPeriod >= line:
		return Schedule{cycle: []int{int(line * (perPeriod / line))}}, nil
	case perPeriod <= 1:
		return Schedule{cycle: []int{1}}, nil
	}

	// Number of corrections per line
	chunks := int64(time.Duration(line)*pixelTime) / int64(period)
	if chunks < 1 {
		chunks = 1
	}
	return Schedule{cycle: spread(line, chunks)}, nil
}

// spread splits total pixels into n chunks whose sizes differ by at most one,
// with the larger chunks interleaved.
func spread(total, n int64) []int {
	out := make([]int, n)
	var prev int64
	for i := int64(1); i <= n; i++ {
		pos := i * total / n
		out[i-1] = int(pos - prev)
		prev = pos
	}
	return out
}

// Cycle returns a copy of one period of the schedule.
func (s Schedule) Cycle() []int {
	return slices.Clone(s.cycle)
}

// First returns the first interval of the schedule.
func (s Schedule) First() int {
	if len(s.cycle) == 0 {
		return 0
	}
	return s.cycle[0]
}

// Next returns a step function yielding the schedule values one at a time,
// forever. Each call to Next starts again from the beginning.
func (s Schedule) Next() func() int {
	cycle := s.Cycle()
	i := 0
	return func() int {
		if len(cycle) == 0 {
			return 0
		}
		v := cycle[i]
		i = (i + 1) % len(cycle)
		return v
	}
}

// All returns the infinite sequence of intervals.
func (s Schedule) All() iter.Seq[int] {
	return repeat(s.Next)
}

// Bounded returns the intervals needed to cover total pixels. The last value
// is truncated so that the sequence sums to exactly total.
func (s Schedule) Bounded(total int) iter.Seq[int] {
	return func(yield func(int) bool) {
		step := s.Next()
		for remaining := total; remaining > 0; {
			n := step()
			if n <= 0 {
				return
			}
			n = min(n, remaining)
			if !yield(n) {
				return
			}
			remaining -= n
		}
	}
}

// Intervals is Bounded over every pixel of shape.
func (s Schedule) Intervals(shape models.ScanGeometry) iter.Seq[int] {
	return s.Bounded(shape.Pixels())
}

// repeat wraps a step function into a sequence that never ends on its own.
func repeat(next func() func() int) iter.Seq[int] {
	return func(yield func(int) bool) {
		step := next()
		for {
			n := step()
			if n <= 0 || !yield(n) {
				return
			}
		}
	}
}
