package models

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Sample is any numeric type a detector may deliver.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~int | ~float32 | ~float64
}

// IntensityGrid is one captured 2-D image of the anchor region. Rows run
// along Y and columns along X. A grid is never modified after construction.
type IntensityGrid struct {
	data       *mat.Dense
	acquiredAt time.Time
}

// NewGrid copies samples, given in row-major order, into a new grid.
func NewGrid[T Sample](rows, cols int, samples []T) (*IntensityGrid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: grid shape %dx%d must have positive dimensions", ErrInvalidArgument, rows, cols)
	}
	if len(samples) != rows*cols {
		return nil, fmt.Errorf("%w: %d samples do not fill a %dx%d grid", ErrInvalidArgument, len(samples), rows, cols)
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = float64(s)
	}
	return &IntensityGrid{data: mat.NewDense(rows, cols, values)}, nil
}

// GridFromFunc builds a grid by evaluating fn at every (row, col).
func GridFromFunc(rows, cols int, fn func(r, c int) float64) (*IntensityGrid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: grid shape %dx%d must have positive dimensions", ErrInvalidArgument, rows, cols)
	}
	m := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			m.Set(r, c, fn(r, c))
		}
	}
	return &IntensityGrid{data: m}, nil
}

// Dims returns the number of rows and columns.
func (g *IntensityGrid) Dims() (rows, cols int) {
	return g.data.Dims()
}

// At returns the sample at row r, column c.
func (g *IntensityGrid) At(r, c int) float64 {
	return g.data.At(r, c)
}

// Matrix returns a read-only view of the samples.
func (g *IntensityGrid) Matrix() mat.Matrix {
	return g.data
}

// Values returns a row-major copy of the samples.
func (g *IntensityGrid) Values() []float64 {
	rows, cols := g.data.Dims()
	out := make([]float64, 0, rows*cols)
	for r := 0; r < rows; r++ {
		out = append(out, g.data.RawRowView(r)...)
	}
	return out
}

// SameShape reports whether g and o have identical dimensions.
func (g *IntensityGrid) SameShape(o *IntensityGrid) bool {
	gr, gc := g.Dims()
	or, oc := o.Dims()
	return gr == or && gc == oc
}

// AcquiredAt is when the grid was received, zero if it was never stamped.
func (g *IntensityGrid) AcquiredAt() time.Time {
	return g.acquiredAt
}

// WithTime returns a copy of the grid header stamped with t. The samples are
// shared, which is safe since grids are immutable.
func (g *IntensityGrid) WithTime(t time.Time) *IntensityGrid {
	return &IntensityGrid{data: g.data, acquiredAt: t}
}
