package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidArgument is returned for malformed shapes and non-positive timing
// or precision parameters. It is always detected before any hardware access.
var ErrInvalidArgument = errors.New("invalid argument")

// ScanGeometry is the shape of the main scan in pixels, excluding any
// hardware settle margin.
type ScanGeometry struct {
	// Width is the number of pixels per line, along the fastest scan axis
	Width int

	// Height is the number of lines
	Height int
}

// Shape builds a ScanGeometry from a (fast-axis pixels, lines) pair.
func Shape(width, height int) ScanGeometry {
	return ScanGeometry{Width: width, Height: height}
}

// Pixels returns the total number of pixels of the scan.
func (g ScanGeometry) Pixels() int {
	return g.Width * g.Height
}

// Validate reports an error if either dimension is not positive.
func (g ScanGeometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: scan shape %dx%d must have positive dimensions", ErrInvalidArgument, g.Width, g.Height)
	}
	return nil
}

// ROI is a rectangle in relative field-of-view coordinates, all in [0, 1].
type ROI struct {
	X0, Y0, X1, Y1 float64
}

// Validate checks that the ROI lies inside the field of view and is ordered.
func (r ROI) Validate() error {
	for _, v := range []float64{r.X0, r.Y0, r.X1, r.Y1} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: roi %v must lie within [0, 1]", ErrInvalidArgument, r)
		}
	}
	if r.X0 > r.X1 || r.Y0 > r.Y1 {
		return fmt.Errorf("%w: roi %v is not ordered", ErrInvalidArgument, r)
	}
	return nil
}

// Center returns the centre of the ROI in relative coordinates.
func (r ROI) Center() (x, y float64) {
	return (r.X0 + r.X1) / 2, (r.Y0 + r.Y1) / 2
}

// Size returns the relative width and height of the ROI.
func (r ROI) Size() (w, h float64) {
	return r.X1 - r.X0, r.Y1 - r.Y0
}

// AnchorRegion holds the scanner settings used to re-scan the anchor area.
// It is derived once from the user ROI and stays immutable for an acquisition.
type AnchorRegion struct {
	// ROI is the anchor area in relative coordinates
	ROI ROI

	// DwellTime is the per-pixel integration time of the anchor scan
	DwellTime time.Duration

	// Resolution is the anchor scan shape in pixels (X, Y)
	Resolution [2]int

	// Scale is the size of one anchor pixel in scanner pixels (X, Y)
	Scale [2]float64

	// Translation is the ROI centre offset from the field centre, in scanner pixels
	Translation [2]float64

	// MaxPixels is the pixel budget the resolution was clipped to
	MaxPixels int
}

// Pixels returns the number of pixels of one anchor scan.
func (a AnchorRegion) Pixels() int {
	return a.Resolution[0] * a.Resolution[1]
}

// DriftVector is a displacement in scanner (probe) pixels.
type DriftVector struct {
	X, Y float64
}

// Add returns the component-wise sum of d and o.
func (d DriftVector) Add(o DriftVector) DriftVector {
	return DriftVector{X: d.X + o.X, Y: d.Y + o.Y}
}

// Scale multiplies each component by the matching factor.
func (d DriftVector) Scale(sx, sy float64) DriftVector {
	return DriftVector{X: d.X * sx, Y: d.Y * sy}
}

// Norm returns the euclidean length of the vector.
func (d DriftVector) Norm() float64 {
	return math.Hypot(d.X, d.Y)
}

// MaxAbs returns, per axis, the largest absolute value of d and o.
func (d DriftVector) MaxAbs(o DriftVector) DriftVector {
	return DriftVector{
		X: math.Max(math.Abs(d.X), math.Abs(o.X)),
		Y: math.Max(math.Abs(d.Y), math.Abs(o.Y)),
	}
}

func (d DriftVector) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", d.X, d.Y)
}
