// Package anchor measures specimen drift by periodically re-scanning a small
// anchor region and comparing it with the first capture.
package anchor

import (
	"fmt"
	"math"
	"time"

	"anchordrift/internal/models"
)

// DefaultMaxPixels bounds the size of one anchor scan so that it never
// dominates the acquisition time.
const DefaultMaxPixels = 512 * 512

// Capabilities are the read-only scanner properties needed to place an
// anchor region.
type Capabilities interface {
	// Shape is the full field of view in scanner pixels (X, Y)
	Shape() [2]int

	// ResolutionRange is the smallest and largest scan resolution accepted
	ResolutionRange() (lo, hi [2]int)
}

// Limits bound the anchor scan resolution.
type Limits struct {
	// MaxPixels is the pixel budget of one anchor scan
	MaxPixels int

	// MinResolution is the smallest resolution used, per axis
	MinResolution [2]int
}

// DefaultLimits returns a budget of 512x512 pixels and a 2x2 floor.
func DefaultLimits() Limits {
	return Limits{
		MaxPixels:     DefaultMaxPixels,
		MinResolution: [2]int{2, 2},
	}
}

// Configure derives the anchor scan settings for roi. The finest scale is
// used unless the region would exceed the pixel budget, in which case the
// scale grows until it fits.
func Configure(caps Capabilities, roi models.ROI, dwell time.Duration, limits Limits) (models.AnchorRegion, error) {
	if err := roi.Validate(); err != nil {
		return models.AnchorRegion{}, err
	}
	if dwell <= 0 {
		return models.AnchorRegion{}, fmt.Errorf("%w: dwell time %v must be positive", models.ErrInvalidArgument, dwell)
	}
	if limits.MaxPixels <= 0 {
		return models.AnchorRegion{}, fmt.Errorf("%w: pixel budget %d must be positive", models.ErrInvalidArgument, limits.MaxPixels)
	}
	if limits.MinResolution[0] <= 0 || limits.MinResolution[1] <= 0 {
		return models.AnchorRegion{}, fmt.Errorf("%w: minimum resolution %v must be positive", models.ErrInvalidArgument, limits.MinResolution)
	}
	shape := caps.Shape()
	if shape[0] <= 0 || shape[1] <= 0 {
		return models.AnchorRegion{}, fmt.Errorf("%w: scanner shape %v must be positive", models.ErrInvalidArgument, shape)
	}

	cx, cy := roi.Center()
	w, h := roi.Size()
	width := float64(shape[0]) * w
	height := float64(shape[1]) * h

	// Translation is measured from the field centre
	trans := [2]float64{
		float64(shape[0]) * (cx - 0.5),
		float64(shape[1]) * (cy - 0.5),
	}

	res := [2]int{max(1, int(math.Round(width))), max(1, int(math.Round(height)))}
	scale := 1.0
	if res[0]*res[1] > limits.MaxPixels {
		scale = math.Sqrt(width * height / float64(limits.MaxPixels))
		res = [2]int{max(1, int(width/scale)), max(1, int(height/scale))}
	}

	lo, hi := caps.ResolutionRange()
	for i := range res {
		floor := max(limits.MinResolution[i], lo[i])
		res[i] = max(res[i], floor)
		if hi[i] > 0 {
			res[i] = min(res[i], hi[i])
		}
	}

	return models.AnchorRegion{
		ROI:         roi,
		DwellTime:   dwell,
		Resolution:  res,
		Scale:       [2]float64{scale, scale},
		Translation: trans,
		MaxPixels:   limits.MaxPixels,
	}, nil
}

// EstimateAcquisitionTime returns the minimum time one anchor scan takes.
func EstimateAcquisitionTime(region models.AnchorRegion) time.Duration {
	return time.Duration(region.Pixels()) * region.DwellTime
}
