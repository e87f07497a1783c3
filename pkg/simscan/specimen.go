// Package simscan simulates a scanning microscope: a drifting specimen, a
// scanner with anchor scan settings, a detector delivering frames
// asynchronously and a main scan that records the corrected image.
package simscan

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Feature is a Gaussian spot on the specimen, in scanner pixels.
type Feature struct {
	X, Y      float64
	Sigma     float64
	Amplitude float64
}

// Specimen is a sum of Gaussian features over a constant background.
type Specimen struct {
	Background float64
	Features   []Feature
}

// Intensity returns the specimen signal at scanner position (x, y).
func (s Specimen) Intensity(x, y float64) float64 {
	v := s.Background
	for _, f := range s.Features {
		dx, dy := x-f.X, y-f.Y
		v += f.Amplitude * math.Exp(-(dx*dx+dy*dy)/(2*f.Sigma*f.Sigma))
	}
	return v
}

// RandomSpecimen scatters n features over a field of the given shape.
func RandomSpecimen(shape [2]int, n int, seed uint64) Specimen {
	src := rand.NewSource(seed)
	xs := distuv.Uniform{Min: 0, Max: float64(shape[0]), Src: src}
	ys := distuv.Uniform{Min: 0, Max: float64(shape[1]), Src: src}
	sigmas := distuv.Uniform{Min: 1.5, Max: 4, Src: src}
	amps := distuv.Uniform{Min: 0.5, Max: 1, Src: src}

	features := make([]Feature, n)
	for i := range features {
		features[i] = Feature{X: xs.Rand(), Y: ys.Rand(), Sigma: sigmas.Rand(), Amplitude: amps.Rand()}
	}
	return Specimen{Features: features}
}
