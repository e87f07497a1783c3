// Package registration estimates the translation between two images with
// phase correlation, refined to sub-pixel accuracy by a local upsampled DFT
// (Guizar-Sicairos, Thurman and Fienup, "Efficient subpixel image
// registration algorithms", Opt. Lett. 33, 2008).
package registration

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"anchordrift/internal/models"
)

const (
	// magnitudeFloor multiplies the machine epsilon to clamp the cross-power
	// spectrum normalization.
	magnitudeFloor = 100

	// flatTolerance is the relative spread under which a correlation surface
	// is considered flat.
	flatTolerance = 1e-9

	// upsampledRegion is the refinement window size in original pixels.
	upsampledRegion = 1.5
)

// machineEpsilon is the float64 unit round-off.
var machineEpsilon = math.Nextafter(1, 2) - 1

// Shift is the translation found between two grids.
type Shift struct {
	// X is the shift along columns, Y along rows, both in pixels
	X, Y float64

	// Degenerate is set when the correlation surface was flat, e.g. two
	// uniformly dark captures. The shift then falls back to the lowest index
	// maximum and carries no information.
	Degenerate bool

	// PeakRatio is the correlation peak over the surface mean. Values near 1
	// mean a weak, unreliable match.
	PeakRatio float64
}

// MeasureShift returns the (x, y) translation that registers curr onto prev,
// to within 1/precision of a pixel: if curr(p) = prev(p + d) the result is d.
// Both grids must have the same shape and precision must be at least 1.
// Integer peaks fold into (-size/2, size/2] per axis, so on an even axis a
// shift of exactly half the size reports +size/2.
func MeasureShift(prev, curr *models.IntensityGrid, precision int) (float64, float64, error) {
	s, err := Measure(prev, curr, precision)
	if err != nil {
		return 0, 0, err
	}
	return s.X, s.Y, nil
}

// Measure is MeasureShift with the confidence information attached.
func Measure(prev, curr *models.IntensityGrid, precision int) (Shift, error) {
	if precision < 1 {
		return Shift{}, fmt.Errorf("%w: precision %d must be at least 1", models.ErrInvalidArgument, precision)
	}
	if prev == nil || curr == nil {
		return Shift{}, fmt.Errorf("%w: missing grid", models.ErrInvalidArgument)
	}
	if !prev.SameShape(curr) {
		pr, pc := prev.Dims()
		cr, cc := curr.Dims()
		return Shift{}, fmt.Errorf("%w: grids must be the same shape, got %dx%d and %dx%d",
			models.ErrInvalidArgument, pr, pc, cr, cc)
	}

	rows, cols := prev.Dims()
	fft := newFFT2D(rows, cols)

	product := toComplex(prev)
	other := toComplex(curr)
	fft.forward(product)
	fft.forward(other)

	// Whiten the cross-power spectrum so that only phase remains
	floor := magnitudeFloor * machineEpsilon
	for i := range product {
		p := product[i] * cmplx.Conj(other[i])
		product[i] = p / complex(math.Max(cmplx.Abs(p), floor), 0)
	}

	correlation := other
	copy(correlation, product)
	fft.inverse(correlation)

	mags := magnitudes(correlation)
	peak := argmax(mags, func(i int) float64 { return float64(i) })
	result := Shift{
		PeakRatio:  peakRatio(mags, peak),
		Degenerate: isFlat(mags),
	}

	row := wrapIndex(peak/cols, rows)
	col := wrapIndex(peak%cols, cols)

	if precision > 1 && !result.Degenerate {
		row, col = refine(product, rows, cols, row, col, precision)
	}

	// A single row or column carries no shift information along that axis
	if rows == 1 {
		row = 0
	}
	if cols == 1 {
		col = 0
	}

	result.X, result.Y = col, row
	return result, nil
}

// refine evaluates the inverse DFT of the whitened spectrum on a grid of
// spacing 1/precision around (row, col) and returns the location of its
// maximum.
func refine(spectrum []complex128, rows, cols int, row, col float64, precision int) (float64, float64) {
	up := float64(precision)
	row = math.Round(row*up) / up
	col = math.Round(col*up) / up

	region := int(math.Ceil(up * upsampledRegion))
	center := math.Trunc(float64(region) / 2)

	// colKernel is cols x region, rowKernel is region x rows
	colKernel := kernel(cols, region, up, center-col*up, true)
	rowKernel := kernel(rows, region, up, center-row*up, false)

	partial := cmul(spectrum, rows, cols, colKernel, region)
	upsampled := cmul(rowKernel, region, rows, partial, region)

	mags := magnitudes(upsampled)
	if isFlat(mags) {
		return row, col
	}
	// Along an axis without structure keep the coarse estimate
	peak := argmax(mags, func(i int) float64 {
		dr, dc := float64(i/region)-center, float64(i%region)-center
		return dr*dr + dc*dc
	})

	row += (float64(peak/region) - center) / up
	col += (float64(peak%region) - center) / up
	return row, col
}

// kernel builds the matrix exp(i2π (u - offset) f_k) that evaluates an
// n-point inverse DFT at region upsampled positions. With transposed set the
// result is laid out n x region, otherwise region x n.
func kernel(n, region int, up, offset float64, transposed bool) []complex128 {
	freq := frequencies(n, up)
	out := make([]complex128, n*region)
	for u := 0; u < region; u++ {
		pos := float64(u) - offset
		for k, f := range freq {
			v := cmplx.Exp(complex(0, 2*math.Pi*pos*f))
			if transposed {
				out[k*region+u] = v
			} else {
				out[u*n+k] = v
			}
		}
	}
	return out
}

// cmul returns the row-major product of a (m x k) and b (k x n).
func cmul(a []complex128, m, k int, b []complex128, n int) []complex128 {
	out := make([]complex128, m*n)
	for i := 0; i < m; i++ {
		dst := out[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			if av == 0 {
				continue
			}
			src := b[p*n : (p+1)*n]
			for j, bv := range src {
				dst[j] += av * bv
			}
		}
	}
	return out
}

// wrapIndex folds indices past the array midpoint to negative shifts.
func wrapIndex(idx, size int) float64 {
	if idx > size/2 {
		return float64(idx - size)
	}
	return float64(idx)
}

func toComplex(g *models.IntensityGrid) []complex128 {
	rows, cols := g.Dims()
	out := make([]complex128, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = complex(g.At(r, c), 0)
		}
	}
	return out
}

func magnitudes(data []complex128) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = cmplx.Abs(v)
	}
	return out
}

// argmax returns the index of the largest magnitude. Values within
// flatTolerance of the maximum tie, and the tie with the lowest cost wins.
func argmax(mags []float64, cost func(i int) float64) int {
	best := floats.MaxIdx(mags)
	limit := mags[best] * (1 - flatTolerance)
	bestCost := cost(best)
	for i, v := range mags {
		if v < limit || i == best {
			continue
		}
		if c := cost(i); c < bestCost {
			best, bestCost = i, c
		}
	}
	return best
}

func isFlat(mags []float64) bool {
	hi := floats.Max(mags)
	return hi-floats.Min(mags) <= flatTolerance*hi
}

func peakRatio(mags []float64, peak int) float64 {
	mean := stat.Mean(mags, nil)
	if mean == 0 {
		return 0
	}
	return mags[peak] / mean
}
