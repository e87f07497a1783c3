package registration

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fft2D performs 2D Fast Fourier Transforms on row-major complex data of a
// fixed shape. Rows are transformed first, then columns.
//
// The work buffers are owned by the value, so a single fft2D must not be
// shared between goroutines.
type fft2D struct {
	rows, cols int
	rowFFT     *fourier.CmplxFFT
	colFFT     *fourier.CmplxFFT
	in, out    []complex128
}

func newFFT2D(rows, cols int) *fft2D {
	n := rows
	if cols > n {
		n = cols
	}
	return &fft2D{
		rows:   rows,
		cols:   cols,
		rowFFT: fourier.NewCmplxFFT(cols),
		colFFT: fourier.NewCmplxFFT(rows),
		in:     make([]complex128, n),
		out:    make([]complex128, n),
	}
}

// forward replaces data with its unnormalized 2D DFT.
func (f *fft2D) forward(data []complex128) {
	f.apply(data, false)
}

// inverse replaces data with its inverse 2D DFT, scaled by 1/(rows*cols).
func (f *fft2D) inverse(data []complex128) {
	f.apply(data, true)
	scale := complex(1/float64(f.rows*f.cols), 0)
	for i := range data {
		data[i] *= scale
	}
}

func (f *fft2D) apply(data []complex128, inverse bool) {
	in, out := f.in[:f.cols], f.out[:f.cols]
	for i := 0; i < f.rows; i++ {
		copy(in, data[i*f.cols:(i+1)*f.cols])
		transform(f.rowFFT, out, in, inverse)
		copy(data[i*f.cols:(i+1)*f.cols], out)
	}

	in, out = f.in[:f.rows], f.out[:f.rows]
	for j := 0; j < f.cols; j++ {
		for i := 0; i < f.rows; i++ {
			in[i] = data[i*f.cols+j]
		}
		transform(f.colFFT, out, in, inverse)
		for i := 0; i < f.rows; i++ {
			data[i*f.cols+j] = out[i]
		}
	}
}

func transform(fft *fourier.CmplxFFT, dst, src []complex128, inverse bool) {
	if inverse {
		fft.Sequence(dst, src)
		return
	}
	fft.Coefficients(dst, src)
}

// frequencies returns the sample frequencies of an n-point DFT in cycles per
// sample, laid out in the standard order: 0, 1/n, ..., then the negative
// frequencies. d divides every value.
func frequencies(n int, d float64) []float64 {
	freq := make([]float64, n)
	for k := 0; k < n; k++ {
		v := k
		if k > (n-1)/2 {
			v = k - n
		}
		freq[k] = float64(v) / (float64(n) * d)
	}
	return freq
}
