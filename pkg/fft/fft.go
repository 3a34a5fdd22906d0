// Package fft provides the two-dimensional Fourier transforms and FFT-based
// convolution used by the imaging and deconvolution packages. Arrays are
// row-major with ny rows of nx columns.
package fft

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Plan holds the one-dimensional transforms for a fixed ny x nx grid. A
// Plan is not safe for concurrent use; create one per goroutine.
type Plan struct {
	ny, nx int
	rows   *fourier.CmplxFFT
	cols   *fourier.CmplxFFT
	rowBuf []complex128
	colIn  []complex128
	colOut []complex128
}

// NewPlan creates the transforms for an ny x nx grid.
func NewPlan(ny, nx int) *Plan {
	return &Plan{
		ny:     ny,
		nx:     nx,
		rows:   fourier.NewCmplxFFT(nx),
		cols:   fourier.NewCmplxFFT(ny),
		rowBuf: make([]complex128, nx),
		colIn:  make([]complex128, ny),
		colOut: make([]complex128, ny),
	}
}

// Forward performs an unnormalised forward 2-D transform in place.
func (p *Plan) Forward(data []complex128) {
	p.transform(data, false)
}

// Inverse performs the inverse 2-D transform in place, normalised by
// 1/(ny*nx) so that Inverse(Forward(x)) == x.
func (p *Plan) Inverse(data []complex128) {
	p.transform(data, true)
	scale := complex(1/float64(p.ny*p.nx), 0)
	for i := range data {
		data[i] *= scale
	}
}

func (p *Plan) transform(data []complex128, inverse bool) {
	// Row-wise pass
	for i := 0; i < p.ny; i++ {
		row := data[i*p.nx : (i+1)*p.nx]
		if inverse {
			p.rows.Sequence(p.rowBuf, row)
		} else {
			p.rows.Coefficients(p.rowBuf, row)
		}
		copy(row, p.rowBuf)
	}

	// Column-wise pass
	for j := 0; j < p.nx; j++ {
		for i := 0; i < p.ny; i++ {
			p.colIn[i] = data[i*p.nx+j]
		}
		if inverse {
			p.cols.Sequence(p.colOut, p.colIn)
		} else {
			p.cols.Coefficients(p.colOut, p.colIn)
		}
		for i := 0; i < p.ny; i++ {
			data[i*p.nx+j] = p.colOut[i]
		}
	}
}

// Shift moves the zero-frequency element from index (0, 0) to the centre
// (ny/2, nx/2).
func Shift(data []complex128, ny, nx int) []complex128 {
	out := make([]complex128, len(data))
	for y := 0; y < ny; y++ {
		sy := (y + ny/2) % ny
		for x := 0; x < nx; x++ {
			sx := (x + nx/2) % nx
			out[sy*nx+sx] = data[y*nx+x]
		}
	}
	return out
}

// IShift is the inverse of Shift.
func IShift(data []complex128, ny, nx int) []complex128 {
	out := make([]complex128, len(data))
	for y := 0; y < ny; y++ {
		sy := (y + ny/2) % ny
		for x := 0; x < nx; x++ {
			sx := (x + nx/2) % nx
			out[y*nx+x] = data[sy*nx+sx]
		}
	}
	return out
}

// Convolve returns the linear convolution of img (ny x nx) with kernel
// (ky x kx), cropped to the size of img. The kernel origin is its centre
// pixel (ky/2, kx/2), so a kernel that is 1 at its centre and 0 elsewhere
// returns img unchanged. Both arrays are zero padded to avoid wrap-around.
func Convolve(img []float64, ny, nx int, kernel []float64, ky, kx int) ([]float64, error) {
	if len(img) != ny*nx || len(kernel) != ky*kx {
		return nil, fmt.Errorf("fft: convolve got %d pixels for %dx%d image and %d for %dx%d kernel",
			len(img), ny, nx, len(kernel), ky, kx)
	}
	py, px := ny+ky, nx+kx
	plan := NewPlan(py, px)

	a := make([]complex128, py*px)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			a[y*px+x] = complex(img[y*nx+x], 0)
		}
	}
	b := make([]complex128, py*px)
	for y := 0; y < ky; y++ {
		for x := 0; x < kx; x++ {
			b[y*px+x] = complex(kernel[y*kx+x], 0)
		}
	}

	plan.Forward(a)
	plan.Forward(b)
	for i := range a {
		a[i] *= b[i]
	}
	plan.Inverse(a)

	// Full convolution index is y+ky'; the kernel centre sits at ky/2.
	oy, ox := ky/2, kx/2
	out := make([]float64, ny*nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			out[y*nx+x] = real(a[(y+oy)*px+x+ox])
		}
	}
	return out, nil
}
