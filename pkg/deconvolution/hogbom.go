package deconvolution

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"skysynth/internal/models"
)

// Plane is a single row-major spatial plane.
type Plane struct {
	Data   []float64
	NY, NX int
}

// NewPlane wraps data as an ny x nx plane.
func NewPlane(data []float64, ny, nx int) Plane {
	return Plane{Data: data, NY: ny, NX: nx}
}

func (p Plane) valid() bool { return p.NY > 0 && p.NX > 0 && len(p.Data) == p.NY*p.NX }

// PlaneResult is the outcome of cleaning one plane.
type PlaneResult struct {
	Components []float64
	Residual   []float64

	// Iterations is the number of committed minor cycles.
	Iterations int

	// Peak is the largest absolute residual inside the window at exit.
	Peak float64

	// Converged is true when cleaning stopped on the threshold rather
	// than on the iteration cap.
	Converged bool
}

// HogbomPlane runs single-scale CLEAN on one plane. The PSF may be smaller
// than the dirty plane; its centre pixel is aligned with each peak. A nil
// window falls back to p.Window and p.WindowMode.
func HogbomPlane(dirty, psf Plane, window *models.Window, p Params) (PlaneResult, error) {
	if err := p.Validate(); err != nil {
		return PlaneResult{}, err
	}
	window, err := p.planeWindow(dirty, window)
	if err != nil {
		return PlaneResult{}, err
	}
	return hogbom(dirty, psf, window, p, zerolog.Nop())
}

func hogbom(dirty, psf Plane, window *models.Window, p Params, logger zerolog.Logger) (PlaneResult, error) {
	if !dirty.valid() || !psf.valid() {
		return PlaneResult{}, fmt.Errorf("%w: dirty %dx%d psf %dx%d",
			models.ErrShapeMismatch, dirty.NY, dirty.NX, psf.NY, psf.NX)
	}
	if err := checkWindow(window, dirty.NY, dirty.NX); err != nil {
		return PlaneResult{}, err
	}
	pmax := floats.Max(psf.Data)
	if pmax <= 0 {
		return PlaneResult{}, fmt.Errorf("%w: psf peak must be positive, got %g", models.ErrInvalidConfiguration, pmax)
	}

	ny, nx := dirty.NY, dirty.NX
	res := append([]float64(nil), dirty.Data...)
	comps := make([]float64, len(res))

	thresh := effectiveThreshold(p, res)
	logEvery := max(p.Niter/10, 1)

	out := PlaneResult{Components: comps, Residual: res}
	for i := 0; i < p.Niter; i++ {
		my, mx, peak, ok := findPeak(res, ny, nx, window)
		if !ok || peak == 0 || math.Abs(peak) < thresh {
			out.Converged = true
			break
		}
		if i%logEvery == 0 {
			logger.Debug().Int("iteration", i).Float64("peak", peak).Int("y", my).Int("x", mx).Msg("minor cycle")
		}

		mval := peak * p.Gain / pmax
		comps[my*nx+mx] += mval
		l, s := OverlapIndices(ny, nx, psf.NY, psf.NX, my, mx)
		addScaled(res, nx, l, psf.Data, psf.NX, s, -mval)
		out.Iterations++
	}

	_, _, peak, _ := findPeak(res, ny, nx, window)
	out.Peak = math.Abs(peak)
	if out.Peak < thresh {
		out.Converged = true
	}
	return out, nil
}

// effectiveThreshold applies the fractional threshold to the initial peak.
func effectiveThreshold(p Params, res []float64) float64 {
	thresh := p.Threshold
	if p.FractionalThreshold > 0 {
		thresh = math.Max(thresh, p.FractionalThreshold*maxAbs(res))
	}
	return thresh
}

// findPeak returns the location and signed value of the largest absolute
// pixel allowed by the window. The first pixel in row-major order wins
// ties. ok is false when the window admits no pixel.
func findPeak(data []float64, ny, nx int, window *models.Window) (y, x int, value float64, ok bool) {
	best := -1.0
	for iy := 0; iy < ny; iy++ {
		row := data[iy*nx : (iy+1)*nx]
		for ix, v := range row {
			if !window.Allowed(iy, ix) {
				continue
			}
			if a := math.Abs(v); a > best {
				best, y, x, value, ok = a, iy, ix, v, true
			}
		}
	}
	return y, x, value, ok
}

func maxAbs(data []float64) float64 {
	m := 0.0
	for _, v := range data {
		m = math.Max(m, math.Abs(v))
	}
	return m
}
