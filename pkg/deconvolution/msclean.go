package deconvolution

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"skysynth/internal/models"
	"skysynth/pkg/fft"
)

// windowScaleCut is the level above which a smoothed window still admits a
// pixel at that scale.
const windowScaleCut = 0.9

// MultiScalePlane runs multi-scale CLEAN on one plane. A nil window falls
// back to p.Window and p.WindowMode.
func MultiScalePlane(dirty, psf Plane, window *models.Window, p Params) (PlaneResult, error) {
	if err := p.Validate(); err != nil {
		return PlaneResult{}, err
	}
	window, err := p.planeWindow(dirty, window)
	if err != nil {
		return PlaneResult{}, err
	}
	return msclean(dirty, psf, window, p, zerolog.Nop())
}

// scaleBasis returns the unit-sum smoothing kernel for a scale: a truncated
// Gaussian with FWHM equal to the scale, or a single pixel for scale 0.
func scaleBasis(scale int) Plane {
	if scale == 0 {
		return Plane{Data: []float64{1}, NY: 1, NX: 1}
	}
	r := scale
	n := 2*r + 1
	sigma := float64(scale) / (2 * math.Sqrt(2*math.Ln2))
	data := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dy, dx := float64(y-r), float64(x-r)
			r2 := dy*dy + dx*dx
			if r2 > float64(r*r) {
				continue
			}
			data[y*n+x] = math.Exp(-r2 / (2 * sigma * sigma))
		}
	}
	floats.Scale(1/floats.Sum(data), data)
	return Plane{Data: data, NY: n, NX: n}
}

// msState is the cross-scale state owned by one multi-scale call. All of
// the smoothed residuals must be updated together after each component.
type msState struct {
	ny, nx int
	py, px int

	basis []Plane

	// resStack[i] is the residual smoothed by basis i.
	resStack [][]float64

	// psfScale[j] is the PSF smoothed by basis j; psfScaleScale[i][j] is
	// psfScale[j] smoothed again by basis i.
	psfScale      [][]float64
	psfScaleScale [][][]float64

	// coupling[i] is the peak of psfScaleScale[i][i], the bias correction
	// that stops large scales winning purely through smoothing gain.
	coupling []float64

	windows []*models.Window

	// residual is the unsmoothed residual in units of the PSF peak.
	residual []float64
}

func newMSState(dirty, psf Plane, window *models.Window, scales []int, pmax float64) (*msState, error) {
	st := &msState{
		ny: dirty.NY, nx: dirty.NX,
		py: psf.NY, px: psf.NX,
	}
	nscales := len(scales)

	lpsf := append([]float64(nil), psf.Data...)
	floats.Scale(1/pmax, lpsf)
	st.residual = append([]float64(nil), dirty.Data...)
	floats.Scale(1/pmax, st.residual)

	st.basis = make([]Plane, nscales)
	st.resStack = make([][]float64, nscales)
	st.psfScale = make([][]float64, nscales)
	for i, s := range scales {
		b := scaleBasis(s)
		st.basis[i] = b
		var err error
		if st.resStack[i], err = fft.Convolve(st.residual, st.ny, st.nx, b.Data, b.NY, b.NX); err != nil {
			return nil, err
		}
		if st.psfScale[i], err = fft.Convolve(lpsf, st.py, st.px, b.Data, b.NY, b.NX); err != nil {
			return nil, err
		}
	}

	st.psfScaleScale = make([][][]float64, nscales)
	for i := range st.psfScaleScale {
		st.psfScaleScale[i] = make([][]float64, nscales)
	}
	st.coupling = make([]float64, nscales)
	for i := 0; i < nscales; i++ {
		for j := i; j < nscales; j++ {
			b := st.basis[i]
			pss, err := fft.Convolve(st.psfScale[j], st.py, st.px, b.Data, b.NY, b.NX)
			if err != nil {
				return nil, err
			}
			st.psfScaleScale[i][j] = pss
			st.psfScaleScale[j][i] = pss
		}
		st.coupling[i] = floats.Max(st.psfScaleScale[i][i])
		if st.coupling[i] <= 0 {
			return nil, fmt.Errorf("%w: scale %d has non-positive psf peak", models.ErrInvalidConfiguration, scales[i])
		}
	}

	if window != nil {
		mask := make([]float64, st.ny*st.nx)
		for i, on := range window.Mask {
			if on {
				mask[i] = 1
			}
		}
		st.windows = make([]*models.Window, nscales)
		for i, b := range st.basis {
			smoothed, err := fft.Convolve(mask, st.ny, st.nx, b.Data, b.NY, b.NX)
			if err != nil {
				return nil, err
			}
			w := models.NewWindow(st.ny, st.nx)
			for k, v := range smoothed {
				w.Mask[k] = v > windowScaleCut
			}
			st.windows[i] = w
		}
	}
	return st, nil
}

// findPeak selects the best (scale, location) over all scales using the
// coupling-corrected residuals. value is the uncorrected smoothed residual.
func (st *msState) findPeak() (scale, y, x int, value float64, ok bool) {
	best := 0.0
	for i, res := range st.resStack {
		var win *models.Window
		if st.windows != nil {
			win = st.windows[i]
		}
		iy, ix, v, found := findPeak(res, st.ny, st.nx, win)
		if !found {
			continue
		}
		if a := math.Abs(v) / st.coupling[i]; a > best || !ok {
			best, scale, y, x, value, ok = a, i, iy, ix, v, true
		}
	}
	return scale, y, x, value, ok
}

// subtract removes a component of the given amount at scale ms, pixel
// (y, x) from every smoothed residual and the unsmoothed residual, and adds
// the scale basis to comps.
func (st *msState) subtract(comps []float64, ms, y, x int, amount float64) {
	l, s := OverlapIndices(st.ny, st.nx, st.py, st.px, y, x)
	for i := range st.resStack {
		addScaled(st.resStack[i], st.nx, l, st.psfScaleScale[i][ms], st.px, s, -amount)
	}
	addScaled(st.residual, st.nx, l, st.psfScale[ms], st.px, s, -amount)

	b := st.basis[ms]
	lb, sb := OverlapIndices(st.ny, st.nx, b.NY, b.NX, y, x)
	addScaled(comps, st.nx, lb, b.Data, b.NX, sb, amount)
}

func msclean(dirty, psf Plane, window *models.Window, p Params, logger zerolog.Logger) (PlaneResult, error) {
	if len(p.Scales) == 0 {
		return PlaneResult{}, fmt.Errorf("%w: msclean needs at least one scale", models.ErrInvalidConfiguration)
	}
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

	st, err := newMSState(dirty, psf, window, p.Scales, pmax)
	if err != nil {
		return PlaneResult{}, err
	}
	comps := make([]float64, dirty.NY*dirty.NX)
	thresh := effectiveThreshold(p, dirty.Data)
	logEvery := max(p.Niter/10, 1)

	out := PlaneResult{Components: comps}
	for i := 0; i < p.Niter; i++ {
		ms, my, mx, value, ok := st.findPeak()
		if !ok || value == 0 || math.Abs(value)*pmax < thresh {
			out.Converged = true
			break
		}
		if i%logEvery == 0 {
			logger.Debug().Int("iteration", i).Int("scale", p.Scales[ms]).
				Float64("peak", value*pmax).Int("y", my).Int("x", mx).Msg("minor cycle")
		}
		st.subtract(comps, ms, my, mx, p.Gain*value/st.coupling[ms])
		out.Iterations++
	}

	floats.Scale(pmax, st.residual)
	out.Residual = st.residual
	_, _, peak, _ := findPeak(st.residual, st.ny, st.nx, window)
	out.Peak = math.Abs(peak)
	if out.Peak < thresh {
		out.Converged = true
	}
	return out, nil
}
