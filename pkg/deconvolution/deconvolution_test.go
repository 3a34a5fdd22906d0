package deconvolution

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"skysynth/internal/models"
	"skysynth/pkg/fft"
)

// gaussianPSF returns an n x n PSF with unit peak at (n/2, n/2).
func gaussianPSF(n int, sigmaY, sigmaX float64) []float64 {
	psf := make([]float64, n*n)
	c := n / 2
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dy, dx := float64(y-c), float64(x-c)
			psf[y*n+x] = math.Exp(-0.5 * (dy*dy/(sigmaY*sigmaY) + dx*dx/(sigmaX*sigmaX)))
		}
	}
	return psf
}

// dirtyFromSources convolves point sources with psf.
func dirtyFromSources(t *testing.T, n int, psf []float64, sources map[[2]int]float64) []float64 {
	t.Helper()
	sky := make([]float64, n*n)
	for pos, flux := range sources {
		sky[pos[0]*n+pos[1]] += flux
	}
	dirty, err := fft.Convolve(sky, n, n, psf, n, n)
	require.NoError(t, err)
	return dirty
}

func TestOverlapIndicesReferenceCase(t *testing.T) {
	large, small := OverlapIndices(512, 512, 100, 100, 499, 249)
	require.Equal(t, Range{Y0: 449, Y1: 512, X0: 199, X1: 299}, large)
	require.Equal(t, Range{Y0: 0, Y1: 63, X0: 0, X1: 100}, small)
}

// TestOverlapIndicesBounds sweeps shapes and centres, including centres
// outside the large array, and checks extents and bounds.
func TestOverlapIndicesBounds(t *testing.T) {
	for _, ly := range []int{7, 16, 33} {
		for _, sy := range []int{1, 4, 9, 40} {
			for y := -45; y < ly+45; y += 3 {
				for x := -45; x < ly+45; x += 5 {
					l, s := OverlapIndices(ly, ly, sy, sy, y, x)
					require.Equal(t, l.Height(), s.Height())
					require.Equal(t, l.Width(), s.Width())
					if l.Empty() {
						require.True(t, s.Empty())
						continue
					}
					require.GreaterOrEqual(t, l.Y0, 0)
					require.GreaterOrEqual(t, l.X0, 0)
					require.LessOrEqual(t, l.Y1, ly)
					require.LessOrEqual(t, l.X1, ly)
					require.GreaterOrEqual(t, s.Y0, 0)
					require.GreaterOrEqual(t, s.X0, 0)
					require.LessOrEqual(t, s.Y1, sy)
					require.LessOrEqual(t, s.X1, sy)
					// The small centre maps onto (y, x).
					require.Equal(t, y-l.Y0, sy/2-s.Y0)
					require.Equal(t, x-l.X0, sy/2-s.X0)
				}
			}
		}
	}
}

func TestOverlapIndicesNoOverlap(t *testing.T) {
	l, s := OverlapIndices(64, 64, 10, 10, -20, 30)
	require.True(t, l.Empty())
	require.True(t, s.Empty())

	l, s = OverlapIndices(64, 64, 10, 10, 30, 200)
	require.True(t, l.Empty())
	require.True(t, s.Empty())
}

func TestParamsValidate(t *testing.T) {
	base := DefaultParams()
	require.NoError(t, base.Validate())

	cases := map[string]func(p *Params){
		"zero niter":        func(p *Params) { p.Niter = 0 },
		"zero gain":         func(p *Params) { p.Gain = 0 },
		"gain above one":    func(p *Params) { p.Gain = 1.5 },
		"negative thresh":   func(p *Params) { p.Threshold = -1 },
		"fraction of one":   func(p *Params) { p.FractionalThreshold = 1 },
		"negative support":  func(p *Params) { p.PSFSupport = -2 },
		"unknown window":    func(p *Params) { p.WindowMode = "half" },
		"unknown algorithm": func(p *Params) { p.Algorithm = "mem" },
		"empty scales": func(p *Params) {
			p.Algorithm = MultiScale
			p.Scales = nil
		},
		"negative scale": func(p *Params) {
			p.Algorithm = MultiScale
			p.Scales = []int{0, -3}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			require.ErrorIs(t, p.Validate(), models.ErrInvalidConfiguration)
		})
	}
}

func TestHogbomThresholdStopsImmediately(t *testing.T) {
	n := 32
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{10, 12}: 3, {20, 18}: -1})

	p := DefaultParams()
	p.Threshold = 2 * maxAbs(dirty)
	res, err := HogbomPlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)
	require.Equal(t, 0, res.Iterations)
	require.True(t, res.Converged)
	require.Equal(t, dirty, res.Residual)
	require.Equal(t, 0.0, floats.Sum(res.Components))
}

// TestHogbomResidualNonIncreasing checks that max|residual| never grows
// as iterations are added.
func TestHogbomResidualNonIncreasing(t *testing.T) {
	n := 32
	psf := gaussianPSF(n, 1.5, 2)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{8, 8}: 5, {16, 20}: 3, {24, 10}: 1.5})

	p := DefaultParams()
	p.Gain = 0.3
	previous := maxAbs(dirty)
	for niter := 1; niter <= 40; niter++ {
		p.Niter = niter
		res, err := HogbomPlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
		require.NoError(t, err)
		peak := maxAbs(res.Residual)
		require.LessOrEqual(t, peak, previous+1e-12, "iteration %d", niter)
		previous = peak
	}
}

// TestHogbomFluxConservation uses a delta PSF, for which every subtraction
// moves flux from the residual into the model unchanged.
func TestHogbomFluxConservation(t *testing.T) {
	n := 16
	psf := make([]float64, n*n)
	psf[(n/2)*n+n/2] = 1
	dirty := make([]float64, n*n)
	for i := range dirty {
		dirty[i] = math.Sin(float64(i)) * 2
	}

	p := DefaultParams()
	p.Niter = 500
	p.Gain = 0.2
	res, err := HogbomPlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)
	require.InDelta(t, floats.Sum(dirty), floats.Sum(res.Components)+floats.Sum(res.Residual), 1e-9)
}

// TestHogbomLinearIdentity checks residual + psf*model == dirty.
func TestHogbomLinearIdentity(t *testing.T) {
	n := 32
	psf := gaussianPSF(n, 2, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{12, 14}: 2, {19, 9}: 1})

	p := DefaultParams()
	p.Niter = 200
	p.Gain = 0.2
	res, err := HogbomPlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)

	model, err := fft.Convolve(res.Components, n, n, psf, n, n)
	require.NoError(t, err)
	floats.Add(model, res.Residual)
	require.InDeltaSlice(t, dirty, model, 1e-9)
	require.InDelta(t, 3.0, floats.Sum(res.Components), 0.05)
}

func TestHogbomWindowRestrictsComponents(t *testing.T) {
	n := 32
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{2, 2}: 10, {16, 16}: 1})

	window := QuarterWindow(n, n)
	p := DefaultParams()
	p.Niter = 100
	res, err := HogbomPlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), window, p)
	require.NoError(t, err)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			if !window.Allowed(y, x) {
				require.Zero(t, res.Components[y*n+x])
			}
		}
	}
	require.Greater(t, res.Components[16*n+16], 0.5)
}

func TestHogbomRejectsEmptyPSF(t *testing.T) {
	_, err := HogbomPlane(NewPlane(make([]float64, 4), 2, 2), NewPlane(make([]float64, 4), 2, 2), nil, DefaultParams())
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestPlaneWindowMismatch(t *testing.T) {
	n := 16
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{8, 8}: 1})

	tests := []struct {
		name      string
		algorithm Algorithm
		clean     func(dirty, psf Plane, window *models.Window, p Params) (PlaneResult, error)
	}{
		{"hogbom", Hogbom, HogbomPlane},
		{"msclean", MultiScale, MultiScalePlane},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			p.Algorithm = tt.algorithm
			p.Scales = []int{0, 2}

			_, err := tt.clean(NewPlane(dirty, n, n), NewPlane(psf, n, n), models.NewWindow(8, 8), p)
			require.ErrorIs(t, err, models.ErrShapeMismatch)

			// Without an explicit argument the mask comes from the params.
			p.Window = models.NewWindow(8, 8)
			_, err = tt.clean(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
			require.ErrorIs(t, err, models.ErrShapeMismatch)

			p.Window = models.NewWindow(n, n)
			res, err := tt.clean(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
			require.NoError(t, err)
			require.Zero(t, res.Iterations)
			require.Zero(t, floats.Sum(res.Components))
		})
	}
}

func TestScaleBasis(t *testing.T) {
	b := scaleBasis(0)
	require.Equal(t, []float64{1}, b.Data)

	b = scaleBasis(5)
	require.Equal(t, 11, b.NY)
	require.InDelta(t, 1, floats.Sum(b.Data), 1e-12)
	require.Equal(t, floats.Max(b.Data), b.Data[5*11+5])
}

func TestMultiScaleRecoversPointSource(t *testing.T) {
	n := 48
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{20, 26}: 2})

	p := DefaultParams()
	p.Algorithm = MultiScale
	p.Scales = []int{0, 3}
	p.Gain = 0.3
	p.Niter = 1000
	p.Threshold = 0.01
	res, err := MultiScalePlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)
	require.Less(t, maxAbs(res.Residual), 0.05)
	require.InDelta(t, 2, floats.Sum(res.Components), 0.2)

	// The residual stays consistent with the model.
	model, err := fft.Convolve(res.Components, n, n, psf, n, n)
	require.NoError(t, err)
	floats.Add(model, res.Residual)
	require.InDeltaSlice(t, dirty, model, 1e-6)
}

// TestMultiScaleFluxConservation uses a delta PSF and keeps components away
// from the edges, so every scale subtraction moves flux from the residual
// into the model unchanged.
func TestMultiScaleFluxConservation(t *testing.T) {
	n := 32
	psf := make([]float64, n*n)
	psf[(n/2)*n+n/2] = 1
	dirty := gaussianPSF(n, 3, 2)
	floats.Scale(2, dirty)
	for i := range dirty {
		dirty[i] += 0.05 * math.Sin(float64(i))
	}

	p := DefaultParams()
	p.Algorithm = MultiScale
	p.Scales = []int{0, 3}
	p.Gain = 0.2
	p.Niter = 300
	p.WindowMode = WindowQuarter
	res, err := MultiScalePlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)
	require.Greater(t, res.Iterations, 0)

	model, err := fft.Convolve(res.Components, n, n, psf, n, n)
	require.NoError(t, err)
	require.InDelta(t, floats.Sum(dirty), floats.Sum(model)+floats.Sum(res.Residual), 1e-6)
}

func TestMultiScaleThresholdStopsImmediately(t *testing.T) {
	n := 32
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{16, 16}: 1})

	p := DefaultParams()
	p.Algorithm = MultiScale
	p.Scales = []int{0, 4}
	p.Threshold = 2 * maxAbs(dirty)
	res, err := MultiScalePlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), nil, p)
	require.NoError(t, err)
	require.Equal(t, 0, res.Iterations)
	require.InDeltaSlice(t, dirty, res.Residual, 1e-12)
}

func TestMultiScaleWindow(t *testing.T) {
	n := 40
	psf := gaussianPSF(n, 1.5, 1.5)
	dirty := dirtyFromSources(t, n, psf, map[[2]int]float64{{3, 3}: 10, {20, 20}: 1})

	window := QuarterWindow(n, n)
	p := DefaultParams()
	p.Algorithm = MultiScale
	p.Scales = []int{0}
	p.Niter = 50
	res, err := MultiScalePlane(NewPlane(dirty, n, n), NewPlane(psf, n, n), window, p)
	require.NoError(t, err)
	require.Zero(t, res.Components[3*n+3])
	require.Greater(t, res.Components[20*n+20], 0.5)
}

func newCube(t *testing.T, nchan, n int) *models.Image {
	t.Helper()
	im, err := models.NewImage(models.Shape{NChan: nchan, NPol: 1, NY: n, NX: n},
		models.NewCentredWCS(n, n, 1e-3, []float64{1e8}), models.StokesI)
	require.NoError(t, err)
	return im
}

func TestDeconvolveCubeShapeMismatch(t *testing.T) {
	dirty := newCube(t, 1, 16)
	psf := newCube(t, 1, 32)
	_, _, err := DeconvolveCube(context.Background(), dirty, psf, DefaultParams())
	require.ErrorIs(t, err, models.ErrShapeMismatch)

	p := DefaultParams()
	p.Window = models.NewWindow(8, 8)
	_, _, err = DeconvolveCube(context.Background(), dirty, newCube(t, 1, 16), p)
	require.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestDeconvolveCubeEmptyScales(t *testing.T) {
	p := DefaultParams()
	p.Algorithm = MultiScale
	p.Scales = []int{}
	_, _, err := DeconvolveCube(context.Background(), newCube(t, 1, 16), newCube(t, 1, 16), p)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

// TestDeconvolveCubePlanes checks planes are cleaned independently and an
// empty PSF plane is passed through.
func TestDeconvolveCubePlanes(t *testing.T) {
	n := 32
	psfPlane := gaussianPSF(n, 1.5, 1.5)
	dirty := newCube(t, 2, n)
	psf := newCube(t, 2, n)
	copy(psf.Plane(0, 0), psfPlane)
	copy(dirty.Plane(0, 0), dirtyFromSources(t, n, psfPlane, map[[2]int]float64{{16, 16}: 1}))
	copy(dirty.Plane(1, 0), dirtyFromSources(t, n, psfPlane, map[[2]int]float64{{10, 10}: 1}))

	p := DefaultParams()
	p.Niter = 100
	p.Gain = 0.5
	comp, residual, err := DeconvolveCube(context.Background(), dirty, psf, p)
	require.NoError(t, err)
	require.InDelta(t, 1, floats.Sum(comp.Plane(0, 0)), 1e-3)
	require.Equal(t, 0.0, floats.Sum(comp.Plane(1, 0)))
	require.Equal(t, dirty.Plane(1, 0), residual.Plane(1, 0))
}

func TestDeconvolveCubePSFSupport(t *testing.T) {
	n := 64
	psfPlane := gaussianPSF(n, 1.5, 1.5)
	dirty := newCube(t, 1, n)
	psf := newCube(t, 1, n)
	copy(psf.Plane(0, 0), psfPlane)
	copy(dirty.Plane(0, 0), dirtyFromSources(t, n, psfPlane, map[[2]int]float64{{30, 34}: 2}))

	p := DefaultParams()
	p.Niter = 200
	p.Gain = 0.5
	p.PSFSupport = 8
	comp, residual, err := DeconvolveCube(context.Background(), dirty, psf, p)
	require.NoError(t, err)
	require.InDelta(t, 2, floats.Sum(comp.Data), 0.01)
	require.Less(t, residual.MaxAbs(), 0.01)
}

func TestCropSupport(t *testing.T) {
	n := 16
	psf := gaussianPSF(n, 2, 2)
	cropped := cropSupport(NewPlane(psf, n, n), 3)
	require.Equal(t, 6, cropped.NY)
	require.Equal(t, 1.0, cropped.Data[3*6+3])

	same := cropSupport(NewPlane(psf, n, n), 8)
	require.Equal(t, n, same.NY)
}

func TestFitBeamRecoversGaussian(t *testing.T) {
	n := 64
	psf := gaussianPSF(n, 3, 2)
	beam := FitBeam(NewPlane(psf, n, n))
	require.InDelta(t, 3*fwhmPerSigma, beam.MajorFWHM, 1e-6)
	require.InDelta(t, 2*fwhmPerSigma, beam.MinorFWHM, 1e-6)
	// Major axis lies along y.
	require.InDelta(t, 0, math.Cos(beam.PositionAngle), 1e-6)
}

func TestBeamKernelUnitPeak(t *testing.T) {
	kernel, k := Beam{MajorFWHM: 4, MinorFWHM: 2, PositionAngle: 0.3}.Kernel()
	require.Equal(t, 1.0, kernel[(k/2)*k+k/2])
	require.Equal(t, floats.Max(kernel), kernel[(k/2)*k+k/2])
}

func TestRestoreZeroIsZero(t *testing.T) {
	n := 32
	psf := newCube(t, 1, n)
	copy(psf.Plane(0, 0), gaussianPSF(n, 2.5, 1.5))
	restored, err := RestoreCube(newCube(t, 1, n), psf, newCube(t, 1, n))
	require.NoError(t, err)
	for _, v := range restored.Data {
		require.Zero(t, v)
	}
}

func TestRestorePointComponent(t *testing.T) {
	n := 32
	psf := newCube(t, 1, n)
	copy(psf.Plane(0, 0), gaussianPSF(n, 2, 2))
	model := newCube(t, 1, n)
	model.Set(0, 0, 12, 20, 3)
	residual := newCube(t, 1, n)
	residual.Set(0, 0, 5, 5, 0.25)

	restored, err := RestoreCube(model, psf, residual)
	require.NoError(t, err)
	require.InDelta(t, 3, restored.At(0, 0, 12, 20), 1e-9)
	require.InDelta(t, 0.25, restored.At(0, 0, 5, 5), 1e-9)
	require.Equal(t, model.Shape, restored.Shape)
}

func TestRestoreShapeMismatch(t *testing.T) {
	_, err := RestoreCube(newCube(t, 1, 16), newCube(t, 1, 32), nil)
	require.ErrorIs(t, err, models.ErrShapeMismatch)
	_, err = RestoreCube(newCube(t, 1, 16), newCube(t, 1, 16), newCube(t, 2, 16))
	require.ErrorIs(t, err, models.ErrShapeMismatch)
}
