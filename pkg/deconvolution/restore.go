package deconvolution

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"skysynth/internal/models"
	"skysynth/pkg/fft"
)

// fwhmPerSigma converts a Gaussian standard deviation to its FWHM.
var fwhmPerSigma = 2 * math.Sqrt(2*math.Ln2)

const (
	// beamFitHalfWidth bounds the box around the PSF peak used for fitting.
	beamFitHalfWidth = 8

	// beamFitFloor excludes pixels below this fraction of the peak, which
	// keeps the fit on the main lobe.
	beamFitFloor = 0.35
)

// Beam is an elliptical Gaussian restoring beam. Axes are FWHM in pixels
// and PositionAngle is the angle of the major axis from the x axis in
// radians.
type Beam struct {
	MajorFWHM     float64
	MinorFWHM     float64
	PositionAngle float64
}

// FitBeam fits an elliptical Gaussian to the main lobe of psf by least
// squares on the logarithm of the pixels near the peak. If the fit is not
// usable a circular beam with the same half-power area is returned.
func FitBeam(psf Plane) Beam {
	cy, cx, pmax, _ := findPeak(psf.Data, psf.NY, psf.NX, nil)
	if pmax <= 0 {
		return Beam{MajorFWHM: 1, MinorFWHM: 1}
	}

	var rows [][6]float64
	var target []float64
	halfPower := 0
	for y := max(cy-beamFitHalfWidth, 0); y < min(cy+beamFitHalfWidth+1, psf.NY); y++ {
		for x := max(cx-beamFitHalfWidth, 0); x < min(cx+beamFitHalfWidth+1, psf.NX); x++ {
			v := psf.Data[y*psf.NX+x] / pmax
			if v >= 0.5 {
				halfPower++
			}
			if v < beamFitFloor {
				continue
			}
			dx, dy := float64(x-cx), float64(y-cy)
			rows = append(rows, [6]float64{1, dx, dy, dx * dx, dx * dy, dy * dy})
			target = append(target, math.Log(v))
		}
	}

	if beam, ok := fitQuadratic(rows, target); ok {
		return beam
	}
	fwhm := math.Max(2*math.Sqrt(float64(halfPower)/math.Pi), 1)
	return Beam{MajorFWHM: fwhm, MinorFWHM: fwhm}
}

// fitQuadratic solves ln f = a0 + a1 x + a2 y + a3 x^2 + a4 xy + a5 y^2 and
// converts the quadratic form to beam axes.
func fitQuadratic(rows [][6]float64, target []float64) (Beam, bool) {
	m := len(rows)
	if m < 6 {
		return Beam{}, false
	}
	a := mat.NewDense(m, 6, nil)
	for i, r := range rows {
		a.SetRow(i, r[:])
	}
	b := mat.NewVecDense(m, target)

	var qr mat.QR
	qr.Factorize(a)
	coef := mat.NewDense(6, 1, nil)
	if err := qr.SolveTo(coef, false, b); err != nil {
		return Beam{}, false
	}

	// ln f = -1/2 r^T Q r, so Q = -2 [[a3, a4/2], [a4/2, a5]].
	q := mat.NewSymDense(2, []float64{
		-2 * coef.At(3, 0), -coef.At(4, 0),
		-coef.At(4, 0), -2 * coef.At(5, 0),
	})
	var eig mat.EigenSym
	if !eig.Factorize(q, true) {
		return Beam{}, false
	}
	values := eig.Values(nil)
	if values[0] <= 0 || values[1] <= 0 {
		return Beam{}, false
	}
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// The smallest eigenvalue of Q is the widest axis.
	return Beam{
		MajorFWHM:     fwhmPerSigma / math.Sqrt(values[0]),
		MinorFWHM:     fwhmPerSigma / math.Sqrt(values[1]),
		PositionAngle: math.Atan2(vectors.At(1, 0), vectors.At(0, 0)),
	}, true
}

// Kernel samples the beam with unit peak on a square grid large enough to
// hold three standard deviations of the major axis. It returns the kernel
// and its side length.
func (b Beam) Kernel() ([]float64, int) {
	smaj := b.MajorFWHM / fwhmPerSigma
	smin := b.MinorFWHM / fwhmPerSigma
	half := int(math.Ceil(3*smaj)) + 1
	n := 2*half + 1

	cosPA, sinPA := math.Cos(b.PositionAngle), math.Sin(b.PositionAngle)
	kernel := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x-half), float64(y-half)
			along := dx*cosPA + dy*sinPA
			across := -dx*sinPA + dy*cosPA
			kernel[y*n+x] = math.Exp(-0.5 * (along*along/(smaj*smaj) + across*across/(smin*smin)))
		}
	}
	return kernel, n
}

// RestoreCube convolves model with a Gaussian fitted to each PSF plane and
// adds residual. residual may be nil.
func RestoreCube(model, psf, residual *models.Image) (*models.Image, error) {
	if !model.Shape.SpatialEqual(psf.Shape) ||
		model.Shape.NChan != psf.Shape.NChan || model.Shape.NPol != psf.Shape.NPol {
		return nil, fmt.Errorf("%w: model %s psf %s", models.ErrShapeMismatch, model.Shape, psf.Shape)
	}
	if residual != nil && residual.Shape != model.Shape {
		return nil, fmt.Errorf("%w: model %s residual %s", models.ErrShapeMismatch, model.Shape, residual.Shape)
	}

	ny, nx := model.Shape.NY, model.Shape.NX
	restored := model.ZerosLike()
	for c := 0; c < model.Shape.NChan; c++ {
		for p := 0; p < model.Shape.NPol; p++ {
			out := restored.Plane(c, p)
			psfPlane := NewPlane(psf.Plane(c, p), ny, nx)
			if floats.Max(psfPlane.Data) <= 0 {
				copy(out, model.Plane(c, p))
			} else {
				beam := FitBeam(psfPlane)
				log.Debug().Str("component", "restore").Int("channel", c).Int("pol", p).
					Float64("bmaj", beam.MajorFWHM).Float64("bmin", beam.MinorFWHM).
					Float64("bpa", beam.PositionAngle).Msg("fitted restoring beam")
				kernel, k := beam.Kernel()
				smoothed, err := fft.Convolve(model.Plane(c, p), ny, nx, kernel, k, k)
				if err != nil {
					return nil, err
				}
				copy(out, smoothed)
			}
			if residual != nil {
				floats.Add(out, residual.Plane(c, p))
			}
		}
	}
	return restored, nil
}
