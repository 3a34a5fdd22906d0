// Package imaging provides the invert/predict operator pair between
// visibilities and images: a nearest-cell FFT imager with an optional
// w-screen for a single w-plane.
package imaging

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skysynth/internal/models"
	"skysynth/pkg/fft"
)

// Imager grids visibilities onto the uv plane of an image template and
// transforms between the two domains. An Imager holds no mutable state and
// is safe for concurrent use.
type Imager struct {
	// wPlane is the w coordinate in metres of the screen applied in both
	// directions; zero disables the screen.
	wPlane float64
	logger zerolog.Logger
}

// Option customises an Imager.
type Option func(*Imager)

// WithWPlane applies the w-screen for a plane at w metres.
func WithWPlane(w float64) Option {
	return func(im *Imager) { im.wPlane = w }
}

// WithLogger sets the logger used for gridding statistics.
func WithLogger(l zerolog.Logger) Option {
	return func(im *Imager) { im.logger = l }
}

// NewImager returns an Imager.
func NewImager(opts ...Option) *Imager {
	im := &Imager{logger: log.With().Str("component", "imaging").Logger()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// WPlane returns the w coordinate of the screen in metres.
func (im *Imager) WPlane() float64 { return im.wPlane }

func checkLayout(vis *models.Visibility, img *models.Image) error {
	if vis.NChan() != img.Shape.NChan || vis.NPol != img.Shape.NPol {
		return fmt.Errorf("%w: visibility has %d channels x %d pols, image %s",
			models.ErrShapeMismatch, vis.NChan(), vis.NPol, img.Shape)
	}
	if img.WCS.CellSize <= 0 {
		return fmt.Errorf("%w: cell size must be positive, got %g", models.ErrInvalidConfiguration, img.WCS.CellSize)
	}
	return nil
}

// cell returns the centred grid cell of a uv sample, or ok=false when it
// falls outside the grid.
func cell(u, v float64, ny, nx int, cellSize float64) (ky, kx int, ok bool) {
	kx = int(math.Round(u * float64(nx) * cellSize))
	ky = int(math.Round(v * float64(ny) * cellSize))
	if kx < -nx/2 || kx >= nx-nx/2 || ky < -ny/2 || ky >= ny-ny/2 {
		return 0, 0, false
	}
	return ky + ny/2, kx + nx/2, true
}

// offset returns the direction cosines of the grid centre (ny/2, nx/2)
// relative to the phase centre.
func offset(wcs models.WCS, ny, nx int) (l0, m0 float64) {
	return wcs.LM(ny/2, nx/2)
}

// screen returns exp(sign * 2 pi i w (n-1)) for every pixel, with w in
// wavelengths, or nil when w is zero.
func screen(wcs models.WCS, ny, nx int, w, sign float64) []complex128 {
	if w == 0 {
		return nil
	}
	out := make([]complex128, ny*nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			l, m := wcs.LM(y, x)
			r2 := l*l + m*m
			if r2 >= 1 {
				continue
			}
			phase := sign * 2 * math.Pi * w * (math.Sqrt(1-r2) - 1)
			out[y*nx+x] = cmplx.Exp(complex(0, phase))
		}
	}
	return out
}

// Invert grids vis onto the grid of template and returns the image and the
// summed weight of every [channel, polarisation] plane, indexed
// c*NPol+p. Each plane is normalised by its summed weight so a unit point
// source at the phase centre has unit peak. With dopsf the sample values
// are replaced by one and the result is the point-spread function.
func (im *Imager) Invert(ctx context.Context, vis *models.Visibility, template *models.Image, dopsf bool) (*models.Image, []float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := checkLayout(vis, template); err != nil {
		return nil, nil, err
	}

	out := template.ZerosLike()
	ny, nx := out.Shape.NY, out.Shape.NX
	cellSize := out.WCS.CellSize
	l0, m0 := offset(out.WCS, ny, nx)
	plan := fft.NewPlan(ny, nx)
	sumwt := make([]float64, out.Shape.NPlanes())
	skipped := 0

	for c := 0; c < out.Shape.NChan; c++ {
		wl := im.wPlane * vis.Frequency[c] / models.SpeedOfLight
		scr := screen(out.WCS, ny, nx, wl, 1)
		for p := 0; p < out.Shape.NPol; p++ {
			grid := make([]complex128, ny*nx)
			total := 0.0
			for row := 0; row < vis.NRows(); row++ {
				idx := vis.Index(row, c, p)
				wt := vis.Weight[idx]
				if wt <= 0 {
					continue
				}
				u, v, _ := vis.UVWLambda(row, c)
				ky, kx, ok := cell(u, v, ny, nx, cellSize)
				if !ok {
					skipped++
					continue
				}
				sample := complex(1, 0)
				if !dopsf {
					sample = vis.Vis[idx]
				}
				// Shift the phase centre to the grid centre.
				rot := cmplx.Exp(complex(0, 2*math.Pi*(u*l0+v*m0)))
				grid[ky*nx+kx] += complex(wt, 0) * sample * rot
				total += wt
			}
			sumwt[c*out.Shape.NPol+p] = total
			if total == 0 {
				continue
			}

			grid = fft.IShift(grid, ny, nx)
			plan.Inverse(grid)
			grid = fft.Shift(grid, ny, nx)

			scale := float64(ny*nx) / total
			plane := out.Plane(c, p)
			for i, g := range grid {
				if scr != nil {
					g *= scr[i]
				}
				plane[i] = real(g) * scale
			}
		}
	}
	if skipped > 0 {
		im.logger.Debug().Int("samples", skipped).Msg("samples outside the uv grid were skipped")
	}
	return out, sumwt, nil
}

// Predict returns a copy of vis whose samples are the Fourier transform of
// model evaluated at the nearest grid cell of each baseline. Samples that
// fall outside the grid are set to zero. Weights are kept.
func (im *Imager) Predict(ctx context.Context, vis *models.Visibility, model *models.Image) (*models.Visibility, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkLayout(vis, model); err != nil {
		return nil, err
	}

	out := vis.ZerosLike()
	ny, nx := model.Shape.NY, model.Shape.NX
	cellSize := model.WCS.CellSize
	l0, m0 := offset(model.WCS, ny, nx)
	plan := fft.NewPlan(ny, nx)

	for c := 0; c < model.Shape.NChan; c++ {
		wl := im.wPlane * vis.Frequency[c] / models.SpeedOfLight
		scr := screen(model.WCS, ny, nx, wl, -1)
		for p := 0; p < model.Shape.NPol; p++ {
			plane := model.Plane(c, p)
			grid := make([]complex128, ny*nx)
			for i, v := range plane {
				grid[i] = complex(v, 0)
				if scr != nil {
					grid[i] *= scr[i]
				}
			}
			grid = fft.IShift(grid, ny, nx)
			plan.Forward(grid)
			grid = fft.Shift(grid, ny, nx)

			for row := 0; row < vis.NRows(); row++ {
				u, v, _ := vis.UVWLambda(row, c)
				ky, kx, ok := cell(u, v, ny, nx, cellSize)
				if !ok {
					continue
				}
				rot := cmplx.Exp(complex(0, -2*math.Pi*(u*l0+v*m0)))
				out.Vis[vis.Index(row, c, p)] = grid[ky*nx+kx] * rot
			}
		}
	}
	return out, nil
}

// PointSourceVisibility fills vis with the samples of a point source of the
// given flux at direction cosines (l, m), in every channel and
// polarisation. It is the exact transform used to check the imager.
func PointSourceVisibility(vis *models.Visibility, flux, l, m float64) {
	n := math.Sqrt(1 - l*l - m*m)
	for row := 0; row < vis.NRows(); row++ {
		for c := 0; c < vis.NChan(); c++ {
			u, v, w := vis.UVWLambda(row, c)
			s := complex(flux, 0) * cmplx.Exp(complex(0, -2*math.Pi*(u*l+v*m+w*(n-1))))
			for p := 0; p < vis.NPol; p++ {
				vis.Vis[vis.Index(row, c, p)] = s
			}
		}
	}
}
