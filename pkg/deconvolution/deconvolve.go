// Package deconvolution implements the minor-cycle deconvolvers (Hogbom
// and multi-scale CLEAN), the image-cube driver that runs them over every
// [channel, polarisation] plane, and restoration with a fitted beam.
package deconvolution

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"skysynth/internal/models"
	"skysynth/internal/observability"
)

// Deconvolver runs a configured minor-cycle algorithm over image cubes.
type Deconvolver struct {
	params  Params
	workers int
	logger  zerolog.Logger
}

// Option customises a Deconvolver.
type Option func(*Deconvolver)

// WithLogger sets the logger used for progress messages.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Deconvolver) { d.logger = l }
}

// WithWorkers bounds how many planes are cleaned concurrently.
func WithWorkers(n int) Option {
	return func(d *Deconvolver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDeconvolver validates p and returns a Deconvolver.
func NewDeconvolver(p Params, opts ...Option) (*Deconvolver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	d := &Deconvolver{
		params:  p,
		workers: runtime.NumCPU(),
		logger:  log.With().Str("component", "deconvolution").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Params returns the configuration of the deconvolver.
func (d *Deconvolver) Params() Params { return d.params }

// DeconvolveCube cleans dirty with psf using p and returns the component
// model and the final residual.
func DeconvolveCube(ctx context.Context, dirty, psf *models.Image, p Params) (comp, residual *models.Image, err error) {
	d, err := NewDeconvolver(p)
	if err != nil {
		return nil, nil, err
	}
	return d.Deconvolve(ctx, dirty, psf)
}

// Deconvolve cleans every [channel, polarisation] plane of dirty
// independently. Planes whose PSF peak is not positive are passed through
// with an empty model.
func (d *Deconvolver) Deconvolve(ctx context.Context, dirty, psf *models.Image) (comp, residual *models.Image, err error) {
	if !dirty.Shape.SpatialEqual(psf.Shape) ||
		dirty.Shape.NChan != psf.Shape.NChan || dirty.Shape.NPol != psf.Shape.NPol {
		return nil, nil, fmt.Errorf("%w: dirty %s psf %s", models.ErrShapeMismatch, dirty.Shape, psf.Shape)
	}
	ny, nx := dirty.Shape.NY, dirty.Shape.NX
	window, err := d.params.window(ny, nx)
	if err != nil {
		return nil, nil, err
	}

	comp = dirty.ZerosLike()
	residual = dirty.ZerosLike()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for c := 0; c < dirty.Shape.NChan; c++ {
		for pol := 0; pol < dirty.Shape.NPol; pol++ {
			g.Go(func() error {
				// Planes that have not started yet are abandoned on
				// cancellation; a running plane finishes its minor cycles.
				if err := gctx.Err(); err != nil {
					return err
				}
				return d.deconvolvePlane(dirty, psf, comp, residual, window, c, pol)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return comp, residual, nil
}

func (d *Deconvolver) deconvolvePlane(dirty, psf, comp, residual *models.Image, window *models.Window, c, pol int) error {
	ny, nx := dirty.Shape.NY, dirty.Shape.NX
	psfPlane := cropSupport(NewPlane(psf.Plane(c, pol), ny, nx), d.params.PSFSupport)

	logger := d.logger.With().Int("channel", c).Int("pol", pol).Logger()
	if floats.Max(psfPlane.Data) <= 0 {
		logger.Info().Msg("psf plane is empty, skipping")
		copy(residual.Plane(c, pol), dirty.Plane(c, pol))
		return nil
	}

	var (
		res PlaneResult
		err error
	)
	dirtyPlane := NewPlane(dirty.Plane(c, pol), ny, nx)
	switch d.params.Algorithm {
	case MultiScale:
		res, err = msclean(dirtyPlane, psfPlane, window, d.params, logger)
	default:
		res, err = hogbom(dirtyPlane, psfPlane, window, d.params, logger)
	}
	if err != nil {
		return fmt.Errorf("channel %d pol %d: %w", c, pol, err)
	}

	copy(comp.Plane(c, pol), res.Components)
	copy(residual.Plane(c, pol), res.Residual)
	observability.RecordMinorIterations(string(d.params.Algorithm), res.Iterations)
	logger.Info().
		Str("algorithm", string(d.params.Algorithm)).
		Int("iterations", res.Iterations).
		Float64("peak", res.Peak).
		Bool("converged", res.Converged).
		Msg("plane deconvolved")
	return nil
}

// cropSupport restricts the PSF to a centred box of half-width support when
// that box is smaller than the PSF.
func cropSupport(psf Plane, support int) Plane {
	if support <= 0 || support >= psf.NY/2 || support >= psf.NX/2 {
		return psf
	}
	cy, cx := psf.NY/2, psf.NX/2
	n := 2 * support
	out := make([]float64, n*n)
	for y := 0; y < n; y++ {
		src := (cy-support+y)*psf.NX + cx - support
		copy(out[y*n:(y+1)*n], psf.Data[src:src+n])
	}
	return Plane{Data: out, NY: n, NX: n}
}
