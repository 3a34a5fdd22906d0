// Package majorcycle runs the outer imaging loop: predict the current sky
// model, form residual visibilities, invert them to a dirty image, clean
// it, and repeat until the residual is below threshold or the cycle cap is
// reached, optionally self-calibrating between cycles.
package majorcycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skysynth/internal/models"
	"skysynth/internal/observability"
	"skysynth/pkg/deconvolution"
	"skysynth/pkg/qa"
)

// DefaultStopMargin is the factor applied to the threshold when deciding
// whether another major cycle is needed.
const DefaultStopMargin = 1.1

// ErrCollaboratorFailure marks a failure raised by predict, invert or
// calibrate. The run is aborted and no partial model is returned.
var ErrCollaboratorFailure = errors.New("collaborator failure")

// CollaboratorError records which collaborator failed and in which cycle.
// Cycle is -1 for the initial residual computation.
type CollaboratorError struct {
	Op    string
	Cycle int
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("major cycle %d: %s failed: %v", e.Cycle, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Is matches ErrCollaboratorFailure in addition to the wrapped error.
func (e *CollaboratorError) Is(target error) bool { return target == ErrCollaboratorFailure }

// Imager is the invert/predict operator pair. Predict must preserve the
// index space of vis. Invert returns the image and the summed weight per
// [channel, polarisation] plane; with dopsf the sample values are ignored
// and the point-spread function is returned.
type Imager interface {
	Predict(ctx context.Context, vis *models.Visibility, model *models.Image) (*models.Visibility, error)
	Invert(ctx context.Context, vis *models.Visibility, template *models.Image, dopsf bool) (*models.Image, []float64, error)
}

// Deconvolver runs the minor cycles on a dirty image.
type Deconvolver interface {
	Deconvolve(ctx context.Context, dirty, psf *models.Image) (comp, residual *models.Image, err error)
}

// Calibrator returns gain-corrected visibilities given model visibilities.
type Calibrator interface {
	Calibrate(ctx context.Context, vis, modelVis *models.Visibility, iteration int) (*models.Visibility, error)
}

// Params configures the loop.
type Params struct {
	// NMajor caps the number of major cycles.
	NMajor int

	// Threshold is the global flux level; the loop stops once the peak
	// residual is below StopMargin*Threshold.
	Threshold float64

	StopMargin float64

	// SelfCal enables calibration after every cycle. A Calibrator must be
	// supplied with WithCalibrator.
	SelfCal bool
}

// DefaultParams returns five cycles with the default stop margin.
func DefaultParams() Params {
	return Params{NMajor: 5, StopMargin: DefaultStopMargin}
}

// Validate checks the loop parameters.
func (p Params) Validate() error {
	if p.NMajor < 1 {
		return fmt.Errorf("%w: nmajor must be >= 1, got %d", models.ErrInvalidConfiguration, p.NMajor)
	}
	if p.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be >= 0, got %g", models.ErrInvalidConfiguration, p.Threshold)
	}
	if p.StopMargin < 1 {
		return fmt.Errorf("%w: stop margin must be >= 1, got %g", models.ErrInvalidConfiguration, p.StopMargin)
	}
	return nil
}

// Result is the consistent output of a completed run.
type Result struct {
	Model    *models.Image
	Residual *models.Image
	Restored *models.Image
	PSF      *models.Image

	// ResidualVis is observed minus predicted for the final model, using
	// the calibrated visibilities when self-calibration ran.
	ResidualVis *models.Visibility

	// Calibrated holds the corrected visibilities, or the input when
	// self-calibration is off.
	Calibrated *models.Visibility

	// Cycles is the number of major cycles executed.
	Cycles int

	// Converged reports an early stop on the threshold.
	Converged bool

	PeakResidual float64
}

// Controller owns the running model and residual of one loop.
type Controller struct {
	imager      Imager
	deconvolver Deconvolver
	calibrator  Calibrator
	params      Params
	logger      zerolog.Logger
	restore     func(model, psf, residual *models.Image) (*models.Image, error)
}

// Option customises a Controller.
type Option func(*Controller)

// WithCalibrator sets the self-calibration collaborator.
func WithCalibrator(c Calibrator) Option {
	return func(ctl *Controller) { ctl.calibrator = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// NewController validates params and wires the collaborators.
func NewController(imager Imager, deconvolver Deconvolver, params Params, opts ...Option) (*Controller, error) {
	if params.StopMargin == 0 {
		params.StopMargin = DefaultStopMargin
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if imager == nil || deconvolver == nil {
		return nil, fmt.Errorf("%w: imager and deconvolver are required", models.ErrInvalidConfiguration)
	}
	ctl := &Controller{
		imager:      imager,
		deconvolver: deconvolver,
		params:      params,
		logger:      log.With().Str("component", "majorcycle").Logger(),
		restore:     deconvolution.RestoreCube,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	if params.SelfCal && ctl.calibrator == nil {
		return nil, fmt.Errorf("%w: self-calibration needs a calibrator", models.ErrInvalidConfiguration)
	}
	return ctl, nil
}

// residual predicts model against vis and returns vis minus the prediction.
func (ctl *Controller) residual(ctx context.Context, vis *models.Visibility, model *models.Image, cycle int) (resid, predicted *models.Visibility, err error) {
	start := time.Now()
	predicted, err = ctl.imager.Predict(ctx, vis, model)
	observability.RecordCollaborator("predict", time.Since(start), err == nil)
	if err != nil {
		return nil, nil, &CollaboratorError{Op: "predict", Cycle: cycle, Err: err}
	}
	resid, err = models.CombineVisibility(vis, predicted, 1, -1)
	if err != nil {
		return nil, nil, fmt.Errorf("major cycle %d: %w", cycle, err)
	}
	return resid, predicted, nil
}

func (ctl *Controller) invert(ctx context.Context, vis *models.Visibility, template *models.Image, dopsf bool, cycle int) (*models.Image, error) {
	start := time.Now()
	img, _, err := ctl.imager.Invert(ctx, vis, template, dopsf)
	observability.RecordCollaborator("invert", time.Since(start), err == nil)
	if err != nil {
		return nil, &CollaboratorError{Op: "invert", Cycle: cycle, Err: err}
	}
	return img, nil
}

// Run executes the loop starting from model, which is not modified. On
// any error nothing but the error is returned.
func (ctl *Controller) Run(ctx context.Context, vis *models.Visibility, model *models.Image) (*Result, error) {
	observed := vis
	current := model.Clone()

	residVis, _, err := ctl.residual(ctx, observed, current, -1)
	if err != nil {
		return nil, err
	}
	dirty, err := ctl.invert(ctx, residVis, current, false, -1)
	if err != nil {
		return nil, err
	}
	psf, err := ctl.invert(ctx, observed, current, true, -1)
	if err != nil {
		return nil, err
	}

	stopAt := ctl.params.StopMargin * ctl.params.Threshold
	res := &Result{}
	for cycle := 0; cycle < ctl.params.NMajor; cycle++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ctl.logger.Info().Int("cycle", cycle).Float64("peak", dirty.MaxAbs()).Msg("starting major cycle")

		start := time.Now()
		comp, _, err := ctl.deconvolver.Deconvolve(ctx, dirty, psf)
		observability.RecordCollaborator("deconvolve", time.Since(start), err == nil)
		if err != nil {
			return nil, fmt.Errorf("major cycle %d: deconvolve: %w", cycle, err)
		}
		if err := current.Add(comp); err != nil {
			return nil, fmt.Errorf("major cycle %d: %w", cycle, err)
		}

		var predicted *models.Visibility
		residVis, predicted, err = ctl.residual(ctx, observed, current, cycle)
		if err != nil {
			return nil, err
		}
		if ctl.params.SelfCal {
			start := time.Now()
			calibrated, err := ctl.calibrator.Calibrate(ctx, observed, predicted, cycle)
			observability.RecordCollaborator("calibrate", time.Since(start), err == nil)
			if err != nil {
				return nil, &CollaboratorError{Op: "calibrate", Cycle: cycle, Err: err}
			}
			observed = calibrated
			if residVis, err = models.CombineVisibility(observed, predicted, 1, -1); err != nil {
				return nil, fmt.Errorf("major cycle %d: %w", cycle, err)
			}
		}
		if dirty, err = ctl.invert(ctx, residVis, current, false, cycle); err != nil {
			return nil, err
		}

		res.Cycles = cycle + 1
		peak := dirty.MaxAbs()
		observability.RecordMajorCycle(ctl.params.SelfCal, peak)
		ctl.logger.Info().Int("cycle", cycle).Object("residual", qa.Assess(dirty)).Msg("major cycle complete")
		if peak < stopAt {
			ctl.logger.Info().Int("cycle", cycle).Float64("peak", peak).Float64("threshold", ctl.params.Threshold).
				Msg("residual below threshold, stopping")
			res.Converged = true
			break
		}
	}

	restored, err := ctl.restore(current, psf, dirty)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	res.Model = current
	res.Residual = dirty
	res.Restored = restored
	res.PSF = psf
	res.ResidualVis = residVis
	res.Calibrated = observed
	res.PeakResidual = dirty.MaxAbs()
	return res, nil
}
