// Package pipeline runs the imaging workflows: continuum imaging, ICAL
// (continuum imaging with self-calibration every major cycle) and
// spectral-line imaging after continuum subtraction.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skysynth/internal/models"
	"skysynth/pkg/calibration"
	"skysynth/pkg/config"
	"skysynth/pkg/deconvolution"
	"skysynth/pkg/majorcycle"
	"skysynth/pkg/partition"
	"skysynth/pkg/qa"
	"skysynth/pkg/visualization"
)

// Metrics summarises a completed run.
type Metrics struct {
	RunID        string
	Cycles       int
	Converged    bool
	PeakResidual float64

	// Beam is the restoring beam fitted to the first PSF plane.
	Beam deconvolution.Beam

	Restored qa.ImageQA
	Residual qa.ImageQA

	// Fidelity compares the restored image with a known sky and
	// Components matches the sources found in it. Both are only set by
	// Evaluate.
	Fidelity   *qa.Comparison
	Components *qa.Matching
}

// matchRadius is the largest separation in pixels at which a restored
// source is identified with a true one.
const matchRadius = 2

// Params holds the pipeline parameters.
type Params struct {
	Workflow config.Workflow

	// NPixel and CellSize define the square image grid; CellSize is in radians.
	NPixel   int
	CellSize float64

	Deconvolution deconvolution.Params
	MajorCycle    majorcycle.Params
	Partition     partition.Params

	// FacetDeconvolution cleans each facet of the partition separately.
	FacetDeconvolution bool

	CalibrationContext string
	FirstSelfCal       int

	// SaveIntermediaryResults determines whether PNG renderings of the
	// model, residual, PSF and restored images are written.
	SaveIntermediaryResults bool
	IntermediaryDir         string
}

// ParamsFromConfig collects the pipeline parameters from a configuration.
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		Workflow:                cfg.Processing.Workflow,
		NPixel:                  cfg.Imaging.NPixel,
		CellSize:                cfg.Imaging.CellSize,
		Deconvolution:           cfg.DeconvolutionParams(),
		MajorCycle:              cfg.MajorCycleParams(),
		Partition:               cfg.PartitionParams(),
		FacetDeconvolution:      cfg.Deconvolution.FacetDeconvolution,
		CalibrationContext:      cfg.MajorCycle.CalibrationContext,
		FirstSelfCal:            cfg.MajorCycle.FirstSelfCal,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         filepath.Join(cfg.Output.Dir, "intermediary"),
	}
}

// Pipeline wires the partitioned imager, the deconvolver and, for ICAL,
// the gain solver into a major-cycle controller.
type Pipeline struct {
	params  *Params
	runID   string
	base    zerolog.Logger
	logger  zerolog.Logger
	imager  *partition.Imager
	decon   majorcycle.Deconvolver
	solver  *calibration.Solver
	result  *majorcycle.Result
	metrics Metrics
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger from which every component logger derives.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.base = l }
}

// RunID identifies the pipeline in logs and metrics.
func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) component(name string) zerolog.Logger {
	return p.base.With().Str("component", name).Logger()
}

// NewPipeline validates params and builds the collaborators.
func NewPipeline(in *Params, opts ...Option) (*Pipeline, error) {
	params := *in
	switch params.Workflow {
	case config.WorkflowContinuum, config.WorkflowSpectralLine:
		params.MajorCycle.SelfCal = false
	case config.WorkflowICAL:
		params.MajorCycle.SelfCal = true
	default:
		return nil, fmt.Errorf("%w: unknown workflow %q", models.ErrInvalidConfiguration, params.Workflow)
	}
	if params.NPixel < 2 || params.CellSize <= 0 {
		return nil, fmt.Errorf("%w: npixel %d and cell size %g must be positive",
			models.ErrInvalidConfiguration, params.NPixel, params.CellSize)
	}

	p := &Pipeline{
		params: &params,
		runID:  uuid.NewString(),
		base:   log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.base = p.base.With().Str("run", p.runID).Logger()
	p.logger = p.component("pipeline")

	var err error
	p.imager, err = partition.NewImager(params.Partition, partition.WithLogger(p.component("partition")))
	if err != nil {
		return nil, err
	}
	workers := params.Partition.Workers
	inner, err := deconvolution.NewDeconvolver(params.Deconvolution,
		deconvolution.WithWorkers(workers), deconvolution.WithLogger(p.component("deconvolution")))
	if err != nil {
		return nil, err
	}
	p.decon = inner
	if params.FacetDeconvolution {
		if p.decon, err = partition.NewFacetDeconvolver(inner, max(params.Partition.Facets, 1), workers); err != nil {
			return nil, err
		}
	}
	if params.Workflow == config.WorkflowICAL {
		p.solver, err = calibration.NewSolver(params.CalibrationContext,
			calibration.WithFirstCycle(params.FirstSelfCal), calibration.WithLogger(p.component("calibration")))
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// NewTemplate returns an empty image cube matching the channels and
// polarisations of vis on an npixel x npixel grid centred on its phase
// centre.
func NewTemplate(vis *models.Visibility, npixel int, cellSize float64) (*models.Image, error) {
	wcs := models.NewCentredWCS(npixel, npixel, cellSize, vis.Frequency)
	wcs.PhaseCentreRA = vis.PhaseCentreRA
	wcs.PhaseCentreDec = vis.PhaseCentreDec
	return models.NewImage(models.Shape{NChan: vis.NChan(), NPol: vis.NPol, NY: npixel, NX: npixel}, wcs, vis.PolFrame)
}

// Process runs the configured workflow on vis. continuum is the continuum
// sky model subtracted before spectral-line imaging; it is ignored by the
// other workflows and may be nil.
func (p *Pipeline) Process(ctx context.Context, vis *models.Visibility, continuum *models.Image) (*majorcycle.Result, error) {
	if p.params.SaveIntermediaryResults {
		if err := os.MkdirAll(p.params.IntermediaryDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create intermediary directory: %w", err)
		}
	}

	// Step 1: image grid
	p.logger.Info().Str("workflow", string(p.params.Workflow)).Int("npixel", p.params.NPixel).
		Float64("cell", p.params.CellSize).Msg("Step 1: creating image template")
	model, err := NewTemplate(vis, p.params.NPixel, p.params.CellSize)
	if err != nil {
		return nil, err
	}

	// Step 2: continuum subtraction
	if p.params.Workflow == config.WorkflowSpectralLine && continuum != nil {
		p.logger.Info().Msg("Step 2: subtracting continuum model")
		if vis, err = p.subtractContinuum(ctx, vis, continuum); err != nil {
			return nil, fmt.Errorf("failed to subtract continuum: %w", err)
		}
	}

	// Step 3: major cycles
	p.logger.Info().Int("nmajor", p.params.MajorCycle.NMajor).Bool("selfcal", p.params.MajorCycle.SelfCal).
		Msg("Step 3: running major cycles")
	var opts []majorcycle.Option
	opts = append(opts, majorcycle.WithLogger(p.component("majorcycle")))
	if p.solver != nil {
		opts = append(opts, majorcycle.WithCalibrator(p.solver))
	}
	ctl, err := majorcycle.NewController(p.imager, p.decon, p.params.MajorCycle, opts...)
	if err != nil {
		return nil, err
	}
	res, err := ctl.Run(ctx, vis, model)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s imaging: %w", p.params.Workflow, err)
	}
	p.result = res

	// Step 4: quality assessment
	p.logger.Info().Msg("Step 4: assessing images")
	p.metrics = Metrics{
		RunID:        p.runID,
		Cycles:       res.Cycles,
		Converged:    res.Converged,
		PeakResidual: res.PeakResidual,
		Beam:         deconvolution.FitBeam(deconvolution.NewPlane(res.PSF.Plane(0, 0), res.PSF.Shape.NY, res.PSF.Shape.NX)),
		Restored:     qa.Assess(res.Restored),
		Residual:     qa.Assess(res.Residual),
	}
	p.logger.Info().
		Float64("bmaj", p.metrics.Beam.MajorFWHM).
		Float64("bmin", p.metrics.Beam.MinorFWHM).
		Float64("bpa", p.metrics.Beam.PositionAngle).
		Object("restored", p.metrics.Restored).
		Msg("restoring beam fitted")

	if p.params.SaveIntermediaryResults {
		stages := []struct {
			name    string
			im      *models.Image
			scaling visualization.Scaling
		}{
			{"01_psf", res.PSF, visualization.ScaleSymmetric},
			{"02_model", res.Model, visualization.ScaleMinMax},
			{"03_residual", res.Residual, visualization.ScaleSymmetric},
			{"04_restored", res.Restored, visualization.ScaleMinMax},
		}
		for _, s := range stages {
			if err := p.saveIntermediaryResult(s.name, s.im, s.scaling); err != nil {
				p.logger.Warn().Err(err).Str("stage", s.name).Msg("failed to save intermediary result")
			}
		}
	}
	return res, nil
}

// subtractContinuum returns vis minus the prediction of continuum.
func (p *Pipeline) subtractContinuum(ctx context.Context, vis *models.Visibility, continuum *models.Image) (*models.Visibility, error) {
	predicted, err := p.imager.Predict(ctx, vis, continuum)
	if err != nil {
		return nil, err
	}
	return models.CombineVisibility(vis, predicted, 1, -1)
}

// Evaluate compares the restored image of the last run with the true sky
// and records the result in the metrics.
func (p *Pipeline) Evaluate(truth *models.Image) (qa.Comparison, error) {
	if p.result == nil {
		return qa.Comparison{}, fmt.Errorf("%w: no completed run to evaluate", models.ErrInvalidConfiguration)
	}
	cmp, err := qa.Compare(p.result.Restored, truth)
	if err != nil {
		return qa.Comparison{}, err
	}
	p.metrics.Fidelity = &cmp

	// Sources brighter than five times the residual RMS
	threshold := 5 * p.metrics.Residual.RMS
	var matching qa.Matching
	for c := 0; c < truth.Shape.NChan; c++ {
		want, err := qa.FindComponents(truth, c, 0, 0)
		if err != nil {
			return qa.Comparison{}, err
		}
		got, err := qa.FindComponents(p.result.Restored, c, 0, threshold)
		if err != nil {
			return qa.Comparison{}, err
		}
		m := qa.MatchComponents(got, want, matchRadius)
		matching.Matches = append(matching.Matches, m.Matches...)
		matching.Missed = append(matching.Missed, m.Missed...)
		matching.Spurious += m.Spurious
	}
	p.metrics.Components = &matching
	p.logger.Info().Int("matched", len(matching.Matches)).Int("missed", len(matching.Missed)).
		Int("spurious", matching.Spurious).Msg("compared with true sky")
	return cmp, nil
}

// GetMetrics returns the metrics of the last run.
func (p *Pipeline) GetMetrics() Metrics {
	return p.metrics
}

// saveIntermediaryResult renders every plane of im under the stage directory.
func (p *Pipeline) saveIntermediaryResult(stage string, im *models.Image, scaling visualization.Scaling) error {
	stageDir := filepath.Join(p.params.IntermediaryDir, stage)
	return visualization.NewViewer(im, scaling).SaveAllPlanes(stage[3:], stageDir)
}
