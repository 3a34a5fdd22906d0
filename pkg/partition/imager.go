package partition

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"skysynth/internal/models"
	"skysynth/pkg/imaging"
	"skysynth/pkg/majorcycle"
)

// Factory builds the operator pair used for one partition. wPlane is the
// w in metres of the partition's screen.
type Factory func(wPlane float64) majorcycle.Imager

// FFTFactory returns the nearest-cell FFT imager with a w-screen.
func FFTFactory(wPlane float64) majorcycle.Imager {
	return imaging.NewImager(imaging.WithWPlane(wPlane))
}

// Imager runs predict and invert over partitions and merges the results.
// It satisfies majorcycle.Imager.
type Imager struct {
	params  Params
	factory Factory
	logger  zerolog.Logger
}

// ImagerOption customises an Imager.
type ImagerOption func(*Imager)

// WithFactory replaces the per-partition operator pair.
func WithFactory(f Factory) ImagerOption {
	return func(im *Imager) { im.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ImagerOption {
	return func(im *Imager) { im.logger = l }
}

// NewImager validates p and returns a partitioned Imager.
func NewImager(p Params, opts ...ImagerOption) (*Imager, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Workers == 0 {
		p.Workers = runtime.NumCPU()
	}
	im := &Imager{
		params:  p,
		factory: FFTFactory,
		logger:  log.With().Str("component", "partition").Str("context", string(p.Kind)).Logger(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Params returns the partitioning parameters.
func (im *Imager) Params() Params { return im.params }

// unit is one (row partition, facet) pair.
type unit struct {
	rows  RowPartition
	facet Facet
}

func (im *Imager) units(vis *models.Visibility, shape models.Shape, withFacets bool) ([]RowPartition, []Facet, error) {
	rows := im.params.Rows(vis)
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: visibility set has no rows", models.ErrInvalidConfiguration)
	}
	facets := []Facet{{Y1: shape.NY, X1: shape.NX}}
	if withFacets {
		var err error
		if facets, err = im.params.FacetsFor(shape); err != nil {
			return nil, nil, err
		}
	}
	return rows, facets, nil
}

// Invert images every partition and merges them: row partitions of the
// same facet by weighted mean, facets by placement. The PSF is always
// computed on the full grid so that it stays centred.
func (im *Imager) Invert(ctx context.Context, vis *models.Visibility, template *models.Image, dopsf bool) (*models.Image, []float64, error) {
	rows, facets, err := im.units(vis, template.Shape, !dopsf)
	if err != nil {
		return nil, nil, err
	}

	// partials[f][r] is written by exactly one goroutine.
	partials := make([][]Partial, len(facets))
	for f := range partials {
		partials[f] = make([]Partial, len(rows))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.params.Workers)
	for f, facet := range facets {
		for r, part := range rows {
			g.Go(func() error {
				tmpl := template
				if len(facets) > 1 {
					var err error
					if tmpl, err = template.SubImage(facet.Y0, facet.Y1, facet.X0, facet.X1); err != nil {
						return err
					}
				}
				img, sumwt, err := im.factory(part.WPlane).Invert(gctx, vis.SelectRows(part.Rows), tmpl, dopsf)
				if err != nil {
					return fmt.Errorf("invert partition %d facet %d: %w", part.Index, facet.Index, err)
				}
				partials[f][r] = Partial{Index: part.Index, Image: img, SumWt: sumwt}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	placed := make([]FacetImage, len(facets))
	var sumwt []float64
	for f, facet := range facets {
		merged, wt, err := MergeWeighted(partials[f])
		if err != nil {
			return nil, nil, err
		}
		placed[f] = FacetImage{Facet: facet, Image: merged}
		if f == 0 {
			sumwt = wt
		}
	}
	im.logger.Debug().Int("rowPartitions", len(rows)).Int("facets", len(facets)).Bool("psf", dopsf).Msg("inverted")
	if len(facets) == 1 {
		return placed[0].Image, sumwt, nil
	}
	out, err := PlaceFacets(template, placed)
	if err != nil {
		return nil, nil, err
	}
	return out, sumwt, nil
}

// Predict predicts every (row partition, facet) unit, sums facet
// contributions in facet order and scatters the rows back into a copy of
// vis.
func (im *Imager) Predict(ctx context.Context, vis *models.Visibility, model *models.Image) (*models.Visibility, error) {
	rows, facets, err := im.units(vis, model.Shape, true)
	if err != nil {
		return nil, err
	}

	preds := make([][]*models.Visibility, len(rows))
	for r := range preds {
		preds[r] = make([]*models.Visibility, len(facets))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.params.Workers)
	for r, part := range rows {
		sub := vis.SelectRows(part.Rows)
		for f, facet := range facets {
			g.Go(func() error {
				m := model
				if len(facets) > 1 {
					var err error
					if m, err = model.SubImage(facet.Y0, facet.Y1, facet.X0, facet.X1); err != nil {
						return err
					}
				}
				pred, err := im.factory(part.WPlane).Predict(gctx, sub, m)
				if err != nil {
					return fmt.Errorf("predict partition %d facet %d: %w", part.Index, facet.Index, err)
				}
				preds[r][f] = pred
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := vis.ZerosLike()
	for r, part := range rows {
		total := preds[r][0]
		for f := 1; f < len(facets); f++ {
			if total, err = models.CombineVisibility(total, preds[r][f], 1, 1); err != nil {
				return nil, err
			}
		}
		if err := out.InsertRows(total, part.Rows); err != nil {
			return nil, err
		}
	}
	return out, nil
}
