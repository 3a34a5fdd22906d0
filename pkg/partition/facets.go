package partition

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"skysynth/internal/models"
	"skysynth/pkg/majorcycle"
)

// FacetDeconvolver cleans each facet of a dirty image independently with
// the PSF cropped to the facet size, then places the facet models and
// residuals back into full images. It satisfies majorcycle.Deconvolver.
type FacetDeconvolver struct {
	inner   majorcycle.Deconvolver
	facets  int
	workers int
}

// NewFacetDeconvolver splits images into facets x facets regions.
func NewFacetDeconvolver(inner majorcycle.Deconvolver, facets, workers int) (*FacetDeconvolver, error) {
	if inner == nil || facets < 1 {
		return nil, fmt.Errorf("%w: facet deconvolver needs a deconvolver and facets >= 1", models.ErrInvalidConfiguration)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &FacetDeconvolver{inner: inner, facets: facets, workers: workers}, nil
}

// cropCentre returns the centred ny x nx region of psf.
func cropCentre(psf *models.Image, ny, nx int) (*models.Image, error) {
	y0 := psf.Shape.NY/2 - ny/2
	x0 := psf.Shape.NX/2 - nx/2
	return psf.SubImage(y0, y0+ny, x0, x0+nx)
}

// Deconvolve runs the inner deconvolver on every facet concurrently.
func (d *FacetDeconvolver) Deconvolve(ctx context.Context, dirty, psf *models.Image) (comp, residual *models.Image, err error) {
	if dirty.Shape != psf.Shape {
		return nil, nil, fmt.Errorf("%w: dirty %s psf %s", models.ErrShapeMismatch, dirty.Shape, psf.Shape)
	}
	facets, err := FacetGeometry(dirty.Shape.NY, dirty.Shape.NX, d.facets)
	if err != nil {
		return nil, nil, err
	}
	fy, fx := facets[0].Y1-facets[0].Y0, facets[0].X1-facets[0].X0
	facetPSF, err := cropCentre(psf, fy, fx)
	if err != nil {
		return nil, nil, err
	}

	comps := make([]FacetImage, len(facets))
	residuals := make([]FacetImage, len(facets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, f := range facets {
		g.Go(func() error {
			sub, err := dirty.SubImage(f.Y0, f.Y1, f.X0, f.X1)
			if err != nil {
				return err
			}
			c, r, err := d.inner.Deconvolve(gctx, sub, facetPSF)
			if err != nil {
				return fmt.Errorf("facet %d: %w", f.Index, err)
			}
			comps[i] = FacetImage{Facet: f, Image: c}
			residuals[i] = FacetImage{Facet: f, Image: r}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if comp, err = PlaceFacets(dirty, comps); err != nil {
		return nil, nil, err
	}
	if residual, err = PlaceFacets(dirty, residuals); err != nil {
		return nil, nil, err
	}
	return comp, residual, nil
}
