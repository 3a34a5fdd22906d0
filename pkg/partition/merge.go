package partition

import (
	"fmt"

	"skysynth/internal/models"
)

// Partial is the result of inverting one partition onto a common grid.
// SumWt holds the summed weight of each [channel, polarisation] plane.
type Partial struct {
	Index int
	Image *models.Image
	SumWt []float64
}

// MergeWeighted combines partial images of the same grid into the
// weighted mean sum(img_k*sumwt_k)/sum(sumwt_k) per plane, and returns the
// total weights. Partials are accumulated in Index order, so any
// permutation of parts yields an identical result. Indices must be unique.
// Planes with no weight are zero.
func MergeWeighted(parts []Partial) (*models.Image, []float64, error) {
	if len(parts) == 0 {
		return nil, nil, fmt.Errorf("%w: nothing to merge", models.ErrInvalidConfiguration)
	}
	order, err := sortedIndices(len(parts), func(i int) int { return parts[i].Index })
	if err != nil {
		return nil, nil, err
	}
	first := parts[order[0]].Image
	nplanes := first.Shape.NPlanes()
	for _, p := range parts {
		if p.Image.Shape != first.Shape || len(p.SumWt) != nplanes {
			return nil, nil, fmt.Errorf("%w: partial %d has shape %s and %d weights, want %s and %d",
				models.ErrShapeMismatch, p.Index, p.Image.Shape, len(p.SumWt), first.Shape, nplanes)
		}
	}

	out := first.ZerosLike()
	sumwt := make([]float64, nplanes)
	for _, i := range order {
		p := parts[i]
		for k := 0; k < nplanes; k++ {
			w := p.SumWt[k]
			if w == 0 {
				continue
			}
			c, pol := k/first.Shape.NPol, k%first.Shape.NPol
			dst := out.Plane(c, pol)
			for j, v := range p.Image.Plane(c, pol) {
				dst[j] += v * w
			}
			sumwt[k] += w
		}
	}
	for k, w := range sumwt {
		if w == 0 {
			continue
		}
		plane := out.Plane(k/first.Shape.NPol, k%first.Shape.NPol)
		for j := range plane {
			plane[j] /= w
		}
	}
	return out, sumwt, nil
}

// FacetImage is an image covering one facet of a larger grid.
type FacetImage struct {
	Facet Facet
	Image *models.Image
}

// PlaceFacets copies each facet image into its region of a zero image
// shaped like template. Facets must not overlap; overlap is rejected.
func PlaceFacets(template *models.Image, facets []FacetImage) (*models.Image, error) {
	out := template.ZerosLike()
	covered := make([]bool, out.Shape.PlaneSize())
	nx := out.Shape.NX
	for _, f := range facets {
		g := f.Facet
		want := models.Shape{NChan: out.Shape.NChan, NPol: out.Shape.NPol, NY: g.Y1 - g.Y0, NX: g.X1 - g.X0}
		if f.Image.Shape != want || g.Y0 < 0 || g.X0 < 0 || g.Y1 > out.Shape.NY || g.X1 > nx {
			return nil, fmt.Errorf("%w: facet %d region [%d:%d, %d:%d] with image %s in %s",
				models.ErrShapeMismatch, g.Index, g.Y0, g.Y1, g.X0, g.X1, f.Image.Shape, out.Shape)
		}
		for y := g.Y0; y < g.Y1; y++ {
			for x := g.X0; x < g.X1; x++ {
				if covered[y*nx+x] {
					return nil, fmt.Errorf("%w: facet %d overlaps another facet", models.ErrInvalidConfiguration, g.Index)
				}
				covered[y*nx+x] = true
			}
		}
		fx := want.NX
		for c := 0; c < want.NChan; c++ {
			for p := 0; p < want.NPol; p++ {
				src := f.Image.Plane(c, p)
				dst := out.Plane(c, p)
				for y := 0; y < want.NY; y++ {
					copy(dst[(g.Y0+y)*nx+g.X0:(g.Y0+y)*nx+g.X1], src[y*fx:(y+1)*fx])
				}
			}
		}
	}
	return out, nil
}
