// Package partition splits imaging work into independent units (time
// slices, w-planes and facets), runs them concurrently and merges the
// partial results in a fixed order so the outcome does not depend on
// scheduling.
package partition

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"skysynth/internal/models"
)

// Kind selects how visibilities and images are partitioned.
type Kind string

const (
	Context2D       Kind = "2d"
	Timeslice       Kind = "timeslice"
	WStack          Kind = "wstack"
	Facets          Kind = "facets"
	FacetsTimeslice Kind = "facets_timeslice"
	FacetsWStack    Kind = "facets_wstack"
)

// Kinds lists the supported partition contexts.
var Kinds = []Kind{Context2D, Timeslice, WStack, Facets, FacetsTimeslice, FacetsWStack}

// Params configures partitioning.
type Params struct {
	Kind Kind

	// Facets is the number of facets per image axis; only used by the
	// facet kinds.
	Facets int

	// VisSlices is the number of time slices or w-planes.
	VisSlices int

	// Workers bounds concurrent units; zero means one per CPU.
	Workers int
}

// DefaultParams returns the unpartitioned context.
func DefaultParams() Params {
	return Params{Kind: Context2D, Facets: 1, VisSlices: 1}
}

// HasFacets reports whether the kind splits the image.
func (k Kind) HasFacets() bool { return strings.HasPrefix(string(k), "facets") }

// Validate checks the parameters.
func (p Params) Validate() error {
	known := false
	for _, k := range Kinds {
		known = known || k == p.Kind
	}
	if !known {
		return fmt.Errorf("%w: unknown partition context %q", models.ErrInvalidConfiguration, p.Kind)
	}
	if p.Kind.HasFacets() && p.Facets < 1 {
		return fmt.Errorf("%w: facets must be >= 1, got %d", models.ErrInvalidConfiguration, p.Facets)
	}
	if p.Kind != Context2D && p.Kind != Facets && p.VisSlices < 1 {
		return fmt.Errorf("%w: vis slices must be >= 1, got %d", models.ErrInvalidConfiguration, p.VisSlices)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", models.ErrInvalidConfiguration, p.Workers)
	}
	return nil
}

// RowPartition is a disjoint subset of visibility rows. WPlane is the w in
// metres of the screen used to image the rows.
type RowPartition struct {
	Index  int
	Rows   []int
	WPlane float64
}

// AllRows returns a single partition holding every row.
func AllRows(vis *models.Visibility) []RowPartition {
	rows := make([]int, vis.NRows())
	for i := range rows {
		rows[i] = i
	}
	return []RowPartition{{Index: 0, Rows: rows}}
}

// TimeSlices groups rows into n contiguous runs of distinct times. Fewer
// partitions are returned when there are fewer distinct times than n.
func TimeSlices(vis *models.Visibility, n int) []RowPartition {
	times := vis.UniqueTimes()
	if len(times) == 0 {
		return nil
	}
	n = max(min(n, len(times)), 1)
	slot := make(map[float64]int, len(times))
	for i, t := range times {
		slot[t] = i * n / len(times)
	}
	parts := make([]RowPartition, n)
	for i := range parts {
		parts[i].Index = i
	}
	for row, t := range vis.Time {
		k := slot[t]
		parts[k].Rows = append(parts[k].Rows, row)
	}
	return parts
}

// WSlices buckets rows into n equal-width ranges of w. Each partition's
// WPlane is the centre of its range. Empty ranges are dropped.
func WSlices(vis *models.Visibility, n int) []RowPartition {
	if vis.NRows() == 0 {
		return nil
	}
	wmin, wmax := math.Inf(1), math.Inf(-1)
	for _, b := range vis.UVW {
		wmin = math.Min(wmin, b[2])
		wmax = math.Max(wmax, b[2])
	}
	n = max(n, 1)
	width := (wmax - wmin) / float64(n)
	if width == 0 {
		parts := AllRows(vis)
		parts[0].WPlane = wmin
		return parts
	}

	buckets := make([][]int, n)
	for row, b := range vis.UVW {
		k := min(int((b[2]-wmin)/width), n-1)
		buckets[k] = append(buckets[k], row)
	}
	var parts []RowPartition
	for k, rows := range buckets {
		if len(rows) == 0 {
			continue
		}
		parts = append(parts, RowPartition{
			Index:  k,
			Rows:   rows,
			WPlane: wmin + (float64(k)+0.5)*width,
		})
	}
	return parts
}

// Rows partitions vis according to the kind.
func (p Params) Rows(vis *models.Visibility) []RowPartition {
	switch p.Kind {
	case Timeslice, FacetsTimeslice:
		return TimeSlices(vis, p.VisSlices)
	case WStack, FacetsWStack:
		return WSlices(vis, p.VisSlices)
	default:
		return AllRows(vis)
	}
}

// Facet is the spatial region [Y0,Y1) x [X0,X1) of the full image.
type Facet struct {
	Index          int
	Y0, Y1, X0, X1 int
}

// FacetGeometry tiles an ny x nx image into n x n equal facets ordered by
// row then column. n must divide both axes.
func FacetGeometry(ny, nx, n int) ([]Facet, error) {
	if n < 1 || ny%n != 0 || nx%n != 0 {
		return nil, fmt.Errorf("%w: %d facets per axis do not tile %dx%d",
			models.ErrInvalidConfiguration, n, ny, nx)
	}
	fy, fx := ny/n, nx/n
	facets := make([]Facet, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			facets = append(facets, Facet{
				Index: i*n + j,
				Y0:    i * fy, Y1: (i + 1) * fy,
				X0: j * fx, X1: (j + 1) * fx,
			})
		}
	}
	return facets, nil
}

// FacetsFor returns the facet geometry for an image, a single full-image
// facet for kinds without facets.
func (p Params) FacetsFor(shape models.Shape) ([]Facet, error) {
	if !p.Kind.HasFacets() {
		return []Facet{{Y1: shape.NY, X1: shape.NX}}, nil
	}
	return FacetGeometry(shape.NY, shape.NX, p.Facets)
}

// sortedIndices returns positions of parts ordered by their Index. Indices
// must be unique.
func sortedIndices(n int, index func(int) int) ([]int, error) {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return index(order[a]) < index(order[b]) })
	for i := 1; i < n; i++ {
		if index(order[i]) == index(order[i-1]) {
			return nil, fmt.Errorf("%w: duplicate partition index %d", models.ErrInvalidConfiguration, index(order[i]))
		}
	}
	return order, nil
}
