package qa

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"skysynth/internal/models"
)

// Component is a point-like feature of an image plane in pixel
// coordinates.
type Component struct {
	Y, X float64
	Flux float64
}

// Compare implements the kdtree.Comparable interface
func (c Component) Compare(o kdtree.Comparable, d kdtree.Dim) float64 {
	q := o.(Component)
	switch d {
	case 0:
		return c.Y - q.Y
	case 1:
		return c.X - q.X
	default:
		panic("illegal dimension")
	}
}

func (c Component) Dims() int { return 2 }

// Distance returns the squared pixel distance.
func (c Component) Distance(o kdtree.Comparable) float64 {
	q := o.(Component)
	dy, dx := c.Y-q.Y, c.X-q.X
	return dy*dy + dx*dx
}

type components []Component

func (p components) Index(i int) kdtree.Comparable         { return p[i] }
func (p components) Len() int                              { return len(p) }
func (p components) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p components) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(componentPlane{components: p, Dim: d}, kdtree.MedianOfRandoms(componentPlane{components: p, Dim: d}, 100))
}

type componentPlane struct {
	components
	kdtree.Dim
}

func (p componentPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.components[i].Y < p.components[j].Y
	case 1:
		return p.components[i].X < p.components[j].X
	default:
		panic("illegal dimension")
	}
}

func (p componentPlane) Slice(start, end int) kdtree.SortSlicer {
	return componentPlane{components: p.components[start:end], Dim: p.Dim}
}

func (p componentPlane) Swap(i, j int) {
	p.components[i], p.components[j] = p.components[j], p.components[i]
}

// FindComponents returns the local maxima of plane (c, p) of im that are
// above threshold, brightest first. A pixel is a local maximum when none of
// its eight neighbours is larger.
func FindComponents(im *models.Image, c, p int, threshold float64) ([]Component, error) {
	s := im.Shape
	if c < 0 || c >= s.NChan || p < 0 || p >= s.NPol {
		return nil, fmt.Errorf("%w: plane (%d, %d) outside %s", models.ErrShapeMismatch, c, p, s)
	}
	plane := im.Plane(c, p)
	var found []Component
	for y := 0; y < s.NY; y++ {
		for x := 0; x < s.NX; x++ {
			v := plane[y*s.NX+x]
			if v <= threshold || !localMax(plane, s.NY, s.NX, y, x) {
				continue
			}
			found = append(found, Component{Y: float64(y), X: float64(x), Flux: v})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].Flux > found[j].Flux })
	return found, nil
}

func localMax(plane []float64, ny, nx, y, x int) bool {
	v := plane[y*nx+x]
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			yy, xx := y+dy, x+dx
			if (dy == 0 && dx == 0) || yy < 0 || yy >= ny || xx < 0 || xx >= nx {
				continue
			}
			if plane[yy*nx+xx] > v {
				return false
			}
		}
	}
	return true
}

// Match pairs a true component with the nearest found one.
type Match struct {
	Truth      Component
	Found      Component
	Separation float64
}

// Matching is the outcome of MatchComponents.
type Matching struct {
	Matches []Match

	// Missed are true components with no found component within range.
	Missed []Component

	// Spurious counts found components matched to no true component.
	Spurious int
}

// MatchComponents pairs every true component with the nearest found
// component no further than maxSep pixels away.
func MatchComponents(found, truth []Component, maxSep float64) Matching {
	var m Matching
	if len(found) == 0 {
		m.Missed = append(m.Missed, truth...)
		return m
	}

	tree := kdtree.New(append(components(nil), found...), false)
	used := make(map[Component]bool)
	for _, t := range truth {
		nearest, d2 := tree.Nearest(t)
		if nearest == nil || math.Sqrt(d2) > maxSep {
			m.Missed = append(m.Missed, t)
			continue
		}
		f := nearest.(Component)
		used[f] = true
		m.Matches = append(m.Matches, Match{Truth: t, Found: f, Separation: math.Sqrt(d2)})
	}
	m.Spurious = len(found) - len(used)
	return m
}
