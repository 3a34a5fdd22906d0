package deconvolution

import "gonum.org/v1/gonum/floats"

// Range is a half-open rectangle [Y0,Y1) x [X0,X1) in array coordinates.
type Range struct {
	Y0, Y1, X0, X1 int
}

// Empty reports whether the range covers no pixels.
func (r Range) Empty() bool { return r.Y1 <= r.Y0 || r.X1 <= r.X0 }

// Height and Width return the extents of the range, zero when empty.
func (r Range) Height() int { return max(r.Y1-r.Y0, 0) }
func (r Range) Width() int  { return max(r.X1-r.X0, 0) }

// OverlapIndices aligns the centre pixel (sy/2, sx/2) of a small array of
// size sy x sx with pixel (y, x) of a large array of size ly x lx and
// returns the overlapping region in both coordinate systems. Copying
// small[s] into large[l] is always in bounds and the two ranges have equal
// extents. When the arrays do not overlap both ranges are empty.
func OverlapIndices(ly, lx, sy, sx, y, x int) (large, small Range) {
	hy, hx := sy/2, sx/2

	large = Range{
		Y0: max(0, y-hy),
		Y1: min(ly, y+sy-hy),
		X0: max(0, x-hx),
		X1: min(lx, x+sx-hx),
	}
	small = Range{
		Y0: max(0, hy+(large.Y0-y)),
		Y1: min(sy, hy+(large.Y1-y)),
		X0: max(0, hx+(large.X0-x)),
		X1: min(sx, hx+(large.X1-x)),
	}

	// Clipping on one side can leave the other side longer; trim both to
	// the shorter extent so copies always match.
	if h := min(large.Height(), small.Height()); h > 0 {
		large.Y1 = large.Y0 + h
		small.Y1 = small.Y0 + h
	} else {
		return Range{}, Range{}
	}
	if w := min(large.Width(), small.Width()); w > 0 {
		large.X1 = large.X0 + w
		small.X1 = small.X0 + w
	} else {
		return Range{}, Range{}
	}
	return large, small
}

// addScaled performs dst[l] += alpha * src[s] over aligned ranges of two
// row-major arrays with row strides dstNX and srcNX.
func addScaled(dst []float64, dstNX int, l Range, src []float64, srcNX int, s Range, alpha float64) {
	for i := 0; i < l.Height(); i++ {
		floats.AddScaled(
			dst[(l.Y0+i)*dstNX+l.X0:(l.Y0+i)*dstNX+l.X1],
			alpha,
			src[(s.Y0+i)*srcNX+s.X0:(s.Y0+i)*srcNX+s.X1],
		)
	}
}
