package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newImage(t *testing.T, shape Shape) *Image {
	t.Helper()
	im, err := NewImage(shape, NewCentredWCS(shape.NY, shape.NX, 1e-3, make([]float64, shape.NChan)), StokesI)
	require.NoError(t, err)
	return im
}

func TestNewImageRejectsEmptyShape(t *testing.T) {
	_, err := NewImage(Shape{NChan: 1, NPol: 1, NY: 0, NX: 4}, WCS{}, StokesI)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestImageIndexing(t *testing.T) {
	im := newImage(t, Shape{NChan: 2, NPol: 2, NY: 3, NX: 4})
	im.Set(1, 0, 2, 3, 7)
	require.Equal(t, 7.0, im.At(1, 0, 2, 3))
	require.Equal(t, 7.0, im.Plane(1, 0)[2*4+3])

	// Planes alias the data
	im.Plane(0, 1)[0] = -2
	require.Equal(t, -2.0, im.At(0, 1, 0, 0))
	require.Equal(t, 7.0, im.MaxAbs())

	c := im.Clone()
	c.Set(1, 0, 2, 3, 0)
	require.Equal(t, 7.0, im.At(1, 0, 2, 3))
	require.Zero(t, im.ZerosLike().MaxAbs())
}

func TestImageAdd(t *testing.T) {
	a := newImage(t, Shape{NChan: 1, NPol: 1, NY: 2, NX: 2})
	b := a.ZerosLike()
	a.Data = []float64{1, 2, 3, 4}
	b.Data = []float64{1, 1, 1, 1}
	require.NoError(t, a.Add(b))
	require.Equal(t, []float64{2, 3, 4, 5}, a.Data)

	other := newImage(t, Shape{NChan: 1, NPol: 1, NY: 2, NX: 3})
	require.ErrorIs(t, a.Add(other), ErrShapeMismatch)
}

func TestSubImageKeepsSkyPositions(t *testing.T) {
	im := newImage(t, Shape{NChan: 1, NPol: 1, NY: 8, NX: 8})
	im.Set(0, 0, 5, 6, 3)
	sub, err := im.SubImage(4, 8, 4, 8)
	require.NoError(t, err)
	require.Equal(t, Shape{NChan: 1, NPol: 1, NY: 4, NX: 4}, sub.Shape)
	require.Equal(t, 3.0, sub.At(0, 0, 1, 2))

	l, m := im.WCS.LM(5, 6)
	ls, ms := sub.WCS.LM(1, 2)
	require.Equal(t, l, ls)
	require.Equal(t, m, ms)

	_, err = im.SubImage(4, 9, 0, 4)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestWindow(t *testing.T) {
	var none *Window
	require.True(t, none.Allowed(3, 3))

	w := NewWindow(4, 4)
	w.Enable(-1, 2, 1, 10)
	require.True(t, w.Allowed(0, 1))
	require.True(t, w.Allowed(1, 3))
	require.False(t, w.Allowed(2, 1))
	require.False(t, w.Allowed(0, 0))
}

func testVisibility(t *testing.T) *Visibility {
	t.Helper()
	v, err := NewVisibility(3, []float64{SpeedOfLight, 2 * SpeedOfLight}, StokesI)
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		v.Time[r] = float64(2 - r)
		v.Antenna1[r], v.Antenna2[r] = 0, r+1
		v.UVW[r] = [3]float64{float64(r), 1, -float64(r)}
	}
	for i := range v.Vis {
		v.Vis[i] = complex(float64(i), 1)
		v.Weight[i] = 1
	}
	return v
}

func TestNewVisibilityValidation(t *testing.T) {
	_, err := NewVisibility(3, nil, StokesI)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	_, err = NewVisibility(3, []float64{1e8}, "unknown")
	require.ErrorIs(t, err, ErrInvalidConfiguration)

	v, err := NewVisibility(2, []float64{1e8}, StokesIQUV)
	require.NoError(t, err)
	require.Equal(t, 4, v.NPol)
	require.Len(t, v.Vis, 8)
}

func TestUVWLambda(t *testing.T) {
	v := testVisibility(t)
	u, vv, w := v.UVWLambda(2, 1)
	require.Equal(t, 4.0, u)
	require.Equal(t, 2.0, vv)
	require.Equal(t, -4.0, w)
	require.Equal(t, 2.0, v.MaxAbsW())
}

func TestCombineVisibility(t *testing.T) {
	a := testVisibility(t)
	b := a.Clone()
	diff, err := CombineVisibility(a, b, 1, -1)
	require.NoError(t, err)
	for _, s := range diff.Vis {
		require.Zero(t, s)
	}
	require.Equal(t, a.Weight, diff.Weight)

	b.Antenna2[1] = 5
	_, err = CombineVisibility(a, b, 1, -1)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestSelectInsertRows(t *testing.T) {
	v := testVisibility(t)
	sub := v.SelectRows([]int{2, 0})
	require.Equal(t, 2, sub.NRows())
	require.Equal(t, v.Vis[v.Index(2, 1, 0)], sub.Vis[sub.Index(0, 1, 0)])

	zero := v.ZerosLike()
	require.NoError(t, zero.InsertRows(sub, []int{2, 0}))
	require.Equal(t, v.Vis[v.Index(0, 0, 0)], zero.Vis[zero.Index(0, 0, 0)])
	require.Zero(t, zero.Vis[zero.Index(1, 0, 0)])

	require.ErrorIs(t, zero.InsertRows(sub, []int{1}), ErrShapeMismatch)
}

func TestUniqueTimes(t *testing.T) {
	v := testVisibility(t)
	v.Time[1] = 0
	require.Equal(t, []float64{0, 2}, v.UniqueTimes())
}
