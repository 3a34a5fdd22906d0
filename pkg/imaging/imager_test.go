package imaging

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"skysynth/internal/models"
)

const testCell = 1e-3

// onGridVis builds a single-channel Stokes I set whose baselines fall
// exactly on cells of an n-pixel grid. The frequency is chosen so metres
// equal wavelengths.
func onGridVis(t *testing.T, n int, cells [][2]int, w float64) *models.Visibility {
	t.Helper()
	vis, err := models.NewVisibility(len(cells), []float64{models.SpeedOfLight}, models.StokesI)
	require.NoError(t, err)
	for i, k := range cells {
		vis.UVW[i] = [3]float64{
			float64(k[1]) / (float64(n) * testCell),
			float64(k[0]) / (float64(n) * testCell),
			w,
		}
		vis.Time[i] = float64(i)
		vis.Antenna1[i] = 0
		vis.Antenna2[i] = i + 1
		vis.Weight[i] = 1 + float64(i%3)
	}
	return vis
}

func testCells() [][2]int {
	var cells [][2]int
	for ky := -12; ky <= 12; ky++ {
		for kx := -14; kx <= 14; kx++ {
			cells = append(cells, [2]int{ky, kx})
		}
	}
	return cells
}

func template(t *testing.T, n int) *models.Image {
	t.Helper()
	im, err := models.NewImage(models.Shape{NChan: 1, NPol: 1, NY: n, NX: n},
		models.NewCentredWCS(n, n, testCell, []float64{models.SpeedOfLight}), models.StokesI)
	require.NoError(t, err)
	return im
}

func argMax(data []float64) int {
	best := 0
	for i, v := range data {
		if v > data[best] {
			best = i
		}
	}
	return best
}

func TestInvertPSFUnitPeakAtCentre(t *testing.T) {
	n := 64
	vis := onGridVis(t, n, testCells(), 0)
	psf, sumwt, err := NewImager().Invert(context.Background(), vis, template(t, n), true)
	require.NoError(t, err)

	total := 0.0
	for _, w := range vis.Weight {
		total += w
	}
	require.Equal(t, []float64{total}, sumwt)

	c := n / 2
	require.InDelta(t, 1, psf.At(0, 0, c, c), 1e-12)
	require.Equal(t, c*n+c, argMax(psf.Data))
	for d := 1; d < c; d += 7 {
		require.InDelta(t, psf.At(0, 0, c+d, c-d), psf.At(0, 0, c-d, c+d), 1e-12)
	}
}

func TestInvertPointSource(t *testing.T) {
	n := 64
	c := n / 2
	vis := onGridVis(t, n, testCells(), 0)
	sy, sx := c+3, c-5
	l, m := float64(sx-c)*testCell, float64(sy-c)*testCell
	PointSourceVisibility(vis, 2.5, l, m)

	dirty, _, err := NewImager().Invert(context.Background(), vis, template(t, n), false)
	require.NoError(t, err)
	require.InDelta(t, 2.5, dirty.At(0, 0, sy, sx), 1e-9)
	require.Equal(t, sy*n+sx, argMax(dirty.Data))
}

func TestPredictMatchesPointSource(t *testing.T) {
	n := 64
	c := n / 2
	vis := onGridVis(t, n, testCells(), 0)
	model := template(t, n)
	model.Set(0, 0, c-4, c+6, 1.5)

	predicted, err := NewImager().Predict(context.Background(), vis, model)
	require.NoError(t, err)
	require.Equal(t, vis.Weight, predicted.Weight)

	expected := vis.Clone()
	PointSourceVisibility(expected, 1.5, 6*testCell, -4*testCell)
	for i := range expected.Vis {
		require.InDelta(t, real(expected.Vis[i]), real(predicted.Vis[i]), 1e-9)
		require.InDelta(t, imag(expected.Vis[i]), imag(predicted.Vis[i]), 1e-9)
	}
}

// TestInvertFacetMatchesFullImage checks that inverting onto a sub-image
// template reproduces the corresponding region of the full image.
func TestInvertFacetMatchesFullImage(t *testing.T) {
	n := 64
	// Baselines on the grid of a 32-pixel facet are also on the full grid.
	var cells [][2]int
	for _, k := range testCells() {
		cells = append(cells, [2]int{k[0] * 2, k[1] * 2})
	}
	vis := onGridVis(t, n, cells, 0)
	PointSourceVisibility(vis, 1, 5*testCell, 9*testCell)

	full := template(t, n)
	imager := NewImager()
	dirty, _, err := imager.Invert(context.Background(), vis, full, false)
	require.NoError(t, err)

	facetTemplate, err := full.SubImage(32, 64, 0, 32)
	require.NoError(t, err)
	facet, _, err := imager.Invert(context.Background(), vis, facetTemplate, false)
	require.NoError(t, err)

	expected, err := dirty.SubImage(32, 64, 0, 32)
	require.NoError(t, err)
	require.InDeltaSlice(t, expected.Data, facet.Data, 1e-9)
}

func TestWScreenCorrectsPhase(t *testing.T) {
	n := 64
	c := n / 2
	sy, sx := c, c+20
	l := 20 * testCell
	// Choose w so the uncorrected w-term phase is a quarter turn.
	w := 0.25 / (1 - math.Sqrt(1-l*l))
	vis := onGridVis(t, n, testCells(), w)
	PointSourceVisibility(vis, 1, l, 0)

	plain, _, err := NewImager().Invert(context.Background(), vis, template(t, n), false)
	require.NoError(t, err)
	require.InDelta(t, 0, plain.At(0, 0, sy, sx), 1e-6)

	imager := NewImager(WithWPlane(w))
	require.Equal(t, w, imager.WPlane())
	corrected, _, err := imager.Invert(context.Background(), vis, template(t, n), false)
	require.NoError(t, err)
	require.InDelta(t, 1, corrected.At(0, 0, sy, sx), 1e-6)
}

func TestInvertSkipsOffGridAndZeroWeight(t *testing.T) {
	n := 16
	vis := onGridVis(t, n, [][2]int{{0, 1}, {0, 20}, {2, 0}}, 0)
	vis.Weight[2] = 0
	_, sumwt, err := NewImager().Invert(context.Background(), vis, template(t, n), true)
	require.NoError(t, err)
	require.Equal(t, []float64{1}, sumwt)

	empty := onGridVis(t, n, [][2]int{{0, 40}}, 0)
	psf, sumwt, err := NewImager().Invert(context.Background(), empty, template(t, n), true)
	require.NoError(t, err)
	require.Equal(t, []float64{0}, sumwt)
	require.Zero(t, psf.MaxAbs())
}

func TestImagerLayoutErrors(t *testing.T) {
	n := 16
	vis := onGridVis(t, n, testCells(), 0)
	cube, err := models.NewImage(models.Shape{NChan: 2, NPol: 1, NY: n, NX: n},
		models.NewCentredWCS(n, n, testCell, []float64{1, 2}), models.StokesI)
	require.NoError(t, err)

	_, _, err = NewImager().Invert(context.Background(), vis, cube, false)
	require.ErrorIs(t, err, models.ErrShapeMismatch)
	_, err = NewImager().Predict(context.Background(), vis, cube)
	require.ErrorIs(t, err, models.ErrShapeMismatch)

	bad := template(t, n)
	bad.WCS.CellSize = 0
	_, _, err = NewImager().Invert(context.Background(), vis, bad, false)
	require.ErrorIs(t, err, models.ErrInvalidConfiguration)
}

func TestImagerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 16
	vis := onGridVis(t, n, testCells(), 0)
	_, _, err := NewImager().Invert(ctx, vis, template(t, n), false)
	require.ErrorIs(t, err, context.Canceled)
	_, err = NewImager().Predict(ctx, vis, template(t, n))
	require.ErrorIs(t, err, context.Canceled)
}
