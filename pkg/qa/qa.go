// Package qa computes quality statistics of images and compares a
// reconstruction against a reference sky.
package qa

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"skysynth/internal/models"
)

// ImageQA summarises the pixel distribution of an image cube.
type ImageQA struct {
	Shape     models.Shape
	Max       float64
	Min       float64
	MaxAbs    float64
	RMS       float64
	Sum       float64
	Mean      float64
	StdDev    float64
	MedianAbs float64
}

// Assess computes ImageQA over every pixel of im.
func Assess(im *models.Image) ImageQA {
	data := im.Data
	q := ImageQA{Shape: im.Shape}
	if len(data) == 0 {
		return q
	}
	q.Max = floats.Max(data)
	q.Min = floats.Min(data)
	q.MaxAbs = math.Max(math.Abs(q.Max), math.Abs(q.Min))
	q.Sum = floats.Sum(data)
	q.Mean, q.StdDev = stat.MeanStdDev(data, nil)
	q.RMS = floats.Norm(data, 2) / math.Sqrt(float64(len(data)))

	abs := make([]float64, len(data))
	for i, v := range data {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	q.MedianAbs = stat.Quantile(0.5, stat.Empirical, abs, nil)
	return q
}

// MarshalZerologObject lets the statistics be logged as a nested object.
func (q ImageQA) MarshalZerologObject(e *zerolog.Event) {
	e.Str("shape", q.Shape.String()).
		Float64("max", q.Max).
		Float64("min", q.Min).
		Float64("maxabs", q.MaxAbs).
		Float64("rms", q.RMS).
		Float64("sum", q.Sum).
		Float64("medianabs", q.MedianAbs)
}

// Comparison holds fidelity metrics of an image against a reference.
type Comparison struct {
	// RMSE is the root mean square pixel difference.
	RMSE float64

	// MaxAbsDiff is the largest absolute pixel difference.
	MaxAbsDiff float64

	// Correlation is the Pearson correlation of the two pixel sets; zero
	// when either image is constant.
	Correlation float64

	// SSIM is the global structural similarity index with the dynamic
	// range taken from the reference.
	SSIM float64

	// DynamicRange is the peak of the image divided by the RMS difference.
	DynamicRange float64
}

// Compare measures im against ref. Both images must have the same shape.
func Compare(im, ref *models.Image) (Comparison, error) {
	if im.Shape != ref.Shape {
		return Comparison{}, fmt.Errorf("%w: comparing %s with %s", models.ErrShapeMismatch, im.Shape, ref.Shape)
	}
	var c Comparison
	n := len(im.Data)
	if n == 0 {
		return c, nil
	}

	diff := make([]float64, n)
	floats.SubTo(diff, im.Data, ref.Data)
	c.RMSE = floats.Norm(diff, 2) / math.Sqrt(float64(n))
	c.MaxAbsDiff = floats.Norm(diff, math.Inf(1))

	if stat.Variance(im.Data, nil) > 0 && stat.Variance(ref.Data, nil) > 0 {
		c.Correlation = stat.Correlation(im.Data, ref.Data, nil)
	}
	c.SSIM = ssim(im.Data, ref.Data)
	if c.RMSE > 0 {
		c.DynamicRange = floats.Max(im.Data) / c.RMSE
	}
	return c, nil
}

// ssim is the single-window structural similarity of x against ref.
func ssim(x, ref []float64) float64 {
	const k1, k2 = 0.01, 0.03
	l := floats.Max(ref) - floats.Min(ref)
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(x, nil)
	muY := stat.Mean(ref, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(ref, nil)
	sigmaXY := stat.Covariance(x, ref, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}
