package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"skysynth/internal/models"
)

// Scaling selects how plane values are mapped to grey levels.
type Scaling int

const (
	// ScaleMinMax maps [min, max] of the plane to [0, 65535].
	ScaleMinMax Scaling = iota

	// ScaleSymmetric maps [-maxabs, maxabs] to [0, 65535], so zero is mid grey.
	// Residual images read best this way.
	ScaleSymmetric
)

// Viewer renders the planes of an image cube as 16-bit greyscale PNGs.
// Row 0 of the image (lowest declination) is drawn at the bottom.
type Viewer struct {
	im      *models.Image
	scaling Scaling
}

// NewViewer creates a viewer over im.
func NewViewer(im *models.Image, scaling Scaling) *Viewer {
	return &Viewer{im: im, scaling: scaling}
}

// ExtractPlane renders the [channel, polarisation] plane.
func (v *Viewer) ExtractPlane(c, p int) (*image.Gray16, error) {
	s := v.im.Shape
	if c < 0 || c >= s.NChan || p < 0 || p >= s.NPol {
		return nil, fmt.Errorf("plane (%d, %d) outside image %s", c, p, s)
	}
	plane := v.im.Plane(c, p)

	lo, hi := floats.Min(plane), floats.Max(plane)
	if v.scaling == ScaleSymmetric {
		a := max(-lo, hi)
		lo, hi = -a, a
	}
	span := hi - lo

	img := image.NewGray16(image.Rect(0, 0, s.NX, s.NY))
	for y := 0; y < s.NY; y++ {
		for x := 0; x < s.NX; x++ {
			var value uint16
			if span > 0 {
				f := (plane[y*s.NX+x] - lo) / span
				value = uint16(min(1, max(0, f)) * 65535)
			}
			img.SetGray16(x, s.NY-1-y, color.Gray16{Y: value})
		}
	}
	return img, nil
}

// SavePlane saves an extracted plane as a PNG image
func (v *Viewer) SavePlane(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveAllPlanes renders every plane into outputDir as
// <prefix>_c<chan>_p<pol>.png.
func (v *Viewer) SaveAllPlanes(prefix, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for c := 0; c < v.im.Shape.NChan; c++ {
		for p := 0; p < v.im.Shape.NPol; p++ {
			img, err := v.ExtractPlane(c, p)
			if err != nil {
				return err
			}

			filename := filepath.Join(outputDir, fmt.Sprintf("%s_c%03d_p%d.png", prefix, c, p))
			if err := v.SavePlane(img, filename); err != nil {
				return err
			}
		}
	}

	return nil
}
