package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// PolarisationFrame tags the meaning of the polarisation axis of an image
// or visibility set.
type PolarisationFrame string

const (
	StokesI    PolarisationFrame = "stokesI"
	StokesIQUV PolarisationFrame = "stokesIQUV"
	Linear     PolarisationFrame = "linear"
	Circular   PolarisationFrame = "circular"
)

// NPol returns the number of polarisation products in the frame.
func (f PolarisationFrame) NPol() int {
	switch f {
	case StokesI:
		return 1
	case StokesIQUV, Linear, Circular:
		return 4
	default:
		return 0
	}
}

// Shape describes an image cube indexed [channel, polarisation, dec, ra].
type Shape struct {
	NChan int
	NPol  int
	NY    int
	NX    int
}

// Size returns the total number of pixels in the cube.
func (s Shape) Size() int { return s.NChan * s.NPol * s.NY * s.NX }

// PlaneSize returns the number of pixels in one spatial plane.
func (s Shape) PlaneSize() int { return s.NY * s.NX }

// NPlanes returns the number of [channel, polarisation] planes.
func (s Shape) NPlanes() int { return s.NChan * s.NPol }

// SpatialEqual reports whether two shapes agree on the spatial axes.
func (s Shape) SpatialEqual(o Shape) bool { return s.NY == o.NY && s.NX == o.NX }

// Valid reports whether every axis is positive.
func (s Shape) Valid() bool { return s.NChan > 0 && s.NPol > 0 && s.NY > 0 && s.NX > 0 }

func (s Shape) String() string {
	return fmt.Sprintf("[%d, %d, %d, %d]", s.NChan, s.NPol, s.NY, s.NX)
}

// WCS is the pixel-to-sky description carried by every image. Only a
// tangent-plane projection around a phase centre is supported: pixel
// (RefPixelY, RefPixelX) maps to direction cosines (0, 0).
type WCS struct {
	// CellSize is the angular pixel size in radians, identical on both axes.
	CellSize float64

	// RefPixelX and RefPixelY locate the phase centre in pixel coordinates.
	RefPixelX float64
	RefPixelY float64

	// PhaseCentreRA and PhaseCentreDec are in radians.
	PhaseCentreRA  float64
	PhaseCentreDec float64

	// Frequency holds the centre frequency of each channel in Hz.
	Frequency []float64

	// ChannelBandwidth holds the width of each channel in Hz.
	ChannelBandwidth []float64
}

// Clone returns a deep copy of the WCS.
func (w WCS) Clone() WCS {
	c := w
	c.Frequency = append([]float64(nil), w.Frequency...)
	c.ChannelBandwidth = append([]float64(nil), w.ChannelBandwidth...)
	return c
}

// LM returns the direction cosines of pixel (y, x).
func (w WCS) LM(y, x int) (l, m float64) {
	l = (float64(x) - w.RefPixelX) * w.CellSize
	m = (float64(y) - w.RefPixelY) * w.CellSize
	return l, m
}

// Image is a dense four-dimensional image cube stored in row-major order
// [channel][polarisation][y][x].
type Image struct {
	Data     []float64
	Shape    Shape
	WCS      WCS
	PolFrame PolarisationFrame
}

// NewImage allocates a zero image of the given shape.
func NewImage(shape Shape, wcs WCS, pol PolarisationFrame) (*Image, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("%w: image shape %s", ErrInvalidConfiguration, shape)
	}
	return &Image{
		Data:     make([]float64, shape.Size()),
		Shape:    shape,
		WCS:      wcs.Clone(),
		PolFrame: pol,
	}, nil
}

// NewCentredWCS builds a WCS whose reference pixel is the geometric centre
// pixel (ny/2, nx/2) of an image.
func NewCentredWCS(ny, nx int, cellSize float64, frequency []float64) WCS {
	return WCS{
		CellSize:  cellSize,
		RefPixelX: float64(nx / 2),
		RefPixelY: float64(ny / 2),
		Frequency: append([]float64(nil), frequency...),
	}
}

// Index returns the flat offset of pixel (c, p, y, x).
func (im *Image) Index(c, p, y, x int) int {
	s := im.Shape
	return ((c*s.NPol+p)*s.NY+y)*s.NX + x
}

// At returns the value of pixel (c, p, y, x).
func (im *Image) At(c, p, y, x int) float64 { return im.Data[im.Index(c, p, y, x)] }

// Set assigns the value of pixel (c, p, y, x).
func (im *Image) Set(c, p, y, x int, v float64) { im.Data[im.Index(c, p, y, x)] = v }

// Plane returns the spatial plane for channel c and polarisation p. The
// returned slice aliases the image data.
func (im *Image) Plane(c, p int) []float64 {
	n := im.Shape.PlaneSize()
	off := (c*im.Shape.NPol + p) * n
	return im.Data[off : off+n]
}

// Clone returns a deep copy of the image.
func (im *Image) Clone() *Image {
	return &Image{
		Data:     append([]float64(nil), im.Data...),
		Shape:    im.Shape,
		WCS:      im.WCS.Clone(),
		PolFrame: im.PolFrame,
	}
}

// ZerosLike returns a zero image with the same shape and metadata.
func (im *Image) ZerosLike() *Image {
	return &Image{
		Data:     make([]float64, len(im.Data)),
		Shape:    im.Shape,
		WCS:      im.WCS.Clone(),
		PolFrame: im.PolFrame,
	}
}

// Add accumulates other into the image pixel by pixel.
func (im *Image) Add(other *Image) error {
	if im.Shape != other.Shape {
		return fmt.Errorf("%w: add %s to %s", ErrShapeMismatch, other.Shape, im.Shape)
	}
	floats.Add(im.Data, other.Data)
	return nil
}

// MaxAbs returns the largest absolute pixel value in the image.
func (im *Image) MaxAbs() float64 {
	if len(im.Data) == 0 {
		return 0
	}
	return floats.Norm(im.Data, math.Inf(1))
}

// SubImage copies the spatial region [y0,y1) x [x0,x1) of every plane into
// a new image. The reference pixel is shifted so sky positions are kept.
func (im *Image) SubImage(y0, y1, x0, x1 int) (*Image, error) {
	if y0 < 0 || x0 < 0 || y1 > im.Shape.NY || x1 > im.Shape.NX || y1 <= y0 || x1 <= x0 {
		return nil, fmt.Errorf("%w: region [%d:%d, %d:%d] outside %s",
			ErrShapeMismatch, y0, y1, x0, x1, im.Shape)
	}
	shape := Shape{NChan: im.Shape.NChan, NPol: im.Shape.NPol, NY: y1 - y0, NX: x1 - x0}
	wcs := im.WCS.Clone()
	wcs.RefPixelX -= float64(x0)
	wcs.RefPixelY -= float64(y0)
	sub, err := NewImage(shape, wcs, im.PolFrame)
	if err != nil {
		return nil, err
	}
	for c := 0; c < shape.NChan; c++ {
		for p := 0; p < shape.NPol; p++ {
			for y := 0; y < shape.NY; y++ {
				src := im.Index(c, p, y0+y, x0)
				dst := sub.Index(c, p, y, 0)
				copy(sub.Data[dst:dst+shape.NX], im.Data[src:src+shape.NX])
			}
		}
	}
	return sub, nil
}

// Window is a boolean mask over the spatial axes restricting where
// deconvolution may place components. A nil *Window means no restriction.
type Window struct {
	NY, NX int
	Mask   []bool
}

// NewWindow returns a window with every pixel disabled.
func NewWindow(ny, nx int) *Window {
	return &Window{NY: ny, NX: nx, Mask: make([]bool, ny*nx)}
}

// Enable switches on the region [y0,y1) x [x0,x1), clipped to the window.
func (w *Window) Enable(y0, y1, x0, x1 int) {
	y0, x0 = max(y0, 0), max(x0, 0)
	y1, x1 = min(y1, w.NY), min(x1, w.NX)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			w.Mask[y*w.NX+x] = true
		}
	}
}

// Allowed reports whether pixel (y, x) is inside the window.
func (w *Window) Allowed(y, x int) bool {
	if w == nil {
		return true
	}
	return w.Mask[y*w.NX+x]
}
