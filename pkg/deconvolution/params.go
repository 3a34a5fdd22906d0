package deconvolution

import (
	"fmt"

	"skysynth/internal/models"
)

// Algorithm selects the minor-cycle deconvolver.
type Algorithm string

const (
	Hogbom     Algorithm = "hogbom"
	MultiScale Algorithm = "msclean"
)

// WindowMode selects how the search window is built when no explicit mask
// is supplied.
type WindowMode string

const (
	WindowNone    WindowMode = "none"
	WindowQuarter WindowMode = "quarter"
)

// Params configures a deconvolution call.
type Params struct {
	// Niter caps the number of minor-cycle iterations per plane.
	Niter int

	// Gain is the fraction of the peak removed per iteration, in (0, 1].
	Gain float64

	// Threshold is the absolute flux level at which cleaning stops.
	Threshold float64

	// FractionalThreshold raises the threshold to this fraction of the
	// initial peak when that is larger. Zero disables it.
	FractionalThreshold float64

	Algorithm Algorithm

	// Scales lists the multi-scale sizes in pixels; 0 is a point.
	Scales []int

	// Window is an explicit search mask. It takes precedence over WindowMode.
	Window     *models.Window
	WindowMode WindowMode

	// PSFSupport, when positive and smaller than half the PSF, restricts
	// the PSF to a central box of half-width PSFSupport.
	PSFSupport int
}

// DefaultParams returns Hogbom settings matching the command line defaults.
func DefaultParams() Params {
	return Params{
		Niter:      1000,
		Gain:       0.1,
		Threshold:  0.0,
		Algorithm:  Hogbom,
		Scales:     []int{0, 3, 10, 30},
		WindowMode: WindowNone,
	}
}

// Validate checks the parameters before any iteration.
func (p Params) Validate() error {
	if p.Niter < 1 {
		return fmt.Errorf("%w: niter must be >= 1, got %d", models.ErrInvalidConfiguration, p.Niter)
	}
	if !(p.Gain > 0 && p.Gain <= 1) {
		return fmt.Errorf("%w: gain must be in (0, 1], got %g", models.ErrInvalidConfiguration, p.Gain)
	}
	if p.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be >= 0, got %g", models.ErrInvalidConfiguration, p.Threshold)
	}
	if p.FractionalThreshold < 0 || p.FractionalThreshold >= 1 {
		return fmt.Errorf("%w: fractional threshold must be in [0, 1), got %g",
			models.ErrInvalidConfiguration, p.FractionalThreshold)
	}
	if p.PSFSupport < 0 {
		return fmt.Errorf("%w: psf support must be >= 0, got %d", models.ErrInvalidConfiguration, p.PSFSupport)
	}
	switch p.WindowMode {
	case "", WindowNone, WindowQuarter:
	default:
		return fmt.Errorf("%w: unknown window %q", models.ErrInvalidConfiguration, p.WindowMode)
	}
	switch p.Algorithm {
	case Hogbom:
	case MultiScale:
		if len(p.Scales) == 0 {
			return fmt.Errorf("%w: msclean needs at least one scale", models.ErrInvalidConfiguration)
		}
		for _, s := range p.Scales {
			if s < 0 {
				return fmt.Errorf("%w: negative scale %d", models.ErrInvalidConfiguration, s)
			}
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", models.ErrInvalidConfiguration, p.Algorithm)
	}
	return nil
}

// QuarterWindow enables the inner quarter of an ny x nx image.
func QuarterWindow(ny, nx int) *models.Window {
	w := models.NewWindow(ny, nx)
	qy, qx := ny/4, nx/4
	w.Enable(qy+1, 3*qy, qx+1, 3*qx)
	return w
}

// checkWindow rejects a mask whose size differs from an ny x nx plane.
func checkWindow(w *models.Window, ny, nx int) error {
	if w == nil {
		return nil
	}
	if w.NY != ny || w.NX != nx || len(w.Mask) != ny*nx {
		return fmt.Errorf("%w: window %dx%d for %dx%d image", models.ErrShapeMismatch, w.NY, w.NX, ny, nx)
	}
	return nil
}

// planeWindow returns w, or the mask from p when w is nil.
func (p Params) planeWindow(dirty Plane, w *models.Window) (*models.Window, error) {
	if w != nil {
		return w, nil
	}
	return p.window(dirty.NY, dirty.NX)
}

// window resolves the search mask for an ny x nx plane.
func (p Params) window(ny, nx int) (*models.Window, error) {
	if p.Window != nil {
		if err := checkWindow(p.Window, ny, nx); err != nil {
			return nil, err
		}
		return p.Window, nil
	}
	if p.WindowMode == WindowQuarter {
		return QuarterWindow(ny, nx), nil
	}
	return nil, nil
}
