package models

import "errors"

var (
	// ErrShapeMismatch is returned when residual, PSF, model or window
	// spatial dimensions disagree, or when two visibility sets do not share
	// an index space.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidConfiguration is returned for out-of-range parameters such
	// as a non-positive niter, a gain outside (0, 1] or an empty scale set.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
