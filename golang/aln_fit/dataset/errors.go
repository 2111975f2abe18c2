package dataset

import "errors"

// Configuration errors. All of them are fatal for a run.
var (
	// ErrDegenerateAxis marks an input axis with zero epsilon, i.e. a constant column.
	ErrDegenerateAxis = errors.New("dataset: degenerate axis (constant column)")

	// ErrFlatOutput marks an output column whose standard deviation is near zero.
	ErrFlatOutput = errors.New("dataset: output standard deviation is near zero")

	// ErrBadWeightBounds marks an axis whose weight minimum exceeds its maximum.
	ErrBadWeightBounds = errors.New("dataset: weight minimum exceeds weight maximum")

	// ErrMisalignedStores is returned when training, variance and reference stores
	// do not describe the same rows.
	ErrMisalignedStores = errors.New("dataset: stores are not row aligned")

	ErrShape      = errors.New("dataset: shape mismatch")
	ErrEmptyTable = errors.New("dataset: empty table")
)
