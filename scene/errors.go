package scene

import "errors"

// Pair-level failures. The pair is skipped and the run continues.
var (
	// ErrAlignmentNotFound means global registration returned the identity
	ErrAlignmentNotFound = errors.New("no reasonable global alignment")
	// ErrLowConfidence means the information-matrix overlap ratio did not exceed the gate
	ErrLowConfidence = errors.New("refinement confidence below threshold")
	// ErrMissingOdometry means the per-fragment odometry pose graph is absent or empty
	ErrMissingOdometry = errors.New("fragment odometry pose graph unavailable")
)

// Run-level failures. The run aborts.
var (
	ErrNoFragments        = errors.New("no fragment files found")
	ErrFragmentUnreadable = errors.New("fragment unreadable")
	ErrOutputNotWritable  = errors.New("output location not writable")
	ErrOdometryGap        = errors.New("odometry chain broken")
	ErrRunInProgress      = errors.New("a registration run is already in progress")
)
