// Package errs defines the sentinel errors shared across the analysis
// engine. Callers classify failures with errors.Is; details travel in the
// wrapping message.
package errs

import "errors"

var (
	// ErrNotFitted is returned when an operation needs posterior (or prior)
	// draws that the model snapshot does not carry.
	ErrNotFitted = errors.New("model not fitted")

	// ErrShapeMismatch is returned when a tensor's dimensions disagree with
	// the snapshot's dimension contract.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidArgument is returned for out-of-range or malformed caller
	// arguments (unknown names, bad selectors, invalid factors).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConfigInconsistency is returned when a requested computation is
	// incompatible with how the model was configured.
	ErrConfigInconsistency = errors.New("config inconsistency")

	// ErrConvergence is returned by diagnostics when chains disagree so
	// badly that summary statistics are meaningless.
	ErrConvergence = errors.New("convergence failure")
)
