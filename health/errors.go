package health

import "errors"

var (
	// ErrCheckTimeout is set on results whose checker did not answer
	// before the aggregator's deadline.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound is returned by Aggregator.Check for an unknown name.
	ErrCheckerNotFound = errors.New("health: checker not found")
)
