package research

import "errors"

var (
	// ErrMissingInput marks a call made without a required field. It is fatal
	// to that call only.
	ErrMissingInput = errors.New("missing input")

	// ErrUnexpectedFailure marks any fault that is neither missing input nor a
	// reported step failure. Controllers convert it into a partial result.
	ErrUnexpectedFailure = errors.New("unexpected failure")
)

// Result statuses
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)
