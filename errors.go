package mongocrud

import "errors"

var (
	// ErrNoModel signals that an operation targeted a document that does
	// not exist or is not visible to the caller.
	ErrNoModel = errors.New("no model found")
	// ErrUnknownModel signals a reference to a model name that was never
	// registered.
	ErrUnknownModel = errors.New("unknown model")
	// ErrModelExists signals a duplicate model registration.
	ErrModelExists = errors.New("model already registered")
	// ErrDeadlineExceeded signals that hydration ran out of its time
	// budget before completing all relation levels.
	ErrDeadlineExceeded = errors.New("hydration deadline exceeded")
	// ErrMissingID signals a replace/merge payload without a document id.
	ErrMissingID = errors.New("missing document id")
)
