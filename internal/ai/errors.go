package ai

import (
	"errors"
	"fmt"
)

// GenerationErrorKind classifies a failed generation
type GenerationErrorKind string

const (
	// KindMalformed: the response had no usable steps or a step missed a
	// required field
	KindMalformed GenerationErrorKind = "malformed"
	// KindTimeout: no response within the generation timeout
	KindTimeout GenerationErrorKind = "timeout"
	// KindUnavailable: the reasoner returned an error (auth, quota, open circuit)
	KindUnavailable GenerationErrorKind = "unavailable"
)

// GenerationError is returned by Generate. No plan exists when it is returned.
type GenerationError struct {
	Kind      GenerationErrorKind
	Signature string
	Reason    string
	Err       error
}

func (e *GenerationError) Error() string {
	msg := fmt.Sprintf("plan generation for %s: %s", e.Signature, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// IsGenerationError reports whether err is a GenerationError of the given kind.
func IsGenerationError(err error, kind GenerationErrorKind) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr) && genErr.Kind == kind
}
