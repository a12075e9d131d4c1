package queue

import "errors"

var (
	// ErrAccessDenied is returned when the caller neither owns nor shares
	// the target project.
	ErrAccessDenied = errors.New("caller has no access to project")

	// ErrUnknownModel is returned for a model identifier outside the
	// configured registry.
	ErrUnknownModel = errors.New("unknown model identifier")

	// ErrInvalidThreshold is returned when the confidence threshold is
	// outside (0, 1].
	ErrInvalidThreshold = errors.New("confidence threshold must be in (0, 1]")
)
