package sensor

import (
	"errors"
	"fmt"
)

var (
	// ErrSensor indicates a hardware or communication failure.
	ErrSensor = errors.New("sensor error")

	// ErrTimeout indicates that no reading arrived within the allowed
	// time. It is a sensor error for propagation purposes.
	ErrTimeout = fmt.Errorf("%w: read timeout", ErrSensor)

	// ErrSaturated indicates that a reading hit the integration-time
	// saturation ceiling during a procedure that cannot tolerate it.
	ErrSaturated = errors.New("sensor saturated")

	// ErrTiming indicates a gap or repeat in the monotonic cycle count,
	// which invalidates the in-progress operation.
	ErrTiming = errors.New("reading cycle out of sequence")

	// ErrAborted indicates the progress callback declined to continue.
	ErrAborted = errors.New("aborted by callback")

	// ErrParameter indicates a caller-supplied argument outside its
	// documented range. Raised before any hardware activity.
	ErrParameter = errors.New("parameter out of range")
)
