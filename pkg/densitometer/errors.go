package densitometer

import "errors"

var (
	// ErrCalibration indicates a missing or implausible stored
	// calibration record, or a freshly captured calibration reading
	// below the noise floor.
	ErrCalibration = errors.New("invalid calibration")

	// ErrParameter indicates a caller-supplied argument outside its
	// documented range. Raised before any hardware activity.
	ErrParameter = errors.New("parameter out of range")
)
