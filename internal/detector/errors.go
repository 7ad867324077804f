package detector

import "errors"

var (
	// ErrConfigInvalid indicates a cross-field configuration constraint was
	// violated. Raised at detector creation or prepare, never by setters.
	ErrConfigInvalid = errors.New("detector: invalid configuration")

	// ErrBufferTooSmall indicates a caller-supplied buffer is smaller than
	// the size reported by Sizes. Always recoverable by resizing.
	ErrBufferTooSmall = errors.New("detector: buffer too small")

	// ErrNotCalibrated indicates process or prepare was attempted with an
	// incomplete or missing detector calibration.
	ErrNotCalibrated = errors.New("detector: calibration not complete")

	// ErrCalibrationMismatch indicates a calibration block does not belong
	// to this detector's configuration shape.
	ErrCalibrationMismatch = errors.New("detector: calibration does not match configuration")

	// ErrStaleResult indicates a result view was read after a subsequent
	// call reused the working buffer.
	ErrStaleResult = errors.New("detector: result invalidated by a later call on the same buffer")

	// ErrNotPrepared indicates measure or process was called before a
	// successful prepare for the current cycle.
	ErrNotPrepared = errors.New("detector: not prepared")

	// ErrBusy indicates a reconfiguration was attempted while a
	// double-buffered measurement cycle is in flight.
	ErrBusy = errors.New("detector: sensor busy mid-cycle")
)
