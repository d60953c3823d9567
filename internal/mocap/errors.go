package mocap

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks across the layers.
var (
	ErrAcquisition        = errors.New("acquisition error")
	ErrGeometry           = errors.New("geometry error")
	ErrConvergence        = errors.New("convergence warning")
	ErrInsufficientViews  = errors.New("insufficient views")
	ErrActuator           = errors.New("actuator error")
	ErrNotCalibrated      = errors.New("rig not calibrated")
	ErrCalibrationBusy    = errors.New("calibration already running")
	ErrInvalidTransform   = errors.New("invalid world transform")
	ErrBehindCamera       = fmt.Errorf("%w: point behind camera", ErrGeometry)
	ErrDegenerateGeometry = fmt.Errorf("%w: degenerate configuration", ErrGeometry)
)

// AcquisitionError reports that one camera failed to deliver a frame. The
// camera is treated as absent for the tick; acquisition continues.
type AcquisitionError struct {
	Camera int
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("camera %d: acquisition failed: %v", e.Camera, e.Err)
}

func (e *AcquisitionError) Unwrap() []error { return []error{ErrAcquisition, e.Err} }

// GeometryError reports a calibration stage that could not produce a
// geometric result (too few correspondences, degenerate configuration,
// non-positive depth).
type GeometryError struct {
	Stage string
	Err   error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *GeometryError) Unwrap() []error { return []error{ErrGeometry, e.Err} }

// NewGeometryError wraps a formatted message as a GeometryError for stage.
func NewGeometryError(stage, format string, args ...interface{}) error {
	return &GeometryError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// ConvergenceWarning is attached to an optimizer result that stopped at its
// iteration cap or could not make further progress. The result is still the
// best state found and may be committed.
type ConvergenceWarning struct {
	Iterations int
	Cost       float64
	Reason     string
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("not converged after %d iterations (cost %.6g): %s", w.Iterations, w.Cost, w.Reason)
}

func (w *ConvergenceWarning) Unwrap() error { return ErrConvergence }

// ActuatorError reports a failed or timed-out write to a device on the
// actuator link. It is never fatal to the process.
type ActuatorError struct {
	Device int
	Err    error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("device %d: actuator write failed: %v", e.Device, e.Err)
}

func (e *ActuatorError) Unwrap() []error { return []error{ErrActuator, e.Err} }

// Kind names the taxonomy class of err for transport-level failure reports.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientViews):
		return "InsufficientViews"
	case errors.Is(err, ErrAcquisition):
		return "AcquisitionError"
	case errors.Is(err, ErrGeometry):
		return "GeometryError"
	case errors.Is(err, ErrConvergence):
		return "ConvergenceWarning"
	case errors.Is(err, ErrActuator):
		return "ActuatorError"
	case errors.Is(err, ErrNotCalibrated):
		return "NotCalibrated"
	case errors.Is(err, ErrCalibrationBusy):
		return "CalibrationBusy"
	case errors.Is(err, ErrInvalidTransform):
		return "InvalidTransform"
	default:
		return "InternalError"
	}
}
