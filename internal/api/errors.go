package api

import (
	"errors"
	"net/http"

	"github.com/banshee-data/mocap/internal/httputil"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/monitoring"
)

// ErrorBody is the failure half of a control response.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// errInvalidRequest marks transport-level rejections.
var errInvalidRequest = errors.New("invalid request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, mocap.ErrNotCalibrated), errors.Is(err, mocap.ErrCalibrationBusy):
		return http.StatusConflict
	case errors.Is(err, mocap.ErrActuator):
		return http.StatusBadGateway
	case errors.Is(err, mocap.ErrGeometry), errors.Is(err, mocap.ErrInsufficientViews),
		errors.Is(err, mocap.ErrInvalidTransform), errors.Is(err, mocap.ErrAcquisition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(err error) string {
	if errors.Is(err, errInvalidRequest) {
		return "InvalidRequest"
	}
	return mocap.Kind(err)
}

// writeFailure reports err as {"error": {"kind", "message"}}.
func writeFailure(w http.ResponseWriter, event string, err error) {
	status := statusFor(err)
	if status >= 500 {
		monitoring.Logf("control %s failed: %v", event, err)
	}
	httputil.WriteJSON(w, status, map[string]interface{}{
		"event": event,
		"error": ErrorBody{Kind: kindFor(err), Message: err.Error()},
	})
}
