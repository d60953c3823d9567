package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/banshee-data/mocap/internal/httputil"
	"github.com/banshee-data/mocap/internal/mocap/l1frames"
	"github.com/banshee-data/mocap/internal/monitoring"
)

// maxControlBody bounds a control request; capture payloads are the
// largest.
const maxControlBody = 64 << 20

// Result is the success half of a control response.
type Result struct {
	Event  string      `json:"event"`
	Result interface{} `json:"result"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	req, err := DecodeRequest(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		writeFailure(w, "", err)
		return
	}
	result, err := s.Dispatch(r.Context(), req)
	if err != nil {
		writeFailure(w, req.Event(), err)
		return
	}
	monitoring.Logf("control %s ok", req.Event())
	httputil.WriteJSONOK(w, Result{Event: req.Event(), Result: result})
}

// TrackingStatus is returned by start-tracking and stop-tracking.
type TrackingStatus struct {
	State string `json:"state"`
}

// Dispatch runs a decoded request against the core.
func (s *Server) Dispatch(ctx context.Context, req Request) (interface{}, error) {
	switch req := req.(type) {
	case *ComputePairwisePosesRequest:
		return s.Calibrator.ComputePairwisePoses(req.samples)
	case *RefinePosesRequest:
		return s.Calibrator.RefinePoses(req.samples)
	case *AcquireFloorRequest:
		return s.Calibrator.AcquireFloor(req.points())
	case *SetOriginRequest:
		w, err := s.Calibrator.SetOrigin(toVector(*req.ObjectPoint))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"to_world_coords_matrix": w.Rows()}, nil
	case *RotateSceneRequest:
		w, err := s.Calibrator.RotateScene(req.Axis, *req.Degrees)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"to_world_coords_matrix": w.Rows()}, nil
	case *DetermineScaleRequest:
		return s.Calibrator.DetermineScale(req.samples())
	case *StartTrackingRequest:
		if err := s.Tracker.Start(s.ctx, s.Rig.Calibration); err != nil {
			return nil, err
		}
		return TrackingStatus{State: string(s.Tracker.State())}, nil
	case *StopTrackingRequest:
		s.Tracker.Stop()
		return TrackingStatus{State: string(s.Tracker.State())}, nil
	case *UpdateCameraSettingsRequest:
		st := l1frames.Settings{Exposure: *req.Exposure, Gain: *req.Gain}
		if s.Rig.Frames == nil {
			return nil, fmt.Errorf("no frame source")
		}
		if err := s.Rig.Frames.UpdateSettings(st); err != nil {
			return nil, invalid("%v", err)
		}
		return st, nil
	case *CapturePointsRequest:
		if req.Action == "start" {
			return s.Calibrator.StartCapture(), nil
		}
		return s.Calibrator.StopCapture()
	case *CameraPositionsRequest:
		return s.Calibrator.CameraPositions()
	case *SessionRequest:
		return s.sessionView(), nil
	case *ArmDroneRequest:
		if err := s.Actuator.Arm(ctx, req.Armed); err != nil {
			return nil, err
		}
		return map[string]interface{}{"armed": s.Actuator.ArmedDevices()}, nil
	case *SetDronePIDRequest:
		return ack(*req.DroneIndex), s.Actuator.SetPID(ctx, *req.DroneIndex, req.PID)
	case *SetDroneSetpointRequest:
		return ack(*req.DroneIndex), s.Actuator.SetSetpoint(ctx, *req.DroneIndex, *req.Setpoint)
	case *SetDroneTrimRequest:
		return ack(*req.DroneIndex), s.Actuator.SetTrim(ctx, *req.DroneIndex, req.Trim)
	default:
		return nil, invalid("unhandled event %q", req.Event())
	}
}

func ack(device int) map[string]int { return map[string]int{"drone_index": device} }

// SessionView is the read model served by the session event and
// /api/session.
type SessionView struct {
	State    interface{} `json:"state"`
	Tracking string      `json:"tracking"`
	Capture  struct {
		Active  bool `json:"active"`
		Samples int  `json:"samples"`
	} `json:"capture"`
}

func (s *Server) sessionView() SessionView {
	var v SessionView
	v.State = s.Rig.Store.Load()
	v.Tracking = string(s.Tracker.State())
	if c := s.Calibrator.Capture(); c != nil {
		v.Capture.Active = c.Active()
		v.Capture.Samples = c.Len()
	}
	return v
}
