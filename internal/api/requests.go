package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/mocap/internal/mocap"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
)

// Control event names.
const (
	EventComputePairwisePoses  = "compute-pairwise-poses"
	EventRefinePoses           = "refine-poses"
	EventAcquireFloor          = "acquire-floor"
	EventSetOrigin             = "set-origin"
	EventRotateScene           = "rotate-scene"
	EventDetermineScale        = "determine-scale"
	EventStartTracking         = "start-tracking"
	EventStopTracking          = "stop-tracking"
	EventUpdateCameraSettings  = "update-camera-settings"
	EventCapturePoints         = "capture-points"
	EventCameraPositions       = "camera-positions"
	EventArmDrone              = "arm-drone"
	EventSetDronePID           = "set-drone-pid"
	EventSetDroneSetpoint      = "set-drone-setpoint"
	EventSetDroneTrim          = "set-drone-trim"
	EventSession               = "session"
)

// Envelope is the wire form of a control request.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is one of the closed set of control requests.
type Request interface {
	Event() string
	Validate() error
}

var requestTypes = map[string]func() Request{
	EventComputePairwisePoses: func() Request { return &ComputePairwisePosesRequest{} },
	EventRefinePoses:          func() Request { return &RefinePosesRequest{} },
	EventAcquireFloor:         func() Request { return &AcquireFloorRequest{} },
	EventSetOrigin:            func() Request { return &SetOriginRequest{} },
	EventRotateScene:          func() Request { return &RotateSceneRequest{} },
	EventDetermineScale:       func() Request { return &DetermineScaleRequest{} },
	EventStartTracking:        func() Request { return &StartTrackingRequest{} },
	EventStopTracking:         func() Request { return &StopTrackingRequest{} },
	EventUpdateCameraSettings: func() Request { return &UpdateCameraSettingsRequest{} },
	EventCapturePoints:        func() Request { return &CapturePointsRequest{} },
	EventCameraPositions:      func() Request { return &CameraPositionsRequest{} },
	EventArmDrone:             func() Request { return &ArmDroneRequest{} },
	EventSetDronePID:          func() Request { return &SetDronePIDRequest{} },
	EventSetDroneSetpoint:     func() Request { return &SetDroneSetpointRequest{} },
	EventSetDroneTrim:         func() Request { return &SetDroneTrimRequest{} },
	EventSession:              func() Request { return &SessionRequest{} },
}

// Events lists the accepted event names.
func Events() []string {
	out := make([]string, 0, len(requestTypes))
	for e := range requestTypes {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// DecodeRequest reads an envelope and decodes its payload into the typed
// request for its event. Unknown events, unknown payload fields and
// payloads failing validation are rejected.
func DecodeRequest(r io.Reader) (Request, error) {
	var env Envelope
	dec := json.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, invalid("malformed envelope: %v", err)
	}
	newReq, ok := requestTypes[env.Event]
	if !ok {
		return nil, invalid("unknown event %q", env.Event)
	}
	req := newReq()
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		pd := json.NewDecoder(bytes.NewReader(payload))
		pd.DisallowUnknownFields()
		if err := pd.Decode(req); err != nil {
			return nil, invalid("%s: bad payload: %v", env.Event, err)
		}
	}
	if err := req.Validate(); err != nil {
		return nil, invalid("%s: %v", env.Event, err)
	}
	return req, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func toVector(p [3]float64) r3.Vector { return r3.Vector{X: p[0], Y: p[1], Z: p[2]} }

// samplesPayload carries optional calibration samples: one row per sample,
// one [x, y] or null per camera.
type samplesPayload struct {
	CameraPoints json.RawMessage `json:"camera_points,omitempty"`

	samples [][]mocap.Observation
}

func (p *samplesPayload) validate() error {
	if len(p.CameraPoints) == 0 {
		return nil
	}
	samples, err := sqlite.DecodeSamples(p.CameraPoints)
	if err != nil {
		return err
	}
	for i, row := range samples {
		if len(row) != len(samples[0]) {
			return fmt.Errorf("sample %d has %d cameras, sample 0 has %d", i, len(row), len(samples[0]))
		}
		for c, o := range row {
			if o.Present && !finite(o.Point.X, o.Point.Y) {
				return fmt.Errorf("sample %d camera %d is not finite", i, c)
			}
		}
	}
	p.samples = samples
	return nil
}

// ComputePairwisePosesRequest estimates and commits camera poses.
type ComputePairwisePosesRequest struct{ samplesPayload }

func (*ComputePairwisePosesRequest) Event() string     { return EventComputePairwisePoses }
func (r *ComputePairwisePosesRequest) Validate() error { return r.validate() }

// RefinePosesRequest bundle-adjusts the committed poses.
type RefinePosesRequest struct{ samplesPayload }

func (*RefinePosesRequest) Event() string     { return EventRefinePoses }
func (r *RefinePosesRequest) Validate() error { return r.validate() }

// AcquireFloorRequest fits the floor plane. Without points the captured
// samples are reconstructed and used.
type AcquireFloorRequest struct {
	ObjectPoints [][3]float64 `json:"object_points,omitempty"`
}

func (*AcquireFloorRequest) Event() string { return EventAcquireFloor }
func (r *AcquireFloorRequest) Validate() error {
	for i, p := range r.ObjectPoints {
		if !finite(p[:]...) {
			return fmt.Errorf("object point %d is not finite", i)
		}
	}
	return nil
}

func (r *AcquireFloorRequest) points() []r3.Vector {
	out := make([]r3.Vector, len(r.ObjectPoints))
	for i, p := range r.ObjectPoints {
		out[i] = toVector(p)
	}
	return out
}

// SetOriginRequest moves the world origin to a world-frame point.
type SetOriginRequest struct {
	ObjectPoint *[3]float64 `json:"object_point"`
}

func (*SetOriginRequest) Event() string { return EventSetOrigin }
func (r *SetOriginRequest) Validate() error {
	if r.ObjectPoint == nil {
		return fmt.Errorf("object_point is required")
	}
	if !finite(r.ObjectPoint[:]...) {
		return fmt.Errorf("object_point is not finite")
	}
	return nil
}

// RotateSceneRequest rotates the world frame about one axis.
type RotateSceneRequest struct {
	Axis    string   `json:"axis"`
	Degrees *float64 `json:"degrees"`
}

func (*RotateSceneRequest) Event() string { return EventRotateScene }
func (r *RotateSceneRequest) Validate() error {
	switch r.Axis {
	case "x", "y", "z":
	default:
		return fmt.Errorf("axis must be x, y or z, got %q", r.Axis)
	}
	if r.Degrees == nil || !finite(*r.Degrees) {
		return fmt.Errorf("degrees is required and must be finite")
	}
	return nil
}

// DetermineScaleRequest rescales the poses from wand samples. Each sample
// should hold the two wand markers; without samples the captured frames
// are used.
type DetermineScaleRequest struct {
	ObjectPoints [][][3]float64 `json:"object_points,omitempty"`
}

func (*DetermineScaleRequest) Event() string { return EventDetermineScale }
func (r *DetermineScaleRequest) Validate() error {
	for i, s := range r.ObjectPoints {
		for j, p := range s {
			if !finite(p[:]...) {
				return fmt.Errorf("sample %d point %d is not finite", i, j)
			}
		}
	}
	return nil
}

func (r *DetermineScaleRequest) samples() [][]r3.Vector {
	out := make([][]r3.Vector, len(r.ObjectPoints))
	for i, s := range r.ObjectPoints {
		out[i] = make([]r3.Vector, len(s))
		for j, p := range s {
			out[i][j] = toVector(p)
		}
	}
	return out
}

// StartTrackingRequest starts (or restarts) live tracking.
type StartTrackingRequest struct{}

func (*StartTrackingRequest) Event() string   { return EventStartTracking }
func (*StartTrackingRequest) Validate() error { return nil }

// StopTrackingRequest stops live tracking.
type StopTrackingRequest struct{}

func (*StopTrackingRequest) Event() string   { return EventStopTracking }
func (*StopTrackingRequest) Validate() error { return nil }

// UpdateCameraSettingsRequest changes exposure and gain on every camera.
type UpdateCameraSettingsRequest struct {
	Exposure *int `json:"exposure"`
	Gain     *int `json:"gain"`
}

func (*UpdateCameraSettingsRequest) Event() string { return EventUpdateCameraSettings }
func (r *UpdateCameraSettingsRequest) Validate() error {
	if r.Exposure == nil || r.Gain == nil {
		return fmt.Errorf("exposure and gain are required")
	}
	if *r.Exposure < 0 || *r.Gain < 0 {
		return fmt.Errorf("exposure and gain must be non-negative")
	}
	return nil
}

// CapturePointsRequest starts or stops filling the capture buffer.
type CapturePointsRequest struct {
	Action string `json:"action"`
}

func (*CapturePointsRequest) Event() string { return EventCapturePoints }
func (r *CapturePointsRequest) Validate() error {
	if r.Action != "start" && r.Action != "stop" {
		return fmt.Errorf("action must be start or stop, got %q", r.Action)
	}
	return nil
}

// CameraPositionsRequest reads camera placements in world coordinates.
type CameraPositionsRequest struct{}

func (*CameraPositionsRequest) Event() string   { return EventCameraPositions }
func (*CameraPositionsRequest) Validate() error { return nil }

// SessionRequest reads the committed session state.
type SessionRequest struct{}

func (*SessionRequest) Event() string   { return EventSession }
func (*SessionRequest) Validate() error { return nil }

// ArmDroneRequest sets the armed flag of every drone; entry i is drone i.
type ArmDroneRequest struct {
	Armed []bool `json:"armed"`
}

func (*ArmDroneRequest) Event() string { return EventArmDrone }
func (r *ArmDroneRequest) Validate() error {
	if len(r.Armed) == 0 {
		return fmt.Errorf("armed must list at least one drone")
	}
	return nil
}

func validIndex(idx *int) error {
	if idx == nil {
		return fmt.Errorf("drone_index is required")
	}
	if *idx < 0 {
		return fmt.Errorf("drone_index must be non-negative")
	}
	return nil
}

// SetDronePIDRequest sends controller gains to one drone.
type SetDronePIDRequest struct {
	DroneIndex *int      `json:"drone_index"`
	PID        []float64 `json:"pid"`
}

func (*SetDronePIDRequest) Event() string { return EventSetDronePID }
func (r *SetDronePIDRequest) Validate() error {
	if err := validIndex(r.DroneIndex); err != nil {
		return err
	}
	if len(r.PID) == 0 || !finite(r.PID...) {
		return fmt.Errorf("pid must be a non-empty list of finite gains")
	}
	return nil
}

// SetDroneSetpointRequest sends a target position to one drone.
type SetDroneSetpointRequest struct {
	DroneIndex *int        `json:"drone_index"`
	Setpoint   *[3]float64 `json:"setpoint"`
}

func (*SetDroneSetpointRequest) Event() string { return EventSetDroneSetpoint }
func (r *SetDroneSetpointRequest) Validate() error {
	if err := validIndex(r.DroneIndex); err != nil {
		return err
	}
	if r.Setpoint == nil || !finite(r.Setpoint[:]...) {
		return fmt.Errorf("setpoint must be three finite values")
	}
	return nil
}

// SetDroneTrimRequest sends motor trims to one drone.
type SetDroneTrimRequest struct {
	DroneIndex *int  `json:"drone_index"`
	Trim       []int `json:"trim"`
}

func (*SetDroneTrimRequest) Event() string { return EventSetDroneTrim }
func (r *SetDroneTrimRequest) Validate() error {
	if err := validIndex(r.DroneIndex); err != nil {
		return err
	}
	if len(r.Trim) == 0 {
		return fmt.Errorf("trim must not be empty")
	}
	return nil
}
