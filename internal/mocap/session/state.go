package session

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l5world"
)

const referenceTolerance = 1e-9

// State is one committed snapshot of the rig calibration.
type State struct {
	Intrinsics            []mocap.Intrinsics   `json:"intrinsics"`
	Poses                 []mocap.Pose         `json:"camera_poses,omitempty"`
	World                 mocap.WorldTransform `json:"to_world_coords_matrix"`
	Floor                 *l5world.Floor       `json:"floor,omitempty"`
	Calibrated            bool                 `json:"calibrated"`
	ScaleApplied          bool                 `json:"scale_applied"`
	ScaleFactor           float64              `json:"scale_factor,omitempty"`
	MeanReprojectionError float64              `json:"mean_reprojection_error"`
	UpdatedAt             time.Time            `json:"updated_at"`
}

// NewState returns the uncalibrated state for a rig with these intrinsics.
func NewState(intr []mocap.Intrinsics) State {
	return State{
		Intrinsics: append([]mocap.Intrinsics(nil), intr...),
		World:      mocap.IdentityTransform(),
	}
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	c.Intrinsics = append([]mocap.Intrinsics(nil), s.Intrinsics...)
	c.Poses = append([]mocap.Pose(nil), s.Poses...)
	if s.Floor != nil {
		f := *s.Floor
		c.Floor = &f
	}
	return c
}

// NumCameras returns the rig size.
func (s *State) NumCameras() int { return len(s.Intrinsics) }

// Validate enforces the invariants every committed state satisfies.
func (s *State) Validate() error {
	if err := s.World.Validate(); err != nil {
		return err
	}
	if len(s.Poses) == 0 {
		if s.Calibrated {
			return fmt.Errorf("%w: calibrated state without poses", mocap.ErrNotCalibrated)
		}
		return nil
	}
	if len(s.Poses) != len(s.Intrinsics) {
		return fmt.Errorf("%d poses for %d cameras", len(s.Poses), len(s.Intrinsics))
	}
	for i, p := range s.Poses {
		if !p.IsFinite() {
			return fmt.Errorf("pose %d is not finite", i)
		}
	}
	ref := s.Poses[0]
	I := mocap.Identity3()
	for i := range ref.R {
		if math.Abs(ref.R[i]-I[i]) > referenceTolerance {
			return fmt.Errorf("reference camera rotation must be identity")
		}
	}
	if ref.T.Norm() > referenceTolerance {
		return fmt.Errorf("reference camera translation must be zero")
	}
	return nil
}

// Restore rebuilds a state from its persisted JSON. Intrinsics always come
// from the live rig; persisted poses are kept only when the camera count
// still matches.
func Restore(data json.RawMessage, intr []mocap.Intrinsics) (State, error) {
	var saved State
	if err := json.Unmarshal(data, &saved); err != nil {
		return State{}, fmt.Errorf("decode session state: %w", err)
	}
	st := NewState(intr)
	if err := saved.World.Validate(); err == nil {
		st.World = saved.World
	}
	st.Floor = saved.Floor
	if len(saved.Poses) == len(intr) {
		st.Poses = saved.Poses
		st.Calibrated = saved.Calibrated
		st.ScaleApplied = saved.ScaleApplied
		st.ScaleFactor = saved.ScaleFactor
		st.MeanReprojectionError = saved.MeanReprojectionError
	}
	st.UpdatedAt = saved.UpdatedAt
	if err := st.Validate(); err != nil {
		return NewState(intr), fmt.Errorf("discarding persisted session: %w", err)
	}
	return st, nil
}
