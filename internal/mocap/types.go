package mocap

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Pose maps reconstruction-frame points into a camera frame:
// x_cam = R·X + T. The projection matrix is K·[R | T].
type Pose struct {
	R Mat3      `json:"R"`
	T r3.Vector `json:"t"`
}

// IdentityPose is the reference camera's pose.
func IdentityPose() Pose {
	return Pose{R: Identity3()}
}

// Apply maps a reconstruction-frame point into the camera frame.
func (p Pose) Apply(X r3.Vector) r3.Vector {
	return p.R.MulVec(X).Add(p.T)
}

// Center returns the camera centre in the reconstruction frame (-Rᵀt).
func (p Pose) Center() r3.Vector {
	return p.R.T().MulVec(p.T).Mul(-1)
}

// Direction returns the optical axis in the reconstruction frame.
func (p Pose) Direction() r3.Vector {
	return p.R.T().MulVec(r3.Vector{Z: 1})
}

// Compose returns the pose q∘p: first p, then q.
func (p Pose) Compose(q Pose) Pose {
	return Pose{R: q.R.Mul(p.R), T: q.R.MulVec(p.T).Add(q.T)}
}

// IsFinite reports whether every component is finite.
func (p Pose) IsFinite() bool {
	return p.R.IsFinite() && finite(p.T.X) && finite(p.T.Y) && finite(p.T.Z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Observation is one camera's view of one tracked point in one tick.
// Present is false when the camera has no usable detection; Point is then
// meaningless and must not be read as a coordinate.
type Observation struct {
	Point   r2.Point
	Present bool
}

// Seen returns a present observation at p.
func Seen(p r2.Point) Observation { return Observation{Point: p, Present: true} }

// Absent is the explicit no-detection marker.
var Absent = Observation{}

// Correspondence holds one observation per camera for a single tracked
// point at a single instant, indexed by camera.
type Correspondence []Observation

// PresentCount returns the number of cameras that saw the point.
func (c Correspondence) PresentCount() int {
	n := 0
	for _, o := range c {
		if o.Present {
			n++
		}
	}
	return n
}

// Usable reports whether the correspondence can be triangulated.
func (c Correspondence) Usable() bool { return c.PresentCount() >= 2 }

// CameraDetections is the undistorted detection list of one camera for one
// tick. Absent is set when the camera delivered nothing usable.
type CameraDetections struct {
	Camera int        `json:"camera"`
	Points []r2.Point `json:"points"`
	Absent bool       `json:"absent"`
}

// FrameSet is a synchronized set of detections across all cameras.
type FrameSet struct {
	Seq       uint64             `json:"seq"`
	Timestamp time.Time          `json:"timestamp"`
	Cameras   []CameraDetections `json:"cameras"`
}

// Point3D is a reconstructed position. Valid is false when the point could
// not be reconstructed in this tick.
type Point3D struct {
	Position          r3.Vector `json:"position"`
	Valid             bool      `json:"valid"`
	Views             int       `json:"views"`
	ReprojectionError float64   `json:"reprojection_error"`
}

// ObjectPose is one tracked object's position in world coordinates.
type ObjectPose struct {
	Slot int `json:"slot"`
	Point3D
}

// PoseRecord is one element of the output stream.
type PoseRecord struct {
	Seq       uint64       `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Objects   []ObjectPose `json:"objects"`
}
