// Package testutil builds synthetic camera rigs with exactly known geometry
// for tests.
package testutil

import (
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/banshee-data/mocap/internal/mocap"
)

// Rig is a synthetic camera rig with ground-truth poses. Camera 0 is
// placed wherever the constructor puts it; call Normalized to express the
// rig in camera 0's frame the way calibration reports it.
type Rig struct {
	Intrinsics []mocap.Intrinsics
	Poses      []mocap.Pose
}

// DefaultIntrinsics is a 640x480 pinhole camera without distortion.
func DefaultIntrinsics() mocap.Intrinsics {
	return mocap.Intrinsics{
		K:      mocap.Mat3{500, 0, 320, 0, 500, 240, 0, 0, 1},
		Width:  640,
		Height: 480,
	}
}

// LookAt returns the pose of a camera at center looking at target with
// world +Z up (image y points down).
func LookAt(center, target r3.Vector) mocap.Pose {
	f := target.Sub(center).Normalize()
	up := r3.Vector{Z: 1}
	if math.Abs(f.Dot(up)) > 0.999 {
		up = r3.Vector{Y: 1}
	}
	right := f.Cross(up).Normalize()
	down := f.Cross(right)
	R := mocap.Mat3{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		f.X, f.Y, f.Z,
	}
	return mocap.Pose{R: R, T: R.MulVec(center).Mul(-1)}
}

// NewRingRig places n cameras evenly on a circle of radius at height, all
// looking at the origin.
func NewRingRig(n int, radius, height float64) Rig {
	rig := Rig{}
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		c := r3.Vector{X: radius * math.Cos(a), Y: radius * math.Sin(a), Z: height}
		rig.Intrinsics = append(rig.Intrinsics, DefaultIntrinsics())
		rig.Poses = append(rig.Poses, LookAt(c, r3.Vector{}))
	}
	return rig
}

// NewArcRig places n cameras on a quarter arc so neighbouring pairs share
// most of their field of view.
func NewArcRig(n int, radius, height float64) Rig {
	rig := Rig{}
	for i := 0; i < n; i++ {
		a := math.Pi / 2 * float64(i) / float64(max(n-1, 1))
		c := r3.Vector{X: radius * math.Cos(a), Y: radius * math.Sin(a), Z: height}
		rig.Intrinsics = append(rig.Intrinsics, DefaultIntrinsics())
		rig.Poses = append(rig.Poses, LookAt(c, r3.Vector{}))
	}
	return rig
}

// ToCamera0 maps a world point into camera 0's frame, the frame calibration
// reconstructs in.
func (r Rig) ToCamera0(X r3.Vector) r3.Vector {
	return r.Poses[0].Apply(X)
}

// Normalized returns the rig's poses re-expressed with camera 0 at the
// identity.
func (r Rig) Normalized() []mocap.Pose {
	inv := mocap.Pose{R: r.Poses[0].R.T(), T: r.Poses[0].R.T().MulVec(r.Poses[0].T).Mul(-1)}
	out := make([]mocap.Pose, len(r.Poses))
	for i, p := range r.Poses {
		out[i] = inv.Compose(p)
	}
	out[0] = mocap.IdentityPose()
	return out
}

// Observe projects a world point into every camera.
func (r Rig) Observe(X r3.Vector) mocap.Correspondence {
	c := make(mocap.Correspondence, len(r.Poses))
	for i, p := range r.Poses {
		px, depth := r.Intrinsics[i].Project(p, X)
		if depth <= 0 {
			c[i] = mocap.Absent
			continue
		}
		c[i] = mocap.Seen(px)
	}
	return c
}

// Frame builds the FrameSet the rig would detect for markers, listing each
// camera's points in marker order. Cameras that see none are absent.
func (r Rig) Frame(seq uint64, ts time.Time, markers ...r3.Vector) mocap.FrameSet {
	fs := mocap.FrameSet{Seq: seq, Timestamp: ts, Cameras: make([]mocap.CameraDetections, len(r.Poses))}
	for i := range r.Poses {
		fs.Cameras[i].Camera = i
	}
	for _, X := range markers {
		for i, o := range r.Observe(X) {
			if o.Present {
				fs.Cameras[i].Points = append(fs.Cameras[i].Points, o.Point)
			}
		}
	}
	for i := range fs.Cameras {
		fs.Cameras[i].Absent = len(fs.Cameras[i].Points) == 0
	}
	return fs
}

// ObserveNoisy is Observe with Gaussian pixel noise of the given sigma.
func (r Rig) ObserveNoisy(rng *rand.Rand, X r3.Vector, sigma float64) mocap.Correspondence {
	c := r.Observe(X)
	for i := range c {
		if c[i].Present {
			c[i].Point = c[i].Point.Add(r2.Point{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma})
		}
	}
	return c
}

// RandomPoints draws n points uniformly in a cube of half-width extent
// centred at the origin.
func RandomPoints(rng *rand.Rand, n int, extent float64) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: (rng.Float64()*2 - 1) * extent,
			Y: (rng.Float64()*2 - 1) * extent,
			Z: (rng.Float64()*2 - 1) * extent,
		}
	}
	return pts
}
