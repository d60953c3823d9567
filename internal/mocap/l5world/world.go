package l5world

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
)

// DefaultMarkerSeparation is the distance in metres between the two markers
// of the scale wand.
const DefaultMarkerSeparation = 0.15

// collinearTolerance rejects floor samples whose design matrix is rank
// deficient.
const collinearTolerance = 1e-9

// handedness flips the y axis so the world frame matches the viewer's
// convention. It is composed on the left of the levelling rotation so the
// floor normal still maps to +Z.
var handedness = mocap.Mat3{1, 0, 0, 0, -1, 0, 0, 0, 1}

// Floor is the result of AcquireFloor.
type Floor struct {
	Transform mocap.WorldTransform `json:"to_world_coords_matrix"`
	// Plane is (a, b, -1, c) for the fitted plane z = a·x + b·y + c in the
	// reconstruction frame.
	Plane [4]float64 `json:"floor_plane"`
	// TransformedPlane is Plane expressed in the new world frame.
	TransformedPlane [4]float64 `json:"transformed_floor_plane"`
	Normal           r3.Vector  `json:"normal"`
	// RMS is the root mean square vertical residual of the fit.
	RMS float64 `json:"rms"`
}

// AcquireFloor fits a plane to points sampled on the floor and returns a
// fresh transform (no translation) whose rotation maps the plane normal to
// world +Z. It needs at least three non-collinear points.
func AcquireFloor(points []r3.Vector) (Floor, error) {
	if len(points) < 3 {
		return Floor{}, mocap.NewGeometryError("acquire-floor", "need at least 3 floor points, got %d", len(points))
	}
	A := mat.NewDense(len(points), 3, nil)
	b := mat.NewVecDense(len(points), nil)
	for i, p := range points {
		A.SetRow(i, []float64{p.X, p.Y, 1})
		b.SetVec(i, p.Z)
	}
	var svd mat.SVD
	if !svd.Factorize(A, mat.SVDNone) {
		return Floor{}, mocap.NewGeometryError("acquire-floor", "svd failed")
	}
	if sv := svd.Values(nil); sv[0] == 0 || sv[2]/sv[0] < collinearTolerance {
		return Floor{}, mocap.NewGeometryError("acquire-floor", "floor points are collinear or vertical: %w", mocap.ErrDegenerateGeometry)
	}
	var fit mat.VecDense
	if err := fit.SolveVec(A, b); err != nil {
		return Floor{}, mocap.NewGeometryError("acquire-floor", "least squares: %v", err)
	}
	a, bb, c := fit.AtVec(0), fit.AtVec(1), fit.AtVec(2)

	var ss float64
	for _, p := range points {
		r := p.Z - (a*p.X + bb*p.Y + c)
		ss += r * r
	}

	n := r3.Vector{X: a, Y: bb, Z: -1}.Normalize()
	R := handedness.Mul(alignToUp(n))
	T := mocap.NewWorldTransform(R, r3.Vector{})
	plane := [4]float64{a, bb, -1, c}
	return Floor{
		Transform:        T,
		Plane:            plane,
		TransformedPlane: transformPlane(T, plane),
		Normal:           n,
		RMS:              math.Sqrt(ss / float64(len(points))),
	}, nil
}

// alignToUp returns the rotation taking unit vector n onto +Z, built from
// their cross and dot products (Rodrigues).
func alignToUp(n r3.Vector) mocap.Mat3 {
	up := r3.Vector{Z: 1}
	v := n.Cross(up)
	c := n.Dot(up)
	s := v.Norm()
	switch {
	case s < 1e-12 && c > 0:
		return mocap.Identity3()
	case s < 1e-12:
		// Antiparallel: half turn about x.
		return mocap.Mat3{1, 0, 0, 0, -1, 0, 0, 0, -1}
	}
	return mocap.RotationFromAxisAngle(v.Mul(math.Atan2(s, c) / s))
}

// transformPlane maps plane coefficients through T (planes transform by
// the inverse transpose).
func transformPlane(T mocap.WorldTransform, plane [4]float64) [4]float64 {
	M := mat.NewDense(4, 4, append([]float64(nil), T[:]...))
	var inv mat.Dense
	if err := inv.Inverse(M); err != nil {
		return plane
	}
	var out mat.VecDense
	out.MulVec(inv.T(), mat.NewVecDense(4, plane[:]))
	return [4]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2), out.AtVec(3)}
}

// SetOrigin moves the world origin to point. The point's second and third
// components are exchanged before the translation is built, then the
// translation is composed on the left of current.
func SetOrigin(current mocap.WorldTransform, point r3.Vector) (mocap.WorldTransform, error) {
	if err := current.Validate(); err != nil {
		return current, err
	}
	swapped := r3.Vector{X: point.X, Y: point.Z, Z: point.Y}
	next := mocap.Translation(swapped.Mul(-1)).Mul(current)
	return next, next.Validate()
}

// Rotate pre-multiplies the linear block of current by a rotation of
// degrees about axis ("x", "y" or "z"); the translation is unchanged.
func Rotate(current mocap.WorldTransform, axis string, degrees float64) (mocap.WorldTransform, error) {
	Rot, ok := mocap.RotationAbout(axis, degrees)
	if !ok {
		return current, fmt.Errorf("unknown rotation axis %q", axis)
	}
	if err := current.Validate(); err != nil {
		return current, err
	}
	next := current.WithLinear(Rot.Mul(current.Linear()))
	return next, next.Validate()
}

// Scale is the result of DetermineScale.
type Scale struct {
	Factor          float64      `json:"scale_factor"`
	MeanObserved    float64      `json:"mean_observed_distance"`
	SamplesUsed     int          `json:"samples_used"`
	SamplesRejected int          `json:"samples_rejected"`
	KnownSeparation float64      `json:"known_separation"`
	Poses           []mocap.Pose `json:"camera_poses"`
}

// DetermineScale compares the known marker separation with the mean
// observed separation over samples holding exactly two points, and
// multiplies every pose translation by the resulting factor. Samples with
// any other number of points are skipped.
func DetermineScale(samples [][]r3.Vector, poses []mocap.Pose, separation float64) (Scale, error) {
	if separation <= 0 {
		separation = DefaultMarkerSeparation
	}
	var dists stats.Float64Data
	rejected := 0
	for _, s := range samples {
		if len(s) != 2 {
			rejected++
			continue
		}
		dists = append(dists, s[0].Sub(s[1]).Norm())
	}
	if len(dists) == 0 {
		return Scale{}, mocap.NewGeometryError("determine-scale", "no sample holds exactly two points (%d samples)", len(samples))
	}
	mean, err := stats.Mean(dists)
	if err != nil {
		return Scale{}, fmt.Errorf("mean separation: %w", err)
	}
	if mean <= 0 || math.IsNaN(mean) {
		return Scale{}, mocap.NewGeometryError("determine-scale", "mean observed separation is %v", mean)
	}
	factor := separation / mean
	scaled := make([]mocap.Pose, len(poses))
	for i, p := range poses {
		scaled[i] = mocap.Pose{R: p.R, T: p.T.Mul(factor)}
	}
	return Scale{
		Factor:          factor,
		MeanObserved:    mean,
		SamplesUsed:     len(dists),
		SamplesRejected: rejected,
		Poses:           scaled,
		KnownSeparation: separation,
	}, nil
}

// CameraPlacement is a camera's centre and optical axis in world
// coordinates.
type CameraPlacement struct {
	Position  r3.Vector `json:"position"`
	Direction r3.Vector `json:"direction"`
}

// CameraPositions returns each camera's placement under world.
func CameraPositions(poses []mocap.Pose, world mocap.WorldTransform) []CameraPlacement {
	out := make([]CameraPlacement, len(poses))
	for i, p := range poses {
		out[i] = CameraPlacement{
			Position:  world.Apply(p.Center()),
			Direction: world.ApplyDirection(p.Direction()),
		}
	}
	return out
}
