package l2triangulate

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
)

// View is one calibrated camera observing a point.
type View struct {
	Intrinsics mocap.Intrinsics
	Pose       mocap.Pose
	Point      r2.Point
}

// Rig is the calibrated camera set a correspondence is interpreted against.
type Rig struct {
	Intrinsics []mocap.Intrinsics
	Poses      []mocap.Pose
}

// Views returns the present observations of c as views, in camera order.
func (r Rig) Views(c mocap.Correspondence) []View {
	views := make([]View, 0, len(c))
	for i, o := range c {
		if !o.Present || i >= len(r.Poses) || i >= len(r.Intrinsics) {
			continue
		}
		views = append(views, View{Intrinsics: r.Intrinsics[i], Pose: r.Poses[i], Point: o.Point})
	}
	return views
}

const (
	refineIterations = 10
	refineTolerance  = 1e-10
)

// DLT solves the homogeneous linear system built from each view's
// projection rows on the ideal image plane.
func DLT(views []View) (r3.Vector, error) {
	if len(views) < 2 {
		return r3.Vector{}, fmt.Errorf("dlt: %d views: %w", len(views), mocap.ErrInsufficientViews)
	}
	A := mat.NewDense(2*len(views), 4, nil)
	for i, v := range views {
		n := v.Intrinsics.Normalize(v.Point)
		R, t := v.Pose.R, v.Pose.T
		p1 := [4]float64{R[0], R[1], R[2], t.X}
		p2 := [4]float64{R[3], R[4], R[5], t.Y}
		p3 := [4]float64{R[6], R[7], R[8], t.Z}
		for c := 0; c < 4; c++ {
			A.Set(2*i, c, n.X*p3[c]-p1[c])
			A.Set(2*i+1, c, n.Y*p3[c]-p2[c])
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return r3.Vector{}, mocap.NewGeometryError("dlt", "svd failed")
	}
	var V mat.Dense
	svd.VTo(&V)
	w := V.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, mocap.NewGeometryError("dlt", "point at infinity")
	}
	return r3.Vector{X: V.At(0, 3) / w, Y: V.At(1, 3) / w, Z: V.At(2, 3) / w}, nil
}

// Point reconstructs X from views, refines it when more than two views are
// available and checks that it lies in front of every contributing camera.
func Point(views []View) (mocap.Point3D, error) {
	X, err := DLT(views)
	if err != nil {
		return mocap.Point3D{}, err
	}
	if len(views) > 2 {
		X = Refine(views, X)
	}
	for i, v := range views {
		if _, depth := v.Intrinsics.Project(v.Pose, X); depth <= 0 {
			return mocap.Point3D{}, fmt.Errorf("view %d depth %.3g: %w", i, depth, mocap.ErrBehindCamera)
		}
	}
	return mocap.Point3D{
		Position:          X,
		Valid:             true,
		Views:             len(views),
		ReprojectionError: MeanReprojectionError(views, X),
	}, nil
}

// Triangulate reconstructs one correspondence against rig.
func (r Rig) Triangulate(c mocap.Correspondence) (mocap.Point3D, error) {
	return Point(r.Views(c))
}

// TriangulateAll reconstructs every correspondence. Failures are reported
// per point as an invalid Point3D; errs holds the matching error (nil on
// success).
func (r Rig) TriangulateAll(cs []mocap.Correspondence) (points []mocap.Point3D, errs []error) {
	points = make([]mocap.Point3D, len(cs))
	errs = make([]error, len(cs))
	for i, c := range cs {
		points[i], errs[i] = r.Triangulate(c)
	}
	return points, errs
}

// Residuals returns the pixel reprojection error of X in each view.
func Residuals(views []View, X r3.Vector) []float64 {
	out := make([]float64, len(views))
	for i, v := range views {
		px, _ := v.Intrinsics.Project(v.Pose, X)
		out[i] = px.Sub(v.Point).Norm()
	}
	return out
}

// MeanReprojectionError averages Residuals.
func MeanReprojectionError(views []View, X r3.Vector) float64 {
	m, err := stats.Mean(stats.Float64Data(Residuals(views, X)))
	if err != nil {
		return 0
	}
	return m
}

func sumSquared(views []View, X r3.Vector) float64 {
	var s float64
	for _, v := range views {
		px, _ := v.Intrinsics.Project(v.Pose, X)
		d := px.Sub(v.Point)
		s += d.X*d.X + d.Y*d.Y
	}
	return s
}

// Refine minimises pixel reprojection error over X with damped Gauss-Newton
// using an analytic Jacobian. Only cost-reducing steps are taken, so the
// result is never worse than the starting point.
func Refine(views []View, X r3.Vector) r3.Vector {
	cost := sumSquared(views, X)
	lambda := 1e-3
	for it := 0; it < refineIterations; it++ {
		var JtJ [9]float64
		var Jtr [3]float64
		for _, v := range views {
			c := v.Pose.Apply(X)
			if c.Z <= 1e-9 {
				return X
			}
			K := v.Intrinsics.K
			h := K.MulVec(c)
			u, w := h.X/h.Z, h.Y/h.Z
			ru, rv := u-v.Point.X, w-v.Point.Y
			// d(u,v)/dc then chain through dc/dX = R.
			iz := 1 / h.Z
			du := r3.Vector{X: K[0] * iz, Y: K[1] * iz, Z: (K[2] - u*K[8]) * iz}
			dv := r3.Vector{X: K[3] * iz, Y: K[4] * iz, Z: (K[5] - w*K[8]) * iz}
			du = v.Pose.R.T().MulVec(du)
			dv = v.Pose.R.T().MulVec(dv)
			ju := [3]float64{du.X, du.Y, du.Z}
			jv := [3]float64{dv.X, dv.Y, dv.Z}
			for a := 0; a < 3; a++ {
				Jtr[a] += ju[a]*ru + jv[a]*rv
				for b := 0; b < 3; b++ {
					JtJ[a*3+b] += ju[a]*ju[b] + jv[a]*jv[b]
				}
			}
		}
		improved := false
		for tries := 0; tries < 8; tries++ {
			A := mat.NewDense(3, 3, nil)
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					A.Set(a, b, JtJ[a*3+b])
				}
				A.Set(a, a, JtJ[a*3+a]*(1+lambda))
			}
			g := mat.NewVecDense(3, []float64{-Jtr[0], -Jtr[1], -Jtr[2]})
			var step mat.VecDense
			if err := step.SolveVec(A, g); err != nil {
				lambda *= 10
				continue
			}
			cand := X.Add(r3.Vector{X: step.AtVec(0), Y: step.AtVec(1), Z: step.AtVec(2)})
			if c := sumSquared(views, cand); c < cost {
				done := cost-c < refineTolerance*math.Max(cost, 1)
				X, cost = cand, c
				lambda = math.Max(lambda/10, 1e-9)
				improved = true
				if done {
					return X
				}
				break
			}
			lambda *= 10
		}
		if !improved {
			break
		}
	}
	return X
}
