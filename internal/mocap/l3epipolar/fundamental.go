package l3epipolar

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
)

// minCorrespondences is the minimal sample of the 8-point algorithm.
const minCorrespondences = 8

// nullSpaceTolerance flags a design matrix whose second-smallest singular
// value is negligible, i.e. the solution is not unique.
const nullSpaceTolerance = 1e-9

// normalizePoints applies Hartley normalisation: centroid to the origin and
// mean distance √2. T maps original points to normalised ones.
func normalizePoints(pts []r2.Point) ([]r2.Point, mocap.Mat3) {
	var mu r2.Point
	for _, p := range pts {
		mu = mu.Add(p)
	}
	mu = mu.Mul(1 / float64(len(pts)))
	var d float64
	for _, p := range pts {
		d += p.Sub(mu).Norm()
	}
	d /= float64(len(pts))
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt2 / d
	}
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = p.Sub(mu).Mul(scale)
	}
	T := mocap.Mat3{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	}
	return out, T
}

// EightPoint fits a rank-2 fundamental matrix with x2ᵀ·F·x1 = 0 to at
// least eight correspondences.
func EightPoint(pts1, pts2 []r2.Point) (mocap.Mat3, error) {
	if len(pts1) != len(pts2) {
		return mocap.Mat3{}, fmt.Errorf("point sets differ in length: %d vs %d", len(pts1), len(pts2))
	}
	if len(pts1) < minCorrespondences {
		return mocap.Mat3{}, mocap.NewGeometryError("fundamental", "need at least %d correspondences, got %d", minCorrespondences, len(pts1))
	}
	n1, T1 := normalizePoints(pts1)
	n2, T2 := normalizePoints(pts2)

	A := mat.NewDense(len(n1), 9, nil)
	for i := range n1 {
		a, b := n1[i], n2[i]
		A.SetRow(i, []float64{
			b.X * a.X, b.X * a.Y, b.X,
			b.Y * a.X, b.Y * a.Y, b.Y,
			a.X, a.Y, 1,
		})
	}
	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return mocap.Mat3{}, mocap.NewGeometryError("fundamental", "svd failed")
	}
	sv := svd.Values(nil)
	// The eighth singular value must be clear of zero for a unique null
	// vector; otherwise the points are in a critical configuration.
	if sv[0] == 0 || sv[7]/sv[0] < nullSpaceTolerance {
		return mocap.Mat3{}, fmt.Errorf("fundamental: %w", mocap.ErrDegenerateGeometry)
	}
	var V mat.Dense
	svd.VTo(&V)
	var F mocap.Mat3
	for i := 0; i < 9; i++ {
		F[i] = V.At(i, 8)
	}
	F = enforceRank2(F)
	F = T2.T().Mul(F).Mul(T1)
	return normalizeScale(F), nil
}

func enforceRank2(F mocap.Mat3) mocap.Mat3 {
	var svd mat.SVD
	if ok := svd.Factorize(F.Dense(), mat.SVDFull); !ok {
		return F
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	s := svd.Values(nil)
	S := mat.NewDiagDense(3, []float64{s[0], s[1], 0})
	var out mat.Dense
	out.Product(&U, S, V.T())
	return mocap.Mat3FromDense(&out)
}

// normalizeScale scales F to unit Frobenius norm with a fixed sign so that
// equal matrices compare equal.
func normalizeScale(F mocap.Mat3) mocap.Mat3 {
	var n float64
	for _, v := range F {
		n += v * v
	}
	n = math.Sqrt(n)
	if n == 0 {
		return F
	}
	if F[8] < 0 {
		n = -n
	}
	return F.Scale(1 / n)
}

// SampsonDistance is the first-order geometric distance (pixels) of the
// correspondence (x1, x2) to the epipolar constraint of F.
func SampsonDistance(F mocap.Mat3, x1, x2 r2.Point) float64 {
	p1 := [3]float64{x1.X, x1.Y, 1}
	p2 := [3]float64{x2.X, x2.Y, 1}
	var Fx1, Ftx2 [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			Fx1[r] += F[r*3+c] * p1[c]
			Ftx2[r] += F[c*3+r] * p2[c]
		}
	}
	num := p2[0]*Fx1[0] + p2[1]*Fx1[1] + p2[2]*Fx1[2]
	den := Fx1[0]*Fx1[0] + Fx1[1]*Fx1[1] + Ftx2[0]*Ftx2[0] + Ftx2[1]*Ftx2[1]
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// SymmetricEpipolarDistance averages the distances of x2 to the epipolar
// line of x1 and of x1 to the epipolar line of x2.
func SymmetricEpipolarDistance(F mocap.Mat3, x1, x2 r2.Point) float64 {
	p1 := [3]float64{x1.X, x1.Y, 1}
	p2 := [3]float64{x2.X, x2.Y, 1}
	var l2, l1 [3]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			l2[r] += F[r*3+c] * p1[c]
			l1[r] += F[c*3+r] * p2[c]
		}
	}
	d2 := math.Abs(l2[0]*p2[0]+l2[1]*p2[1]+l2[2]) / math.Hypot(l2[0], l2[1])
	d1 := math.Abs(l1[0]*p1[0]+l1[1]*p1[1]+l1[2]) / math.Hypot(l1[0], l1[1])
	return (d1 + d2) / 2
}

// FundamentalFromPoses returns F for two calibrated cameras, with
// x2ᵀ·F·x1 = 0 for every point seen by both.
func FundamentalFromPoses(in1, in2 mocap.Intrinsics, p1, p2 mocap.Pose) (mocap.Mat3, error) {
	// Relative motion from camera 1 to camera 2.
	R := p2.R.Mul(p1.R.T())
	t := p2.T.Sub(R.MulVec(p1.T))
	E := mocap.Skew(t).Mul(R)
	K1inv, err := invert(in1.K)
	if err != nil {
		return mocap.Mat3{}, err
	}
	K2inv, err := invert(in2.K)
	if err != nil {
		return mocap.Mat3{}, err
	}
	return normalizeScale(K2inv.T().Mul(E).Mul(K1inv)), nil
}

func invert(m mocap.Mat3) (mocap.Mat3, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		return mocap.Mat3{}, fmt.Errorf("invert intrinsic matrix: %w", err)
	}
	return mocap.Mat3FromDense(&inv), nil
}
