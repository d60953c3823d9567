package l3epipolar

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
)

// EssentialFromFundamental returns E = K2ᵀ·F·K1 projected onto the
// essential manifold (singular values 1, 1, 0).
func EssentialFromFundamental(F mocap.Mat3, K1, K2 mocap.Mat3) (mocap.Mat3, error) {
	E := K2.T().Mul(F).Mul(K1)
	U, V, err := svd3(E)
	if err != nil {
		return mocap.Mat3{}, err
	}
	S := mocap.Mat3{1, 0, 0, 0, 1, 0, 0, 0, 0}
	return U.Mul(S).Mul(V.T()), nil
}

func svd3(m mocap.Mat3) (U, V mocap.Mat3, err error) {
	var svd mat.SVD
	if ok := svd.Factorize(m.Dense(), mat.SVDFull); !ok {
		return U, V, mocap.NewGeometryError("essential", "svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	return mocap.Mat3FromDense(&u), mocap.Mat3FromDense(&v), nil
}

// DecomposeEssential returns the four (R, t) hypotheses consistent with E:
// R ∈ {U·W·Vᵀ, U·Wᵀ·Vᵀ}, t = ±u3. Each R is a proper rotation and each t
// has unit norm.
func DecomposeEssential(E mocap.Mat3) ([4]mocap.Pose, error) {
	U, V, err := svd3(E)
	if err != nil {
		return [4]mocap.Pose{}, err
	}
	if U.Det() < 0 {
		U = U.Scale(-1)
	}
	if V.Det() < 0 {
		V = V.Scale(-1)
	}
	W := mocap.Mat3{0, -1, 0, 1, 0, 0, 0, 0, 1}
	R1 := U.Mul(W).Mul(V.T())
	R2 := U.Mul(W.T()).Mul(V.T())
	t := U.Col(2).Normalize()
	neg := t.Mul(-1)
	return [4]mocap.Pose{
		{R: R1, T: t},
		{R: R1, T: neg},
		{R: R2, T: t},
		{R: R2, T: neg},
	}, nil
}

// unitTranslation rescales t to unit norm, leaving zero untouched.
func unitTranslation(t r3.Vector) r3.Vector {
	if n := t.Norm(); n > 0 {
		return t.Mul(1 / n)
	}
	return t
}
