package mocap

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Mat3 is a 3x3 row-major matrix. Rotations, intrinsic matrices and the
// fundamental/essential matrices all use it; heavier linear algebra converts
// to gonum with Dense.
type Mat3 [9]float64

// Identity3 returns the 3x3 identity.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns element (r, c).
func (m Mat3) At(r, c int) float64 { return m[r*3+c] }

// Mul returns m·b.
func (m Mat3) Mul(b Mat3) Mat3 {
	var out Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = m[r*3]*b[c] + m[r*3+1]*b[3+c] + m[r*3+2]*b[6+c]
		}
	}
	return out
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Scale returns s·m.
func (m Mat3) Scale(s float64) Mat3 {
	for i := range m {
		m[i] *= s
	}
	return m
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Row returns row r as a vector.
func (m Mat3) Row(r int) r3.Vector {
	return r3.Vector{X: m[r*3], Y: m[r*3+1], Z: m[r*3+2]}
}

// Col returns column c as a vector.
func (m Mat3) Col(c int) r3.Vector {
	return r3.Vector{X: m[c], Y: m[3+c], Z: m[6+c]}
}

// IsFinite reports whether every element is finite.
func (m Mat3) IsFinite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// IsRotation reports whether m is orthonormal with determinant +1 within tol.
func (m Mat3) IsRotation(tol float64) bool {
	if !m.IsFinite() {
		return false
	}
	p := m.Mul(m.T())
	id := Identity3()
	for i := range p {
		if math.Abs(p[i]-id[i]) > tol {
			return false
		}
	}
	return math.Abs(m.Det()-1) <= tol
}

// Dense copies m into a new gonum matrix.
func (m Mat3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Mat3FromDense copies the top-left 3x3 block of a gonum matrix.
func Mat3FromDense(a mat.Matrix) Mat3 {
	var m Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r*3+c] = a.At(r, c)
		}
	}
	return m
}

// Skew returns the cross-product matrix [v]x.
func Skew(v r3.Vector) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

// Outer returns a·bᵀ.
func Outer(a, b r3.Vector) Mat3 {
	return Mat3{
		a.X * b.X, a.X * b.Y, a.X * b.Z,
		a.Y * b.X, a.Y * b.Y, a.Y * b.Z,
		a.Z * b.X, a.Z * b.Y, a.Z * b.Z,
	}
}

func addMat3(a, b Mat3) Mat3 {
	for i := range a {
		a[i] += b[i]
	}
	return a
}

// RotationFromAxisAngle converts a rotation vector (axis scaled by angle in
// radians) to a rotation matrix.
func RotationFromAxisAngle(w r3.Vector) Mat3 {
	theta := w.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps tiny steps differentiable.
		return addMat3(Identity3(), Skew(w))
	}
	k := w.Mul(1 / theta)
	K := Skew(k)
	return addMat3(addMat3(Identity3(), K.Scale(math.Sin(theta))), K.Mul(K).Scale(1-math.Cos(theta)))
}

// AxisAngle converts a rotation matrix to its rotation vector.
func AxisAngle(R Mat3) r3.Vector {
	cos := (R[0] + R[4] + R[8] - 1) / 2
	cos = math.Max(-1, math.Min(1, cos))
	theta := math.Acos(cos)
	if theta < 1e-12 {
		return r3.Vector{X: (R[7] - R[5]) / 2, Y: (R[2] - R[6]) / 2, Z: (R[3] - R[1]) / 2}
	}
	if math.Pi-theta < 1e-6 {
		// Near a half turn: axis from the diagonal of (R+I)/2 = k·kᵀ.
		x := math.Sqrt(math.Max(0, (R[0]+1)/2))
		y := math.Sqrt(math.Max(0, (R[4]+1)/2))
		z := math.Sqrt(math.Max(0, (R[8]+1)/2))
		switch {
		case x >= y && x >= z:
			y = math.Copysign(y, R[1]+R[3])
			z = math.Copysign(z, R[2]+R[6])
		case y >= z:
			x = math.Copysign(x, R[1]+R[3])
			z = math.Copysign(z, R[5]+R[7])
		default:
			x = math.Copysign(x, R[2]+R[6])
			y = math.Copysign(y, R[5]+R[7])
		}
		return r3.Vector{X: x, Y: y, Z: z}.Normalize().Mul(theta)
	}
	s := theta / (2 * math.Sin(theta))
	return r3.Vector{X: (R[7] - R[5]) * s, Y: (R[2] - R[6]) * s, Z: (R[3] - R[1]) * s}
}

// RotationAbout returns the right-handed rotation by degrees about a
// principal axis ("x", "y" or "z"). ok is false for any other axis name.
func RotationAbout(axis string, degrees float64) (Mat3, bool) {
	a := degrees * math.Pi / 180
	c, s := math.Cos(a), math.Sin(a)
	switch axis {
	case "x":
		return Mat3{1, 0, 0, 0, c, -s, 0, s, c}, true
	case "y":
		return Mat3{c, 0, s, 0, 1, 0, -s, 0, c}, true
	case "z":
		return Mat3{c, -s, 0, s, c, 0, 0, 0, 1}, true
	}
	return Mat3{}, false
}
