package mocap

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// WorldTransform is a 4x4 row-major homogeneous matrix mapping the
// reconstruction frame to the world frame.
type WorldTransform [16]float64

// IdentityTransform returns the transform used before any floor calibration.
func IdentityTransform() WorldTransform {
	return WorldTransform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// NewWorldTransform assembles a transform from a linear block and a
// translation.
func NewWorldTransform(R Mat3, t r3.Vector) WorldTransform {
	return WorldTransform{
		R[0], R[1], R[2], t.X,
		R[3], R[4], R[5], t.Y,
		R[6], R[7], R[8], t.Z,
		0, 0, 0, 1,
	}
}

// Translation returns the pure translation by t.
func Translation(t r3.Vector) WorldTransform {
	return NewWorldTransform(Identity3(), t)
}

// Linear returns the upper-left 3x3 block.
func (w WorldTransform) Linear() Mat3 {
	return Mat3{w[0], w[1], w[2], w[4], w[5], w[6], w[8], w[9], w[10]}
}

// Offset returns the translation column.
func (w WorldTransform) Offset() r3.Vector {
	return r3.Vector{X: w[3], Y: w[7], Z: w[11]}
}

// WithLinear returns w with its 3x3 block replaced; translation unchanged.
func (w WorldTransform) WithLinear(R Mat3) WorldTransform {
	return NewWorldTransform(R, w.Offset())
}

// Apply maps a reconstruction-frame point into the world frame.
func (w WorldTransform) Apply(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: w[0]*p.X + w[1]*p.Y + w[2]*p.Z + w[3],
		Y: w[4]*p.X + w[5]*p.Y + w[6]*p.Z + w[7],
		Z: w[8]*p.X + w[9]*p.Y + w[10]*p.Z + w[11],
	}
}

// ApplyDirection maps a direction (no translation).
func (w WorldTransform) ApplyDirection(d r3.Vector) r3.Vector {
	return w.Linear().MulVec(d)
}

// Mul returns w·b, i.e. b applied first.
func (w WorldTransform) Mul(b WorldTransform) WorldTransform {
	var out WorldTransform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var s float64
			for k := 0; k < 4; k++ {
				s += w[r*4+k] * b[k*4+c]
			}
			out[r*4+c] = s
		}
	}
	return out
}

// Rows returns the matrix as nested rows for wire encoding.
func (w WorldTransform) Rows() [][]float64 {
	rows := make([][]float64, 4)
	for r := range rows {
		rows[r] = []float64{w[r*4], w[r*4+1], w[r*4+2], w[r*4+3]}
	}
	return rows
}

// TransformFromRows is the inverse of Rows.
func TransformFromRows(rows [][]float64) (WorldTransform, error) {
	var w WorldTransform
	if len(rows) != 4 {
		return w, fmt.Errorf("%w: expected 4 rows, got %d", ErrInvalidTransform, len(rows))
	}
	for r, row := range rows {
		if len(row) != 4 {
			return w, fmt.Errorf("%w: row %d has %d columns", ErrInvalidTransform, r, len(row))
		}
		copy(w[r*4:r*4+4], row)
	}
	return w, w.Validate()
}

// transformTolerance bounds the orthogonality and equal-norm checks.
const transformTolerance = 1e-6

// Validate checks that w is rigid, rigid with uniform scale, or rigid with
// a reflection: finite, bottom row (0,0,0,1), mutually orthogonal columns of
// equal non-zero norm.
func (w WorldTransform) Validate() error {
	for i, v := range w {
		if !finite(v) {
			return fmt.Errorf("%w: element %d is not finite", ErrInvalidTransform, i)
		}
	}
	if w[12] != 0 || w[13] != 0 || w[14] != 0 || w[15] != 1 {
		return fmt.Errorf("%w: bottom row must be [0 0 0 1]", ErrInvalidTransform)
	}
	L := w.Linear()
	c0, c1, c2 := L.Col(0), L.Col(1), L.Col(2)
	n := c0.Norm()
	if n < transformTolerance {
		return fmt.Errorf("%w: degenerate linear block", ErrInvalidTransform)
	}
	tol := transformTolerance * math.Max(1, n*n)
	if math.Abs(c0.Dot(c1)) > tol || math.Abs(c0.Dot(c2)) > tol || math.Abs(c1.Dot(c2)) > tol {
		return fmt.Errorf("%w: linear block columns are not orthogonal", ErrInvalidTransform)
	}
	if math.Abs(c1.Norm()-n) > transformTolerance*math.Max(1, n) || math.Abs(c2.Norm()-n) > transformTolerance*math.Max(1, n) {
		return fmt.Errorf("%w: linear block has non-uniform scale", ErrInvalidTransform)
	}
	return nil
}
