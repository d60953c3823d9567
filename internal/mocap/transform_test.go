package mocap

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldTransform_Validate(t *testing.T) {
	t.Parallel()

	R, _ := RotationAbout("y", 33)
	reflect := Mat3{1, 0, 0, 0, -1, 0, 0, 0, 1}

	tests := []struct {
		name    string
		w       WorldTransform
		wantErr bool
	}{
		{"identity", IdentityTransform(), false},
		{"rigid", NewWorldTransform(R, r3.Vector{X: 1, Y: 2, Z: 3}), false},
		{"scaled", NewWorldTransform(R.Scale(2.5), r3.Vector{}), false},
		{"reflected", NewWorldTransform(reflect.Mul(R), r3.Vector{Z: 1}), false},
		{"shear", NewWorldTransform(Mat3{1, 0.2, 0, 0, 1, 0, 0, 0, 1}, r3.Vector{}), true},
		{"anisotropic", NewWorldTransform(Mat3{1, 0, 0, 0, 2, 0, 0, 0, 1}, r3.Vector{}), true},
		{"nan", WorldTransform{math.NaN(), 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}, true},
		{"projective", WorldTransform{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0.1, 0, 1}, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.w.Validate()
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransform))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorldTransform_MulApply(t *testing.T) {
	t.Parallel()

	R, _ := RotationAbout("z", 90)
	a := NewWorldTransform(R, r3.Vector{X: 1})
	b := Translation(r3.Vector{Y: 2})
	p := r3.Vector{X: 1, Y: 1, Z: 1}

	got := a.Mul(b).Apply(p)
	want := a.Apply(b.Apply(p))
	assert.InDelta(t, 0, got.Sub(want).Norm(), 1e-12)

	rows := a.Rows()
	back, err := TransformFromRows(rows)
	require.NoError(t, err)
	assert.Equal(t, a, back)

	_, err = TransformFromRows(rows[:3])
	assert.ErrorIs(t, err, ErrInvalidTransform)
}

func TestPose_CenterAndCompose(t *testing.T) {
	t.Parallel()

	R, _ := RotationAbout("x", 40)
	p := Pose{R: R, T: r3.Vector{X: 0.5, Y: -1, Z: 2}}
	c := p.Center()
	assert.InDelta(t, 0, p.Apply(c).Norm(), 1e-12)

	q := Pose{R: Identity3(), T: r3.Vector{Z: 1}}
	X := r3.Vector{X: 1, Y: 2, Z: 3}
	assert.InDelta(t, 0, p.Compose(q).Apply(X).Sub(q.Apply(p.Apply(X))).Norm(), 1e-12)
}
