package mocap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntrinsics() Intrinsics {
	return Intrinsics{
		K:          Mat3{600, 0, 320, 0, 610, 240, 0, 0, 1},
		Distortion: []float64{-0.12, 0.03, 0.001, -0.002, 0},
		Width:      640,
		Height:     480,
	}
}

func TestIntrinsics_UndistortInvertsDistort(t *testing.T) {
	t.Parallel()

	in := testIntrinsics()
	for _, p := range []r2.Point{{X: 320, Y: 240}, {X: 10, Y: 15}, {X: 600, Y: 400}, {X: 100, Y: 450}} {
		d := in.Distort(p)
		u := in.Undistort(d)
		assert.InDelta(t, p.X, u.X, 1e-6)
		assert.InDelta(t, p.Y, u.Y, 1e-6)
	}

	plain := Intrinsics{K: in.K}
	assert.Equal(t, r2.Point{X: 3, Y: 4}, plain.Undistort(r2.Point{X: 3, Y: 4}))
}

func TestIntrinsics_RotateDetectionRoundTrip(t *testing.T) {
	t.Parallel()

	for _, rot := range []int{0, 1, 2, 3, 90, 180, 270} {
		in := testIntrinsics()
		in.Rotation = rot
		p := r2.Point{X: 17, Y: 420}
		back := in.UnrotateDetection(in.RotateDetection(p))
		assert.InDelta(t, p.X, back.X, 1e-12, "rotation %d", rot)
		assert.InDelta(t, p.Y, back.Y, 1e-12, "rotation %d", rot)
	}

	in := testIntrinsics()
	in.Rotation = 1
	// A quarter turn counter-clockwise sends the top-right corner to the top-left.
	assert.Equal(t, r2.Point{X: 0, Y: 0}, in.RotateDetection(r2.Point{X: 639, Y: 0}))
}

func TestIntrinsics_Project(t *testing.T) {
	t.Parallel()

	in := testIntrinsics()
	px, depth := in.Project(IdentityPose(), r3.Vector{X: 0.1, Y: -0.2, Z: 2})
	assert.InDelta(t, 2.0, depth, 1e-12)
	assert.InDelta(t, 320+600*0.05, px.X, 1e-9)
	assert.InDelta(t, 240-610*0.1, px.Y, 1e-9)
}

func TestIntrinsics_Validate(t *testing.T) {
	t.Parallel()

	in := testIntrinsics()
	require.NoError(t, in.Validate())

	bad := in
	bad.K[0] = 0
	assert.Error(t, bad.Validate())

	bad = in
	bad.Rotation = 45
	assert.Error(t, bad.Validate())

	bad = in
	bad.Rotation = 90
	bad.Width = 0
	assert.Error(t, bad.Validate())
}

func TestLoadIntrinsics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	doc := `[
 {"intrinsic_matrix": [[500,0,320],[0,500,240],[0,0,1]], "distortion_coef": [[0.1,-0.01,0,0,0]], "rotation": 0},
 {"intrinsic_matrix": [[510,0,330],[0,505,250],[0,0,1]], "distortion_coef": [[0,0,0,0,0]], "rotation": 0}
]`
	path := filepath.Join(dir, "camera-params.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	intr, err := LoadIntrinsics(path)
	require.NoError(t, err)
	require.Len(t, intr, 2)
	assert.Equal(t, 510.0, intr[1].Fx())
	assert.Equal(t, []float64{0.1, -0.01, 0, 0, 0}, intr[0].Distortion)

	_, err = LoadIntrinsics(filepath.Join(dir, "params.yaml"))
	assert.Error(t, err)

	one := filepath.Join(dir, "one.json")
	require.NoError(t, os.WriteFile(one, []byte(`[{"intrinsic_matrix": [[1,0,0],[0,1,0],[0,0,1]]}]`), 0o644))
	_, err = LoadIntrinsics(one)
	assert.Error(t, err)
}
