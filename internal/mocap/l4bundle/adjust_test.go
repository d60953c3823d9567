package l4bundle

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/testutil"
)

// perturb rotates and shifts every non-reference pose by a small amount.
func perturb(rng *rand.Rand, poses []mocap.Pose, rot, trans float64) []mocap.Pose {
	out := append([]mocap.Pose(nil), poses...)
	for i := 1; i < len(out); i++ {
		w := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(rot)
		d := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(trans)
		out[i] = mocap.Pose{R: mocap.RotationFromAxisAngle(w).Mul(out[i].R), T: out[i].T.Add(d)}
	}
	return out
}

func syntheticProblem(t *testing.T, seed int64, cameras, points int, noise float64) (Problem, testutil.Rig) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	rig := testutil.NewRingRig(cameras, 3, 1.5)
	truth := rig.Normalized()
	var obs []mocap.Correspondence
	for _, X := range testutil.RandomPoints(rng, points, 0.6) {
		obs = append(obs, rig.ObserveNoisy(rng, X, noise))
	}
	return Problem{
		Intrinsics:   rig.Intrinsics,
		Poses:        perturb(rng, truth, 0.01, 0.02),
		Observations: obs,
	}, rig
}

func TestAdjust_CostNonIncreasing(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 1, 4, 60, 0.3)
	res, err := Adjust(p, DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, res.CostHistory)
	for i := 1; i < len(res.CostHistory); i++ {
		assert.LessOrEqual(t, res.CostHistory[i], res.CostHistory[i-1], "cost increased at step %d", i)
	}
	assert.Less(t, res.CostHistory[len(res.CostHistory)-1], res.CostHistory[0])
	assert.Less(t, res.MeanError, 1.0)
	assert.True(t, res.Converged)
	assert.Nil(t, res.Warning)
}

func TestAdjust_ReferenceCameraFixed(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 2, 3, 40, 0.2)
	R, _ := mocap.RotationAbout("z", 5)
	p.Poses[0] = mocap.Pose{R: R, T: r3.Vector{X: 1}}

	res, err := Adjust(p, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, mocap.IdentityPose(), res.Poses[0])
}

func TestAdjust_NoiselessRecoversRig(t *testing.T) {
	t.Parallel()

	p, rig := syntheticProblem(t, 3, 3, 50, 0)
	res, err := Adjust(p, DefaultOptions())
	require.NoError(t, err)
	assert.Less(t, res.MeanError, 1e-4)

	// The reconstruction is only defined up to scale: compare translation
	// directions relative to the true rig.
	truth := rig.Normalized()
	for i := 1; i < len(truth); i++ {
		assert.InDelta(t, 0, mocap.AxisAngle(res.Poses[i].R.Mul(truth[i].R.T())).Norm(), 1e-4)
		assert.InDelta(t, 0, res.Poses[i].T.Normalize().Sub(truth[i].T.Normalize()).Norm(), 1e-4)
	}
}

func TestAdjust_IterationCapWarns(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 4, 4, 60, 0.5)
	res, err := Adjust(p, Options{MaxIterations: 1, Tolerance: 1e-15})
	require.NoError(t, err)
	require.NotNil(t, res.Warning)
	assert.True(t, errors.Is(res.Warning, mocap.ErrConvergence))
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.Converged)
}

// singular never produces a step.
type singular struct{ calls int }

func (s *singular) solve(float64) ([]float64, bool) {
	s.calls++
	return nil, false
}

func TestOptimize_NoFiniteStepWarns(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 6, 3, 20, 0.5)
	s, st, res, err := prepare(p)
	require.NoError(t, err)
	sys := &singular{}
	s.linear = func(state) stepper { return sys }

	s.optimize(st, withDefaults(Options{}), &res)
	require.NotNil(t, res.Warning)
	assert.ErrorIs(t, res.Warning, mocap.ErrConvergence)
	assert.Equal(t, "no finite step", res.Warning.Reason)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	assert.Len(t, res.CostHistory, 1)
	assert.Greater(t, sys.calls, 1)
	assert.Equal(t, p.Poses[1:], res.Poses[1:])
}

func TestDamp_StalledStepIsAMinimum(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 7, 3, 20, 0.5)
	s, st, res, err := prepare(p)
	require.NoError(t, err)

	// Claiming a cost below anything reachable makes every solved step a
	// non-improvement.
	_, _, _, outcome := s.damp(s.linearize(st), st, 0, 1e-3, 1e6)
	assert.Equal(t, stepStalled, outcome)

	_, c, _, outcome := s.damp(s.linearize(st), st, res.CostHistory[0], 1e-3, 1e12)
	assert.Equal(t, stepAccepted, outcome)
	assert.Less(t, c, res.CostHistory[0])
}

func TestAdjust_DropsUnusableCorrespondences(t *testing.T) {
	t.Parallel()

	p, _ := syntheticProblem(t, 5, 3, 20, 0.1)
	lonely := make(mocap.Correspondence, 3)
	lonely[1] = p.Observations[0][1]
	p.Observations = append([]mocap.Correspondence{lonely}, p.Observations...)

	res, err := Adjust(p, DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, res.Points, 20)
	assert.NotContains(t, res.PointIndex, 0)
}

func TestAdjust_RejectsTooFewCameras(t *testing.T) {
	t.Parallel()

	_, err := Adjust(Problem{Poses: []mocap.Pose{mocap.IdentityPose()}, Intrinsics: []mocap.Intrinsics{testutil.DefaultIntrinsics()}}, DefaultOptions())
	assert.ErrorIs(t, err, mocap.ErrInsufficientViews)
}

func TestPlotCostHistory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := PlotCostHistory([]float64{100, 10, 1, 0.5}, dir, "cost.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cost.png"), path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = PlotCostHistory(nil, dir, "empty.png")
	assert.Error(t, err)
}
