package main

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/config"
)

func TestRingPosesLookAtOrigin(t *testing.T) {
	poses := ringPoses(4, 2.5, 2)
	require.Len(t, poses, 4)
	for i, p := range poses {
		assert.True(t, p.R.IsRotation(1e-9), "camera %d", i)
		c := p.Center()
		assert.InDelta(t, 2.0, c.Z, 1e-9, "camera %d height", i)
		assert.InDelta(t, 2.5, r3.Vector{X: c.X, Y: c.Y}.Norm(), 1e-9, "camera %d radius", i)
		// the origin projects onto the optical axis
		o := p.Apply(r3.Vector{})
		assert.InDelta(t, 0, o.X, 1e-9)
		assert.InDelta(t, 0, o.Y, 1e-9)
		assert.Greater(t, o.Z, 0.0)
	}
}

func TestDevIntrinsicsFallback(t *testing.T) {
	old := *paramsFile
	*paramsFile = "does-not-exist.json"
	t.Cleanup(func() { *paramsFile = old })

	intr, err := devIntrinsics(3)
	require.NoError(t, err)
	require.Len(t, intr, 3)
	for _, in := range intr {
		assert.NoError(t, in.Validate())
	}

	_, err = devIntrinsics(1)
	assert.Error(t, err)
}

func TestCalibrationConfigFromTuning(t *testing.T) {
	tuning := config.DefaultTuningConfig()
	cfg := calibrationConfig(tuning)
	assert.Equal(t, tuning.GetRansacMaxIterations(), cfg.Epipolar.Ransac.MaxIterations)
	assert.Equal(t, tuning.GetBAMaxIterations(), cfg.Bundle.MaxIterations)
	assert.InDelta(t, tuning.GetKnownSeparationM(), cfg.KnownSeparation, 1e-12)
	assert.Empty(t, cfg.PlotDir)
}

func TestFlagDefaults(t *testing.T) {
	assert.False(t, *devMode)
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, "localhost:50051", *grpcListen)
	assert.Equal(t, 4, *devCameras)
}
