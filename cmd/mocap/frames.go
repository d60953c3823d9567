package main

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l1frames"
	"github.com/banshee-data/mocap/internal/timeutil"
)

// Synthetic rig layout used by -dev.
const (
	devRingRadius  = 2.5
	devRingHeight  = 2.0
	devMarkerPx    = 3
	devOrbitRadius = 0.6
	devOrbitHeight = 0.5
	devOrbitPeriod = 8 * time.Second
)

// newFrameSource builds the acquisition loop. Only the synthetic rig is
// compiled in; a hardware driver plugs in through l1frames.Camera.
func newFrameSource(t *config.TuningConfig, clock timeutil.Clock) (*l1frames.Source, error) {
	if !*devMode {
		return nil, fmt.Errorf("no camera driver is built into this binary; run with -dev for the synthetic rig")
	}
	intr, err := devIntrinsics(*devCameras)
	if err != nil {
		return nil, err
	}
	scene := l1frames.OrbitScene(devOrbitRadius, devOrbitHeight, t.GetKnownSeparationM(), devOrbitPeriod)
	cams := make([]l1frames.Camera, len(intr))
	for i, pose := range ringPoses(len(intr), devRingRadius, devRingHeight) {
		cam := l1frames.NewSyntheticCamera(intr[i], pose, scene, clock, devMarkerPx)
		if err := cam.Apply(l1frames.Settings{Exposure: t.GetCameraExposure(), Gain: t.GetCameraGain()}); err != nil {
			return nil, fmt.Errorf("camera %d: %w", i, err)
		}
		cams[i] = cam
	}
	return l1frames.NewSource(cams, intr, l1frames.Config{
		Interval: t.GetFrameInterval(),
		Clock:    clock,
		Detector: l1frames.BrightSpotDetector{
			Threshold: uint8(min(max(t.GetDetectionThreshold(), 0), 255)),
			MinArea:   t.GetMinSpotArea(),
			MaxArea:   t.GetMaxSpotArea(),
			MaxPoints: t.GetMaxPointsPerCamera(),
		},
	})
}

// devIntrinsics reads -params when it names a file and otherwise gives
// every synthetic camera a distortion-free 640x480 lens.
func devIntrinsics(n int) ([]mocap.Intrinsics, error) {
	if intr, err := mocap.LoadIntrinsics(*paramsFile); err == nil {
		return intr, nil
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: -dev-cameras must be at least 2", mocap.ErrInsufficientViews)
	}
	intr := make([]mocap.Intrinsics, n)
	for i := range intr {
		intr[i] = mocap.Intrinsics{
			K:      mocap.Mat3{500, 0, 320, 0, 500, 240, 0, 0, 1},
			Width:  640,
			Height: 480,
		}
	}
	return intr, nil
}

// ringPoses places n cameras on a circle, each looking at the origin with
// world +Z up.
func ringPoses(n int, radius, height float64) []mocap.Pose {
	poses := make([]mocap.Pose, n)
	for i := range poses {
		a := 2 * math.Pi * float64(i) / float64(n)
		c := r3.Vector{X: radius * math.Cos(a), Y: radius * math.Sin(a), Z: height}
		f := c.Mul(-1).Normalize()
		right := f.Cross(r3.Vector{Z: 1}).Normalize()
		down := f.Cross(right)
		R := mocap.Mat3{right.X, right.Y, right.Z, down.X, down.Y, down.Z, f.X, f.Y, f.Z}
		poses[i] = mocap.Pose{R: R, T: R.MulVec(c).Mul(-1)}
	}
	return poses
}
