package l6tracking

import (
	"github.com/golang/geo/r2"

	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l3epipolar"
)

// Correlator groups one tick's detections into one correspondence per
// object slot.
type Correlator interface {
	Correlate(fs mocap.FrameSet, cal Calibration, slots int) []mocap.Correspondence
}

// NewCorrelator returns the strategy named by mode. gate bounds the
// epipolar distance in pixels for the epipolar strategy.
func NewCorrelator(mode string, gate float64) Correlator {
	if mode == config.CorrelationEpipolar {
		return EpipolarCorrelator{Gate: gate}
	}
	return OrdinalCorrelator{}
}

// OrdinalCorrelator assigns the k-th detection of every camera to slot k.
// Detections arrive largest-first, so this holds while markers keep their
// relative apparent size across views.
type OrdinalCorrelator struct{}

func (OrdinalCorrelator) Correlate(fs mocap.FrameSet, _ Calibration, slots int) []mocap.Correspondence {
	out := newSlots(slots, len(fs.Cameras))
	for ci, cam := range fs.Cameras {
		if cam.Absent {
			continue
		}
		for k := 0; k < slots && k < len(cam.Points); k++ {
			out[k][ci] = mocap.Seen(cam.Points[k])
		}
	}
	return out
}

// EpipolarCorrelator anchors slots on the first camera with detections and
// matches every other camera's detections to them by minimum total
// symmetric epipolar distance. Pairs farther apart than Gate stay
// unmatched.
type EpipolarCorrelator struct {
	Gate float64
}

func (e EpipolarCorrelator) Correlate(fs mocap.FrameSet, cal Calibration, slots int) []mocap.Correspondence {
	out := newSlots(slots, len(fs.Cameras))
	ref := -1
	for ci, cam := range fs.Cameras {
		if !cam.Absent && len(cam.Points) > 0 && ci < len(cal.Poses) {
			ref = ci
			break
		}
	}
	if ref < 0 {
		return out
	}
	anchors := fs.Cameras[ref].Points
	if len(anchors) > slots {
		anchors = anchors[:slots]
	}
	for k, p := range anchors {
		out[k][ref] = mocap.Seen(p)
	}

	for ci, cam := range fs.Cameras {
		if ci == ref || cam.Absent || len(cam.Points) == 0 || ci >= len(cal.Poses) {
			continue
		}
		F, err := l3epipolar.FundamentalFromPoses(cal.Intrinsics[ref], cal.Intrinsics[ci], cal.Poses[ref], cal.Poses[ci])
		if err != nil {
			tracef("camera %d: no fundamental matrix: %v", ci, err)
			continue
		}
		match := Assign(epipolarCost(F, anchors, cam.Points, e.Gate))
		for k, j := range match {
			if j >= 0 {
				out[k][ci] = mocap.Seen(cam.Points[j])
			}
		}
	}
	return out
}

func epipolarCost(F mocap.Mat3, anchors, pts []r2.Point, gate float64) [][]float64 {
	cost := make([][]float64, len(anchors))
	for i, a := range anchors {
		cost[i] = make([]float64, len(pts))
		for j, p := range pts {
			d := l3epipolar.SymmetricEpipolarDistance(F, a, p)
			if gate > 0 && d > gate {
				d = forbidden
			}
			cost[i][j] = d
		}
	}
	return cost
}

func newSlots(slots, cameras int) []mocap.Correspondence {
	out := make([]mocap.Correspondence, slots)
	for k := range out {
		out[k] = make(mocap.Correspondence, cameras)
	}
	return out
}
