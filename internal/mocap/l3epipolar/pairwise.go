package l3epipolar

import (
	"github.com/golang/geo/r2"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l2triangulate"
)

// Options configures pairwise pose estimation.
type Options struct {
	Ransac RansacOptions
	// DegenerateRatio is the share of F-inliers that a single homography
	// may explain before the pair is rejected as near-planar.
	DegenerateRatio float64
}

// DefaultOptions returns the estimator defaults.
func DefaultOptions() Options {
	return Options{Ransac: DefaultRansacOptions(), DegenerateRatio: 0.95}
}

// PairResult is the relative pose of camera B with respect to camera A:
// x_B = R·x_A + t, |t| = 1.
type PairResult struct {
	Pose mocap.Pose
	F    mocap.Mat3
	// Used is the number of ticks where both cameras saw the point.
	Used        int
	InlierCount int
	// InFront counts inliers with positive depth in both cameras under
	// the chosen hypothesis.
	InFront int
}

// EstimatePair computes the relative pose between cameras A and B from
// their per-tick observations. Ticks where either camera has no detection
// are masked out.
func EstimatePair(intrA, intrB mocap.Intrinsics, obsA, obsB []mocap.Observation, opts Options) (PairResult, error) {
	var ptsA, ptsB []r2.Point
	for i := 0; i < len(obsA) && i < len(obsB); i++ {
		if obsA[i].Present && obsB[i].Present {
			ptsA = append(ptsA, obsA[i].Point)
			ptsB = append(ptsB, obsB[i].Point)
		}
	}
	res := PairResult{Used: len(ptsA)}
	if len(ptsA) < minCorrespondences {
		return res, mocap.NewGeometryError("pairwise", "need at least %d shared observations, got %d", minCorrespondences, len(ptsA))
	}

	fr, err := FindFundamental(ptsA, ptsB, opts.Ransac)
	if err != nil {
		return res, err
	}
	res.F, res.InlierCount = fr.F, fr.InlierCount

	var inA, inB []r2.Point
	for i, ok := range fr.Inliers {
		if ok {
			inA = append(inA, ptsA[i])
			inB = append(inB, ptsB[i])
		}
	}
	if opts.DegenerateRatio > 0 {
		if ratio := homographyRatio(inA, inB, opts.Ransac.Threshold); ratio >= opts.DegenerateRatio {
			opsf("pairwise: homography explains %.0f%% of %d inliers, rejecting near-planar pair", ratio*100, len(inA))
			return res, mocap.NewGeometryError("pairwise", "homography explains %.0f%% of inliers: %w", ratio*100, mocap.ErrDegenerateGeometry)
		}
	}

	E, err := EssentialFromFundamental(fr.F, intrA.K, intrB.K)
	if err != nil {
		return res, err
	}
	hyps, err := DecomposeEssential(E)
	if err != nil {
		return res, err
	}

	best := -1
	for h, pose := range hyps {
		if n := countInFront(intrA, intrB, pose, inA, inB); n > res.InFront {
			res.InFront, best = n, h
		}
	}
	if best < 0 {
		return res, mocap.NewGeometryError("pairwise", "no pose hypothesis places points in front of both cameras")
	}
	res.Pose = mocap.Pose{R: hyps[best].R, T: unitTranslation(hyps[best].T)}
	diagf("pairwise: hypothesis %d chosen, %d/%d inliers in front of both cameras", best, res.InFront, len(inA))
	return res, nil
}

// countInFront triangulates each correspondence with camera A at the
// identity and B at pose, counting points with positive depth in both.
func countInFront(intrA, intrB mocap.Intrinsics, pose mocap.Pose, ptsA, ptsB []r2.Point) int {
	n := 0
	for i := range ptsA {
		X, err := l2triangulate.DLT([]l2triangulate.View{
			{Intrinsics: intrA, Pose: mocap.IdentityPose(), Point: ptsA[i]},
			{Intrinsics: intrB, Pose: pose, Point: ptsB[i]},
		})
		if err != nil {
			continue
		}
		if X.Z > 0 && pose.Apply(X).Z > 0 {
			n++
		}
	}
	return n
}
