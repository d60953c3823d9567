package l3epipolar

import (
	"fmt"

	"github.com/banshee-data/mocap/internal/mocap"
)

// Chain composes relative poses along the linear camera order 0→1→…→N-1
// into poses in camera 0's frame. rel[k] is the pose of camera k+1 relative
// to camera k. Composition is
//
//	R_i = Rrel_i · R_{i-1}
//	t_i = t_{i-1} + R_{i-1} · trel_i
//
// which is exact for the first pair. Drift beyond it is left for bundle
// adjustment; there is no loop closure.
func Chain(rel []mocap.Pose) []mocap.Pose {
	poses := make([]mocap.Pose, 1, len(rel)+1)
	poses[0] = mocap.IdentityPose()
	for _, r := range rel {
		prev := poses[len(poses)-1]
		poses = append(poses, mocap.Pose{
			R: r.R.Mul(prev.R),
			T: prev.T.Add(prev.R.MulVec(r.T)),
		})
	}
	return poses
}

// EstimateChain runs EstimatePair over each consecutive camera pair and
// chains the results. obs[c][k] is camera c's observation at tick k. The
// first failing pair aborts the whole estimate.
func EstimateChain(intr []mocap.Intrinsics, obs [][]mocap.Observation, opts Options) ([]mocap.Pose, []PairResult, error) {
	if len(intr) < 2 || len(obs) != len(intr) {
		return nil, nil, fmt.Errorf("need observations for at least 2 cameras, got %d intrinsics and %d observation sets: %w", len(intr), len(obs), mocap.ErrInsufficientViews)
	}
	pairs := make([]PairResult, 0, len(intr)-1)
	rel := make([]mocap.Pose, 0, len(intr)-1)
	for c := 1; c < len(intr); c++ {
		res, err := EstimatePair(intr[c-1], intr[c], obs[c-1], obs[c], opts)
		if err != nil {
			return nil, nil, fmt.Errorf("cameras %d-%d: %w", c-1, c, err)
		}
		pairs = append(pairs, res)
		rel = append(rel, res.Pose)
	}
	return Chain(rel), pairs, nil
}
