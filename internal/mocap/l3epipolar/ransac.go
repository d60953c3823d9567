package l3epipolar

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/golang/geo/r2"

	"github.com/banshee-data/mocap/internal/mocap"
)

// RansacOptions controls robust fundamental-matrix estimation.
type RansacOptions struct {
	// Threshold is the Sampson distance (pixels) under which a
	// correspondence counts as an inlier.
	Threshold float64
	// Confidence is the probability that at least one sample is outlier
	// free; it drives the adaptive iteration count.
	Confidence    float64
	MaxIterations int
	Seed          int64
}

// DefaultRansacOptions matches a one-pixel threshold at 0.99999 confidence.
func DefaultRansacOptions() RansacOptions {
	return RansacOptions{
		Threshold:     1.0,
		Confidence:    0.99999,
		MaxIterations: 2000,
		Seed:          1,
	}
}

// FundamentalResult is the outcome of FindFundamental.
type FundamentalResult struct {
	F           mocap.Mat3
	Inliers     []bool
	InlierCount int
	Iterations  int
}

// requiredIterations returns the sample count needed to draw one clean
// minimal sample with the given confidence at inlier ratio w.
func requiredIterations(confidence, w float64, maxIter int) int {
	if w <= 0 {
		return maxIter
	}
	p := math.Pow(w, minCorrespondences)
	if p >= 1 {
		return 1
	}
	n := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(n) || n > float64(maxIter) {
		return maxIter
	}
	return int(math.Ceil(n))
}

// FindFundamental estimates F robustly from correspondences pts1[i] ↔
// pts2[i]. The best consensus set is refitted with all its inliers.
func FindFundamental(pts1, pts2 []r2.Point, opts RansacOptions) (FundamentalResult, error) {
	n := len(pts1)
	if n != len(pts2) {
		return FundamentalResult{}, fmt.Errorf("point sets differ in length: %d vs %d", n, len(pts2))
	}
	if n < minCorrespondences {
		return FundamentalResult{}, mocap.NewGeometryError("fundamental", "need at least %d correspondences, got %d", minCorrespondences, n)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultRansacOptions().MaxIterations
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	best := FundamentalResult{}
	s1 := make([]r2.Point, minCorrespondences)
	s2 := make([]r2.Point, minCorrespondences)
	limit := opts.MaxIterations
	if n == minCorrespondences {
		limit = 1
	}

	it := 0
	for ; it < limit; it++ {
		idx := rng.Perm(n)[:minCorrespondences]
		for k, j := range idx {
			s1[k], s2[k] = pts1[j], pts2[j]
		}
		F, err := EightPoint(s1, s2)
		if err != nil {
			continue
		}
		mask, count := classify(F, pts1, pts2, opts.Threshold)
		if count > best.InlierCount {
			best = FundamentalResult{F: F, Inliers: mask, InlierCount: count}
			limit = min(limit, max(requiredIterations(opts.Confidence, float64(count)/float64(n), opts.MaxIterations), it+1))
		}
	}
	best.Iterations = it
	if best.InlierCount < minCorrespondences {
		return best, mocap.NewGeometryError("fundamental", "only %d inliers of %d correspondences", best.InlierCount, n)
	}

	in1 := make([]r2.Point, 0, best.InlierCount)
	in2 := make([]r2.Point, 0, best.InlierCount)
	for i, ok := range best.Inliers {
		if ok {
			in1 = append(in1, pts1[i])
			in2 = append(in2, pts2[i])
		}
	}
	F, err := EightPoint(in1, in2)
	if err != nil {
		return best, err
	}
	if mask, count := classify(F, pts1, pts2, opts.Threshold); count >= best.InlierCount {
		best.F, best.Inliers, best.InlierCount = F, mask, count
	}
	diagf("fundamental: %d/%d inliers after %d iterations", best.InlierCount, n, best.Iterations)
	return best, nil
}

func classify(F mocap.Mat3, pts1, pts2 []r2.Point, threshold float64) ([]bool, int) {
	mask := make([]bool, len(pts1))
	count := 0
	for i := range pts1 {
		if SampsonDistance(F, pts1[i], pts2[i]) <= threshold {
			mask[i] = true
			count++
		}
	}
	return mask, count
}
