// Package l3epipolar estimates the relative pose between camera pairs from
// point correspondences and chains pairwise poses into one reconstruction
// frame anchored at camera 0.
//
// Pairwise estimation: RANSAC over the normalized 8-point algorithm gives
// the fundamental matrix; the essential matrix K2ᵀ·F·K1 is projected onto
// singular values (1, 1, 0) and decomposed into four (R, t) hypotheses, of
// which the one placing the most points in front of both cameras wins.
// Translation is unit-norm; metric scale is recovered later.
package l3epipolar
