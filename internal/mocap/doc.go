// Package mocap holds the data model shared by the marker-tracking layers:
// camera intrinsics and poses, per-camera observations, the world transform
// and the error taxonomy reported by calibration and live tracking.
//
// The processing layers live in sub-packages and only depend downward:
//
//	l1frames       synchronized multi-camera acquisition and spot detection
//	l2triangulate  multi-view triangulation
//	l3epipolar     pairwise relative pose and pose chaining
//	l4bundle       bundle adjustment
//	l5world        floor, origin, rotation and scale calibration
//	l6tracking     steady-state live tracking loop
//
// session wires them to a rig handle, pipeline is the calibration composition
// root and storage/sqlite persists session state.
package mocap
