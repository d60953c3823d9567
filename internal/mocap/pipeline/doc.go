// Package pipeline orchestrates rig calibration.
//
// It wires the layer packages (l3epipolar pose estimation, l2triangulate,
// l4bundle refinement, l5world frame calibration) to the session store,
// the calibration capture buffer and the run history in storage/sqlite.
// Domain logic stays in the layer packages; this package decides what
// data each operation runs on and what gets committed.
package pipeline
