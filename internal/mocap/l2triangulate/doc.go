// Package l2triangulate reconstructs 3D points from two or more calibrated
// views.
//
// Reconstruction runs the linear DLT on the present observations (exact for
// consistent views) and, with three or more views, refines the result with
// damped Gauss-Newton on pixel reprojection error. Absent observations are
// skipped; fewer than two present views yields mocap.ErrInsufficientViews.
package l2triangulate
