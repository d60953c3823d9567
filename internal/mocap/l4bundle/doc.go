// Package l4bundle jointly refines camera poses and 3D points by
// minimising total squared pixel reprojection error.
//
// The solver is Levenberg-Marquardt with Marquardt (diagonal) damping. Each
// iteration builds the normal equations block-wise, eliminates the point
// blocks with the Schur complement, solves the reduced camera system and
// back-substitutes the point updates. Camera 0 is held at the identity to
// fix the gauge. A step is committed only if it lowers the cost, so the
// recorded cost history never increases.
package l4bundle
