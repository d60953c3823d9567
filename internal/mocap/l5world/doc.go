// Package l5world calibrates the world frame of a reconstructed rig: it
// levels the floor, places the origin, applies manual rotations and
// recovers metric scale from a marker pair of known separation.
//
// Every operation returns a new transform or new poses; nothing is mutated
// in place, so a failed calibration step leaves the committed session state
// untouched.
package l5world
