// Package l1frames acquires synchronized frames from every camera of a rig
// and reduces them to undistorted 2D marker detections.
//
// One acquisition goroutine per rig captures all cameras on each tick,
// detects bright spots, maps them into the calibrated image frame
// (quarter-turn rotation, then lens undistortion) and swaps each camera's
// detection buffer under that camera's lock. The assembled FrameSet is
// offered to every subscriber through a single-slot channel that always
// holds the newest set: a consumer that falls behind skips frames instead
// of queueing them.
package l1frames
