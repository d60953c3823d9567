// Package l6tracking runs the steady-state loop that turns each FrameSet
// into world-frame marker positions.
//
// Per frame set the tracker correlates detections across cameras into one
// correspondence per object slot, triangulates each usable slot against
// the committed camera poses, maps the result through the world transform
// and hands the PoseRecord to every registered sink. A slot seen by fewer
// than two cameras is reported invalid for that tick, never as an error.
package l6tracking
