// Package session owns the committed calibration state of a rig.
//
// State is immutable once committed: readers take the current *State from
// an atomic pointer and never lock. Writers go through Store.Update, which
// serializes mutations, validates the candidate, persists it and swaps it
// in as a whole, so a failed calibration step leaves the previous state
// untouched.
package session
