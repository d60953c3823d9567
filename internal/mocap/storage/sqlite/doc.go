// Package sqlite persists mocap session state, calibration run history and
// captured correspondence sets in the session database opened by
// internal/db.
package sqlite
