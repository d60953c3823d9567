package session

import (
	"sync"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l1frames"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
)

// Rig is the process-wide handle on one camera rig: its frame source, its
// committed state and the lock that admits one calibration at a time. It
// is built once at startup and passed by reference.
type Rig struct {
	Frames *l1frames.Source
	Store  *Store

	calib sync.Mutex
}

// NewRig ties a frame source to a state store.
func NewRig(frames *l1frames.Source, store *Store) *Rig {
	return &Rig{Frames: frames, Store: store}
}

// Calibrate runs fn holding the calibration lock. A second caller gets
// ErrCalibrationBusy immediately instead of queueing.
func (r *Rig) Calibrate(fn func() error) error {
	if !r.calib.TryLock() {
		return mocap.ErrCalibrationBusy
	}
	defer r.calib.Unlock()
	return fn()
}

// Calibration returns the committed geometry for the live tracker.
func (r *Rig) Calibration() l6tracking.Calibration {
	st := r.Store.Load()
	if !st.Calibrated {
		return l6tracking.Calibration{Intrinsics: st.Intrinsics}
	}
	return l6tracking.Calibration{
		Intrinsics: st.Intrinsics,
		Poses:      st.Poses,
		World:      st.World,
	}
}

// Close stops acquisition and releases every camera.
func (r *Rig) Close() error {
	if r.Frames == nil {
		return nil
	}
	return r.Frames.Close()
}
