package l6tracking

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l2triangulate"
	"github.com/banshee-data/mocap/internal/monitoring"
)

// State is the tracker lifecycle state.
type State string

const (
	Idle     State = "idle"
	Tracking State = "tracking"
)

// Calibration is the rig geometry the tracker reconstructs against.
type Calibration struct {
	Intrinsics []mocap.Intrinsics
	Poses      []mocap.Pose
	World      mocap.WorldTransform
}

// Validate reports ErrNotCalibrated unless the calibration is complete.
func (c Calibration) Validate() error {
	if len(c.Poses) < 2 || len(c.Poses) != len(c.Intrinsics) {
		return fmt.Errorf("%w: have %d poses for %d cameras", mocap.ErrNotCalibrated, len(c.Poses), len(c.Intrinsics))
	}
	if err := c.World.Validate(); err != nil {
		return fmt.Errorf("%w: %v", mocap.ErrNotCalibrated, err)
	}
	return nil
}

// CalibrationFunc returns the currently committed calibration. It is
// called once per frame set so calibration changes apply immediately.
type CalibrationFunc func() Calibration

// FrameFeed is the subscription side of a frame source.
type FrameFeed interface {
	Subscribe() (string, <-chan mocap.FrameSet)
	Unsubscribe(id string)
}

// Sink receives every PoseRecord. Consume runs on the tracker goroutine
// and must not block.
type Sink interface {
	Consume(mocap.PoseRecord)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(mocap.PoseRecord)

func (f SinkFunc) Consume(rec mocap.PoseRecord) { f(rec) }

// Config tunes a Tracker.
type Config struct {
	NumObjects  int
	Correlation string
	Gate        float64
}

// Tracker is the live tracking loop.
type Tracker struct {
	feed       FrameFeed
	slots      int
	correlator Correlator
	rate       *monitoring.RateMeter

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Value // State

	sinkMu sync.RWMutex
	sinks  map[string]Sink

	seq atomic.Uint64
}

// New creates an idle tracker reading from feed.
func New(feed FrameFeed, cfg Config) *Tracker {
	if cfg.NumObjects <= 0 {
		cfg.NumObjects = 1
	}
	t := &Tracker{
		feed:       feed,
		slots:      cfg.NumObjects,
		correlator: NewCorrelator(cfg.Correlation, cfg.Gate),
		rate:       monitoring.NewRateMeter(0.1),
		sinks:      make(map[string]Sink),
	}
	t.state.Store(Idle)
	return t
}

// State returns Idle or Tracking.
func (t *Tracker) State() State { return t.state.Load().(State) }

// Rate returns the observed tracking rate in records per second.
func (t *Tracker) Rate() float64 { return t.rate.Rate() }

// AddSink registers s and returns its id.
func (t *Tracker) AddSink(s Sink) string {
	id := uuid.NewString()
	t.sinkMu.Lock()
	t.sinks[id] = s
	t.sinkMu.Unlock()
	return id
}

// RemoveSink unregisters a sink.
func (t *Tracker) RemoveSink(id string) {
	t.sinkMu.Lock()
	delete(t.sinks, id)
	t.sinkMu.Unlock()
}

// Start begins tracking. The calibration must be complete at start;
// starting while already tracking restarts with fresh state.
func (t *Tracker) Start(ctx context.Context, cal CalibrationFunc) error {
	if cal == nil {
		return mocap.ErrNotCalibrated
	}
	if err := cal().Validate(); err != nil {
		return err
	}

	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	id, frames := t.feed.Subscribe()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.rate.Reset()
	t.seq.Store(0)
	t.state.Store(Tracking)
	go t.run(ctx, id, frames, cal, t.done)
	diagf("tracking started with %d object slots", t.slots)
	return nil
}

// Stop halts tracking and returns after the loop goroutine has exited.
// Stopping an idle tracker is a no-op.
func (t *Tracker) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.stopLocked()
}

func (t *Tracker) stopLocked() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
	t.state.Store(Idle)
	diagf("tracking stopped")
}

func (t *Tracker) run(ctx context.Context, id string, frames <-chan mocap.FrameSet, cal CalibrationFunc, done chan struct{}) {
	defer close(done)
	// Idle is stored before done closes, so a restart's Tracking wins.
	defer t.state.Store(Idle)
	defer t.feed.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case fs, ok := <-frames:
			if !ok {
				opsf("frame feed closed while tracking")
				return
			}
			c := cal()
			if err := c.Validate(); err != nil {
				opsf("skipping frame %d: %v", fs.Seq, err)
				continue
			}
			rec := t.Process(fs, c)
			t.rate.Mark(time.Now())
			t.emit(rec)
		}
	}
}

// Process reconstructs one frame set. It is safe to call without Start.
func (t *Tracker) Process(fs mocap.FrameSet, cal Calibration) mocap.PoseRecord {
	rig := l2triangulate.Rig{Intrinsics: cal.Intrinsics, Poses: cal.Poses}
	rec := mocap.PoseRecord{
		Seq:       t.seq.Add(1),
		Timestamp: fs.Timestamp,
		Objects:   make([]mocap.ObjectPose, t.slots),
	}
	for k, c := range t.correlator.Correlate(fs, cal, t.slots) {
		obj := mocap.ObjectPose{Slot: k}
		obj.Views = c.PresentCount()
		if !c.Usable() {
			rec.Objects[k] = obj
			continue
		}
		p, err := rig.Triangulate(c)
		if err != nil {
			tracef("frame %d slot %d: %v", fs.Seq, k, err)
			rec.Objects[k] = obj
			continue
		}
		p.Position = cal.World.Apply(p.Position)
		obj.Point3D = p
		rec.Objects[k] = obj
	}
	return rec
}

func (t *Tracker) emit(rec mocap.PoseRecord) {
	t.sinkMu.RLock()
	defer t.sinkMu.RUnlock()
	for _, s := range t.sinks {
		s.Consume(rec)
	}
}
