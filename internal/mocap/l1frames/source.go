package l1frames

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/monitoring"
	"github.com/banshee-data/mocap/internal/timeutil"
)

// ErrRunning is returned by Start when acquisition is already active.
var ErrRunning = errors.New("frame source already running")

// Config tunes a Source.
type Config struct {
	Interval time.Duration
	Detector Detector
	Clock    timeutil.Clock
}

type cameraBuffer struct {
	mu     sync.Mutex
	points []r2.Point
	absent bool
}

// Source drives synchronized acquisition across a rig of cameras.
type Source struct {
	cams     []Camera
	intr     []mocap.Intrinsics
	detector Detector
	interval time.Duration
	clock    timeutil.Clock
	rate     *monitoring.RateMeter

	buffers []cameraBuffer
	pending atomic.Pointer[Settings]
	seq     atomic.Uint64

	subMu       sync.Mutex
	subscribers map[string]chan mocap.FrameSet

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource pairs each camera with its intrinsics. The slices must have
// equal length and at least two entries.
func NewSource(cams []Camera, intr []mocap.Intrinsics, cfg Config) (*Source, error) {
	if len(cams) != len(intr) {
		return nil, fmt.Errorf("%d cameras but %d intrinsics entries", len(cams), len(intr))
	}
	if len(cams) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 cameras, have %d", mocap.ErrInsufficientViews, len(cams))
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.Detector == nil {
		cfg.Detector = DefaultDetector()
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Source{
		cams:        cams,
		intr:        intr,
		detector:    cfg.Detector,
		interval:    cfg.Interval,
		clock:       cfg.Clock,
		rate:        monitoring.NewRateMeter(0.1),
		buffers:     make([]cameraBuffer, len(cams)),
		subscribers: make(map[string]chan mocap.FrameSet),
	}, nil
}

// NumCameras returns the rig size.
func (s *Source) NumCameras() int { return len(s.cams) }

// Intrinsics returns the calibration of every camera, in index order.
func (s *Source) Intrinsics() []mocap.Intrinsics {
	return append([]mocap.Intrinsics(nil), s.intr...)
}

// Rate reports the measured acquisition rate in frames per second.
func (s *Source) Rate() float64 { return s.rate.Rate() }

// Subscribe registers a consumer. The returned channel holds at most one
// FrameSet, always the newest.
func (s *Source) Subscribe() (string, <-chan mocap.FrameSet) {
	id := uuid.NewString()
	ch := make(chan mocap.FrameSet, 1)
	s.subMu.Lock()
	s.subscribers[id] = ch
	s.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes and closes a consumer channel.
func (s *Source) Unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// UpdateSettings queues exposure and gain for every camera. The change is
// applied at the start of the next tick, between frames.
func (s *Source) UpdateSettings(st Settings) error {
	if st.Exposure < 0 || st.Gain < 0 {
		return fmt.Errorf("invalid camera settings exposure=%d gain=%d", st.Exposure, st.Gain)
	}
	s.pending.Store(&st)
	return nil
}

// Snapshot returns a copy of one camera's most recent detections.
func (s *Source) Snapshot(camera int) mocap.CameraDetections {
	b := &s.buffers[camera]
	b.mu.Lock()
	defer b.mu.Unlock()
	return mocap.CameraDetections{
		Camera: camera,
		Points: append([]r2.Point(nil), b.points...),
		Absent: b.absent,
	}
}

// Start launches the acquisition goroutine.
func (s *Source) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Stop halts acquisition and waits for the goroutine to exit. It is safe
// to call when not running.
func (s *Source) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops acquisition, closes every subscriber and every camera.
func (s *Source) Close() error {
	s.Stop()
	s.subMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
	var err error
	for i, c := range s.cams {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, &mocap.AcquisitionError{Camera: i, Err: cerr})
		}
	}
	return err
}

func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	diagf("acquisition started: %d cameras every %v", len(s.cams), s.interval)
	for {
		select {
		case <-ctx.Done():
			diagf("acquisition stopped after %d frames", s.rate.Count())
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick captures one frame from every camera, publishes the resulting
// FrameSet and returns it. A camera that fails is reported absent.
func (s *Source) Tick(ctx context.Context) mocap.FrameSet {
	if st := s.pending.Swap(nil); st != nil {
		for i, c := range s.cams {
			if err := c.Apply(*st); err != nil {
				opsf("%v", &mocap.AcquisitionError{Camera: i, Err: err})
			}
		}
		diagf("applied camera settings exposure=%d gain=%d", st.Exposure, st.Gain)
	}

	var wg sync.WaitGroup
	for i := range s.cams {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.captureOne(ctx, i)
		}(i)
	}
	wg.Wait()

	now := s.clock.Now()
	fs := mocap.FrameSet{
		Seq:       s.seq.Add(1),
		Timestamp: now,
		Cameras:   make([]mocap.CameraDetections, len(s.cams)),
	}
	for i := range s.cams {
		fs.Cameras[i] = s.Snapshot(i)
	}
	s.rate.Mark(now)
	tracef("frame %d: %s", fs.Seq, summarize(fs))
	s.publish(fs)
	return fs
}

func (s *Source) captureOne(ctx context.Context, i int) {
	img, err := s.cams[i].Capture(ctx)
	var pts []r2.Point
	if err == nil {
		raw := s.detector.Detect(img)
		pts = make([]r2.Point, len(raw))
		for j, p := range raw {
			pts[j] = s.intr[i].Undistort(s.intr[i].RotateDetection(p))
		}
	} else if ctx.Err() == nil {
		opsf("%v", &mocap.AcquisitionError{Camera: i, Err: err})
	}
	b := &s.buffers[i]
	b.mu.Lock()
	b.points = pts
	b.absent = err != nil
	b.mu.Unlock()
}

func (s *Source) publish(fs mocap.FrameSet) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		offerLatest(ch, fs)
	}
}

// offerLatest replaces whatever is waiting in ch with fs.
func offerLatest(ch chan mocap.FrameSet, fs mocap.FrameSet) {
	for {
		select {
		case ch <- fs:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func summarize(fs mocap.FrameSet) string {
	out := ""
	for i, c := range fs.Cameras {
		if i > 0 {
			out += " "
		}
		if c.Absent {
			out += "-"
		} else {
			out += fmt.Sprint(len(c.Points))
		}
	}
	return out
}
