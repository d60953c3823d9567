package pipeline

import (
	"fmt"
	"sync"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
)

// DefaultCaptureLimit bounds the capture buffer.
const DefaultCaptureLimit = 20000

// ErrCaptureEmpty is returned when an operation needs captured samples and
// none exist.
var ErrCaptureEmpty = fmt.Errorf("no captured calibration samples: %w", mocap.ErrInsufficientViews)

// Capture fills a buffer with live frame sets between Start and Stop.
type Capture struct {
	feed  l6tracking.FrameFeed
	limit int

	mu      sync.Mutex
	frames  []mocap.FrameSet
	samples [][]mocap.Observation // loaded from storage, used when frames is empty
	subID   string
	stop    chan struct{}
	done    chan struct{}
}

// NewCapture creates an idle capture buffer on feed.
func NewCapture(feed l6tracking.FrameFeed, limit int) *Capture {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &Capture{feed: feed, limit: limit}
}

// Active reports whether frames are being recorded.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Start clears the buffer and begins recording. Starting an active capture
// restarts it.
func (c *Capture) Start() {
	c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
	c.samples = nil
	id, ch := c.feed.Subscribe()
	c.subID = id
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.record(ch, c.stop, c.done)
	diagf("capture started")
}

// Stop ends recording and returns the number of frames held. It is safe to
// call when idle.
func (c *Capture) Stop() int {
	c.mu.Lock()
	stop, done, id := c.stop, c.done, c.subID
	c.stop, c.done, c.subID = nil, nil, ""
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
		c.feed.Unsubscribe(id)
	}
	return c.Len()
}

func (c *Capture) record(ch <-chan mocap.FrameSet, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case fs, ok := <-ch:
			if !ok {
				return
			}
			c.mu.Lock()
			if len(c.frames) < c.limit {
				c.frames = append(c.frames, fs)
			}
			n := len(c.frames)
			c.mu.Unlock()
			tracef("captured frame %d (%d held)", fs.Seq, n)
		}
	}
}

// Len returns the number of held samples.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) > 0 {
		return len(c.frames)
	}
	return len(c.samples)
}

// Frames returns a copy of the captured frame sets.
func (c *Capture) Frames() []mocap.FrameSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mocap.FrameSet(nil), c.frames...)
}

// Load replaces the buffer with previously persisted samples.
func (c *Capture) Load(samples [][]mocap.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
	c.samples = samples
}

// Samples returns one row per captured frame holding each camera's
// largest detection, or Absent.
func (c *Capture) Samples() [][]mocap.Observation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return append([][]mocap.Observation(nil), c.samples...)
	}
	return SamplesFromFrames(c.frames)
}

// SamplesFromFrames reduces frame sets to single-marker samples.
func SamplesFromFrames(frames []mocap.FrameSet) [][]mocap.Observation {
	out := make([][]mocap.Observation, len(frames))
	for i, fs := range frames {
		row := make([]mocap.Observation, len(fs.Cameras))
		for c, cam := range fs.Cameras {
			if !cam.Absent && len(cam.Points) > 0 {
				row[c] = mocap.Seen(cam.Points[0])
			}
		}
		out[i] = row
	}
	return out
}

// byCamera transposes samples[s][c] into obs[c][s].
func byCamera(samples [][]mocap.Observation, cameras int) [][]mocap.Observation {
	obs := make([][]mocap.Observation, cameras)
	for c := range obs {
		obs[c] = make([]mocap.Observation, len(samples))
	}
	for s, row := range samples {
		for c := 0; c < cameras && c < len(row); c++ {
			obs[c][s] = row[c]
		}
	}
	return obs
}
