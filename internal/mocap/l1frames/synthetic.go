package l1frames

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/timeutil"
)

// Scene returns marker world positions at an instant.
type Scene func(t time.Time) []r3.Vector

// StaticScene always returns the same markers.
func StaticScene(markers ...r3.Vector) Scene {
	return func(time.Time) []r3.Vector { return markers }
}

// OrbitScene moves a pair of markers separated by sep metres on a circle
// of the given radius at height z, one revolution per period.
func OrbitScene(radius, z, sep float64, period time.Duration) Scene {
	var origin time.Time
	var once sync.Once
	return func(t time.Time) []r3.Vector {
		once.Do(func() { origin = t })
		phase := 2 * math.Pi * t.Sub(origin).Seconds() / period.Seconds()
		c := r3.Vector{X: radius * math.Cos(phase), Y: radius * math.Sin(phase), Z: z}
		off := r3.Vector{X: -math.Sin(phase), Y: math.Cos(phase)}.Mul(sep / 2)
		return []r3.Vector{c.Add(off), c.Sub(off)}
	}
}

// SyntheticCamera renders a Scene through a known pose and lens into raw
// sensor frames: the projection is distorted and then un-rotated, so the
// detection path has the same work to do as with real hardware.
type SyntheticCamera struct {
	intr   mocap.Intrinsics
	pose   mocap.Pose
	scene  Scene
	clock  timeutil.Clock
	radius int

	mu       sync.Mutex
	settings Settings
	fail     error
	closed   bool
}

// NewSyntheticCamera creates a camera with pose mapping world to camera
// coordinates. Markers are drawn as discs of radius px pixels.
func NewSyntheticCamera(intr mocap.Intrinsics, pose mocap.Pose, scene Scene, clock timeutil.Clock, px int) *SyntheticCamera {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if px <= 0 {
		px = 3
	}
	return &SyntheticCamera{
		intr:     intr,
		pose:     pose,
		scene:    scene,
		clock:    clock,
		radius:   px,
		settings: Settings{Exposure: 100, Gain: 10},
	}
}

// Fail makes every subsequent Capture return err until cleared with nil.
func (c *SyntheticCamera) Fail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

// Settings returns the last applied settings.
func (c *SyntheticCamera) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *SyntheticCamera) Apply(s Settings) error {
	if s.Exposure < 0 || s.Gain < 0 {
		return errors.New("exposure and gain must be non-negative")
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

func (c *SyntheticCamera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// intensity models sensor response; dim settings can push markers below
// the detection threshold.
func (c *SyntheticCamera) intensity() uint8 {
	v := 55 + c.settings.Exposure + 10*c.settings.Gain
	if v > 255 {
		v = 255
	}
	if v < 0 {
		v = 0
	}
	return uint8(v)
}

func (c *SyntheticCamera) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	fail, closed, level := c.fail, c.closed, c.intensity()
	c.mu.Unlock()
	if closed {
		return nil, errors.New("camera closed")
	}
	if fail != nil {
		return nil, fail
	}

	w, h := c.intr.Width, c.intr.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	for _, X := range c.scene(c.clock.Now()) {
		px, depth := c.intr.Project(c.pose, X)
		if depth <= 0 {
			continue
		}
		raw := c.intr.UnrotateDetection(c.intr.Distort(px))
		drawDisc(img, raw.X, raw.Y, c.radius, level)
	}
	return img, nil
}

func drawDisc(img *image.Gray, cx, cy float64, r int, level uint8) {
	b := img.Bounds()
	x0, y0 := int(math.Round(cx)), int(math.Round(cy))
	for y := y0 - r; y <= y0+r; y++ {
		for x := x0 - r; x <= x0+r; x++ {
			if x < b.Min.X || y < b.Min.Y || x >= b.Max.X || y >= b.Max.Y {
				continue
			}
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= float64(r*r) {
				img.Pix[(y-b.Min.Y)*img.Stride+(x-b.Min.X)] = level
			}
		}
	}
}
