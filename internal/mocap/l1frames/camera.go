package l1frames

import (
	"context"
	"image"

	"github.com/golang/geo/r2"
)

// Settings are the sensor parameters that can change while running.
type Settings struct {
	Exposure int `json:"exposure"`
	Gain     int `json:"gain"`
}

// Camera is the driver boundary: one physical (or simulated) sensor.
type Camera interface {
	// Capture blocks until the next frame is available.
	Capture(ctx context.Context) (image.Image, error)
	// Apply changes sensor settings; it takes effect from the next frame.
	Apply(Settings) error
	Close() error
}

// Detector reduces a frame to marker centroids in raw sensor pixels.
type Detector interface {
	Detect(img image.Image) []r2.Point
}
