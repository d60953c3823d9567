// Package actuator encodes drone commands as "<index><json>" frames and
// writes them over the serial link.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/timeutil"
)

// DefaultFrameGap is the pause after every frame so the radio bridge can
// forward it before the next one arrives.
const DefaultFrameGap = 10 * time.Millisecond

// Port is the part of the serial link the actuator writes through.
type Port interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// Config configures a Link.
type Config struct {
	FrameGap time.Duration
	Clock    timeutil.Clock
}

// Link is the single writer of actuator frames. Frames from concurrent
// callers are serialised and spaced by the frame gap.
type Link struct {
	port  Port
	gap   time.Duration
	clock timeutil.Clock

	mu sync.Mutex // held across write and gap

	stateMu sync.RWMutex
	armed   map[int]bool
}

// New returns a Link writing to port.
func New(port Port, cfg Config) *Link {
	if cfg.FrameGap < 0 {
		cfg.FrameGap = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Link{port: port, gap: cfg.FrameGap, clock: cfg.Clock, armed: make(map[int]bool)}
}

type armedFrame struct {
	Armed bool `json:"armed"`
}

type pidFrame struct {
	PID []float64 `json:"pid"`
}

type setpointFrame struct {
	Setpoint [3]float64 `json:"setpoint"`
}

type trimFrame struct {
	Trim []int `json:"trim"`
}

type positionFrame struct {
	Pos [3]float64 `json:"pos"`
}

// Encode renders payload as the frame for device.
func Encode(device int, payload interface{}) ([]byte, error) {
	if device < 0 {
		return nil, fmt.Errorf("invalid device index %d", device)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte(strconv.Itoa(device)), body...), nil
}

func (l *Link) send(ctx context.Context, device int, payload interface{}) error {
	frame, err := Encode(device, payload)
	if err != nil {
		return &mocap.ActuatorError{Device: device, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.port.WriteFrame(ctx, frame)
	if l.gap > 0 {
		l.clock.Sleep(l.gap)
	}
	if err != nil {
		opsf("device %d: write %q failed: %v", device, frame, err)
		return &mocap.ActuatorError{Device: device, Err: err}
	}
	return nil
}

// Arm sends the armed flag to every device; states[i] is device i. All
// devices are attempted; failures are combined.
func (l *Link) Arm(ctx context.Context, states []bool) error {
	var errs error
	for i, on := range states {
		if err := l.send(ctx, i, armedFrame{Armed: on}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		l.stateMu.Lock()
		l.armed[i] = on
		l.stateMu.Unlock()
	}
	diagf("armed states %v", states)
	return errs
}

// SetPID sends controller gains to one device.
func (l *Link) SetPID(ctx context.Context, device int, gains []float64) error {
	if len(gains) == 0 {
		return &mocap.ActuatorError{Device: device, Err: fmt.Errorf("empty gain list")}
	}
	return l.send(ctx, device, pidFrame{PID: gains})
}

// SetSetpoint sends a target position to one device.
func (l *Link) SetSetpoint(ctx context.Context, device int, sp [3]float64) error {
	return l.send(ctx, device, setpointFrame{Setpoint: sp})
}

// SetTrim sends motor trim values to one device.
func (l *Link) SetTrim(ctx context.Context, device int, trim []int) error {
	if len(trim) == 0 {
		return &mocap.ActuatorError{Device: device, Err: fmt.Errorf("empty trim list")}
	}
	return l.send(ctx, device, trimFrame{Trim: trim})
}

// SendPosition forwards a tracked world position to one device.
func (l *Link) SendPosition(ctx context.Context, device int, p r3.Vector) error {
	return l.send(ctx, device, positionFrame{Pos: [3]float64{p.X, p.Y, p.Z}})
}

// Armed reports the last armed state successfully sent to device.
func (l *Link) Armed(device int) bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.armed[device]
}

// ArmedDevices lists armed devices in index order.
func (l *Link) ArmedDevices() []int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	var out []int
	for d, on := range l.armed {
		if on {
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}
