package actuator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/timeutil"
)

type recordingPort struct {
	mu     sync.Mutex
	frames []string
	fail   map[string]error
}

func (p *recordingPort) WriteFrame(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[string(frame[:1])]; err != nil {
		return err
	}
	p.frames = append(p.frames, string(frame))
	return nil
}

func (p *recordingPort) Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...)
}

func newTestLink(port Port) (*Link, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	return New(port, Config{FrameGap: DefaultFrameGap, Clock: clock}), clock
}

func TestFrames(t *testing.T) {
	port := &recordingPort{}
	link, clock := newTestLink(port)
	ctx := context.Background()

	require.NoError(t, link.SetPID(ctx, 1, []float64{1.5, 0, 0.25}))
	require.NoError(t, link.SetSetpoint(ctx, 0, [3]float64{0, 0, 1}))
	require.NoError(t, link.SetTrim(ctx, 2, []int{1, -1, 0, 3}))
	require.NoError(t, link.SendPosition(ctx, 0, r3.Vector{X: 0.5, Y: -0.25, Z: 1}))

	assert.Equal(t, []string{
		`1{"pid":[1.5,0,0.25]}`,
		`0{"setpoint":[0,0,1]}`,
		`2{"trim":[1,-1,0,3]}`,
		`0{"pos":[0.5,-0.25,1]}`,
	}, port.Frames())
	assert.Equal(t, []time.Duration{DefaultFrameGap, DefaultFrameGap, DefaultFrameGap, DefaultFrameGap}, clock.Sleeps())
}

func TestArmSendsEveryDevice(t *testing.T) {
	port := &recordingPort{}
	link, _ := newTestLink(port)

	require.NoError(t, link.Arm(context.Background(), []bool{true, false, true}))
	assert.Equal(t, []string{`0{"armed":true}`, `1{"armed":false}`, `2{"armed":true}`}, port.Frames())
	assert.True(t, link.Armed(0))
	assert.False(t, link.Armed(1))
	assert.Equal(t, []int{0, 2}, link.ArmedDevices())

	require.NoError(t, link.Arm(context.Background(), []bool{false, false, false}))
	assert.Empty(t, link.ArmedDevices())
}

func TestWriteFailureIsActuatorError(t *testing.T) {
	timeout := errors.New("serial write timed out")
	port := &recordingPort{fail: map[string]error{"1": timeout}}
	link, _ := newTestLink(port)

	err := link.Arm(context.Background(), []bool{true, true, true})
	require.Error(t, err)
	assert.ErrorIs(t, err, mocap.ErrActuator)
	assert.ErrorIs(t, err, timeout)
	assert.Equal(t, "ActuatorError", mocap.Kind(err))

	var ae *mocap.ActuatorError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Device)

	// The other devices were still written and recorded.
	assert.Equal(t, []string{`0{"armed":true}`, `2{"armed":true}`}, port.Frames())
	assert.Equal(t, []int{0, 2}, link.ArmedDevices())
}

func TestInvalidCommands(t *testing.T) {
	link, _ := newTestLink(&recordingPort{})
	ctx := context.Background()

	assert.ErrorIs(t, link.SetPID(ctx, 0, nil), mocap.ErrActuator)
	assert.ErrorIs(t, link.SetTrim(ctx, 0, nil), mocap.ErrActuator)
	assert.ErrorIs(t, link.SetSetpoint(ctx, -1, [3]float64{}), mocap.ErrActuator)
}

func TestEncode(t *testing.T) {
	frame, err := Encode(12, armedFrame{Armed: false})
	require.NoError(t, err)
	assert.Equal(t, `12{"armed":false}`, string(frame))
}
