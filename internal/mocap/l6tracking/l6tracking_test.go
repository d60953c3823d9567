package l6tracking

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/testutil"
)

func TestAssignOptimal(t *testing.T) {
	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	// Greedy would take (1,1) first; the optimum is 0→1, 1→0, 2→2.
	assert.Equal(t, []int{1, 0, 2}, Assign(cost))
}

func TestAssignRectangularAndForbidden(t *testing.T) {
	assert.Nil(t, Assign(nil))
	assert.Equal(t, []int{-1, -1}, Assign([][]float64{{}, {}}))

	// More rows than columns: the cheaper row wins the single column.
	assert.Equal(t, []int{-1, 0}, Assign([][]float64{{5}, {1}}))

	// More columns than rows.
	assert.Equal(t, []int{2}, Assign([][]float64{{3, 2, 1}}))

	inf := math.Inf(1)
	assert.Equal(t, []int{-1, 0}, Assign([][]float64{{inf}, {1}}))
	assert.Equal(t, []int{-1}, Assign([][]float64{{math.NaN()}}))
}

func TestAssignPaddingKeepsCostsApart(t *testing.T) {
	// A padded square must not swamp the real costs.
	assert.Equal(t, []int{-1, 0, -1}, Assign([][]float64{{5}, {1}, {3}}))
	assert.Equal(t, []int{1, -1, 0}, Assign([][]float64{{9, 2}, {8, 7}, {1, 6}}))

	// A forbidden pair is only avoided, never traded for a worse real one.
	assert.Equal(t, []int{-1, 0}, Assign([][]float64{{forbidden}, {40}}))
	assert.Equal(t, []int{1, 0}, Assign([][]float64{{forbidden, 3}, {2, forbidden}}))
}

func calibrationFor(rig testutil.Rig) Calibration {
	return Calibration{Intrinsics: rig.Intrinsics, Poses: rig.Poses, World: mocap.IdentityTransform()}
}

func TestProcessRecoversMarker(t *testing.T) {
	rig := testutil.NewRingRig(4, 3, 2)
	X := r3.Vector{X: 0.2, Y: -0.1, Z: 0.4}
	tr := New(nil, Config{NumObjects: 1})

	rec := tr.Process(rig.Frame(7, time.Unix(10, 0), X), calibrationFor(rig))
	require.Len(t, rec.Objects, 1)
	obj := rec.Objects[0]
	require.True(t, obj.Valid)
	assert.Equal(t, 4, obj.Views)
	assert.InDelta(t, 0, obj.Position.Sub(X).Norm(), 1e-6)
	assert.Less(t, obj.ReprojectionError, 1e-6)
	assert.Equal(t, time.Unix(10, 0), rec.Timestamp)
}

func TestProcessAppliesWorldTransform(t *testing.T) {
	rig := testutil.NewRingRig(3, 3, 2)
	X := r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}
	cal := calibrationFor(rig)
	cal.World = mocap.Translation(r3.Vector{X: 1, Y: 2, Z: 3})

	rec := New(nil, Config{}).Process(rig.Frame(1, time.Time{}, X), cal)
	require.True(t, rec.Objects[0].Valid)
	assert.InDelta(t, 0, rec.Objects[0].Position.Sub(r3.Vector{X: 1.1, Y: 2.1, Z: 3.1}).Norm(), 1e-6)
}

func TestProcessAbsentCameras(t *testing.T) {
	rig := testutil.NewRingRig(3, 3, 2)
	X := r3.Vector{Z: 0.2}
	tr := New(nil, Config{NumObjects: 2})

	fs := rig.Frame(1, time.Time{}, X)
	fs.Cameras[2] = mocap.CameraDetections{Camera: 2, Absent: true}
	rec := tr.Process(fs, calibrationFor(rig))
	require.Len(t, rec.Objects, 2)
	assert.True(t, rec.Objects[0].Valid)
	assert.Equal(t, 2, rec.Objects[0].Views)
	// Slot 1 has no detections anywhere.
	assert.False(t, rec.Objects[1].Valid)
	assert.Equal(t, 0, rec.Objects[1].Views)

	fs.Cameras[1] = mocap.CameraDetections{Camera: 1, Absent: true}
	rec = tr.Process(fs, calibrationFor(rig))
	assert.False(t, rec.Objects[0].Valid)
	assert.Equal(t, 1, rec.Objects[0].Views)
}

func TestEpipolarCorrelationResolvesOrder(t *testing.T) {
	rig := testutil.NewArcRig(3, 3, 2)
	A := r3.Vector{X: 0.3, Y: 0, Z: 0.2}
	B := r3.Vector{X: -0.2, Y: 0.3, Z: 0.5}
	fs := rig.Frame(1, time.Time{}, A, B)
	pts := fs.Cameras[1].Points
	pts[0], pts[1] = pts[1], pts[0]
	cal := calibrationFor(rig)

	rec := New(nil, Config{NumObjects: 2, Correlation: config.CorrelationEpipolar, Gate: 5}).Process(fs, cal)
	require.True(t, rec.Objects[0].Valid)
	require.True(t, rec.Objects[1].Valid)
	assert.InDelta(t, 0, rec.Objects[0].Position.Sub(A).Norm(), 1e-6)
	assert.InDelta(t, 0, rec.Objects[1].Position.Sub(B).Norm(), 1e-6)

	ordinal := New(nil, Config{NumObjects: 2}).Process(fs, cal)
	if ordinal.Objects[0].Valid {
		assert.Greater(t, ordinal.Objects[0].ReprojectionError, 1.0)
	}
}

func TestEpipolarCorrelationMarkerHiddenInOneCamera(t *testing.T) {
	rig := testutil.NewArcRig(3, 3, 2)
	A := r3.Vector{X: 0.3, Y: 0, Z: 0.2}
	B := r3.Vector{X: -0.2, Y: 0.3, Z: 0.5}
	fs := rig.Frame(1, time.Time{}, A, B)
	// Camera 2 only sees B.
	require.Len(t, fs.Cameras[2].Points, 2)
	fs.Cameras[2].Points = fs.Cameras[2].Points[1:]
	cal := calibrationFor(rig)

	for _, gate := range []float64{0, 5} {
		rec := New(nil, Config{NumObjects: 2, Correlation: config.CorrelationEpipolar, Gate: gate}).Process(fs, cal)
		require.True(t, rec.Objects[0].Valid, "gate %v", gate)
		require.True(t, rec.Objects[1].Valid, "gate %v", gate)
		assert.Equal(t, 2, rec.Objects[0].Views, "gate %v", gate)
		assert.Equal(t, 3, rec.Objects[1].Views, "gate %v", gate)
		assert.InDelta(t, 0, rec.Objects[0].Position.Sub(A).Norm(), 1e-6, "gate %v", gate)
		assert.InDelta(t, 0, rec.Objects[1].Position.Sub(B).Norm(), 1e-6, "gate %v", gate)
		assert.Less(t, rec.Objects[0].ReprojectionError, 1e-3)
	}
}

type fakeFeed struct {
	mu     sync.Mutex
	ch     chan mocap.FrameSet
	active int
}

func (f *fakeFeed) Subscribe() (string, <-chan mocap.FrameSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = make(chan mocap.FrameSet, 1)
	f.active++
	return "sub", f.ch
}

func (f *fakeFeed) Unsubscribe(string) {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeFeed) send(fs mocap.FrameSet) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	ch <- fs
}

func (f *fakeFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.ch)
}

func (f *fakeFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func TestStartRequiresCalibration(t *testing.T) {
	tr := New(&fakeFeed{}, Config{})
	assert.ErrorIs(t, tr.Start(context.Background(), nil), mocap.ErrNotCalibrated)
	assert.ErrorIs(t, tr.Start(context.Background(), func() Calibration { return Calibration{} }), mocap.ErrNotCalibrated)

	rig := testutil.NewRingRig(2, 3, 2)
	bad := calibrationFor(rig)
	bad.World[15] = 2
	assert.ErrorIs(t, tr.Start(context.Background(), func() Calibration { return bad }), mocap.ErrNotCalibrated)
	assert.Equal(t, Idle, tr.State())
}

func TestTrackingLifecycle(t *testing.T) {
	rig := testutil.NewRingRig(3, 3, 2)
	feed := &fakeFeed{}
	tr := New(feed, Config{NumObjects: 1})
	got := make(chan mocap.PoseRecord, 4)
	sink := tr.AddSink(SinkFunc(func(rec mocap.PoseRecord) { got <- rec }))
	cal := calibrationFor(rig)

	require.NoError(t, tr.Start(context.Background(), func() Calibration { return cal }))
	assert.Equal(t, Tracking, tr.State())

	feed.send(rig.Frame(1, time.Unix(1, 0), r3.Vector{Z: 0.3}))
	select {
	case rec := <-got:
		require.True(t, rec.Objects[0].Valid)
		assert.InDelta(t, 0.3, rec.Objects[0].Position.Z, 1e-6)
	case <-time.After(2 * time.Second):
		t.Fatal("no pose record")
	}

	// Restart replaces the loop rather than adding a second one.
	require.NoError(t, tr.Start(context.Background(), func() Calibration { return cal }))
	assert.Equal(t, 1, feed.subscribers())

	tr.Stop()
	tr.Stop()
	assert.Equal(t, Idle, tr.State())
	assert.Equal(t, 0, feed.subscribers())

	tr.RemoveSink(sink)
}

func TestTrackingEndsWhenFeedCloses(t *testing.T) {
	rig := testutil.NewRingRig(3, 3, 2)
	feed := &fakeFeed{}
	tr := New(feed, Config{NumObjects: 1})
	cal := calibrationFor(rig)

	require.NoError(t, tr.Start(context.Background(), func() Calibration { return cal }))
	feed.close()
	require.Eventually(t, func() bool { return tr.State() == Idle }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, feed.subscribers())

	tr.Stop()
	assert.Equal(t, Idle, tr.State())

	require.NoError(t, tr.Start(context.Background(), func() Calibration { return cal }))
	assert.Equal(t, Tracking, tr.State())
	tr.Stop()
}
