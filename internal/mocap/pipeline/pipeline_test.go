package pipeline

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/db"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l4bundle"
	"github.com/banshee-data/mocap/internal/mocap/session"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
	"github.com/banshee-data/mocap/internal/testutil"
)

// chanFeed is a FrameFeed the test pushes frames into by hand.
type chanFeed struct {
	mu   sync.Mutex
	subs map[string]chan mocap.FrameSet
}

func newChanFeed() *chanFeed { return &chanFeed{subs: make(map[string]chan mocap.FrameSet)} }

func (f *chanFeed) Subscribe() (string, <-chan mocap.FrameSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan mocap.FrameSet, 16)
	f.subs[id] = ch
	return id, ch
}

func (f *chanFeed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *chanFeed) Push(fs mocap.FrameSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- fs
	}
}

type fixture struct {
	rig   testutil.Rig
	sess  *session.Rig
	feed  *chanFeed
	cal   *Calibrator
	runs  *sqlite.RunStore
	truth []r3.Vector
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "mocap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	rig := testutil.NewArcRig(3, 3, 1.5)
	store := session.NewStore(session.NewState(rig.Intrinsics), nil, nil)
	sess := session.NewRig(nil, store)
	feed := newChanFeed()
	runs := sqlite.NewRunStore(d.DB)
	cal := NewCalibrator(sess, NewCapture(feed, 0), cfg, runs, sqlite.NewCaptureStore(d.DB))
	return &fixture{
		rig:   rig,
		sess:  sess,
		feed:  feed,
		cal:   cal,
		runs:  runs,
		truth: testutil.RandomPoints(rand.New(rand.NewSource(11)), 60, 0.5),
	}
}

func (f *fixture) samples() [][]mocap.Observation {
	out := make([][]mocap.Observation, len(f.truth))
	for i, X := range f.truth {
		out[i] = f.rig.Observe(X)
	}
	return out
}

func TestCaptureRecordsAndPersists(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	f.cal.StartCapture()
	assert.True(t, f.cal.Capture().Active())
	for i, X := range f.truth[:5] {
		f.feed.Push(f.rig.Frame(uint64(i+1), time.Unix(int64(i), 0), X))
	}
	require.Eventually(t, func() bool { return f.cal.Capture().Len() == 5 }, time.Second, time.Millisecond)

	res, err := f.cal.StopCapture()
	require.NoError(t, err)
	assert.False(t, res.Active)
	assert.Equal(t, 5, res.Samples)
	assert.NotEmpty(t, res.SetID)

	samples := f.cal.Capture().Samples()
	require.Len(t, samples, 5)
	for c, o := range samples[0] {
		assert.True(t, o.Present, "camera %d", c)
	}
}

func TestComputeAndRefine(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.cal.RefinePoses(f.samples())
	require.ErrorIs(t, err, mocap.ErrNotCalibrated)

	pair, err := f.cal.ComputePairwisePoses(f.samples())
	require.NoError(t, err)
	require.Len(t, pair.Poses, 3)
	assert.Len(t, pair.Pairs, 2)
	assert.Equal(t, 60, pair.Samples)
	assert.Greater(t, pair.Triangulated, 50)
	assert.Less(t, pair.MeanError, 0.5)
	assert.NotEmpty(t, pair.RunID)

	st := f.sess.Store.Load()
	assert.True(t, st.Calibrated)
	assert.False(t, st.ScaleApplied)
	assert.Equal(t, mocap.IdentityPose(), st.Poses[0])

	// Relative rotations match the rig regardless of scale.
	truth := f.rig.Normalized()
	for i := 1; i < 3; i++ {
		assert.InDelta(t, 0, mocap.AxisAngle(st.Poses[i].R.Mul(truth[i].R.T())).Norm(), 1e-3, "camera %d", i)
	}

	ref, err := f.cal.RefinePoses(f.samples())
	require.NoError(t, err)
	assert.LessOrEqual(t, ref.MeanError, pair.MeanError+1e-6)
	assert.Equal(t, mocap.IdentityPose(), ref.Poses[0])
	assert.Equal(t, ref.Poses, f.sess.Store.Load().Poses)

	runs, err := f.runs.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	kinds := map[string]string{}
	for _, r := range runs {
		kinds[r.Kind] = r.Status
	}
	assert.Equal(t, sqlite.RunSucceeded, kinds["pairwise"])
	assert.Equal(t, sqlite.RunSucceeded, kinds["bundle"])
}

func TestRefineIterationCapCommitsWithWarning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bundle = l4bundle.Options{MaxIterations: 1, Tolerance: 1e-15}
	f := newFixture(t, cfg)

	rng := rand.New(rand.NewSource(3))
	noisy := make([][]mocap.Observation, len(f.truth))
	for i, X := range f.truth {
		noisy[i] = f.rig.ObserveNoisy(rng, X, 0.5)
	}
	_, err := f.cal.ComputePairwisePoses(noisy)
	require.NoError(t, err)

	res, err := f.cal.RefinePoses(noisy)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
	assert.False(t, res.Converged)
	assert.Equal(t, res.Poses, f.sess.Store.Load().Poses)

	run, err := f.runs.Get(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, sqlite.RunWarning, run.Status)
	assert.Equal(t, "ConvergenceWarning", run.ErrorKind)
}

func TestComputeFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	before := f.sess.Store.Load()

	_, err := f.cal.ComputePairwisePoses(f.samples()[:4])
	require.Error(t, err)
	assert.Same(t, before, f.sess.Store.Load())

	_, err = f.cal.ComputePairwisePoses(nil)
	assert.ErrorIs(t, err, ErrCaptureEmpty)
	assert.Same(t, before, f.sess.Store.Load())
}

func TestConcurrentCalibrationIsBusy(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.sess.Calibrate(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	_, err := f.cal.ComputePairwisePoses(f.samples())
	assert.ErrorIs(t, err, mocap.ErrCalibrationBusy)
	_, err = f.cal.RefinePoses(f.samples())
	assert.ErrorIs(t, err, mocap.ErrCalibrationBusy)
}

func TestDetermineScaleWaitsForRefine(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.cal.ComputePairwisePoses(f.samples())
	require.NoError(t, err)
	before := f.sess.Store.Load()
	wand := [][]r3.Vector{{{}, {X: 0.3}}}

	// Hold the lock the way a long refine does.
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.sess.Calibrate(func() error {
			close(entered)
			<-release
			_, err := f.sess.Store.Update(func(s *session.State) error {
				s.Poses = before.Poses
				return nil
			})
			return err
		})
	}()
	<-entered

	_, err = f.cal.DetermineScale(wand)
	require.ErrorIs(t, err, mocap.ErrCalibrationBusy)
	assert.Same(t, before, f.sess.Store.Load())

	close(release)
	require.NoError(t, <-done)
	st := f.sess.Store.Load()
	assert.False(t, st.ScaleApplied)

	scale, err := f.cal.DetermineScale(wand)
	require.NoError(t, err)
	st = f.sess.Store.Load()
	assert.True(t, st.ScaleApplied)
	assert.Equal(t, scale.Poses, st.Poses)
}

func TestWorldFrameOperations(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.cal.ComputePairwisePoses(f.samples())
	require.NoError(t, err)

	// Collinear floor points are rejected and nothing changes.
	before := f.sess.Store.Load()
	_, err = f.cal.AcquireFloor([]r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}})
	require.ErrorIs(t, err, mocap.ErrGeometry)
	assert.Same(t, before, f.sess.Store.Load())

	floorPts := []r3.Vector{
		{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1.1}, {X: 0, Y: 1, Z: 1.2},
		{X: 1, Y: 1, Z: 1.3}, {X: -1, Y: 0.5, Z: 1.0},
	}
	floor, err := f.cal.AcquireFloor(floorPts)
	require.NoError(t, err)
	st := f.sess.Store.Load()
	assert.Equal(t, floor.Transform, st.World)
	require.NotNil(t, st.Floor)
	assert.InDelta(t, 0, floor.RMS, 1e-9)

	world, err := f.cal.SetOrigin(r3.Vector{X: 1, Y: 2, Z: 3})
	require.NoError(t, err)
	assert.Equal(t, world, f.sess.Store.Load().World)
	want := floor.Transform.Offset().Sub(r3.Vector{X: 1, Y: 3, Z: 2})
	assert.InDelta(t, 0, world.Offset().Sub(want).Norm(), 1e-12)

	rotated, err := f.cal.RotateScene("z", 90)
	require.NoError(t, err)
	assert.Equal(t, world.Offset(), rotated.Offset())

	before = f.sess.Store.Load()
	_, err = f.cal.RotateScene("w", 90)
	require.Error(t, err)
	assert.Same(t, before, f.sess.Store.Load())
}

func TestDetermineScale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KnownSeparation = 0.15
	f := newFixture(t, cfg)

	_, err := f.cal.DetermineScale([][]r3.Vector{{{}, {X: 0.3}}})
	require.ErrorIs(t, err, mocap.ErrNotCalibrated)

	_, err = f.cal.ComputePairwisePoses(f.samples())
	require.NoError(t, err)
	posesBefore := f.sess.Store.Load().Poses

	scale, err := f.cal.DetermineScale([][]r3.Vector{
		{{}, {X: 0.3}},
		{{Y: 1}, {Y: 1.3}},
		{{}, {X: 1}, {X: 2}},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scale.Factor, 1e-12)
	assert.Equal(t, 2, scale.SamplesUsed)
	assert.Equal(t, 1, scale.SamplesRejected)

	st := f.sess.Store.Load()
	assert.True(t, st.ScaleApplied)
	for i := range st.Poses {
		assert.Equal(t, posesBefore[i].R, st.Poses[i].R)
		assert.InDelta(t, 0, st.Poses[i].T.Sub(posesBefore[i].T.Mul(0.5)).Norm(), 1e-12)
	}

	before := f.sess.Store.Load()
	_, err = f.cal.DetermineScale([][]r3.Vector{{{}}})
	require.ErrorIs(t, err, mocap.ErrGeometry)
	assert.Same(t, before, f.sess.Store.Load())
}

func TestCameraPositions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.cal.CameraPositions()
	require.ErrorIs(t, err, mocap.ErrNotCalibrated)

	_, err = f.cal.ComputePairwisePoses(f.samples())
	require.NoError(t, err)
	pos, err := f.cal.CameraPositions()
	require.NoError(t, err)
	require.Len(t, pos, 3)
	assert.InDelta(t, 0, pos[0].Position.Norm(), 1e-12)
	assert.InDelta(t, 1, pos[0].Direction.Z, 1e-12)
}

type fakeSender struct {
	mu    sync.Mutex
	armed []int
	sent  map[int]r3.Vector
}

func (s *fakeSender) SendPosition(_ context.Context, device int, p r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[device] = p
	return nil
}

func (s *fakeSender) ArmedDevices() []int { return s.armed }

func (s *fakeSender) Sent() map[int]r3.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]r3.Vector, len(s.sent))
	for k, v := range s.sent {
		out[k] = v
	}
	return out
}

func TestForwarder(t *testing.T) {
	sender := &fakeSender{armed: []int{0, 2}, sent: map[int]r3.Vector{}}
	fw := NewForwarder(sender)

	rec := mocap.PoseRecord{Seq: 7, Objects: []mocap.ObjectPose{
		{Slot: 0, Point3D: mocap.Point3D{Position: r3.Vector{X: 1, Y: 2, Z: 3}, Valid: true}},
		{Slot: 1, Point3D: mocap.Point3D{Position: r3.Vector{X: 4}, Valid: true}},
		{Slot: 2, Point3D: mocap.Point3D{Valid: false}},
	}}
	assert.Equal(t, 1, fw.Forward(context.Background(), rec))
	assert.Equal(t, map[int]r3.Vector{0: {X: 1, Y: 2, Z: 3}}, sender.Sent())

	fw.Start(context.Background())
	defer fw.Stop()
	rec.Objects[0].Position = r3.Vector{Z: 9}
	fw.Consume(rec)
	require.Eventually(t, func() bool { return sender.Sent()[0] == r3.Vector{Z: 9} }, time.Second, time.Millisecond)
}
