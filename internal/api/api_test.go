package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mocap/internal/actuator"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l1frames"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
	"github.com/banshee-data/mocap/internal/mocap/pipeline"
	"github.com/banshee-data/mocap/internal/mocap/session"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
	"github.com/banshee-data/mocap/internal/mocap/visualiser"
	"github.com/banshee-data/mocap/internal/testutil"
	"github.com/banshee-data/mocap/internal/timeutil"
)

type fakePort struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (p *fakePort) WriteFrame(_ context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, string(frame))
	return nil
}

type testServer struct {
	*Server
	rig  testutil.Rig
	src  *l1frames.Source
	port *fakePort
	mux  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rig := testutil.NewArcRig(3, 3, 1.5)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	cams := make([]l1frames.Camera, len(rig.Poses))
	for i := range cams {
		cams[i] = l1frames.NewSyntheticCamera(rig.Intrinsics[i], rig.Poses[i], l1frames.StaticScene(r3.Vector{Z: 0.2}), clock, 3)
	}
	src, err := l1frames.NewSource(cams, rig.Intrinsics, l1frames.Config{Interval: 10 * time.Millisecond, Clock: clock})
	require.NoError(t, err)

	sess := session.NewRig(src, session.NewStore(session.NewState(rig.Intrinsics), nil, clock))
	cal := pipeline.NewCalibrator(sess, pipeline.NewCapture(src, 0), pipeline.DefaultConfig(), nil, nil)
	tracker := l6tracking.New(src, l6tracking.Config{NumObjects: 1})
	pub := visualiser.NewPublisher(visualiser.Config{})
	require.NoError(t, pub.StartListener(nil))
	tracker.AddSink(pub)
	port := &fakePort{}

	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(ctx, Deps{
		Rig:        sess,
		Calibrator: cal,
		Tracker:    tracker,
		Publisher:  pub,
		Actuator:   actuator.New(port, actuator.Config{}),
	})
	t.Cleanup(func() {
		tracker.Stop()
		pub.Stop()
		cancel()
		sess.Close()
	})
	return &testServer{Server: s, rig: rig, src: src, port: port, mux: s.ServeMux()}
}

func (ts *testServer) control(t *testing.T, event string, payload interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	env := map[string]interface{}{"event": event}
	if payload != nil {
		env["payload"] = payload
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control", bytes.NewReader(body)))
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func errorKind(t *testing.T, out map[string]json.RawMessage) string {
	t.Helper()
	var e ErrorBody
	require.NoError(t, json.Unmarshal(out["error"], &e))
	return e.Kind
}

func (ts *testServer) samplesJSON(t *testing.T) json.RawMessage {
	t.Helper()
	pts := testutil.RandomPoints(rand.New(rand.NewSource(5)), 60, 0.5)
	samples := make([][]mocap.Observation, len(pts))
	for i, X := range pts {
		samples[i] = ts.rig.Observe(X)
	}
	data, err := sqlite.EncodeSamples(samples)
	require.NoError(t, err)
	return data
}

func TestDecodeRequestRejects(t *testing.T) {
	cases := map[string]string{
		"malformed":       `{"event":`,
		"unknown event":   `{"event": "launch-missiles"}`,
		"unknown field":   `{"event": "set-origin", "payload": {"object_point": [0,0,0], "extra": 1}}`,
		"missing point":   `{"event": "set-origin", "payload": {}}`,
		"bad axis":        `{"event": "rotate-scene", "payload": {"axis": "w", "degrees": 90}}`,
		"missing degrees": `{"event": "rotate-scene", "payload": {"axis": "x"}}`,
		"bad action":      `{"event": "capture-points", "payload": {"action": "pause"}}`,
		"negative gain":   `{"event": "update-camera-settings", "payload": {"exposure": 10, "gain": -1}}`,
		"ragged samples":  `{"event": "compute-pairwise-poses", "payload": {"camera_points": [[[1,2],null],[[1,2]]]}}`,
		"no drone index":  `{"event": "set-drone-pid", "payload": {"pid": [1,2,3]}}`,
		"empty arm":       `{"event": "arm-drone", "payload": {"armed": []}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRequest(strings.NewReader(body))
			require.Error(t, err)
			assert.ErrorIs(t, err, errInvalidRequest)
		})
	}

	req, err := DecodeRequest(strings.NewReader(`{"event": "rotate-scene", "payload": {"axis": "z", "degrees": -90}}`))
	require.NoError(t, err)
	rot, ok := req.(*RotateSceneRequest)
	require.True(t, ok)
	assert.Equal(t, -90.0, *rot.Degrees)

	req, err = DecodeRequest(strings.NewReader(`{"event": "stop-tracking"}`))
	require.NoError(t, err)
	assert.Equal(t, EventStopTracking, req.Event())
	assert.Len(t, Events(), 16)
}

func TestControlUnknownEventIs400(t *testing.T) {
	ts := newTestServer(t)
	code, out := ts.control(t, "explode", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidRequest", errorKind(t, out))

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/control", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCalibrationFlow(t *testing.T) {
	ts := newTestServer(t)

	code, out := ts.control(t, EventStartTracking, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NotCalibrated", errorKind(t, out))

	code, out = ts.control(t, EventRefinePoses, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, out = ts.control(t, EventComputePairwisePoses, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "InsufficientViews", errorKind(t, out))

	samples := ts.samplesJSON(t)
	code, out = ts.control(t, EventComputePairwisePoses, map[string]interface{}{"camera_points": samples})
	require.Equal(t, http.StatusOK, code, string(out["error"]))
	var pair pipeline.PairwiseResult
	require.NoError(t, json.Unmarshal(out["result"], &pair))
	assert.Len(t, pair.Poses, 3)

	code, out = ts.control(t, EventRefinePoses, map[string]interface{}{"camera_points": samples})
	require.Equal(t, http.StatusOK, code, string(out["error"]))

	code, out = ts.control(t, EventSetOrigin, map[string]interface{}{"object_point": []float64{1, 2, 3}})
	require.Equal(t, http.StatusOK, code)
	var world struct {
		Rows [][]float64 `json:"to_world_coords_matrix"`
	}
	require.NoError(t, json.Unmarshal(out["result"], &world))
	assert.Equal(t, []float64{1, 0, 0, -1}, world.Rows[0])
	assert.Equal(t, []float64{0, 1, 0, -3}, world.Rows[1])
	assert.Equal(t, []float64{0, 0, 1, -2}, world.Rows[2])

	code, _ = ts.control(t, EventRotateScene, map[string]interface{}{"axis": "x", "degrees": 90})
	assert.Equal(t, http.StatusOK, code)

	code, out = ts.control(t, EventAcquireFloor, map[string]interface{}{"object_points": [][]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "GeometryError", errorKind(t, out))

	code, out = ts.control(t, EventDetermineScale, map[string]interface{}{"object_points": [][][]float64{{{0, 0, 0}, {0.3, 0, 0}}}})
	require.Equal(t, http.StatusOK, code)
	var scale struct {
		Factor float64 `json:"scale_factor"`
	}
	require.NoError(t, json.Unmarshal(out["result"], &scale))
	assert.InDelta(t, 0.5, scale.Factor, 1e-12)

	code, out = ts.control(t, EventCameraPositions, nil)
	require.Equal(t, http.StatusOK, code)

	code, out = ts.control(t, EventStartTracking, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"state": "tracking"}`, string(out["result"]))
	code, out = ts.control(t, EventStopTracking, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"state": "idle"}`, string(out["result"]))

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tracking":"idle"`)
}

func TestUpdateCameraSettings(t *testing.T) {
	ts := newTestServer(t)
	code, out := ts.control(t, EventUpdateCameraSettings, map[string]int{"exposure": 50, "gain": 2})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"exposure": 50, "gain": 2}`, string(out["result"]))
}

func TestCapturePoints(t *testing.T) {
	ts := newTestServer(t)
	code, _ := ts.control(t, EventCapturePoints, map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, code)
	for i := 0; i < 3; i++ {
		ts.src.Tick(context.Background())
	}
	require.Eventually(t, func() bool { return ts.Calibrator.Capture().Len() > 0 }, time.Second, time.Millisecond)

	code, out := ts.control(t, EventCapturePoints, map[string]string{"action": "stop"})
	require.Equal(t, http.StatusOK, code)
	var res pipeline.CaptureResult
	require.NoError(t, json.Unmarshal(out["result"], &res))
	assert.False(t, res.Active)
	assert.Positive(t, res.Samples)
}

func TestDroneCommands(t *testing.T) {
	ts := newTestServer(t)

	code, out := ts.control(t, EventArmDrone, map[string]interface{}{"armed": []bool{true, false}})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"armed": [0]}`, string(out["result"]))

	code, _ = ts.control(t, EventSetDronePID, map[string]interface{}{"drone_index": 1, "pid": []float64{1, 0.5, 0}})
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.control(t, EventSetDroneSetpoint, map[string]interface{}{"drone_index": 0, "setpoint": []float64{0, 0, 1}})
	require.Equal(t, http.StatusOK, code)
	code, _ = ts.control(t, EventSetDroneTrim, map[string]interface{}{"drone_index": 0, "trim": []int{0, 1, 0, -1}})
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, []string{
		`0{"armed":true}`,
		`1{"armed":false}`,
		`1{"pid":[1,0.5,0]}`,
		`0{"setpoint":[0,0,1]}`,
		`0{"trim":[0,1,0,-1]}`,
	}, ts.port.frames)

	ts.port.err = errors.New("serial write timed out")
	code, out = ts.control(t, EventSetDroneTrim, map[string]interface{}{"drone_index": 0, "trim": []int{0}})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "ActuatorError", errorKind(t, out))
}

func TestRateAndRuns(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rate", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rate RateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rate))
	assert.True(t, rate.Stream.Running)

	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoseStreamSSE(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(LoggingMiddleware(ts.mux))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/poses", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	ts.Publisher.Publish(mocap.PoseRecord{Seq: 17, Objects: []mocap.ObjectPose{{Slot: 0, Point3D: mocap.Point3D{Position: r3.Vector{Z: 1}, Valid: true}}}})
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var got mocap.PoseRecord
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got))
	assert.Equal(t, uint64(17), got.Seq)
	assert.True(t, got.Objects[0].Valid)
}
