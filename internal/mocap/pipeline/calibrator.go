package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l2triangulate"
	"github.com/banshee-data/mocap/internal/mocap/l3epipolar"
	"github.com/banshee-data/mocap/internal/mocap/l4bundle"
	"github.com/banshee-data/mocap/internal/mocap/l5world"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
	"github.com/banshee-data/mocap/internal/mocap/session"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
)

// Config tunes the calibration stages.
type Config struct {
	Epipolar        l3epipolar.Options
	Bundle          l4bundle.Options
	PlotDir         string
	KnownSeparation float64
	EpipolarGate    float64
}

// DefaultConfig returns stage defaults.
func DefaultConfig() Config {
	return Config{
		Epipolar:        l3epipolar.DefaultOptions(),
		Bundle:          l4bundle.DefaultOptions(),
		KnownSeparation: l5world.DefaultMarkerSeparation,
		EpipolarGate:    5,
	}
}

// Calibrator runs calibration operations against a rig.
type Calibrator struct {
	rig      *session.Rig
	cfg      Config
	capture  *Capture
	runs     *sqlite.RunStore
	captures *sqlite.CaptureStore
}

// NewCalibrator wires a calibrator. runs and captures may be nil to skip
// persistence.
func NewCalibrator(rig *session.Rig, capture *Capture, cfg Config, runs *sqlite.RunStore, captures *sqlite.CaptureStore) *Calibrator {
	return &Calibrator{rig: rig, cfg: cfg, capture: capture, runs: runs, captures: captures}
}

// Capture returns the calibration capture buffer.
func (c *Calibrator) Capture() *Capture { return c.capture }

// CaptureResult reports the state of the capture buffer.
type CaptureResult struct {
	Active  bool   `json:"active"`
	Samples int    `json:"samples"`
	SetID   string `json:"set_id,omitempty"`
}

// StartCapture begins filling the capture buffer from live frames.
func (c *Calibrator) StartCapture() CaptureResult {
	c.capture.Start()
	return CaptureResult{Active: true}
}

// StopCapture ends the capture and persists the samples.
func (c *Calibrator) StopCapture() (CaptureResult, error) {
	n := c.capture.Stop()
	res := CaptureResult{Samples: n}
	if c.captures != nil && n > 0 {
		id, err := c.captures.Save(c.capture.Samples())
		if err != nil {
			return res, fmt.Errorf("failed to save capture: %w", err)
		}
		res.SetID = id
	}
	diagf("capture stopped with %d samples", n)
	return res, nil
}

// samples picks the payload samples when given, else the capture buffer,
// else the latest persisted capture set.
func (c *Calibrator) samples(given [][]mocap.Observation) ([][]mocap.Observation, error) {
	if len(given) > 0 {
		return given, nil
	}
	if s := c.capture.Samples(); len(s) > 0 {
		return s, nil
	}
	if c.captures != nil {
		if set, err := c.captures.Latest(); err == nil && len(set.Samples) > 0 {
			c.capture.Load(set.Samples)
			return set.Samples, nil
		}
	}
	return nil, ErrCaptureEmpty
}

// PairStat summarizes one pairwise estimate.
type PairStat struct {
	Cameras [2]int `json:"cameras"`
	Used    int    `json:"used"`
	Inliers int    `json:"inliers"`
	InFront int    `json:"in_front"`
}

// PairwiseResult is the outcome of ComputePairwisePoses.
type PairwiseResult struct {
	RunID        string          `json:"run_id,omitempty"`
	Poses        []mocap.Pose    `json:"camera_poses"`
	Pairs        []PairStat      `json:"pairs"`
	Points       []mocap.Point3D `json:"object_points"`
	Samples      int             `json:"samples"`
	Triangulated int             `json:"triangulated"`
	MeanError    float64         `json:"mean_reprojection_error"`
}

// ComputePairwisePoses estimates every camera pose from pairwise epipolar
// geometry, chains them into camera 0's frame, triangulates the samples
// and commits the poses. Scale is unknown afterwards.
func (c *Calibrator) ComputePairwisePoses(given [][]mocap.Observation) (*PairwiseResult, error) {
	var res *PairwiseResult
	err := c.rig.Calibrate(func() error {
		samples, err := c.samples(given)
		if err != nil {
			return err
		}
		intr := c.rig.Store.Load().Intrinsics
		run := c.startRun("pairwise", len(intr), len(samples))

		res, err = c.computePairwise(intr, samples)
		if err == nil {
			_, err = c.rig.Store.Update(func(s *session.State) error {
				s.Poses = res.Poses
				s.Calibrated = true
				s.ScaleApplied = false
				s.ScaleFactor = 0
				s.MeanReprojectionError = res.MeanError
				return nil
			})
		}
		if run != nil && res != nil {
			res.RunID = run.RunID
		}
		c.finishRun(run, res, err, func(r *sqlite.CalibrationRun) {
			r.MeanError = res.MeanError
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	diagf("pairwise poses committed: %d cameras, mean error %.3f px", len(res.Poses), res.MeanError)
	return res, nil
}

func (c *Calibrator) computePairwise(intr []mocap.Intrinsics, samples [][]mocap.Observation) (*PairwiseResult, error) {
	poses, pairs, err := l3epipolar.EstimateChain(intr, byCamera(samples, len(intr)), c.cfg.Epipolar)
	if err != nil {
		return nil, err
	}
	res := &PairwiseResult{Poses: poses, Samples: len(samples)}
	for i, p := range pairs {
		res.Pairs = append(res.Pairs, PairStat{Cameras: [2]int{i, i + 1}, Used: p.Used, Inliers: p.InlierCount, InFront: p.InFront})
	}
	points, errs := l2triangulate.Rig{Intrinsics: intr, Poses: poses}.TriangulateAll(toCorrespondences(samples))
	var reproj stats.Float64Data
	for i, p := range points {
		if errs[i] != nil || !p.Valid {
			continue
		}
		res.Points = append(res.Points, p)
		reproj = append(reproj, p.ReprojectionError)
	}
	res.Triangulated = len(res.Points)
	if len(reproj) == 0 {
		return nil, mocap.NewGeometryError("compute-pairwise-poses", "no sample triangulates under the estimated poses")
	}
	res.MeanError, _ = stats.Mean(reproj)
	return res, nil
}

// RefineResult is the outcome of RefinePoses.
type RefineResult struct {
	RunID       string       `json:"run_id,omitempty"`
	Poses       []mocap.Pose `json:"camera_poses"`
	Points      []r3.Vector  `json:"object_points"`
	MeanError   float64      `json:"mean_reprojection_error"`
	Iterations  int          `json:"iterations"`
	CostHistory []float64    `json:"cost_history"`
	Converged   bool         `json:"converged"`
	Warning     string       `json:"warning,omitempty"`
	PlotPath    string       `json:"plot_path,omitempty"`
}

// RefinePoses bundle-adjusts the committed poses against the samples and
// commits the best poses found. Hitting the iteration cap still commits,
// with Warning set.
func (c *Calibrator) RefinePoses(given [][]mocap.Observation) (*RefineResult, error) {
	var res *RefineResult
	err := c.rig.Calibrate(func() error {
		st := c.rig.Store.Load()
		if !st.Calibrated {
			return fmt.Errorf("refine-poses: %w", mocap.ErrNotCalibrated)
		}
		samples, err := c.samples(given)
		if err != nil {
			return err
		}
		run := c.startRun("bundle", st.NumCameras(), len(samples))

		out, err := l4bundle.Adjust(l4bundle.Problem{
			Intrinsics:   st.Intrinsics,
			Poses:        st.Poses,
			Observations: toCorrespondences(samples),
		}, c.cfg.Bundle)
		if err == nil {
			res = &RefineResult{
				Poses:       out.Poses,
				Points:      out.Points,
				MeanError:   out.MeanError,
				Iterations:  out.Iterations,
				CostHistory: out.CostHistory,
				Converged:   out.Converged,
			}
			if out.Warning != nil {
				res.Warning = out.Warning.Error()
				opsf("refine-poses: %v", out.Warning)
			}
			if run != nil {
				res.RunID = run.RunID
			}
			if c.cfg.PlotDir != "" && len(out.CostHistory) > 0 {
				name := "bundle-cost.png"
				if run != nil {
					name = "bundle-" + run.RunID + ".png"
				}
				if path, perr := l4bundle.PlotCostHistory(out.CostHistory, filepath.Clean(c.cfg.PlotDir), name); perr != nil {
					opsf("cost plot: %v", perr)
				} else {
					res.PlotPath = path
				}
			}
			_, err = c.rig.Store.Update(func(s *session.State) error {
				s.Poses = out.Poses
				s.MeanReprojectionError = out.MeanError
				return nil
			})
		}
		c.finishRun(run, res, err, func(r *sqlite.CalibrationRun) {
			r.Iterations = out.Iterations
			r.MeanError = out.MeanError
			r.Converged = out.Converged
			r.CostPlot = res.PlotPath
			if out.Warning != nil {
				r.Status = sqlite.RunWarning
				r.ErrorKind = mocap.Kind(out.Warning)
				r.ErrorMessage = out.Warning.Error()
			}
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	diagf("refined poses committed: %d iterations, mean error %.3f px", res.Iterations, res.MeanError)
	return res, nil
}

// ReconstructSamples triangulates samples under the committed poses in
// the reconstruction frame, keeping only valid points.
func (c *Calibrator) ReconstructSamples(samples [][]mocap.Observation) ([]r3.Vector, error) {
	st := c.rig.Store.Load()
	if !st.Calibrated {
		return nil, mocap.ErrNotCalibrated
	}
	points, errs := l2triangulate.Rig{Intrinsics: st.Intrinsics, Poses: st.Poses}.TriangulateAll(toCorrespondences(samples))
	var out []r3.Vector
	for i, p := range points {
		if errs[i] == nil && p.Valid {
			out = append(out, p.Position)
		}
	}
	return out, nil
}

// AcquireFloor fits the floor to points (reconstruction frame) or, when
// none are given, to the captured samples, and replaces the world
// transform.
func (c *Calibrator) AcquireFloor(points []r3.Vector) (*l5world.Floor, error) {
	if len(points) == 0 {
		samples, err := c.samples(nil)
		if err != nil {
			return nil, err
		}
		if points, err = c.ReconstructSamples(samples); err != nil {
			return nil, err
		}
	}
	floor, err := l5world.AcquireFloor(points)
	if err != nil {
		c.recordFailure("floor", len(points), err)
		return nil, err
	}
	_, err = c.rig.Store.Update(func(s *session.State) error {
		s.World = floor.Transform
		s.Floor = &floor
		return nil
	})
	if err != nil {
		return nil, err
	}
	diagf("floor acquired from %d points, rms %.4f", len(points), floor.RMS)
	return &floor, nil
}

// SetOrigin moves the world origin to point, given in world coordinates.
func (c *Calibrator) SetOrigin(point r3.Vector) (mocap.WorldTransform, error) {
	st, err := c.rig.Store.Update(func(s *session.State) error {
		w, err := l5world.SetOrigin(s.World, point)
		if err != nil {
			return err
		}
		s.World = w
		return nil
	})
	return st.World, err
}

// RotateScene rotates the world frame about axis.
func (c *Calibrator) RotateScene(axis string, degrees float64) (mocap.WorldTransform, error) {
	st, err := c.rig.Store.Update(func(s *session.State) error {
		w, err := l5world.Rotate(s.World, axis, degrees)
		if err != nil {
			return err
		}
		s.World = w
		return nil
	})
	return st.World, err
}

// DetermineScale rescales the committed poses so that the wand's two
// markers sit KnownSeparation apart. With no samples given, the captured
// frames are reconstructed two markers at a time. It holds the
// calibration lock, so it cannot interleave with compute or refine.
func (c *Calibrator) DetermineScale(samples [][]r3.Vector) (*l5world.Scale, error) {
	var scale l5world.Scale
	err := c.rig.Calibrate(func() error {
		st := c.rig.Store.Load()
		if !st.Calibrated {
			return fmt.Errorf("determine-scale: %w", mocap.ErrNotCalibrated)
		}
		if len(samples) == 0 {
			samples = c.wandSamples(st)
			if len(samples) == 0 {
				return ErrCaptureEmpty
			}
		}
		_, err := c.rig.Store.Update(func(s *session.State) error {
			var err error
			scale, err = l5world.DetermineScale(samples, s.Poses, c.cfg.KnownSeparation)
			if err != nil {
				return err
			}
			s.Poses = scale.Poses
			s.ScaleApplied = true
			s.ScaleFactor = scale.Factor
			return nil
		})
		if err != nil {
			c.recordFailure("scale", len(samples), err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	diagf("scale applied: factor %.5f from %d samples", scale.Factor, scale.SamplesUsed)
	return &scale, nil
}

// wandSamples reconstructs up to two markers per captured frame in the
// reconstruction frame.
func (c *Calibrator) wandSamples(st *session.State) [][]r3.Vector {
	frames := c.capture.Frames()
	tr := l6tracking.New(nil, l6tracking.Config{NumObjects: 2, Correlation: config.CorrelationEpipolar, Gate: c.cfg.EpipolarGate})
	cal := l6tracking.Calibration{Intrinsics: st.Intrinsics, Poses: st.Poses, World: mocap.IdentityTransform()}
	var out [][]r3.Vector
	for _, fs := range frames {
		rec := tr.Process(fs, cal)
		var pts []r3.Vector
		for _, o := range rec.Objects {
			if o.Valid {
				pts = append(pts, o.Position)
			}
		}
		out = append(out, pts)
	}
	return out
}

// CameraPositions returns every camera's centre and axis in world
// coordinates.
func (c *Calibrator) CameraPositions() ([]l5world.CameraPlacement, error) {
	st := c.rig.Store.Load()
	if !st.Calibrated {
		return nil, mocap.ErrNotCalibrated
	}
	return l5world.CameraPositions(st.Poses, st.World), nil
}

// Runs returns recent calibration runs, newest first.
func (c *Calibrator) Runs(limit int) ([]*sqlite.CalibrationRun, error) {
	if c.runs == nil {
		return nil, nil
	}
	return c.runs.List(limit)
}

func (c *Calibrator) startRun(kind string, cameras, samples int) *sqlite.CalibrationRun {
	if c.runs == nil {
		return nil
	}
	run, err := c.runs.Start(kind, cameras, samples)
	if err != nil {
		opsf("failed to record %s run: %v", kind, err)
		return nil
	}
	return run
}

func (c *Calibrator) finishRun(run *sqlite.CalibrationRun, result interface{}, err error, fill func(*sqlite.CalibrationRun)) {
	if run == nil {
		return
	}
	if err != nil {
		run.Status = sqlite.RunFailed
		run.ErrorKind = mocap.Kind(err)
		run.ErrorMessage = err.Error()
		opsf("%s run %s failed: %v", run.Kind, run.RunID, err)
	} else {
		run.Status = sqlite.RunSucceeded
		fill(run)
		if data, jerr := json.Marshal(result); jerr == nil {
			run.ResultJSON = data
		}
	}
	if ferr := c.runs.Finish(run); ferr != nil {
		opsf("failed to finish run %s: %v", run.RunID, ferr)
	}
}

func (c *Calibrator) recordFailure(kind string, samples int, err error) {
	if errors.Is(err, mocap.ErrCalibrationBusy) {
		return
	}
	run := c.startRun(kind, c.rig.Store.Load().NumCameras(), samples)
	c.finishRun(run, nil, err, nil)
}

func toCorrespondences(samples [][]mocap.Observation) []mocap.Correspondence {
	out := make([]mocap.Correspondence, len(samples))
	for i, s := range samples {
		out[i] = mocap.Correspondence(s)
	}
	return out
}
