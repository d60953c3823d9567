package l4bundle

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l2triangulate"
)

// Options controls the optimizer.
type Options struct {
	MaxIterations int
	// Tolerance is the relative cost decrease below which the solver
	// reports convergence.
	Tolerance     float64
	InitialLambda float64
	// MaxLambda bounds the damping search. When steps solve but none below
	// it lowers the cost the state is taken as converged; when none solves
	// the result carries a ConvergenceWarning.
	MaxLambda float64
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 100,
		Tolerance:     1e-8,
		InitialLambda: 1e-3,
		MaxLambda:     1e12,
	}
}

// Problem is a bundle-adjustment input. Observations[k] holds point k's
// observation in every camera; absent observations are skipped.
type Problem struct {
	Intrinsics   []mocap.Intrinsics
	Poses        []mocap.Pose
	Observations []mocap.Correspondence
}

// Result is the best state the optimizer reached.
type Result struct {
	Poses []mocap.Pose
	// Points are the refined positions of the correspondences listed in
	// PointIndex; correspondences with fewer than two present views or
	// that could not be initialised are dropped.
	Points      []r3.Vector
	PointIndex  []int
	CostHistory []float64
	Iterations  int
	// MeanError is the mean per-observation pixel reprojection error.
	MeanError float64
	Converged bool
	Warning   *mocap.ConvergenceWarning
}

type observation struct {
	camera int
	point  int
	pixel  r2.Point
}

type state struct {
	poses  []mocap.Pose
	points []r3.Vector
}

func (s state) clone() state {
	return state{
		poses:  append([]mocap.Pose(nil), s.poses...),
		points: append([]r3.Vector(nil), s.points...),
	}
}

type solver struct {
	intr []mocap.Intrinsics
	obs  []observation
	nCam int // optimised cameras: 1..len(poses)-1
	nPt  int

	// linear builds the normal equations at a state; nil means linearize.
	linear func(state) stepper
}

// stepper solves the damped normal equations for one lambda.
type stepper interface {
	solve(lambda float64) ([]float64, bool)
}

type dampOutcome int

const (
	stepAccepted dampOutcome = iota
	// stepStalled: steps solved but none lowered the cost.
	stepStalled
	// stepFailed: no lambda gave a finite step.
	stepFailed
)

// Adjust refines p's poses and points. A result is returned whenever at
// least the initial state is valid; Warning is set if the solver stopped on
// its iteration cap before meeting the tolerance, or found no finite step.
func Adjust(p Problem, opts Options) (Result, error) {
	if len(p.Poses) < 2 || len(p.Intrinsics) != len(p.Poses) {
		return Result{}, fmt.Errorf("bundle adjustment needs poses and intrinsics for at least 2 cameras: %w", mocap.ErrInsufficientViews)
	}
	s, st, res, err := prepare(p)
	if err != nil {
		return Result{}, err
	}
	s.optimize(st, withDefaults(opts), &res)
	return res, nil
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}
	if opts.InitialLambda <= 0 {
		opts.InitialLambda = def.InitialLambda
	}
	if opts.MaxLambda <= 0 {
		opts.MaxLambda = def.MaxLambda
	}
	return opts
}

// prepare triangulates the initial points and builds the observation list.
func prepare(p Problem) (*solver, state, Result, error) {
	poses := append([]mocap.Pose(nil), p.Poses...)
	poses[0] = mocap.IdentityPose()
	tri := l2triangulate.Rig{Intrinsics: p.Intrinsics, Poses: poses}

	st := state{poses: poses}
	var res Result
	var obs []observation
	for k, c := range p.Observations {
		if !c.Usable() {
			continue
		}
		pt, err := tri.Triangulate(c)
		if err != nil {
			tracef("dropping correspondence %d: %v", k, err)
			continue
		}
		idx := len(st.points)
		st.points = append(st.points, pt.Position)
		res.PointIndex = append(res.PointIndex, k)
		for cam, o := range c {
			if o.Present && cam < len(poses) {
				obs = append(obs, observation{camera: cam, point: idx, pixel: o.Point})
			}
		}
	}
	if len(st.points) == 0 {
		return nil, st, res, mocap.NewGeometryError("bundle", "no correspondence could be initialised from %d inputs", len(p.Observations))
	}
	if dropped := len(p.Observations) - len(st.points); dropped > 0 {
		diagf("bundle: dropped %d of %d correspondences", dropped, len(p.Observations))
	}

	s := &solver{intr: p.Intrinsics, obs: obs, nCam: len(poses) - 1, nPt: len(st.points)}
	cost := s.cost(st)
	if !finite(cost) {
		return nil, st, res, mocap.NewGeometryError("bundle", "initial cost is not finite")
	}
	res.CostHistory = []float64{cost}
	return s, st, res, nil
}

// optimize runs Levenberg–Marquardt from st and fills res with the best
// state reached.
func (s *solver) optimize(st state, opts Options, res *Result) {
	cost := res.CostHistory[0]
	lambda := opts.InitialLambda

loop:
	for res.Iterations < opts.MaxIterations {
		res.Iterations++
		if cost == 0 {
			res.Converged = true
			break
		}
		next, c, l, outcome := s.damp(s.linearizeAt(st), st, cost, lambda, opts.MaxLambda)
		lambda = l
		switch outcome {
		case stepFailed:
			res.Warning = &mocap.ConvergenceWarning{Iterations: res.Iterations, Cost: cost, Reason: "no finite step"}
			break loop
		case stepStalled:
			// Even a tiny gradient step fails to lower the cost: the state
			// is a minimum to numerical precision.
			res.Converged = true
			break loop
		}
		rel := (cost - c) / cost
		st, cost = next, c
		res.CostHistory = append(res.CostHistory, cost)
		tracef("iteration %d: cost %.6g lambda %.3g", res.Iterations, cost, lambda)
		if rel < opts.Tolerance {
			res.Converged = true
			break
		}
	}
	if !res.Converged && res.Warning == nil {
		res.Warning = &mocap.ConvergenceWarning{Iterations: res.Iterations, Cost: cost, Reason: "iteration cap reached"}
	}
	if res.Warning != nil {
		opsf("bundle: %v", res.Warning)
	}

	res.Poses = st.poses
	res.Points = st.points
	res.MeanError = s.meanError(st)
	diagf("bundle: %d cameras, %d points, %d observations, cost %.6g -> %.6g in %d iterations, mean error %.4f px",
		len(st.poses), len(st.points), len(s.obs), res.CostHistory[0], cost, res.Iterations, res.MeanError)
}

func (s *solver) linearizeAt(st state) stepper {
	if s.linear != nil {
		return s.linear(st)
	}
	return s.linearize(st)
}

// damp raises lambda from its current value until a step lowers the cost
// or lambda passes maxLambda. It returns the new state, cost and lambda.
func (s *solver) damp(sys stepper, st state, cost, lambda, maxLambda float64) (state, float64, float64, dampOutcome) {
	solved := false
	for ; lambda <= maxLambda; lambda *= 10 {
		step, ok := sys.solve(lambda)
		if !ok {
			continue
		}
		cand := s.apply(st, step)
		c := s.cost(cand)
		if !finite(c) {
			continue
		}
		solved = true
		if c < cost {
			return cand, c, math.Max(lambda/10, 1e-12), stepAccepted
		}
	}
	if !solved {
		return st, cost, lambda, stepFailed
	}
	return st, cost, lambda, stepStalled
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// usable accepts a solve that only reported poor conditioning; the step is
// still checked against the cost before it is committed.
func usable(err error) bool {
	if err == nil {
		return true
	}
	var cond mat.Condition
	return errors.As(err, &cond)
}

// residual returns the pixel residual of o under st; ok is false when the
// point is not in front of the camera.
func (s *solver) residual(st state, o observation) (r2.Point, bool) {
	px, depth := s.intr[o.camera].Project(st.poses[o.camera], st.points[o.point])
	if depth <= 0 {
		return r2.Point{}, false
	}
	return px.Sub(o.pixel), true
}

func (s *solver) cost(st state) float64 {
	var c float64
	for _, o := range s.obs {
		r, ok := s.residual(st, o)
		if !ok {
			return math.Inf(1)
		}
		c += r.X*r.X + r.Y*r.Y
	}
	return c
}

func (s *solver) meanError(st state) float64 {
	errs := make(stats.Float64Data, 0, len(s.obs))
	for _, o := range s.obs {
		if r, ok := s.residual(st, o); ok {
			errs = append(errs, r.Norm())
		}
	}
	m, err := stats.Mean(errs)
	if err != nil {
		return 0
	}
	return m
}

// apply returns st updated by step: rotations by left-multiplied
// exp(δω), translations and points additively.
func (s *solver) apply(st state, step []float64) state {
	out := st.clone()
	for j := 0; j < s.nCam; j++ {
		b := step[6*j : 6*j+6]
		p := out.poses[j+1]
		dR := mocap.RotationFromAxisAngle(r3.Vector{X: b[0], Y: b[1], Z: b[2]})
		out.poses[j+1] = mocap.Pose{R: dR.Mul(p.R), T: p.T.Add(r3.Vector{X: b[3], Y: b[4], Z: b[5]})}
	}
	off := 6 * s.nCam
	for i := range out.points {
		b := step[off+3*i : off+3*i+3]
		out.points[i] = out.points[i].Add(r3.Vector{X: b[0], Y: b[1], Z: b[2]})
	}
	return out
}

// system holds the block normal equations JᵀJ·δ = -Jᵀr.
type system struct {
	nCam, nPt int
	U         [][36]float64 // camera-camera diagonal blocks
	V         [][9]float64  // point-point diagonal blocks
	W         map[[2]int]*[18]float64
	ea        []float64 // -Jᵀr, camera part
	eb        []float64 // -Jᵀr, point part
}

// linearize evaluates analytic Jacobians at st.
func (s *solver) linearize(st state) *system {
	sys := &system{
		nCam: s.nCam,
		nPt:  s.nPt,
		U:    make([][36]float64, s.nCam),
		V:    make([][9]float64, s.nPt),
		W:    make(map[[2]int]*[18]float64),
		ea:   make([]float64, 6*s.nCam),
		eb:   make([]float64, 3*s.nPt),
	}
	for _, o := range s.obs {
		pose := st.poses[o.camera]
		X := st.points[o.point]
		K := s.intr[o.camera].K
		RX := pose.R.MulVec(X)
		c := RX.Add(pose.T)
		h := K.MulVec(c)
		u, v := h.X/h.Z, h.Y/h.Z
		res := [2]float64{u - o.pixel.X, v - o.pixel.Y}
		iz := 1 / h.Z
		// Rows of d(u,v)/dc.
		dc := [2]r3.Vector{
			{X: (K[0] - u*K[6]) * iz, Y: (K[1] - u*K[7]) * iz, Z: (K[2] - u*K[8]) * iz},
			{X: (K[3] - v*K[6]) * iz, Y: (K[4] - v*K[7]) * iz, Z: (K[5] - v*K[8]) * iz},
		}
		var jp [2][3]float64
		var jc [2][6]float64
		for r := 0; r < 2; r++ {
			g := pose.R.T().MulVec(dc[r])
			jp[r] = [3]float64{g.X, g.Y, g.Z}
			w := RX.Cross(dc[r])
			jc[r] = [6]float64{w.X, w.Y, w.Z, dc[r].X, dc[r].Y, dc[r].Z}
		}

		pi := o.point
		for a := 0; a < 3; a++ {
			sys.eb[3*pi+a] -= jp[0][a]*res[0] + jp[1][a]*res[1]
			for b := 0; b < 3; b++ {
				sys.V[pi][a*3+b] += jp[0][a]*jp[0][b] + jp[1][a]*jp[1][b]
			}
		}
		if o.camera == 0 {
			continue
		}
		cj := o.camera - 1
		for a := 0; a < 6; a++ {
			sys.ea[6*cj+a] -= jc[0][a]*res[0] + jc[1][a]*res[1]
			for b := 0; b < 6; b++ {
				sys.U[cj][a*6+b] += jc[0][a]*jc[0][b] + jc[1][a]*jc[1][b]
			}
		}
		key := [2]int{cj, pi}
		blk := sys.W[key]
		if blk == nil {
			blk = new([18]float64)
			sys.W[key] = blk
		}
		for a := 0; a < 6; a++ {
			for b := 0; b < 3; b++ {
				blk[a*3+b] += jc[0][a]*jp[0][b] + jc[1][a]*jp[1][b]
			}
		}
	}
	return sys
}

// solve returns the damped step via the Schur complement on point blocks.
func (sys *system) solve(lambda float64) ([]float64, bool) {
	nc := 6 * sys.nCam
	Vinv := make([]*mat.Dense, sys.nPt)
	for i := range sys.V {
		Vi := mat.NewDense(3, 3, nil)
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				Vi.Set(a, b, sys.V[i][a*3+b])
			}
			Vi.Set(a, a, sys.V[i][a*3+a]*(1+lambda)+1e-12)
		}
		var inv mat.Dense
		if err := inv.Inverse(Vi); !usable(err) {
			return nil, false
		}
		Vinv[i] = &inv
	}

	S := mat.NewDense(max(nc, 1), max(nc, 1), nil)
	rhs := mat.NewVecDense(max(nc, 1), nil)
	for j := 0; j < sys.nCam; j++ {
		for a := 0; a < 6; a++ {
			for b := 0; b < 6; b++ {
				S.Set(6*j+a, 6*j+b, sys.U[j][a*6+b])
			}
			S.Set(6*j+a, 6*j+a, sys.U[j][a*6+a]*(1+lambda)+1e-12)
			rhs.SetVec(6*j+a, sys.ea[6*j+a])
		}
	}

	// Group W blocks by point to form Σ_i W_ji·V_i⁻¹·W_kiᵀ.
	byPoint := make([][]int, sys.nPt)
	for key := range sys.W {
		byPoint[key[1]] = append(byPoint[key[1]], key[0])
	}
	// Y_ji = W_ji·V_i⁻¹, cached per block.
	Y := make(map[[2]int]*mat.Dense, len(sys.W))
	for key, blk := range sys.W {
		Wm := mat.NewDense(6, 3, blk[:])
		var y mat.Dense
		y.Mul(Wm, Vinv[key[1]])
		Y[key] = &y
	}
	for i, cams := range byPoint {
		eb := mat.NewVecDense(3, sys.eb[3*i:3*i+3])
		for _, j := range cams {
			yj := Y[[2]int{j, i}]
			var r mat.VecDense
			r.MulVec(yj, eb)
			for a := 0; a < 6; a++ {
				rhs.SetVec(6*j+a, rhs.AtVec(6*j+a)-r.AtVec(a))
			}
			for _, k := range cams {
				Wk := mat.NewDense(6, 3, sys.W[[2]int{k, i}][:])
				var blk mat.Dense
				blk.Mul(yj, Wk.T())
				for a := 0; a < 6; a++ {
					for b := 0; b < 6; b++ {
						S.Set(6*j+a, 6*k+b, S.At(6*j+a, 6*k+b)-blk.At(a, b))
					}
				}
			}
		}
	}

	step := make([]float64, nc+3*sys.nPt)
	if nc > 0 {
		var da mat.VecDense
		if err := da.SolveVec(S, rhs); !usable(err) {
			return nil, false
		}
		for k := 0; k < nc; k++ {
			step[k] = da.AtVec(k)
		}
	}
	for i := 0; i < sys.nPt; i++ {
		b := mat.NewVecDense(3, append([]float64(nil), sys.eb[3*i:3*i+3]...))
		for _, j := range byPoint[i] {
			Wm := mat.NewDense(6, 3, sys.W[[2]int{j, i}][:])
			var wt mat.VecDense
			wt.MulVec(Wm.T(), mat.NewVecDense(6, step[6*j:6*j+6]))
			b.SubVec(b, &wt)
		}
		var db mat.VecDense
		db.MulVec(Vinv[i], b)
		for a := 0; a < 3; a++ {
			step[nc+3*i+a] = db.AtVec(a)
		}
	}
	for _, v := range step {
		if !finite(v) {
			return nil, false
		}
	}
	return step, true
}
