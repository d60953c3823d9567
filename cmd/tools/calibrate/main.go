// Command calibrate computes camera poses offline from a captured set of
// correspondences, or pushes the set to a running service.
//
// Usage:
//
//	calibrate -params camera-params.json -samples capture.json [-out session.json]
//	calibrate -params camera-params.json -db mocap.db
//	calibrate -samples capture.json -push http://localhost:8080
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/db"
	"github.com/banshee-data/mocap/internal/httputil"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l3epipolar"
	"github.com/banshee-data/mocap/internal/mocap/l4bundle"
	"github.com/banshee-data/mocap/internal/mocap/pipeline"
	"github.com/banshee-data/mocap/internal/mocap/session"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
	"github.com/banshee-data/mocap/internal/monitoring"
)

var (
	paramsFile  = flag.String("params", "camera-params.json", "Camera intrinsics file")
	samplesFile = flag.String("samples", "", "Captured correspondences: JSON array of per-camera [x, y] or null")
	dbFile      = flag.String("db", "", "Read the latest capture from, and record runs in, this database")
	configFile  = flag.String("config", "config/tuning.defaults.json", "Tuning config file")
	plotDir     = flag.String("plot-dir", "", "Write the bundle adjustment cost plot here")
	outFile     = flag.String("out", "", "Write the resulting session state here")
	noRefine    = flag.Bool("no-refine", false, "Stop after pairwise estimation")
	push        = flag.String("push", "", "Base URL of a running service; send the samples there instead")
	verbose     = flag.Bool("v", false, "Enable diagnostic logging")
)

func main() {
	flag.Parse()
	streams := monitoring.NewStreams(os.Stderr, *verbose, false)
	mocap.SetLogWriters(streams.Ops, streams.Diag, nil)
	l3epipolar.SetLogWriters(streams.Ops, streams.Diag, nil)
	l4bundle.SetLogWriters(streams.Ops, streams.Diag, nil)
	pipeline.SetLogWriters(streams.Ops, streams.Diag, nil)

	if *push != "" {
		data, err := readSamplesFile(*samplesFile)
		if err != nil {
			log.Fatal(err)
		}
		client := httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Minute})
		if err := pushSamples(client, *push, data, !*noRefine, os.Stdout); err != nil {
			log.Fatalf("push failed: %v", err)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	tuning, err := config.LoadTuningConfig(*configFile)
	if err != nil {
		return fmt.Errorf("failed to load tuning config: %w", err)
	}
	intr, err := mocap.LoadIntrinsics(*paramsFile)
	if err != nil {
		return err
	}

	var (
		runs     *sqlite.RunStore
		captures *sqlite.CaptureStore
		persist  session.Persister
	)
	if *dbFile != "" {
		database, err := db.NewDB(*dbFile)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		runs = sqlite.NewRunStore(database.DB)
		captures = sqlite.NewCaptureStore(database.DB)
		persist = sqlite.NewSessionStore(database.DB)
	}

	samples, err := loadSamples(*samplesFile, captures)
	if err != nil {
		return err
	}
	log.Printf("calibrating %d cameras from %d samples", len(intr), len(samples))

	cfg := pipeline.DefaultConfig()
	cfg.Epipolar.Ransac.Threshold = tuning.GetRansacThresholdPx()
	cfg.Epipolar.Ransac.Confidence = tuning.GetRansacConfidence()
	cfg.Epipolar.Ransac.MaxIterations = tuning.GetRansacMaxIterations()
	cfg.Epipolar.Ransac.Seed = tuning.GetRansacSeed()
	cfg.Epipolar.DegenerateRatio = tuning.GetDegenerateHomographyRatio()
	cfg.Bundle.MaxIterations = tuning.GetBAMaxIterations()
	cfg.Bundle.Tolerance = tuning.GetBATolerance()
	cfg.PlotDir = *plotDir

	store := session.NewStore(session.NewState(intr), persist, nil)
	rig := session.NewRig(nil, store)
	cal := pipeline.NewCalibrator(rig, pipeline.NewCapture(nil, 0), cfg, runs, nil)

	pw, err := cal.ComputePairwisePoses(samples)
	if err != nil {
		return fmt.Errorf("compute-pairwise-poses: %w", err)
	}
	log.Printf("pairwise: %d/%d samples triangulated, mean reprojection error %.3f px", pw.Triangulated, pw.Samples, pw.MeanError)
	for _, p := range pw.Pairs {
		log.Printf("  cameras %d-%d: %d inliers of %d, %d in front", p.Cameras[0], p.Cameras[1], p.Inliers, p.Used, p.InFront)
	}

	if !*noRefine {
		ref, err := cal.RefinePoses(samples)
		if err != nil {
			return fmt.Errorf("refine-poses: %w", err)
		}
		log.Printf("refine: %d iterations, mean reprojection error %.3f px, converged=%v", ref.Iterations, ref.MeanError, ref.Converged)
		if ref.Warning != "" {
			log.Printf("warning: %s", ref.Warning)
		}
		if ref.PlotPath != "" {
			log.Printf("cost plot written to %s", ref.PlotPath)
		}
	}

	out, err := json.MarshalIndent(store.Load(), "", "  ")
	if err != nil {
		return err
	}
	if *outFile == "" {
		_, err = fmt.Println(string(out))
		return err
	}
	if err := os.WriteFile(*outFile, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *outFile, err)
	}
	log.Printf("session written to %s", *outFile)
	return nil
}

// loadSamples prefers an explicit file and otherwise takes the newest
// capture set from the database.
func loadSamples(path string, captures *sqlite.CaptureStore) ([][]mocap.Observation, error) {
	if path != "" {
		data, err := readSamplesFile(path)
		if err != nil {
			return nil, err
		}
		return sqlite.DecodeSamples(data)
	}
	if captures == nil {
		return nil, fmt.Errorf("either -samples or -db is required")
	}
	set, err := captures.Latest()
	if err != nil {
		return nil, fmt.Errorf("failed to load latest capture: %w", err)
	}
	log.Printf("using capture %s from %s", set.SetID, set.CreatedAt.Format(time.RFC3339))
	return set.Samples, nil
}
