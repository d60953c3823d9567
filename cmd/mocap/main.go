package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mocap/internal/actuator"
	"github.com/banshee-data/mocap/internal/api"
	"github.com/banshee-data/mocap/internal/config"
	"github.com/banshee-data/mocap/internal/db"
	"github.com/banshee-data/mocap/internal/mocap"
	"github.com/banshee-data/mocap/internal/mocap/l1frames"
	"github.com/banshee-data/mocap/internal/mocap/l3epipolar"
	"github.com/banshee-data/mocap/internal/mocap/l4bundle"
	"github.com/banshee-data/mocap/internal/mocap/l5world"
	"github.com/banshee-data/mocap/internal/mocap/l6tracking"
	"github.com/banshee-data/mocap/internal/mocap/monitor"
	"github.com/banshee-data/mocap/internal/mocap/pipeline"
	"github.com/banshee-data/mocap/internal/mocap/session"
	sqlite "github.com/banshee-data/mocap/internal/mocap/storage/sqlite"
	"github.com/banshee-data/mocap/internal/mocap/visualiser"
	"github.com/banshee-data/mocap/internal/monitoring"
	"github.com/banshee-data/mocap/internal/serialmux"
	"github.com/banshee-data/mocap/internal/timeutil"
	"github.com/banshee-data/mocap/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run against a synthetic camera rig")
	devCameras = flag.Int("dev-cameras", 4, "Number of synthetic cameras in dev mode")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen = flag.String("grpc-listen", "localhost:50051", "gRPC pose stream address (empty to disable)")
	configFile = flag.String("config", "config/tuning.defaults.json", "Tuning config file")
	paramsFile = flag.String("params", "camera-params.json", "Camera intrinsics file")
	dbFile     = flag.String("db", "mocap.db", "Path to the SQLite database file")
	port       = flag.String("port", "", "Actuator serial port (empty to auto-detect, \"none\" to disable)")
	plotDir    = flag.String("plot-dir", "", "Write bundle adjustment convergence plots here (overrides config)")
	verbose    = flag.Bool("v", false, "Enable diagnostic logging")
	trace      = flag.Bool("trace", false, "Enable per-frame trace logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// Constants
const monitorInterval = time.Second

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(flag.Args()[1:], *dbFile, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	configureLogging(monitoring.NewStreams(os.Stdout, *verbose, *trace))
	log.Printf("starting %s", version.String())

	tuning, err := config.LoadTuningConfig(*configFile)
	if err != nil {
		log.Fatalf("failed to load tuning config: %v", err)
	}
	if *plotDir != "" {
		tuning.BAPlotDir = plotDir
	}

	clock := timeutil.RealClock{}
	src, err := newFrameSource(tuning, clock)
	if err != nil {
		log.Fatalf("failed to create frame source: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	sessions := sqlite.NewSessionStore(database.DB)
	store := session.NewStore(restoreSession(sessions, src.Intrinsics()), sessions, clock)
	rig := session.NewRig(src, store)
	defer rig.Close()

	calibrator := pipeline.NewCalibrator(rig, pipeline.NewCapture(src, 0), calibrationConfig(tuning),
		sqlite.NewRunStore(database.DB), sqlite.NewCaptureStore(database.DB))

	tracker := l6tracking.New(src, l6tracking.Config{
		NumObjects:  tuning.GetNumObjects(),
		Correlation: tuning.GetCorrelation(),
		Gate:        tuning.GetEpipolarGatePx(),
	})

	pubCfg := visualiser.DefaultConfig()
	pubCfg.ListenAddr = *grpcListen
	publisher := visualiser.NewPublisher(pubCfg)
	if err := publisher.Start(); err != nil {
		log.Fatalf("failed to start pose publisher: %v", err)
	}
	defer publisher.Stop()
	tracker.AddSink(publisher)

	actuatorSerial := openActuatorSerial(tuning)
	defer actuatorSerial.Close()
	link := actuator.New(actuatorSerial, actuator.Config{FrameGap: tuning.GetActuatorFrameGap(), Clock: clock})
	forwarder := pipeline.NewForwarder(link)
	tracker.AddSink(forwarder)

	charts := monitor.New(rigStats{calibrator: calibrator, src: src, tracker: tracker}, clock, 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := src.Start(ctx); err != nil {
		log.Fatalf("failed to start acquisition: %v", err)
	}
	forwarder.Start(ctx)
	defer forwarder.Stop()
	defer tracker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	// run the monitor routine to manage IO on the actuator port
	g.Go(func() error {
		if err := actuatorSerial.Monitor(gctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
		return nil
	})

	// surface firmware log lines; telemetry is only traced
	g.Go(func() error {
		id, c := actuatorSerial.Subscribe()
		defer actuatorSerial.Unsubscribe(id)
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return nil
				}
				if serialmux.ClassifyLine(line) == serialmux.LineLog {
					monitoring.Logf("actuator: %s", line)
				}
			case <-gctx.Done():
				log.Printf("subscribe routine terminated")
				return nil
			}
		}
	})

	g.Go(func() error {
		charts.Run(gctx.Done(), monitorInterval)
		return nil
	})

	// HTTP server goroutine
	g.Go(func() error {
		mux := api.NewServer(ctx, api.Deps{
			Rig:        rig,
			Calibrator: calibrator,
			Tracker:    tracker,
			Publisher:  publisher,
			Actuator:   link,
		}).ServeMux()

		actuatorSerial.AttachAdminRoutes(mux)
		charts.AttachAdminRoutes(mux)
		if err := database.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		errc := make(chan error, 1)
		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
			close(errc)
		}()

		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-gctx.Done():
		}
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("service error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func configureLogging(s monitoring.Streams) {
	mocap.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l1frames.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l3epipolar.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l4bundle.SetLogWriters(s.Ops, s.Diag, s.Trace)
	l6tracking.SetLogWriters(s.Ops, s.Diag, s.Trace)
	session.SetLogWriters(s.Ops, s.Diag, s.Trace)
	pipeline.SetLogWriters(s.Ops, s.Diag, s.Trace)
	visualiser.SetLogWriters(s.Ops, s.Diag, s.Trace)
	actuator.SetLogWriters(s.Ops, s.Diag, s.Trace)
}

func calibrationConfig(t *config.TuningConfig) pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Epipolar.Ransac.Threshold = t.GetRansacThresholdPx()
	cfg.Epipolar.Ransac.Confidence = t.GetRansacConfidence()
	cfg.Epipolar.Ransac.MaxIterations = t.GetRansacMaxIterations()
	cfg.Epipolar.Ransac.Seed = t.GetRansacSeed()
	cfg.Epipolar.DegenerateRatio = t.GetDegenerateHomographyRatio()
	cfg.Bundle.MaxIterations = t.GetBAMaxIterations()
	cfg.Bundle.Tolerance = t.GetBATolerance()
	cfg.PlotDir = t.GetBAPlotDir()
	cfg.KnownSeparation = t.GetKnownSeparationM()
	cfg.EpipolarGate = t.GetEpipolarGatePx()
	return cfg
}

// restoreSession loads the last committed state, falling back to a fresh
// one when nothing usable was saved.
func restoreSession(sessions *sqlite.SessionStore, intr []mocap.Intrinsics) session.State {
	data, updated, ok, err := sessions.Load()
	if err != nil {
		log.Printf("failed to load saved session: %v", err)
		return session.NewState(intr)
	}
	if !ok {
		return session.NewState(intr)
	}
	st, err := session.Restore(data, intr)
	if err != nil {
		log.Printf("%v", err)
		return st
	}
	log.Printf("restored session saved at %s (calibrated=%v)", updated.Format(time.RFC3339), st.Calibrated)
	return st
}

// openActuatorSerial falls back to a disabled port so drone commands are
// accepted and dropped when no radio is attached.
func openActuatorSerial(t *config.TuningConfig) serialmux.SerialMuxInterface {
	path := *port
	if *devMode || path == "none" {
		return serialmux.NewDisabledSerialMux()
	}
	if path == "" {
		found, err := serialmux.FindPort()
		if err != nil {
			log.Printf("actuator link disabled: %v", err)
			return serialmux.NewDisabledSerialMux()
		}
		path = found
	}
	m, err := serialmux.NewRealSerialMux(path, serialmux.PortOptions{BaudRate: t.GetSerialBaudRate()}, t.GetSerialWriteTimeout())
	if err != nil {
		log.Printf("actuator link disabled: failed to open %s: %v", path, err)
		return serialmux.NewDisabledSerialMux()
	}
	log.Printf("actuator link on %s", path)
	return m
}

// rigStats adapts the running components to the debug charts.
type rigStats struct {
	calibrator *pipeline.Calibrator
	src        *l1frames.Source
	tracker    *l6tracking.Tracker
}

func (r rigStats) CameraPositions() ([]l5world.CameraPlacement, error) {
	return r.calibrator.CameraPositions()
}
func (r rigStats) AcquisitionRate() float64 { return r.src.Rate() }
func (r rigStats) TrackingRate() float64    { return r.tracker.Rate() }
