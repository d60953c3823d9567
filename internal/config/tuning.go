package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Correlation strategies for matching detections across cameras.
const (
	CorrelationOrdinal  = "ordinal"
	CorrelationEpipolar = "epipolar"
)

// TuningConfig represents the root configuration for calibration and
// tracking parameters. Every field is optional; the Get* accessors fall
// back to the built-in defaults, so partial files are safe.
type TuningConfig struct {
	// Pairwise pose estimation
	RansacThresholdPx         *float64 `json:"ransac_threshold_px,omitempty"`
	RansacConfidence          *float64 `json:"ransac_confidence,omitempty"`
	RansacMaxIterations       *int     `json:"ransac_max_iterations,omitempty"`
	RansacSeed                *int64   `json:"ransac_seed,omitempty"`
	DegenerateHomographyRatio *float64 `json:"degenerate_homography_ratio,omitempty"`

	// Bundle adjustment
	BAMaxIterations *int     `json:"ba_max_iterations,omitempty"`
	BATolerance     *float64 `json:"ba_tolerance,omitempty"`
	BAPlotDir       *string  `json:"ba_plot_dir,omitempty"` // empty disables plots

	// World frame
	KnownSeparationM *float64 `json:"known_separation_m,omitempty"`

	// Acquisition and detection
	TargetFPS          *float64 `json:"target_fps,omitempty"`
	DetectionThreshold *int     `json:"detection_threshold,omitempty"` // 0-255 grey level
	MinSpotArea        *int     `json:"min_spot_area,omitempty"`
	MaxSpotArea        *int     `json:"max_spot_area,omitempty"`
	MaxPointsPerCamera *int     `json:"max_points_per_camera,omitempty"`
	CameraExposure     *int     `json:"camera_exposure,omitempty"`
	CameraGain         *int     `json:"camera_gain,omitempty"`

	// Live tracking
	NumObjects     *int     `json:"num_objects,omitempty"`
	Correlation    *string  `json:"correlation,omitempty"` // "ordinal" or "epipolar"
	EpipolarGatePx *float64 `json:"epipolar_gate_px,omitempty"`

	// Actuator link
	SerialBaudRate     *int    `json:"serial_baud_rate,omitempty"`
	SerialWriteTimeout *string `json:"serial_write_timeout,omitempty"` // duration string like "1s"
	ActuatorFrameGap   *string `json:"actuator_frame_gap,omitempty"`   // duration string like "10ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field populated from the
// built-in defaults.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		RansacThresholdPx:         ptrFloat64(1.0),
		RansacConfidence:          ptrFloat64(0.99999),
		RansacMaxIterations:       ptrInt(2000),
		RansacSeed:                ptrInt64(1),
		DegenerateHomographyRatio: ptrFloat64(0.95),
		BAMaxIterations:           ptrInt(100),
		BATolerance:               ptrFloat64(1e-8),
		BAPlotDir:                 ptrString(""),
		KnownSeparationM:          ptrFloat64(0.15),
		TargetFPS:                 ptrFloat64(100),
		DetectionThreshold:        ptrInt(200),
		MinSpotArea:               ptrInt(2),
		MaxSpotArea:               ptrInt(2000),
		MaxPointsPerCamera:        ptrInt(8),
		CameraExposure:            ptrInt(100),
		CameraGain:                ptrInt(10),
		NumObjects:                ptrInt(1),
		Correlation:               ptrString(CorrelationOrdinal),
		EpipolarGatePx:            ptrFloat64(5.0),
		SerialBaudRate:            ptrInt(1000000),
		SerialWriteTimeout:        ptrString("1s"),
		ActuatorFrameGap:          ptrString("10ms"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/mocap/session/
		"../../../../" + DefaultConfigPath, // from internal/mocap/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.RansacThresholdPx != nil && *c.RansacThresholdPx <= 0 {
		return fmt.Errorf("ransac_threshold_px must be positive, got %f", *c.RansacThresholdPx)
	}
	if c.RansacConfidence != nil && (*c.RansacConfidence <= 0 || *c.RansacConfidence >= 1) {
		return fmt.Errorf("ransac_confidence must be in (0, 1), got %f", *c.RansacConfidence)
	}
	if c.RansacMaxIterations != nil && *c.RansacMaxIterations < 1 {
		return fmt.Errorf("ransac_max_iterations must be at least 1, got %d", *c.RansacMaxIterations)
	}
	if c.DegenerateHomographyRatio != nil && (*c.DegenerateHomographyRatio < 0 || *c.DegenerateHomographyRatio > 1) {
		return fmt.Errorf("degenerate_homography_ratio must be between 0 and 1, got %f", *c.DegenerateHomographyRatio)
	}
	if c.BAMaxIterations != nil && *c.BAMaxIterations < 1 {
		return fmt.Errorf("ba_max_iterations must be at least 1, got %d", *c.BAMaxIterations)
	}
	if c.BATolerance != nil && *c.BATolerance <= 0 {
		return fmt.Errorf("ba_tolerance must be positive, got %g", *c.BATolerance)
	}
	if c.KnownSeparationM != nil && *c.KnownSeparationM <= 0 {
		return fmt.Errorf("known_separation_m must be positive, got %f", *c.KnownSeparationM)
	}
	if c.TargetFPS != nil && (*c.TargetFPS <= 0 || *c.TargetFPS > 1000) {
		return fmt.Errorf("target_fps must be in (0, 1000], got %f", *c.TargetFPS)
	}
	if c.DetectionThreshold != nil && (*c.DetectionThreshold < 0 || *c.DetectionThreshold > 255) {
		return fmt.Errorf("detection_threshold must be between 0 and 255, got %d", *c.DetectionThreshold)
	}
	if c.MinSpotArea != nil && *c.MinSpotArea < 1 {
		return fmt.Errorf("min_spot_area must be at least 1, got %d", *c.MinSpotArea)
	}
	if c.MinSpotArea != nil && c.MaxSpotArea != nil && *c.MaxSpotArea < *c.MinSpotArea {
		return fmt.Errorf("max_spot_area (%d) must not be below min_spot_area (%d)", *c.MaxSpotArea, *c.MinSpotArea)
	}
	if c.MaxPointsPerCamera != nil && *c.MaxPointsPerCamera < 1 {
		return fmt.Errorf("max_points_per_camera must be at least 1, got %d", *c.MaxPointsPerCamera)
	}
	if c.NumObjects != nil && *c.NumObjects < 1 {
		return fmt.Errorf("num_objects must be at least 1, got %d", *c.NumObjects)
	}
	if c.Correlation != nil {
		switch *c.Correlation {
		case CorrelationOrdinal, CorrelationEpipolar:
		default:
			return fmt.Errorf("correlation must be %q or %q, got %q", CorrelationOrdinal, CorrelationEpipolar, *c.Correlation)
		}
	}
	if c.EpipolarGatePx != nil && *c.EpipolarGatePx <= 0 {
		return fmt.Errorf("epipolar_gate_px must be positive, got %f", *c.EpipolarGatePx)
	}
	if c.SerialBaudRate != nil && *c.SerialBaudRate <= 0 {
		return fmt.Errorf("serial_baud_rate must be positive, got %d", *c.SerialBaudRate)
	}
	for name, v := range map[string]*string{
		"serial_write_timeout": c.SerialWriteTimeout,
		"actuator_frame_gap":   c.ActuatorFrameGap,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetRansacThresholdPx returns the Sampson inlier threshold in pixels.
func (c *TuningConfig) GetRansacThresholdPx() float64 {
	if c.RansacThresholdPx == nil {
		return 1.0
	}
	return *c.RansacThresholdPx
}

func (c *TuningConfig) GetRansacConfidence() float64 {
	if c.RansacConfidence == nil {
		return 0.99999
	}
	return *c.RansacConfidence
}

func (c *TuningConfig) GetRansacMaxIterations() int {
	if c.RansacMaxIterations == nil {
		return 2000
	}
	return *c.RansacMaxIterations
}

func (c *TuningConfig) GetRansacSeed() int64 {
	if c.RansacSeed == nil {
		return 1
	}
	return *c.RansacSeed
}

func (c *TuningConfig) GetDegenerateHomographyRatio() float64 {
	if c.DegenerateHomographyRatio == nil {
		return 0.95
	}
	return *c.DegenerateHomographyRatio
}

func (c *TuningConfig) GetBAMaxIterations() int {
	if c.BAMaxIterations == nil {
		return 100
	}
	return *c.BAMaxIterations
}

func (c *TuningConfig) GetBATolerance() float64 {
	if c.BATolerance == nil {
		return 1e-8
	}
	return *c.BATolerance
}

// GetBAPlotDir returns the directory for cost plots; empty disables them.
func (c *TuningConfig) GetBAPlotDir() string {
	if c.BAPlotDir == nil {
		return ""
	}
	return *c.BAPlotDir
}

// GetKnownSeparationM returns the scale wand marker separation in metres.
func (c *TuningConfig) GetKnownSeparationM() float64 {
	if c.KnownSeparationM == nil {
		return 0.15
	}
	return *c.KnownSeparationM
}

func (c *TuningConfig) GetTargetFPS() float64 {
	if c.TargetFPS == nil {
		return 100
	}
	return *c.TargetFPS
}

// GetFrameInterval returns the acquisition tick derived from TargetFPS.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTargetFPS())
}

func (c *TuningConfig) GetDetectionThreshold() int {
	if c.DetectionThreshold == nil {
		return 200
	}
	return *c.DetectionThreshold
}

func (c *TuningConfig) GetMinSpotArea() int {
	if c.MinSpotArea == nil {
		return 2
	}
	return *c.MinSpotArea
}

func (c *TuningConfig) GetMaxSpotArea() int {
	if c.MaxSpotArea == nil {
		return 2000
	}
	return *c.MaxSpotArea
}

func (c *TuningConfig) GetMaxPointsPerCamera() int {
	if c.MaxPointsPerCamera == nil {
		return 8
	}
	return *c.MaxPointsPerCamera
}

func (c *TuningConfig) GetCameraExposure() int {
	if c.CameraExposure == nil {
		return 100
	}
	return *c.CameraExposure
}

func (c *TuningConfig) GetCameraGain() int {
	if c.CameraGain == nil {
		return 10
	}
	return *c.CameraGain
}

func (c *TuningConfig) GetNumObjects() int {
	if c.NumObjects == nil {
		return 1
	}
	return *c.NumObjects
}

func (c *TuningConfig) GetCorrelation() string {
	if c.Correlation == nil || *c.Correlation == "" {
		return CorrelationOrdinal
	}
	return *c.Correlation
}

func (c *TuningConfig) GetEpipolarGatePx() float64 {
	if c.EpipolarGatePx == nil {
		return 5.0
	}
	return *c.EpipolarGatePx
}

func (c *TuningConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 1000000
	}
	return *c.SerialBaudRate
}

func (c *TuningConfig) GetSerialWriteTimeout() time.Duration {
	return durationOr(c.SerialWriteTimeout, time.Second)
}

func (c *TuningConfig) GetActuatorFrameGap() time.Duration {
	return durationOr(c.ActuatorFrameGap, 10*time.Millisecond)
}
