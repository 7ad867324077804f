// Package config loads detector tuning from JSON files. Fields omitted
// from a file keep their defaults, so partial configs are safe, and the
// same schema serves startup configuration and saved presets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/range.report/internal/detector"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig is the root tuning schema. Every field is a pointer so an
// absent key is distinguishable from an explicit zero.
type TuningConfig struct {
	// Measurement range params
	RangeStartM   *float64 `json:"range_start_m,omitempty"`
	RangeEndM     *float64 `json:"range_end_m,omitempty"`
	MaxStepLength *int     `json:"max_step_length,omitempty"`
	MaxProfile    *int     `json:"max_profile,omitempty"`
	SignalQuality *float64 `json:"signal_quality,omitempty"`

	// Threshold params
	ThresholdMethod        *string  `json:"threshold_method,omitempty"` // fixed_amplitude | fixed_strength | recorded | cfar
	FixedAmplitude         *float64 `json:"fixed_amplitude,omitempty"`
	FixedStrengthDB        *float64 `json:"fixed_strength_db,omitempty"`
	RecordedFrames         *int     `json:"recorded_frames,omitempty"`
	ThresholdSensitivity   *float64 `json:"threshold_sensitivity,omitempty"`
	PeakSorting            *string  `json:"peak_sorting,omitempty"`    // closest | strongest
	ReflectorShape         *string  `json:"reflector_shape,omitempty"` // generic | planar
	CloseRangeCancellation *bool    `json:"close_range_cancellation,omitempty"`

	// Frame timing params
	SweepsPerFrame      *int     `json:"sweeps_per_frame,omitempty"`
	FrameRateHz         *float64 `json:"frame_rate_hz,omitempty"`
	ContinuousSweepMode *bool    `json:"continuous_sweep_mode,omitempty"`
	SweepRateHz         *float64 `json:"sweep_rate_hz,omitempty"`
	DoubleBuffering     *bool    `json:"double_buffering,omitempty"`
	InterFrameIdleState *string  `json:"inter_frame_idle_state,omitempty"` // deep_sleep | sleep | ready
	InterSweepIdleState *string  `json:"inter_sweep_idle_state,omitempty"`

	// Hardware params
	SensorID   *int    `json:"sensor_id,omitempty"`
	SerialPort *string `json:"serial_port,omitempty"`

	// Calibration store params
	CalibrationDB *string `json:"calibration_db,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

// Validate checks field values that can be rejected before touching the
// detector. Cross-field checks belong to detector.Config.Validate.
func (c *TuningConfig) Validate() error {
	if c.RangeStartM != nil && *c.RangeStartM < 0 {
		return fmt.Errorf("range_start_m must be non-negative, got %f", *c.RangeStartM)
	}
	if c.RangeStartM != nil && c.RangeEndM != nil && *c.RangeEndM <= *c.RangeStartM {
		return fmt.Errorf("range_end_m %f must exceed range_start_m %f", *c.RangeEndM, *c.RangeStartM)
	}
	if c.MaxProfile != nil {
		if *c.MaxProfile < 1 || *c.MaxProfile > 5 {
			return fmt.Errorf("max_profile must be 1..5, got %d", *c.MaxProfile)
		}
	}
	if c.ThresholdSensitivity != nil {
		if *c.ThresholdSensitivity < 0 || *c.ThresholdSensitivity > 1 {
			return fmt.Errorf("threshold_sensitivity must be between 0 and 1, got %f", *c.ThresholdSensitivity)
		}
	}
	if c.ThresholdMethod != nil {
		if _, err := parseThresholdMethod(*c.ThresholdMethod); err != nil {
			return err
		}
	}
	if c.PeakSorting != nil {
		if _, err := parsePeakSorting(*c.PeakSorting); err != nil {
			return err
		}
	}
	if c.ReflectorShape != nil {
		if _, err := parseReflectorShape(*c.ReflectorShape); err != nil {
			return err
		}
	}
	if c.InterFrameIdleState != nil {
		if _, err := parseIdleState(*c.InterFrameIdleState); err != nil {
			return err
		}
	}
	if c.InterSweepIdleState != nil {
		if _, err := parseIdleState(*c.InterSweepIdleState); err != nil {
			return err
		}
	}
	if c.RecordedFrames != nil && *c.RecordedFrames < 1 {
		return fmt.Errorf("recorded_frames must be at least 1, got %d", *c.RecordedFrames)
	}
	return nil
}

// Apply builds a detector configuration from the defaults overlaid with
// any set tuning fields.
func (c *TuningConfig) Apply() (*detector.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := detector.NewConfig()

	start := cfg.RangeStart()
	end := cfg.RangeEnd()
	if c.RangeStartM != nil {
		start = *c.RangeStartM
	}
	if c.RangeEndM != nil {
		end = *c.RangeEndM
	}
	cfg.SetRange(start, end)

	if c.MaxStepLength != nil {
		cfg.SetMaxStepLength(*c.MaxStepLength)
	}
	if c.MaxProfile != nil {
		cfg.SetMaxProfile(detector.Profile(*c.MaxProfile))
	}
	if c.SignalQuality != nil {
		cfg.SetSignalQuality(*c.SignalQuality)
	}

	if c.ThresholdMethod != nil {
		method, _ := parseThresholdMethod(*c.ThresholdMethod)
		switch method {
		case detector.ThresholdFixedAmplitude:
			v := 100.0
			if c.FixedAmplitude != nil {
				v = *c.FixedAmplitude
			}
			cfg.SetFixedAmplitudeThreshold(v)
		case detector.ThresholdFixedStrength:
			v := 0.0
			if c.FixedStrengthDB != nil {
				v = *c.FixedStrengthDB
			}
			cfg.SetFixedStrengthThreshold(v)
		case detector.ThresholdRecorded:
			frames := 20
			if c.RecordedFrames != nil {
				frames = *c.RecordedFrames
			}
			cfg.SetRecordedThreshold(frames)
		case detector.ThresholdCFAR:
			cfg.SetCFARThreshold()
		}
	}
	if c.ThresholdSensitivity != nil {
		cfg.SetThresholdSensitivity(*c.ThresholdSensitivity)
	}
	if c.PeakSorting != nil {
		sorting, _ := parsePeakSorting(*c.PeakSorting)
		cfg.SetPeakSorting(sorting)
	}
	if c.ReflectorShape != nil {
		shape, _ := parseReflectorShape(*c.ReflectorShape)
		cfg.SetReflectorShape(shape)
	}
	if c.CloseRangeCancellation != nil {
		cfg.SetCloseRangeLeakageCancellation(*c.CloseRangeCancellation)
	}

	if c.SweepsPerFrame != nil {
		cfg.SetSweepsPerFrame(*c.SweepsPerFrame)
	}
	if c.FrameRateHz != nil {
		cfg.SetFrameRate(*c.FrameRateHz)
	}
	if c.ContinuousSweepMode != nil && *c.ContinuousSweepMode {
		rate := 0.0
		if c.SweepRateHz != nil {
			rate = *c.SweepRateHz
		}
		cfg.SetContinuousSweepMode(true, rate)
	}
	if c.DoubleBuffering != nil {
		cfg.SetDoubleBuffering(*c.DoubleBuffering)
	}
	if c.InterFrameIdleState != nil {
		state, _ := parseIdleState(*c.InterFrameIdleState)
		cfg.SetInterFrameIdleState(state)
	}
	if c.InterSweepIdleState != nil {
		state, _ := parseIdleState(*c.InterSweepIdleState)
		cfg.SetInterSweepIdleState(state)
	}
	if c.SensorID != nil {
		cfg.SetSensor(*c.SensorID)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// GetSerialPort returns the serial_port value or the default.
func (c *TuningConfig) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetCalibrationDB returns the calibration_db value or the default.
func (c *TuningConfig) GetCalibrationDB() string {
	if c.CalibrationDB == nil || *c.CalibrationDB == "" {
		return "calibration.db"
	}
	return *c.CalibrationDB
}

func parseThresholdMethod(s string) (detector.ThresholdMethod, error) {
	switch s {
	case "fixed_amplitude":
		return detector.ThresholdFixedAmplitude, nil
	case "fixed_strength":
		return detector.ThresholdFixedStrength, nil
	case "recorded":
		return detector.ThresholdRecorded, nil
	case "cfar":
		return detector.ThresholdCFAR, nil
	default:
		return 0, fmt.Errorf("unknown threshold_method %q", s)
	}
}

func parsePeakSorting(s string) (detector.PeakSorting, error) {
	switch s {
	case "closest":
		return detector.SortClosest, nil
	case "strongest":
		return detector.SortStrongest, nil
	default:
		return 0, fmt.Errorf("unknown peak_sorting %q", s)
	}
}

func parseReflectorShape(s string) (detector.ReflectorShape, error) {
	switch s {
	case "generic":
		return detector.ReflectorGeneric, nil
	case "planar":
		return detector.ReflectorPlanar, nil
	default:
		return 0, fmt.Errorf("unknown reflector_shape %q", s)
	}
}

func parseIdleState(s string) (detector.IdleState, error) {
	switch s {
	case "deep_sleep":
		return detector.IdleDeepSleep, nil
	case "sleep":
		return detector.IdleSleep, nil
	case "ready":
		return detector.IdleReady, nil
	default:
		return 0, fmt.Errorf("unknown idle state %q", s)
	}
}
