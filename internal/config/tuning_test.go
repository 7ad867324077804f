package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/range.report/internal/detector"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func sptr(v string) *string   { return &v }
func bptr(v bool) *bool       { return &v }

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTuningConfig(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "tuning.json", `{
		"range_start_m": 0.25,
		"range_end_m": 2.0,
		"threshold_method": "fixed_amplitude",
		"fixed_amplitude": 500,
		"peak_sorting": "closest",
		"sweeps_per_frame": 32,
		"serial_port": "/dev/ttyACM1"
	}`)

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.RangeStartM)
	assert.Equal(t, 0.25, *cfg.RangeStartM)
	require.NotNil(t, cfg.RangeEndM)
	assert.Equal(t, 2.0, *cfg.RangeEndM)
	require.NotNil(t, cfg.ThresholdMethod)
	assert.Equal(t, "fixed_amplitude", *cfg.ThresholdMethod)
	require.NotNil(t, cfg.SweepsPerFrame)
	assert.Equal(t, 32, *cfg.SweepsPerFrame)
	assert.Equal(t, "/dev/ttyACM1", cfg.GetSerialPort())

	// Omitted keys stay nil so defaults apply later.
	assert.Nil(t, cfg.MaxProfile)
	assert.Nil(t, cfg.DoubleBuffering)
	assert.Nil(t, cfg.CalibrationDB)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		content string
		errMsg  string
	}{
		{"wrong extension", "tuning.yaml", `{}`, ".json extension"},
		{"malformed JSON", "bad.json", `{"range_start_m": `, "parse config JSON"},
		{"unknown threshold method", "method.json", `{"threshold_method": "adaptive"}`, "unknown threshold_method"},
		{"unknown peak sorting", "sorting.json", `{"peak_sorting": "loudest"}`, "unknown peak_sorting"},
		{"unknown idle state", "idle.json", `{"inter_frame_idle_state": "off"}`, "unknown idle state"},
		{"negative range start", "range.json", `{"range_start_m": -0.5}`, "non-negative"},
		{"inverted range", "inverted.json", `{"range_start_m": 2.0, "range_end_m": 1.0}`, "must exceed"},
		{"zero recorded frames", "frames.json", `{"recorded_frames": 0}`, "at least 1"},
		{"profile out of range", "profile.json", `{"max_profile": 6}`, "max_profile"},
		{"sensitivity out of range", "sens.json", `{"threshold_sensitivity": 1.5}`, "threshold_sensitivity"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadTuningConfig(writeConfig(t, tt.file, tt.content))
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json"))
		assert.ErrorContains(t, err, "stat config file")
	})
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := EmptyTuningConfig().Apply()
	require.NoError(t, err)

	want := detector.NewConfig()
	assert.Equal(t, want.RangeStart(), cfg.RangeStart())
	assert.Equal(t, want.RangeEnd(), cfg.RangeEnd())
	assert.Equal(t, want.ThresholdMethod(), cfg.ThresholdMethod())
	assert.Equal(t, want.SweepsPerFrame(), cfg.SweepsPerFrame())
	assert.Equal(t, want.PeakSorting(), cfg.PeakSorting())
	assert.Equal(t, want.InterFrameIdleState(), cfg.InterFrameIdleState())
}

func TestApplyOverlay(t *testing.T) {
	t.Parallel()

	tc := &TuningConfig{
		RangeStartM:            fptr(0.3),
		RangeEndM:              fptr(1.5),
		MaxProfile:             iptr(3),
		ThresholdMethod:        sptr("recorded"),
		RecordedFrames:         iptr(40),
		ThresholdSensitivity:   fptr(0.7),
		PeakSorting:            sptr("closest"),
		ReflectorShape:         sptr("planar"),
		CloseRangeCancellation: bptr(true),
		SweepsPerFrame:         iptr(8),
		FrameRateHz:            fptr(10),
		InterFrameIdleState:    sptr("sleep"),
		InterSweepIdleState:    sptr("ready"),
		SensorID:               iptr(2),
	}
	cfg, err := tc.Apply()
	require.NoError(t, err)

	assert.Equal(t, 0.3, cfg.RangeStart())
	assert.Equal(t, 1.5, cfg.RangeEnd())
	assert.Equal(t, detector.Profile3, cfg.MaxProfile())
	assert.Equal(t, detector.ThresholdRecorded, cfg.ThresholdMethod())
	assert.Equal(t, 40, cfg.RecordedFrames())
	assert.Equal(t, 0.7, cfg.ThresholdSensitivity())
	assert.Equal(t, detector.SortClosest, cfg.PeakSorting())
	assert.Equal(t, detector.ReflectorPlanar, cfg.ReflectorShape())
	assert.True(t, cfg.CloseRangeLeakageCancellation())
	assert.Equal(t, 8, cfg.SweepsPerFrame())
	assert.Equal(t, 10.0, cfg.FrameRate())
	assert.Equal(t, detector.IdleSleep, cfg.InterFrameIdleState())
	assert.Equal(t, detector.IdleReady, cfg.InterSweepIdleState())
	assert.Equal(t, 2, cfg.Sensor())
}

func TestApplyThresholdValues(t *testing.T) {
	t.Parallel()

	t.Run("fixed amplitude value carried", func(t *testing.T) {
		t.Parallel()
		tc := &TuningConfig{ThresholdMethod: sptr("fixed_amplitude"), FixedAmplitude: fptr(750)}
		cfg, err := tc.Apply()
		require.NoError(t, err)
		assert.Equal(t, detector.ThresholdFixedAmplitude, cfg.ThresholdMethod())
		assert.Equal(t, 750.0, cfg.FixedAmplitude())
	})

	t.Run("fixed strength value carried", func(t *testing.T) {
		t.Parallel()
		tc := &TuningConfig{ThresholdMethod: sptr("fixed_strength"), FixedStrengthDB: fptr(-5)}
		cfg, err := tc.Apply()
		require.NoError(t, err)
		assert.Equal(t, detector.ThresholdFixedStrength, cfg.ThresholdMethod())
		assert.Equal(t, -5.0, cfg.FixedStrength())
	})
}

func TestApplyCrossFieldRejection(t *testing.T) {
	t.Parallel()

	// Field values pass the schema check but fail detector validation.
	tc := &TuningConfig{ContinuousSweepMode: bptr(true)}
	_, err := tc.Apply()
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestConfigPathDefaults(t *testing.T) {
	t.Parallel()

	empty := EmptyTuningConfig()
	assert.Equal(t, "/dev/ttyUSB0", empty.GetSerialPort())
	assert.Equal(t, "calibration.db", empty.GetCalibrationDB())

	set := &TuningConfig{SerialPort: sptr("/dev/ttyS3"), CalibrationDB: sptr("/var/lib/range/cal.db")}
	assert.Equal(t, "/dev/ttyS3", set.GetSerialPort())
	assert.Equal(t, "/var/lib/range/cal.db", set.GetCalibrationDB())

	blank := &TuningConfig{SerialPort: sptr(""), CalibrationDB: sptr("")}
	assert.Equal(t, "/dev/ttyUSB0", blank.GetSerialPort())
	assert.Equal(t, "calibration.db", blank.GetCalibrationDB())
}
