package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/range.report/internal/sensor"
)

// runCalibration drives the engine to completion against a live mock,
// failing the test if it does not converge.
func runCalibration(t *testing.T, det *Detector, mock *sensor.Mock, buf *Buffer, static []byte, dynamic *DynamicCal) {
	t.Helper()
	var cal sensor.CalResult
	engine := det.NewCalibration()
	for i := 0; i < 300; i++ {
		done, err := engine.Step(mock, &cal, buf, static, dynamic)
		require.NoError(t, err)
		if done {
			require.True(t, engine.Complete())
			return
		}
	}
	t.Fatal("calibration did not complete")
}

func calTestSetup(t *testing.T, cfg *Config) (*Detector, *sensor.Mock, *Buffer, []byte, *DynamicCal) {
	t.Helper()
	det, err := New(cfg, quietLogger())
	require.NoError(t, err)
	mock := sensor.NewMock(42)
	sizes := det.Sizes()
	buf := NewBuffer(make([]byte, sizes.Buffer))
	static := make([]byte, sizes.StaticCal)
	return det, mock, buf, static, &DynamicCal{}
}

func fixedAmplitudeConfig() *Config {
	cfg := NewConfig()
	cfg.SetRange(0.1, 0.5)
	cfg.SetMaxProfile(Profile3)
	cfg.SetFixedAmplitudeThreshold(1000)
	return cfg
}

func TestCalibrationShortFlow(t *testing.T) {
	t.Parallel()

	det, mock, buf, static, dynamic := calTestSetup(t, fixedAmplitudeConfig())
	var cal sensor.CalResult
	engine := det.NewCalibration()

	// Fixed-amplitude needs no background recording: one noise-floor pass.
	done, err := engine.Step(mock, &cal, buf, static, dynamic)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = engine.Step(mock, &cal, buf, static, dynamic)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, engine.Complete())

	t.Run("results are populated", func(t *testing.T) {
		readCal, err := readStaticCal(static, det.fingerprint)
		require.NoError(t, err)
		assert.Equal(t, det.md.SweepDataLength, readCal.numPoints)
		assert.Greater(t, readCal.noiseFloor, 0.0)
		assert.Equal(t, mock.Temperature, dynamic.Temperature())
		assert.True(t, dynamic.valid())
	})

	t.Run("noise pass mutes the transmitter", func(t *testing.T) {
		plan, ok := mock.LastPlan()
		require.True(t, ok)
		for _, s := range plan.Subsweeps {
			assert.False(t, s.EnableTX)
		}
	})

	t.Run("stepping a complete engine is a no-op", func(t *testing.T) {
		reads := mock.ReadCount
		done, err := engine.Step(mock, &cal, buf, static, dynamic)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, reads, mock.ReadCount)
	})
}

func TestCalibrationRecordedBackground(t *testing.T) {
	t.Parallel()

	cfg := fixedAmplitudeConfig()
	cfg.SetRecordedThreshold(5)
	det, mock, buf, static, dynamic := calTestSetup(t, cfg)
	mock.Targets = []sensor.Target{{Distance: 0.3, Amplitude: 500}}

	runCalibration(t, det, mock, buf, static, dynamic)

	// One muted noise frame plus five background frames.
	assert.Equal(t, 6, mock.ReadCount)

	cal, err := readStaticCal(static, det.fingerprint)
	require.NoError(t, err)

	// The static object shows up in the recorded mean around 0.3 m.
	peakMean, farMean := 0.0, 0.0
	for i := 0; i < cal.numPoints; i++ {
		d := distanceAt(det.subs, det.md, i)
		if d > 0.28 && d < 0.32 && cal.mean[i] > peakMean {
			peakMean = cal.mean[i]
		}
		if d > 0.45 && cal.mean[i] > farMean {
			farMean = cal.mean[i]
		}
	}
	assert.Greater(t, peakMean, 100.0)
	assert.Less(t, farMean, peakMean/2)

	t.Run("background pass re-enables the transmitter", func(t *testing.T) {
		plan, ok := mock.LastPlan()
		require.True(t, ok)
		for _, s := range plan.Subsweeps {
			assert.True(t, s.EnableTX)
		}
	})
}

func TestCalibrationNeverReadySensor(t *testing.T) {
	t.Parallel()

	det, mock, buf, static, dynamic := calTestSetup(t, fixedAmplitudeConfig())
	mock.AutoInterrupt = false

	var cal sensor.CalResult
	engine := det.NewCalibration()

	done, err := engine.Step(mock, &cal, buf, static, dynamic)
	require.NoError(t, err)
	require.False(t, done)

	// A sensor whose interrupt never fires must keep the engine parked:
	// every further call reports not-done without progress or growth.
	for i := 0; i < 10000; i++ {
		done, err := engine.Step(mock, &cal, buf, static, dynamic)
		require.NoError(t, err)
		require.False(t, done)
	}
	assert.Equal(t, 1, mock.MeasureCount)
	assert.Equal(t, 0, mock.ReadCount)
	assert.False(t, engine.Complete())

	// Firing the interrupt unblocks the very next step.
	mock.FireInterrupt()
	done, err = engine.Step(mock, &cal, buf, static, dynamic)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCalibrationBufferContract(t *testing.T) {
	t.Parallel()

	det, mock, _, _, dynamic := calTestSetup(t, fixedAmplitudeConfig())
	sizes := det.Sizes()
	var cal sensor.CalResult

	t.Run("undersized working buffer", func(t *testing.T) {
		t.Parallel()
		engine := det.NewCalibration()
		short := NewBuffer(make([]byte, sizes.Buffer-1))
		_, err := engine.Step(mock, &cal, short, make([]byte, sizes.StaticCal), dynamic)
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	})

	t.Run("undersized static block", func(t *testing.T) {
		t.Parallel()
		engine := det.NewCalibration()
		buf := NewBuffer(make([]byte, sizes.Buffer))
		_, err := engine.Step(mock, &cal, buf, make([]byte, sizes.StaticCal-1), dynamic)
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	})

	t.Run("disconnected sensor", func(t *testing.T) {
		t.Parallel()
		gone := sensor.NewMock(1)
		gone.Disconnected = true
		engine := det.NewCalibration()
		buf := NewBuffer(make([]byte, sizes.Buffer))
		_, err := engine.Step(gone, &cal, buf, make([]byte, sizes.StaticCal), dynamic)
		assert.ErrorIs(t, err, sensor.ErrNotConnected)
	})

	t.Run("nil dynamic block", func(t *testing.T) {
		t.Parallel()
		engine := det.NewCalibration()
		buf := NewBuffer(make([]byte, sizes.Buffer))
		_, err := engine.Step(mock, &cal, buf, make([]byte, sizes.StaticCal), nil)
		assert.ErrorIs(t, err, ErrNotCalibrated)

		_, err = engine.UpdateStep(mock, &cal, buf, nil)
		assert.ErrorIs(t, err, ErrNotCalibrated)
	})
}

func TestCalibrationDeterministic(t *testing.T) {
	t.Parallel()

	// Two identical sensors produce byte-identical calibration blocks.
	run := func() ([]byte, *DynamicCal) {
		det, mock, buf, static, dynamic := calTestSetup(t, fixedAmplitudeConfig())
		runCalibration(t, det, mock, buf, static, dynamic)
		return static, dynamic
	}
	static1, dyn1 := run()
	static2, dyn2 := run()
	assert.Equal(t, static1, static2)
	assert.Equal(t, dyn1.Bytes(), dyn2.Bytes())
}

func TestCalibrationUpdateFlow(t *testing.T) {
	t.Parallel()

	det, mock, buf, static, dynamic := calTestSetup(t, fixedAmplitudeConfig())
	runCalibration(t, det, mock, buf, static, dynamic)
	require.Equal(t, int16(25), dynamic.Temperature())

	mock.Temperature = 45

	var cal sensor.CalResult
	engine := det.NewCalibration()
	for i := 0; i < 10; i++ {
		done, err := engine.UpdateStep(mock, &cal, buf, dynamic)
		require.NoError(t, err)
		if done {
			break
		}
	}
	assert.Equal(t, int16(45), dynamic.Temperature())
	assert.True(t, dynamic.valid())

	// The static half is untouched by the update flow.
	_, err := readStaticCal(static, det.fingerprint)
	assert.NoError(t, err)
}

func TestStaticCalBlockChecks(t *testing.T) {
	t.Parallel()

	det, mock, buf, static, dynamic := calTestSetup(t, fixedAmplitudeConfig())
	runCalibration(t, det, mock, buf, static, dynamic)

	t.Run("uncalibrated block", func(t *testing.T) {
		t.Parallel()
		_, err := readStaticCal(make([]byte, len(static)), det.fingerprint)
		assert.ErrorIs(t, err, ErrNotCalibrated)
	})

	t.Run("fingerprint mismatch", func(t *testing.T) {
		t.Parallel()
		_, err := readStaticCal(static, det.fingerprint+1)
		assert.ErrorIs(t, err, ErrCalibrationMismatch)
	})

	t.Run("truncated block", func(t *testing.T) {
		t.Parallel()
		_, err := readStaticCal(static[:staticCalHeader-2], det.fingerprint)
		assert.ErrorIs(t, err, ErrBufferTooSmall)
	})
}

func TestDynamicCalBytes(t *testing.T) {
	t.Parallel()

	var d DynamicCal
	assert.False(t, d.valid())

	d.set(31, 42.5)
	assert.True(t, d.valid())
	assert.Equal(t, int16(31), d.Temperature())
	assert.InDelta(t, 42.5, d.noiseAtCal(), 1e-6)

	var restored DynamicCal
	require.NoError(t, restored.SetBytes(d.Bytes()))
	assert.Equal(t, d.Bytes(), restored.Bytes())

	t.Run("wrong length rejected", func(t *testing.T) {
		t.Parallel()
		var x DynamicCal
		assert.ErrorIs(t, x.SetBytes(make([]byte, 7)), ErrCalibrationMismatch)
	})
}
