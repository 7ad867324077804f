package sensor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singleSubsweepPlan(startPoint int32, numPoints, sweeps int, tx bool) Plan {
	return Plan{
		Subsweeps: []SubsweepPlan{{
			StartPoint: startPoint,
			NumPoints:  numPoints,
			StepLength: 1,
			Profile:    1,
			HWAAS:      8,
			EnableTX:   tx,
		}},
		SweepsPerFrame: sweeps,
	}
}

func TestMockCalibrateStep(t *testing.T) {
	t.Parallel()

	m := NewMock(9)
	var result CalResult

	done, err := m.CalibrateStep(&result, nil)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = m.CalibrateStep(&result, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 2, m.CalStepCount)
	assert.Equal(t, int16(25), result.Temperature)

	t.Run("result is seed deterministic", func(t *testing.T) {
		t.Parallel()
		var a, b CalResult
		ma, mb := NewMock(9), NewMock(9)
		for i := 0; i < 2; i++ {
			ma.CalibrateStep(&a, nil)
			mb.CalibrateStep(&b, nil)
		}
		assert.Equal(t, a.Data, b.Data)
		assert.NotEqual(t, [CalResultSize]byte{}, a.Data)
	})
}

func TestMockInterruptGating(t *testing.T) {
	t.Parallel()

	m := NewMock(1)
	m.AutoInterrupt = false
	plan := singleSubsweepPlan(80, 4, 2, false)
	buf := make([]byte, FrameBytes(4, 2))
	require.NoError(t, m.Prepare(plan, &CalResult{}, buf))

	// Firing before a measurement starts is a no-op.
	m.FireInterrupt()
	st, err := m.Status()
	require.NoError(t, err)
	assert.False(t, st.DataReady)

	require.NoError(t, m.Measure())
	st, _ = m.Status()
	assert.False(t, st.DataReady)
	assert.ErrorIs(t, m.Read(buf), ErrNoData)

	m.FireInterrupt()
	st, _ = m.Status()
	assert.True(t, st.DataReady)
	require.NoError(t, m.Read(buf))
	assert.Equal(t, 1, m.ReadCount)

	// Reading consumes the interrupt.
	st, _ = m.Status()
	assert.False(t, st.DataReady)
	assert.ErrorIs(t, m.Read(buf), ErrNoData)
}

func TestMockAutoInterrupt(t *testing.T) {
	t.Parallel()

	m := NewMock(1)
	buf := make([]byte, FrameBytes(4, 2))
	require.NoError(t, m.Prepare(singleSubsweepPlan(80, 4, 2, false), &CalResult{}, buf))
	require.NoError(t, m.Measure())
	st, err := m.Status()
	require.NoError(t, err)
	assert.True(t, st.DataReady)
	assert.NoError(t, m.Read(buf))
}

func TestMockLastPlan(t *testing.T) {
	t.Parallel()

	m := NewMock(1)
	_, ok := m.LastPlan()
	assert.False(t, ok)

	plan := singleSubsweepPlan(120, 5, 1, true)
	require.NoError(t, m.Prepare(plan, &CalResult{}, make([]byte, FrameBytes(5, 1))))
	got, ok := m.LastPlan()
	require.True(t, ok)
	assert.Equal(t, plan, got)
}

func TestMockFrameContent(t *testing.T) {
	t.Parallel()

	m := NewMock(3)
	// Target centered exactly on the first distance point.
	m.Targets = []Target{{Distance: 0.3, Amplitude: 1000}}
	plan := singleSubsweepPlan(120, 5, 2, true)
	buf := make([]byte, FrameBytes(5, 2))
	require.NoError(t, m.Prepare(plan, &CalResult{}, buf))
	require.NoError(t, m.Measure())
	require.NoError(t, m.Read(buf))

	assert.Equal(t, uint16(FrameMagic), binary.LittleEndian.Uint16(buf[0:2]))
	assert.Equal(t, int16(25), int16(binary.LittleEndian.Uint16(buf[2:4])))
	assert.Zero(t, binary.LittleEndian.Uint16(buf[4:6]))

	// The echo magnitude at the target point tracks the scene amplitude,
	// give or take noise.
	i := int16(binary.LittleEndian.Uint16(buf[FrameHeaderSize:]))
	q := int16(binary.LittleEndian.Uint16(buf[FrameHeaderSize+2:]))
	mag := math.Hypot(float64(i), float64(q))
	assert.InDelta(t, 1000, mag, 25)

	t.Run("muted transmitter leaves noise only", func(t *testing.T) {
		quiet := make([]byte, FrameBytes(5, 2))
		require.NoError(t, m.Prepare(singleSubsweepPlan(120, 5, 2, false), &CalResult{}, quiet))
		require.NoError(t, m.Measure())
		require.NoError(t, m.Read(quiet))
		i := int16(binary.LittleEndian.Uint16(quiet[FrameHeaderSize:]))
		q := int16(binary.LittleEndian.Uint16(quiet[FrameHeaderSize+2:]))
		assert.Less(t, math.Hypot(float64(i), float64(q)), 25.0)
	})

	t.Run("successive frames differ", func(t *testing.T) {
		a := make([]byte, FrameBytes(5, 2))
		require.NoError(t, m.Prepare(plan, &CalResult{}, a))
		require.NoError(t, m.Measure())
		require.NoError(t, m.Read(a))
		b := make([]byte, FrameBytes(5, 2))
		require.NoError(t, m.Measure())
		require.NoError(t, m.Read(b))
		assert.NotEqual(t, a, b)
	})
}

func TestMockFaultInjection(t *testing.T) {
	t.Parallel()

	m := NewMock(1)
	m.Disconnected = true
	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Prepare(Plan{}, &CalResult{}, nil), ErrNotConnected)
	assert.ErrorIs(t, m.Measure(), ErrNotConnected)
	assert.ErrorIs(t, m.Read(nil), ErrNotConnected)

	t.Run("calibrate step", func(t *testing.T) {
		t.Parallel()
		m := NewMock(1)
		m.Disconnected = true
		done, err := m.CalibrateStep(&CalResult{}, nil)
		assert.False(t, done)
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Zero(t, m.CalStepCount)

		m = NewMock(1)
		m.CalStepErr = assert.AnError
		_, err = m.CalibrateStep(&CalResult{}, nil)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("injected errors win", func(t *testing.T) {
		t.Parallel()
		m := NewMock(1)
		m.StatusErr = assert.AnError
		_, err := m.Status()
		assert.ErrorIs(t, err, assert.AnError)
		m.MeasureErr = assert.AnError
		assert.ErrorIs(t, m.Measure(), assert.AnError)
	})
}
