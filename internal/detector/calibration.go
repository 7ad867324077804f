package detector

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/range.report/internal/sensor"
)

// Static calibration block layout. The block is opaque to callers: a
// fingerprint ties it to the configuration shape it was recorded for, and
// per-point background statistics follow the header.
const (
	staticCalMagic   = 0xCA17
	staticCalVersion = 1
)

// DynamicCal is the temperature-tracking half of a detector calibration.
// It is small enough to persist cheaply and must be refreshed (via the
// update flow) whenever processing raises CalibrationNeeded.
type DynamicCal struct {
	data [dynamicCalSize]byte
}

const dynamicCalMagic = 0xD7

// Bytes returns the raw block for persistence.
func (d *DynamicCal) Bytes() []byte { return d.data[:] }

// SetBytes restores a persisted block.
func (d *DynamicCal) SetBytes(b []byte) error {
	if len(b) != dynamicCalSize {
		return fmt.Errorf("%w: dynamic calibration block is %d bytes, want %d", ErrCalibrationMismatch, len(b), dynamicCalSize)
	}
	copy(d.data[:], b)
	return nil
}

func (d *DynamicCal) valid() bool {
	return d.data[6] == dynamicCalMagic
}

// Temperature returns the sensor temperature captured at calibration time.
func (d *DynamicCal) Temperature() int16 {
	return int16(binary.LittleEndian.Uint16(d.data[0:2]))
}

// noiseAtCal returns the noise floor captured at calibration time.
func (d *DynamicCal) noiseAtCal() float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(d.data[2:6])))
}

func (d *DynamicCal) set(temperature int16, noise float64) {
	binary.LittleEndian.PutUint16(d.data[0:2], uint16(temperature))
	binary.LittleEndian.PutUint32(d.data[2:6], math.Float32bits(float32(noise)))
	d.data[6] = dynamicCalMagic
	d.data[7] = 0
}

// staticCal is the decoded form of the static calibration block.
type staticCal struct {
	numPoints  int
	noiseFloor float64
	mean       []float64
	spread     []float64
}

func configFingerprint(cfg *Config) uint32 {
	h := fnv.New32a()
	var scratch [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(scratch[:], uint64(v))
		h.Write(scratch[:])
	}
	for _, s := range cfg.Subsweeps() {
		put(int64(s.StartPoint))
		put(int64(s.NumPoints))
		put(int64(s.StepLength))
		put(int64(s.Profile))
	}
	put(int64(cfg.SweepsPerFrame()))
	put(int64(cfg.ThresholdMethod()))
	return h.Sum32()
}

func writeStaticCal(dst []byte, fingerprint uint32, cal staticCal) {
	binary.LittleEndian.PutUint16(dst[0:2], staticCalMagic)
	binary.LittleEndian.PutUint16(dst[2:4], staticCalVersion)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(cal.numPoints))
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	binary.LittleEndian.PutUint32(dst[8:12], math.Float32bits(float32(cal.noiseFloor)))
	binary.LittleEndian.PutUint32(dst[12:16], fingerprint)
	off := staticCalHeader
	for i := 0; i < cal.numPoints; i++ {
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(float32(cal.mean[i])))
		binary.LittleEndian.PutUint32(dst[off+4:], math.Float32bits(float32(cal.spread[i])))
		off += staticCalPerPoint
	}
}

func readStaticCal(src []byte, fingerprint uint32) (staticCal, error) {
	if len(src) < staticCalHeader {
		return staticCal{}, fmt.Errorf("%w: static calibration block truncated", ErrBufferTooSmall)
	}
	if binary.LittleEndian.Uint16(src[0:2]) != staticCalMagic {
		return staticCal{}, ErrNotCalibrated
	}
	if binary.LittleEndian.Uint32(src[12:16]) != fingerprint {
		return staticCal{}, ErrCalibrationMismatch
	}
	n := int(binary.LittleEndian.Uint16(src[4:6]))
	if len(src) < staticCalHeader+n*staticCalPerPoint {
		return staticCal{}, fmt.Errorf("%w: static calibration block truncated", ErrBufferTooSmall)
	}
	cal := staticCal{
		numPoints:  n,
		noiseFloor: float64(math.Float32frombits(binary.LittleEndian.Uint32(src[8:12]))),
		mean:       make([]float64, n),
		spread:     make([]float64, n),
	}
	off := staticCalHeader
	for i := 0; i < n; i++ {
		cal.mean[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[off:])))
		cal.spread[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[off+4:])))
		off += staticCalPerPoint
	}
	return cal, nil
}

// calState enumerates the calibration engine state machine. Representing it
// explicitly (rather than as hidden instance fields) keeps the
// call-again-after-interrupt contract testable against a mock transport.
type calState int

const (
	calStateStart calState = iota
	calStateAwaitNoise
	calStateAwaitBackground
	calStateComplete

	calStateUpdateStart
	calStateUpdateAwait
)

func (s calState) String() string {
	switch s {
	case calStateStart:
		return "start"
	case calStateAwaitNoise:
		return "await-noise"
	case calStateAwaitBackground:
		return "await-background"
	case calStateComplete:
		return "complete"
	case calStateUpdateStart:
		return "update-start"
	case calStateUpdateAwait:
		return "update-await"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CalibrationEngine drives the detector calibration across repeated calls.
// Each Step performs one bounded unit of work and never blocks: while it
// returns done=false the caller must wait for the sensor interrupt and call
// again. A failed step leaves no usable partial result; discard the engine
// and restart from scratch.
type CalibrationEngine struct {
	det *Detector

	state       calState
	framesDone  int
	framesNeed  int
	noiseFloor  float64
	temperature int16

	sum   []float64
	sumsq []float64
}

// NewCalibration returns a fresh calibration engine for the detector.
func (d *Detector) NewCalibration() *CalibrationEngine {
	return &CalibrationEngine{det: d, state: calStateStart}
}

// State returns the engine state name, for logging.
func (e *CalibrationEngine) State() string { return e.state.String() }

// Complete reports whether a full calibration has been produced.
func (e *CalibrationEngine) Complete() bool { return e.state == calStateComplete }

// backgroundFrames returns how many TX-on frames the configuration needs
// recorded: the recorded-threshold history plus one leakage frame when
// close-range cancellation is on. Fixed and CFAR thresholds without leakage
// cancellation need none, so their calibration is short.
func (e *CalibrationEngine) backgroundFrames() int {
	cfg := e.det.cfg
	n := 0
	if cfg.ThresholdMethod() == ThresholdRecorded {
		n = cfg.RecordedFrames()
	}
	if cfg.CloseRangeLeakageCancellation() {
		n++
	}
	return n
}

// Step performs one calibration unit. On done=true both the static block
// and the dynamic result are populated.
func (e *CalibrationEngine) Step(t sensor.Transport, sensorCal *sensor.CalResult, buf *Buffer, static []byte, dynamic *DynamicCal) (bool, error) {
	d := e.det
	if err := d.checkBuffer(buf); err != nil {
		return false, err
	}
	if len(static) < d.sizes.StaticCal {
		return false, fmt.Errorf("%w: static calibration block %d bytes, need %d", ErrBufferTooSmall, len(static), d.sizes.StaticCal)
	}
	if dynamic == nil {
		return false, fmt.Errorf("%w: nil dynamic calibration block", ErrNotCalibrated)
	}
	if !t.Connected() {
		return false, sensor.ErrNotConnected
	}
	buf.advance()

	switch e.state {
	case calStateStart:
		e.framesNeed = e.backgroundFrames()
		e.sum = make([]float64, d.md.SweepDataLength)
		e.sumsq = make([]float64, d.md.SweepDataLength)
		// Noise-floor pass runs the plan with the transmitter muted.
		if err := t.Prepare(d.plan(true), sensorCal, buf.bytes()); err != nil {
			return false, fmt.Errorf("calibration prepare: %w", err)
		}
		if err := t.Measure(); err != nil {
			return false, fmt.Errorf("calibration measure: %w", err)
		}
		e.state = calStateAwaitNoise
		d.log.Debugf("calibration started: %d background frames to record", e.framesNeed)
		return false, nil

	case calStateAwaitNoise:
		frame, ready, err := e.readFrame(t, buf)
		if err != nil || !ready {
			return false, err
		}
		amp, _ := demodulate(frame, d.cfg.MedianFilter())
		e.noiseFloor = stat.Mean(amp, nil) + 2*stat.StdDev(amp, nil)
		e.temperature = frame.temperature
		if e.framesNeed == 0 {
			e.finalize(static, dynamic)
			return true, nil
		}
		if err := t.Prepare(d.plan(false), sensorCal, buf.bytes()); err != nil {
			return false, fmt.Errorf("calibration prepare: %w", err)
		}
		if err := t.Measure(); err != nil {
			return false, fmt.Errorf("calibration measure: %w", err)
		}
		e.state = calStateAwaitBackground
		return false, nil

	case calStateAwaitBackground:
		frame, ready, err := e.readFrame(t, buf)
		if err != nil || !ready {
			return false, err
		}
		amp, _ := demodulate(frame, d.cfg.MedianFilter())
		for i, a := range amp {
			e.sum[i] += a
			e.sumsq[i] += a * a
		}
		e.framesDone++
		e.temperature = frame.temperature
		if e.framesDone < e.framesNeed {
			if err := t.Measure(); err != nil {
				return false, fmt.Errorf("calibration measure: %w", err)
			}
			return false, nil
		}
		e.finalize(static, dynamic)
		return true, nil

	case calStateComplete:
		// Calling a completed engine is a no-op; results are already out.
		return true, nil

	default:
		return false, fmt.Errorf("calibration engine in update flow; use UpdateStep")
	}
}

// UpdateStep refreshes only the dynamic (temperature dependent) half of the
// calibration. Same repeated-call shape as Step; the static background is
// left untouched. Invoke after CalibrationNeeded surfaces from processing
// and a new sensor calibration has been done.
func (e *CalibrationEngine) UpdateStep(t sensor.Transport, sensorCal *sensor.CalResult, buf *Buffer, dynamic *DynamicCal) (bool, error) {
	d := e.det
	if err := d.checkBuffer(buf); err != nil {
		return false, err
	}
	if dynamic == nil {
		return false, fmt.Errorf("%w: nil dynamic calibration block", ErrNotCalibrated)
	}
	if !t.Connected() {
		return false, sensor.ErrNotConnected
	}
	buf.advance()

	switch e.state {
	case calStateStart, calStateComplete, calStateUpdateStart:
		if err := t.Prepare(d.plan(true), sensorCal, buf.bytes()); err != nil {
			return false, fmt.Errorf("calibration update prepare: %w", err)
		}
		if err := t.Measure(); err != nil {
			return false, fmt.Errorf("calibration update measure: %w", err)
		}
		e.state = calStateUpdateAwait
		return false, nil

	case calStateUpdateAwait:
		frame, ready, err := e.readFrame(t, buf)
		if err != nil || !ready {
			return false, err
		}
		amp, _ := demodulate(frame, d.cfg.MedianFilter())
		noise := stat.Mean(amp, nil) + 2*stat.StdDev(amp, nil)
		dynamic.set(frame.temperature, noise)
		e.state = calStateComplete
		d.log.Infof("dynamic calibration updated: temperature %d C", frame.temperature)
		return true, nil

	default:
		return false, fmt.Errorf("calibration engine mid-calibration; finish Step flow first")
	}
}

// readFrame polls the interrupt state and, when data is ready, reads one
// frame into the working buffer. ready=false with a nil error means the
// caller has not waited for the interrupt yet; the engine makes no progress
// and can be called again indefinitely without overflowing anything.
func (e *CalibrationEngine) readFrame(t sensor.Transport, buf *Buffer) (rawFrame, bool, error) {
	st, err := t.Status()
	if err != nil {
		return rawFrame{}, false, fmt.Errorf("sensor status: %w", err)
	}
	if !st.DataReady {
		return rawFrame{}, false, nil
	}
	if err := t.Read(buf.bytes()); err != nil {
		return rawFrame{}, false, fmt.Errorf("sensor read: %w", err)
	}
	frame, err := parseFrame(buf.bytes(), e.det.md, e.det.cfg.SweepsPerFrame())
	if err != nil {
		return rawFrame{}, false, err
	}
	return frame, true, nil
}

func (e *CalibrationEngine) finalize(static []byte, dynamic *DynamicCal) {
	d := e.det
	n := d.md.SweepDataLength
	cal := staticCal{
		numPoints:  n,
		noiseFloor: e.noiseFloor,
		mean:       make([]float64, n),
		spread:     make([]float64, n),
	}
	if e.framesNeed > 0 {
		fn := float64(e.framesNeed)
		for i := 0; i < n; i++ {
			m := e.sum[i] / fn
			cal.mean[i] = m
			variance := e.sumsq[i]/fn - m*m
			if variance < 0 {
				variance = 0
			}
			cal.spread[i] = math.Sqrt(variance)
		}
	}
	writeStaticCal(static, d.fingerprint, cal)
	dynamic.set(e.temperature, e.noiseFloor)
	e.state = calStateComplete
	d.log.Infof("calibration complete: %d background frames, noise floor %.1f, temperature %d C",
		e.framesNeed, e.noiseFloor, e.temperature)
}
