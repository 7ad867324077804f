// Package detector implements the host side of a pulsed-coherent radar
// distance detector: configuration, resumable calibration, and the
// per-frame prepare/measure/read/process cycle that turns raw IQ sweeps
// into sorted object distances.
//
// The caller owns all working memory. Query Sizes for the contract, hand
// the same Buffer to calibration, prepare and process, and treat any view
// returned by Process as valid only until the next call that touches the
// buffer.
package detector

import (
	"fmt"
	"math"

	"github.com/banshee-data/range.report/internal/rlog"
	"github.com/banshee-data/range.report/internal/sensor"
)

// temperatureValidityWindow is how far the sensor temperature may drift
// from the dynamic calibration before CalibrationNeeded is raised, in
// degrees Celsius.
const temperatureValidityWindow = 15

// Detector is bound at creation to one configuration shape. Destroying it
// releases nothing: every buffer belongs to the caller.
type Detector struct {
	cfg         *Config
	subs        []Subsweep
	md          Metadata
	sizes       Sizes
	fingerprint uint32
	log         *rlog.Logger

	prepared    bool
	midCycle    bool
	planDouble  bool
	warmupLeft  int
	leakageGain float64
}

// New validates the configuration and binds a detector to it. All
// cross-field configuration errors surface here, not from the setters.
func New(cfg *Config, log *rlog.Logger) (*Detector, error) {
	if log == nil {
		log = rlog.Default()
	}
	log = log.Module("distance")
	if err := cfg.Validate(); err != nil {
		log.Errorf("configuration rejected: %v", err)
		return nil, err
	}
	d := &Detector{
		cfg:         cfg,
		subs:        cfg.Subsweeps(),
		fingerprint: configFingerprint(cfg),
		log:         log,
		leakageGain: 1.0,
	}
	d.md = metadataFor(cfg)
	d.sizes = SizesForConfig(cfg)
	log.Infof("detector created: %.2f-%.2f m, %d subsweeps, %d points, buffer %d B, static cal %d B",
		cfg.RangeStart(), cfg.RangeEnd(), len(d.subs), d.md.SweepDataLength, d.sizes.Buffer, d.sizes.StaticCal)
	return d, nil
}

// Sizes returns the working-memory contract for this detector. Query it
// before allocating; every call checks against it.
func (d *Detector) Sizes() Sizes { return d.sizes }

// Metadata returns the processing metadata for this detector.
func (d *Detector) Metadata() Metadata { return d.md }

// Config returns the bound configuration.
func (d *Detector) Config() *Config { return d.cfg }

func (d *Detector) checkBuffer(buf *Buffer) error {
	if buf.Len() < d.sizes.Buffer {
		return fmt.Errorf("%w: buffer is %d bytes, configuration needs %d", ErrBufferTooSmall, buf.Len(), d.sizes.Buffer)
	}
	return nil
}

// plan builds the sensor register plan. muteTX disables the transmitter on
// every subsweep, used by the calibration noise-floor pass.
func (d *Detector) plan(muteTX bool) sensor.Plan {
	p := sensor.Plan{
		SweepsPerFrame:  d.cfg.SweepsPerFrame(),
		ContinuousSweep: d.cfg.ContinuousSweepMode(),
		SweepRate:       d.cfg.SweepRate(),
		FrameRate:       d.cfg.FrameRate(),
		DoubleBuffering: d.cfg.DoubleBuffering(),
		InterFrameIdle:  int(d.cfg.InterFrameIdleState()),
		InterSweepIdle:  int(d.cfg.InterSweepIdleState()),
	}
	for _, s := range d.subs {
		p.Subsweeps = append(p.Subsweeps, sensor.SubsweepPlan{
			StartPoint:       s.StartPoint,
			NumPoints:        s.NumPoints,
			StepLength:       s.StepLength,
			Profile:          int(s.Profile),
			PRF:              int(s.PRF),
			HWAAS:            s.HWAAS,
			ReceiverGain:     s.ReceiverGain,
			EnableTX:         s.EnableTX && !muteTX,
			EnableLoopback:   s.EnableLoopback,
			PhaseEnhancement: s.PhaseEnhancement,
		})
	}
	return p
}

// Prepare reconfigures the sensor for this detector's subsweep geometry.
// Call it before every measurement cycle that follows a configuration
// change. While a double-buffered cycle is in flight the sensor registers
// must not be rewritten; the one allowed reconfiguration is turning double
// buffering on. On failure no consistent sensor state is guaranteed and the
// caller must re-prepare before retrying.
func (d *Detector) Prepare(t sensor.Transport, sensorCal *sensor.CalResult, buf *Buffer) error {
	if err := d.checkBuffer(buf); err != nil {
		return err
	}
	if configFingerprint(d.cfg) != d.fingerprint {
		return fmt.Errorf("%w: configuration shape changed after detector creation", ErrConfigInvalid)
	}
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	enablingDouble := d.cfg.DoubleBuffering() && !d.planDouble
	if d.midCycle && d.planDouble && !enablingDouble {
		return ErrBusy
	}
	if !t.Connected() {
		return sensor.ErrNotConnected
	}
	buf.advance()
	if err := t.Prepare(d.plan(false), sensorCal, buf.bytes()); err != nil {
		d.prepared = false
		return fmt.Errorf("sensor prepare: %w", err)
	}
	d.prepared = true
	d.planDouble = d.cfg.DoubleBuffering()
	d.warmupLeft = 0
	if d.cfg.CloseRangeLeakageCancellation() {
		// First frame after prepare refreshes the leakage estimate instead
		// of publishing a result.
		d.warmupLeft = 1
	}
	d.log.Verbosef("sensor prepared: %d subsweeps, double buffering %v", len(d.subs), d.planDouble)
	return nil
}

// Measure starts one frame measurement. The caller then waits for the
// sensor interrupt (Status().DataReady) before calling Read.
func (d *Detector) Measure(t sensor.Transport) error {
	if !d.prepared {
		return ErrNotPrepared
	}
	if err := t.Measure(); err != nil {
		return fmt.Errorf("sensor measure: %w", err)
	}
	d.midCycle = true
	return nil
}

// Read transfers the measured frame into the working buffer, consuming the
// interrupt. The buffer generation advances: earlier result views die here.
func (d *Detector) Read(t sensor.Transport, buf *Buffer) error {
	if err := d.checkBuffer(buf); err != nil {
		return err
	}
	buf.advance()
	if err := t.Read(buf.bytes()); err != nil {
		return fmt.Errorf("sensor read: %w", err)
	}
	return nil
}

// Stop marks the measurement pipeline drained. Required after the final
// read of a double-buffered run before the sensor may be re-prepared.
func (d *Detector) Stop() { d.midCycle = false }

// Result is the outcome of processing one frame. Distances are owned by the
// caller; Profile points into the working buffer's generation and dies on
// the next mutating call.
type Result struct {
	// Distances holds up to MaxNumDistances detections, sorted per the
	// configured peak sorting. Empty means nothing above threshold.
	Distances []Distance
	// NearStartEdge indicates a suspected object at or before the first
	// valid range point, deliberately not reported as a distance.
	NearStartEdge bool
	// CalibrationNeeded indicates the temperature drifted outside the
	// dynamic calibration's validity window. Redo the sensor calibration,
	// then run the calibration update flow.
	CalibrationNeeded bool
	// Temperature is the sensor temperature during the frame, in degrees
	// Celsius. Relative accuracy only.
	Temperature int16
	// DataSaturated suggests lowering the receiver gain.
	DataSaturated bool
	// FrameDelayed suggests lowering the frame rate.
	FrameDelayed bool
	// Profile exposes the processed amplitude/threshold curves backing the
	// detections.
	Profile ProfileView
}

// ProfileView is a non-owning window into the processed frame. Accessors
// fail with ErrStaleResult once the working buffer moves to a newer
// generation.
type ProfileView struct {
	view
	md  Metadata
	amp []float64
	thr []float64
}

// Metadata returns the frame geometry; valid independent of generation.
func (p ProfileView) Metadata() Metadata { return p.md }

// Amplitudes returns the stitched amplitude profile.
func (p ProfileView) Amplitudes() ([]float64, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.amp, nil
}

// Threshold returns the threshold curve used for detection. NaN entries
// mark points where the method was undefined.
func (p ProfileView) Threshold() ([]float64, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.thr, nil
}

// Process turns the frame sitting in the working buffer into a detector
// result. available=false with a nil error is a normal transient: the
// frame was consumed for warm-up and no result is published. A non-nil
// error means a hard failure (undersized buffer, unprepared detector,
// calibration mismatch).
func (d *Detector) Process(buf *Buffer, static []byte, dynamic *DynamicCal) (result Result, available bool, err error) {
	if err := d.checkBuffer(buf); err != nil {
		return Result{}, false, err
	}
	if !d.prepared {
		return Result{}, false, ErrNotPrepared
	}
	if dynamic == nil || !dynamic.valid() {
		return Result{}, false, ErrNotCalibrated
	}
	cal, err := readStaticCal(static, d.fingerprint)
	if err != nil {
		return Result{}, false, err
	}

	frame, err := parseFrame(buf.bytes(), d.md, d.cfg.SweepsPerFrame())
	if err != nil {
		return Result{}, false, err
	}
	if !d.planDouble {
		d.midCycle = false
	}

	amp, _ := demodulate(frame, d.cfg.MedianFilter())

	if d.warmupLeft > 0 {
		d.warmupLeft--
		d.refreshLeakage(amp, cal)
		d.log.Verbosef("warm-up frame consumed, %d remaining", d.warmupLeft)
		return Result{}, false, nil
	}

	d.cancelLeakage(amp, cal)

	thr := d.thresholdCurve(amp, cal, dynamic)
	peaks, nearEdge := d.extractPeaks(amp, thr)
	peaks = d.sortPeaks(peaks)

	drift := int(frame.temperature) - int(dynamic.Temperature())
	calNeeded := drift > temperatureValidityWindow || drift < -temperatureValidityWindow
	if calNeeded {
		d.log.Warningf("temperature drift %d C exceeds calibration validity window", drift)
	}

	gen := buf.Generation()
	return Result{
		Distances:         peaks,
		NearStartEdge:     nearEdge,
		CalibrationNeeded: calNeeded,
		Temperature:       frame.temperature,
		DataSaturated:     frame.saturated,
		FrameDelayed:      frame.delayed,
		Profile: ProfileView{
			view: view{buf: buf, gen: gen},
			md:   d.md,
			amp:  amp,
			thr:  thr,
		},
	}, true, nil
}

// refreshLeakage rescales the calibrated leakage estimate against the
// warm-up frame, tracking slow drift of the direct leakage amplitude.
func (d *Detector) refreshLeakage(amp []float64, cal staticCal) {
	if !d.cfg.CloseRangeLeakageCancellation() {
		return
	}
	var num, den float64
	for i := range amp {
		if d.inLeakageRegion(i) && cal.mean[i] > 0 {
			num += amp[i]
			den += cal.mean[i]
		}
	}
	if den > 0 {
		d.leakageGain = num / den
	}
}

// cancelLeakage subtracts the calibrated close-range leakage profile from
// the amplitude curve. The recorded threshold method already embeds the
// background, so cancellation only applies to the other methods.
func (d *Detector) cancelLeakage(amp []float64, cal staticCal) {
	if !d.cfg.CloseRangeLeakageCancellation() || d.cfg.ThresholdMethod() == ThresholdRecorded {
		return
	}
	for i := range amp {
		if !d.inLeakageRegion(i) {
			continue
		}
		amp[i] -= d.leakageGain * cal.mean[i]
		if amp[i] < 0 {
			amp[i] = 0
		}
	}
}

// inLeakageRegion reports whether profile index i lies closer than the
// leakage-free range of its subsweep's profile.
func (d *Detector) inLeakageRegion(i int) bool {
	sub := subsweepAt(d.subs, d.md, i)
	return distanceAt(d.subs, d.md, i) < math.Max(leakageFreeRange[sub.Profile], 0.10)
}
