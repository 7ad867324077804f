package detector

import (
	"fmt"
	"math"
)

// Profile selects the sensor RX/TX path settings. Lower profiles have higher
// depth resolution, higher profiles have higher radar loop gain.
type Profile int

const (
	Profile1 Profile = 1 + iota
	Profile2
	Profile3
	Profile4
	Profile5
)

func (p Profile) valid() bool { return p >= Profile1 && p <= Profile5 }

// envelopeFWHM is the approximate pulse envelope width per profile in
// meters. It drives the default step length and the leakage-free range used
// when planning subsweeps.
var envelopeFWHM = [6]float64{0, 0.04, 0.07, 0.14, 0.19, 0.32}

// leakageFreeRange is the closest distance at which a profile can measure
// without direct leakage from the transmitter, in meters.
var leakageFreeRange = [6]float64{0, 0.0, 0.10, 0.22, 0.32, 0.52}

// PRF is the pulse repetition frequency class. It bounds the maximum
// measurable distance (MMD) and maximum unambiguous range (MUR).
type PRF int

const (
	PRF19_5MHz PRF = iota // profile 1 only
	PRF15_6MHz
	PRF13_0MHz
	PRF8_7MHz
	PRF6_5MHz
	PRF5_2MHz
)

// MaxMeasurableDistance returns the farthest end point in meters the PRF
// class supports.
func (p PRF) MaxMeasurableDistance() float64 {
	switch p {
	case PRF19_5MHz:
		return 3.1
	case PRF15_6MHz:
		return 5.1
	case PRF13_0MHz:
		return 7.0
	case PRF8_7MHz:
		return 12.7
	case PRF6_5MHz:
		return 18.5
	case PRF5_2MHz:
		return 24.3
	default:
		return 0
	}
}

// MaxUnambiguousRange returns the distance beyond which reflections may fold
// back into the measured range, in meters.
func (p PRF) MaxUnambiguousRange() float64 {
	switch p {
	case PRF19_5MHz:
		return 7.7
	case PRF15_6MHz:
		return 9.6
	case PRF13_0MHz:
		return 11.5
	case PRF8_7MHz:
		return 17.3
	case PRF6_5MHz:
		return 23.1
	case PRF5_2MHz:
		return 28.8
	default:
		return 0
	}
}

func (p PRF) valid() bool { return p >= PRF19_5MHz && p <= PRF5_2MHz }

// prfFor picks the fastest PRF class whose measurable range covers endM for
// the given profile.
func prfFor(endM float64, profile Profile) PRF {
	candidates := []PRF{PRF19_5MHz, PRF15_6MHz, PRF13_0MHz, PRF8_7MHz, PRF6_5MHz, PRF5_2MHz}
	for _, prf := range candidates {
		if prf == PRF19_5MHz && profile != Profile1 {
			continue
		}
		if endM <= prf.MaxMeasurableDistance() {
			return prf
		}
	}
	return PRF5_2MHz
}

// IdleState is the sensor power state between sweeps or frames. DeepSleep is
// the deepest (slowest to leave), Ready the shallowest.
type IdleState int

const (
	IdleDeepSleep IdleState = iota
	IdleSleep
	IdleReady
)

func (s IdleState) valid() bool { return s >= IdleDeepSleep && s <= IdleReady }

// ThresholdMethod selects how the per-point detection threshold is built.
type ThresholdMethod int

const (
	// ThresholdFixedAmplitude compares amplitudes against a constant value.
	ThresholdFixedAmplitude ThresholdMethod = iota
	// ThresholdFixedStrength converts a constant reflective-strength target
	// into a distance-dependent amplitude threshold.
	ThresholdFixedStrength
	// ThresholdRecorded compares against a background envelope recorded
	// during calibration.
	ThresholdRecorded
	// ThresholdCFAR derives the threshold from the local neighborhood of the
	// sweep itself; needs no calibration recording.
	ThresholdCFAR
)

// PeakSorting orders the reported distances.
type PeakSorting int

const (
	// SortClosest returns the closest detection first.
	SortClosest PeakSorting = iota
	// SortStrongest returns the highest reflective strength first.
	SortStrongest
)

// ReflectorShape selects the radar-cross-section model used for strength.
type ReflectorShape int

const (
	// ReflectorGeneric models any non-liquid reflector.
	ReflectorGeneric ReflectorShape = iota
	// ReflectorPlanar models a planar reflector, usually a water surface.
	ReflectorPlanar
)

const (
	// MaxSubsweeps is the maximum number of subsweeps in one configuration.
	MaxSubsweeps = 4
	// MinHWAAS and MaxHWAAS bound hardware-accelerated average samples.
	MinHWAAS = 1
	MaxHWAAS = 511
	// MaxReceiverGain is the highest receiver gain setting.
	MaxReceiverGain = 23
	// maxFramePoints is the sensor buffer budget in points per frame. Double
	// buffering splits the buffer in halves, halving the budget.
	maxFramePoints = 4095
	// maxStepLength is the largest supported step between points.
	maxStepLength = 24
)

// Subsweep is one independently configured segment of the sweep range.
// All distances are in points (BasePointLength per point).
type Subsweep struct {
	StartPoint       int32
	NumPoints        int
	StepLength       int
	Profile          Profile
	PRF              PRF
	HWAAS            int
	ReceiverGain     int
	EnableTX         bool
	EnableLoopback   bool
	PhaseEnhancement bool
}

// EndPoint returns the first point after the subsweep interval.
func (s Subsweep) EndPoint() int32 {
	return s.StartPoint + int32(s.NumPoints*s.StepLength)
}

func (s Subsweep) validate(i int, maxProfile Profile) error {
	if s.NumPoints < 1 {
		return fmt.Errorf("subsweep %d: num points %d out of range", i, s.NumPoints)
	}
	if s.StepLength < 1 || (s.StepLength > maxStepLength && s.StepLength%maxStepLength != 0) {
		return fmt.Errorf("subsweep %d: step length %d not in 1..%d or a multiple of %d", i, s.StepLength, maxStepLength, maxStepLength)
	}
	if !s.Profile.valid() {
		return fmt.Errorf("subsweep %d: invalid profile %d", i, s.Profile)
	}
	if s.Profile > maxProfile {
		return fmt.Errorf("subsweep %d: profile %d above configured maximum %d", i, s.Profile, maxProfile)
	}
	if !s.PRF.valid() {
		return fmt.Errorf("subsweep %d: invalid prf %d", i, s.PRF)
	}
	if s.PRF == PRF19_5MHz && s.Profile != Profile1 {
		return fmt.Errorf("subsweep %d: 19.5 MHz PRF requires profile 1", i)
	}
	if s.HWAAS < MinHWAAS || s.HWAAS > MaxHWAAS {
		return fmt.Errorf("subsweep %d: hwaas %d not in %d..%d", i, s.HWAAS, MinHWAAS, MaxHWAAS)
	}
	if s.ReceiverGain < 0 || s.ReceiverGain > MaxReceiverGain {
		return fmt.Errorf("subsweep %d: receiver gain %d not in 0..%d", i, s.ReceiverGain, MaxReceiverGain)
	}
	if s.EnableLoopback && s.Profile == Profile2 {
		return fmt.Errorf("subsweep %d: loopback cannot be combined with profile 2", i)
	}
	end := PointsToMeter(s.EndPoint())
	if end > s.PRF.MaxMeasurableDistance() {
		return fmt.Errorf("subsweep %d: end %.2f m beyond prf max measurable distance %.1f m", i, end, s.PRF.MaxMeasurableDistance())
	}
	return nil
}

// Config holds the full distance detector configuration. Setters clamp or
// record values without failing; all cross-field validation is deferred to
// detector creation (see New) and reported there.
type Config struct {
	sensorID int

	startM        float64
	endM          float64
	maxStepLength int
	maxProfile    Profile

	thresholdMethod   ThresholdMethod
	fixedAmplitude    float64
	fixedStrength     float64
	recordedFrames    int
	sensitivity       float64
	peakSorting       PeakSorting
	reflectorShape    ReflectorShape
	closeRangeLeakage bool
	signalQuality     float64
	sweepsPerFrame    int
	frameRate         float64
	continuousSweep   bool
	sweepRate         float64
	doubleBuffering   bool
	medianFilter      bool
	interFrameIdle    IdleState
	interSweepIdle    IdleState
	explicitSubsweeps []Subsweep
}

// NewConfig returns the balanced default configuration: 0.2-3.0 m range,
// CFAR threshold, strongest-first sorting, generic reflector.
func NewConfig() *Config {
	return &Config{
		sensorID:        1,
		startM:          0.2,
		endM:            3.0,
		maxProfile:      Profile5,
		thresholdMethod: ThresholdCFAR,
		fixedAmplitude:  100.0,
		fixedStrength:   0.0,
		recordedFrames:  100,
		sensitivity:     0.5,
		peakSorting:     SortStrongest,
		reflectorShape:  ReflectorGeneric,
		signalQuality:   15.0,
		sweepsPerFrame:  16,
		interFrameIdle:  IdleDeepSleep,
		interSweepIdle:  IdleReady,
	}
}

// SetSensor sets the sensor ID the detector binds to.
func (c *Config) SetSensor(id int) { c.sensorID = id }

// Sensor returns the configured sensor ID.
func (c *Config) Sensor() int { return c.sensorID }

// SetRange sets the measured interval in meters.
func (c *Config) SetRange(startM, endM float64) {
	c.startM = startM
	c.endM = endM
}

// RangeStart returns the start of the measured interval in meters.
func (c *Config) RangeStart() float64 { return c.startM }

// RangeEnd returns the end of the measured interval in meters.
func (c *Config) RangeEnd() float64 { return c.endM }

// SetMaxStepLength overrides the profile-based step length, in points.
// Zero restores the profile-based default.
func (c *Config) SetMaxStepLength(points int) { c.maxStepLength = points }

// MaxStepLength returns the step length override in points (0 = profile based).
func (c *Config) MaxStepLength() int { return c.maxStepLength }

// SetMaxProfile bounds the highest profile the subsweep planner may use.
func (c *Config) SetMaxProfile(p Profile) { c.maxProfile = p }

// MaxProfile returns the highest allowed profile.
func (c *Config) MaxProfile() Profile { return c.maxProfile }

// SetFixedAmplitudeThreshold selects the fixed-amplitude method with the
// given constant threshold value.
func (c *Config) SetFixedAmplitudeThreshold(value float64) {
	c.thresholdMethod = ThresholdFixedAmplitude
	c.fixedAmplitude = value
}

// SetFixedStrengthThreshold selects the fixed-strength method with the given
// target strength in dB.
func (c *Config) SetFixedStrengthThreshold(strengthDB float64) {
	c.thresholdMethod = ThresholdFixedStrength
	c.fixedStrength = strengthDB
}

// SetRecordedThreshold selects the recorded-background method built from the
// given number of calibration frames.
func (c *Config) SetRecordedThreshold(frames int) {
	c.thresholdMethod = ThresholdRecorded
	c.recordedFrames = frames
}

// SetCFARThreshold selects the CFAR method.
func (c *Config) SetCFARThreshold() { c.thresholdMethod = ThresholdCFAR }

// ThresholdMethod returns the active threshold method.
func (c *Config) ThresholdMethod() ThresholdMethod { return c.thresholdMethod }

// FixedAmplitude returns the fixed-amplitude threshold value.
func (c *Config) FixedAmplitude() float64 { return c.fixedAmplitude }

// FixedStrength returns the fixed-strength target in dB.
func (c *Config) FixedStrength() float64 { return c.fixedStrength }

// RecordedFrames returns the number of frames used to record the background.
func (c *Config) RecordedFrames() int { return c.recordedFrames }

// SetThresholdSensitivity sets the sensitivity, clamped to [0,1]. Higher
// values lower the threshold: more detections, more false positives.
func (c *Config) SetThresholdSensitivity(s float64) {
	c.sensitivity = clamp(s, 0, 1)
}

// ThresholdSensitivity returns the sensitivity in [0,1].
func (c *Config) ThresholdSensitivity() float64 { return c.sensitivity }

// SetPeakSorting sets the result ordering.
func (c *Config) SetPeakSorting(s PeakSorting) { c.peakSorting = s }

// PeakSorting returns the result ordering.
func (c *Config) PeakSorting() PeakSorting { return c.peakSorting }

// SetReflectorShape sets the RCS model used for strength calculations.
func (c *Config) SetReflectorShape(s ReflectorShape) { c.reflectorShape = s }

// ReflectorShape returns the RCS model.
func (c *Config) ReflectorShape() ReflectorShape { return c.reflectorShape }

// SetCloseRangeLeakageCancellation enables cancellation of transmitter
// leakage for measurements starting closer than ~10 cm. Requires extra
// calibration work and a warm-up frame after prepare.
func (c *Config) SetCloseRangeLeakageCancellation(enable bool) {
	c.closeRangeLeakage = enable
}

// CloseRangeLeakageCancellation reports whether leakage cancellation is on.
func (c *Config) CloseRangeLeakageCancellation() bool { return c.closeRangeLeakage }

// SetSignalQuality sets the signal quality target in dB, clamped to [-10,35].
// Higher values increase HWAAS and measurement time.
func (c *Config) SetSignalQuality(q float64) {
	c.signalQuality = clamp(q, -10, 35)
}

// SignalQuality returns the signal quality target in dB.
func (c *Config) SignalQuality() float64 { return c.signalQuality }

// SetSweepsPerFrame sets the number of sweeps captured per measurement.
func (c *Config) SetSweepsPerFrame(n int) { c.sweepsPerFrame = n }

// SweepsPerFrame returns the number of sweeps per frame.
func (c *Config) SweepsPerFrame() int { return c.sweepsPerFrame }

// SetFrameRate caps the frame rate in Hz. Zero means unbounded.
func (c *Config) SetFrameRate(hz float64) { c.frameRate = hz }

// FrameRate returns the frame rate cap in Hz (0 = unbounded).
func (c *Config) FrameRate() float64 { return c.frameRate }

// SetContinuousSweepMode enables continuous sweep mode with the given sweep
// rate. Validity is checked at detector creation.
func (c *Config) SetContinuousSweepMode(enable bool, sweepRateHz float64) {
	c.continuousSweep = enable
	c.sweepRate = sweepRateHz
}

// ContinuousSweepMode reports whether continuous sweep mode is enabled.
func (c *Config) ContinuousSweepMode() bool { return c.continuousSweep }

// SweepRate returns the continuous-mode sweep rate in Hz.
func (c *Config) SweepRate() float64 { return c.sweepRate }

// SetDoubleBuffering pipelines sensor-side measurement with host-side
// readout. It halves the points-per-frame budget and enables the sweep
// median filter to suppress phase distortion from concurrent SPI activity.
func (c *Config) SetDoubleBuffering(enable bool) {
	c.doubleBuffering = enable
	c.medianFilter = enable
}

// DoubleBuffering reports whether double buffering is enabled.
func (c *Config) DoubleBuffering() bool { return c.doubleBuffering }

// MedianFilter reports whether the sweep median filter is active.
func (c *Config) MedianFilter() bool { return c.medianFilter }

// SetInterFrameIdleState sets the sensor idle state between frames.
func (c *Config) SetInterFrameIdleState(s IdleState) { c.interFrameIdle = s }

// InterFrameIdleState returns the idle state between frames.
func (c *Config) InterFrameIdleState() IdleState { return c.interFrameIdle }

// SetInterSweepIdleState sets the sensor idle state between sweeps.
func (c *Config) SetInterSweepIdleState(s IdleState) { c.interSweepIdle = s }

// InterSweepIdleState returns the idle state between sweeps.
func (c *Config) InterSweepIdleState() IdleState { return c.interSweepIdle }

// SetSubsweeps replaces the automatically planned subsweeps with an explicit
// list. Pass nil to restore automatic planning from the range; an empty
// non-nil list stays explicit and is rejected by Validate.
func (c *Config) SetSubsweeps(subs []Subsweep) {
	if subs == nil {
		c.explicitSubsweeps = nil
		return
	}
	c.explicitSubsweeps = make([]Subsweep, len(subs))
	copy(c.explicitSubsweeps, subs)
}

// Subsweeps returns the subsweep plan: the explicit list if one was set,
// otherwise segments derived from the range, max profile and step override.
func (c *Config) Subsweeps() []Subsweep {
	if c.explicitSubsweeps != nil {
		return append([]Subsweep(nil), c.explicitSubsweeps...)
	}
	return c.planSubsweeps()
}

// stepForProfile is the default step length in points for a profile:
// roughly a quarter of the pulse envelope, so adjacent points overlap.
func (c *Config) stepForProfile(p Profile) int {
	step := int(envelopeFWHM[p] / 4 / BasePointLength)
	if step < 1 {
		step = 1
	}
	if step > maxStepLength {
		step = maxStepLength
	}
	if c.maxStepLength > 0 && step > c.maxStepLength {
		step = c.maxStepLength
	}
	return step
}

// hwaasForQuality maps the signal quality target onto a hardware averaging
// count. The mapping is monotone: each 3 dB doubles the sample count.
func (c *Config) hwaasForQuality() int {
	h := int(8 * math.Exp2((c.signalQuality-15.0)/3.0))
	if h < MinHWAAS {
		h = MinHWAAS
	}
	if h > MaxHWAAS {
		h = MaxHWAAS
	}
	return h
}

// planSubsweeps derives up to MaxSubsweeps contiguous segments from the
// configured range. Close segments run lower profiles to stay clear of
// transmitter leakage; far segments ramp up to the configured max profile
// for loop gain.
func (c *Config) planSubsweeps() []Subsweep {
	hwaas := c.hwaasForQuality()
	gain := 12

	type segment struct {
		startM float64
		prof   Profile
	}
	var segs []segment
	prof := Profile1
	for p := c.maxProfile; p >= Profile1; p-- {
		if leakageFreeRange[p] <= c.startM {
			prof = p
			break
		}
	}
	segs = append(segs, segment{c.startM, prof})
	for p := prof + 1; p <= c.maxProfile && len(segs) < MaxSubsweeps; p++ {
		boundary := leakageFreeRange[p]
		if boundary > c.startM && boundary < c.endM {
			segs = append(segs, segment{boundary, p})
		}
	}

	subs := make([]Subsweep, 0, len(segs))
	startPt := MeterToPoints(c.startM)
	for i, seg := range segs {
		endM := c.endM
		if i+1 < len(segs) {
			endM = segs[i+1].startM
		}
		step := c.stepForProfile(seg.prof)
		endPt := MeterToPoints(endM)
		n := int(endPt-startPt+int32(step)-1) / step
		if n < 1 {
			n = 1
		}
		// Ceil rounding can push the planned end up to step-1 points past the
		// nominal segment end; the PRF must cover the planned end, or a range
		// ending exactly at a PRF limit would plan an invalid subsweep.
		plannedEnd := PointsToMeter(startPt + int32(n*step))
		sub := Subsweep{
			StartPoint:   startPt,
			NumPoints:    n,
			StepLength:   step,
			Profile:      seg.prof,
			PRF:          prfFor(plannedEnd, seg.prof),
			HWAAS:        hwaas,
			ReceiverGain: gain,
			EnableTX:     true,
		}
		subs = append(subs, sub)
		startPt = sub.EndPoint()
	}
	return subs
}

// TotalPoints returns the number of distance points across all subsweeps.
func (c *Config) TotalPoints() int {
	total := 0
	for _, s := range c.Subsweeps() {
		total += s.NumPoints
	}
	return total
}

// Validate runs all cross-field checks. It is called by New; setters never
// fail on their own.
func (c *Config) Validate() error {
	if c.endM <= c.startM {
		return fmt.Errorf("%w: range end %.3f m not beyond start %.3f m", ErrConfigInvalid, c.endM, c.startM)
	}
	if c.startM < 0 {
		return fmt.Errorf("%w: range start %.3f m negative", ErrConfigInvalid, c.startM)
	}
	if c.sweepsPerFrame < 1 {
		return fmt.Errorf("%w: sweeps per frame %d", ErrConfigInvalid, c.sweepsPerFrame)
	}
	if !c.maxProfile.valid() {
		return fmt.Errorf("%w: max profile %d", ErrConfigInvalid, c.maxProfile)
	}
	if c.thresholdMethod == ThresholdRecorded && c.recordedFrames < 1 {
		return fmt.Errorf("%w: recorded threshold needs at least one frame", ErrConfigInvalid)
	}
	if !c.interFrameIdle.valid() || !c.interSweepIdle.valid() {
		return fmt.Errorf("%w: invalid idle state", ErrConfigInvalid)
	}
	// The inter-frame idle state must be at least as deep as the
	// inter-sweep idle state.
	if c.interFrameIdle > c.interSweepIdle {
		return fmt.Errorf("%w: inter-frame idle state shallower than inter-sweep idle state", ErrConfigInvalid)
	}
	if c.continuousSweep {
		if c.interFrameIdle != c.interSweepIdle {
			return fmt.Errorf("%w: continuous sweep mode requires equal inter-frame and inter-sweep idle states", ErrConfigInvalid)
		}
		if c.frameRate != 0 {
			return fmt.Errorf("%w: continuous sweep mode cannot be combined with a frame rate cap", ErrConfigInvalid)
		}
		if c.sweepRate <= 0 {
			return fmt.Errorf("%w: continuous sweep mode requires a sweep rate", ErrConfigInvalid)
		}
	}

	subs := c.Subsweeps()
	if len(subs) == 0 || len(subs) > MaxSubsweeps {
		return fmt.Errorf("%w: %d subsweeps (1..%d supported)", ErrConfigInvalid, len(subs), MaxSubsweeps)
	}
	for i, s := range subs {
		if err := s.validate(i, c.maxProfile); err != nil {
			return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		if i > 0 && subs[i-1].EndPoint() != s.StartPoint {
			return fmt.Errorf("%w: subsweep %d starts at point %d, previous ends at %d (stitched range must be contiguous)",
				ErrConfigInvalid, i, s.StartPoint, subs[i-1].EndPoint())
		}
	}

	budget := maxFramePoints
	if c.doubleBuffering {
		budget /= 2
	}
	framePoints := c.TotalPoints() * c.sweepsPerFrame
	if framePoints > budget {
		return fmt.Errorf("%w: %d points per frame exceeds sensor buffer budget %d", ErrConfigInvalid, framePoints, budget)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

