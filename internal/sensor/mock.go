package sensor

import (
	"math"
	"math/rand"
)

// Target is one simulated reflector in a mock scene.
type Target struct {
	// Distance from the sensor in meters.
	Distance float64
	// Amplitude of the received echo before sweep averaging.
	Amplitude float64
}

// Mock is a deterministic in-memory Transport used by tests and the replay
// tooling. It synthesises IQ frames from a configurable scene: point
// targets with profile-shaped pulse envelopes, white noise, transmitter
// leakage near zero range and a programmable die temperature.
//
// The interrupt line is modelled explicitly: Measure arms it, and with
// AutoInterrupt set (the default from NewMock) data becomes ready
// immediately; otherwise the test fires it by hand. That makes the
// repeated-call calibration protocol and the never-ready stub case both
// exercisable without hardware.
type Mock struct {
	Targets          []Target
	NoiseLevel       float64
	LeakageAmplitude float64
	Temperature      int16

	// AutoInterrupt raises the interrupt as soon as a measurement starts.
	AutoInterrupt bool

	// Fault injection: any non-nil error is returned by the matching call.
	PrepareErr error
	MeasureErr error
	ReadErr    error
	StatusErr  error
	CalStepErr error

	// Disconnected makes Connected report false.
	Disconnected bool

	// Call counters, for asserting the driven protocol.
	PrepareCount int
	MeasureCount int
	ReadCount    int
	CalStepCount int

	plan       Plan
	hasPlan    bool
	measuring  bool
	dataReady  bool
	hibernated bool
	frameIndex int64
	calSteps   int
	seed       int64
}

// calStepsNeeded is how many CalibrateStep calls a sensor calibration takes.
const calStepsNeeded = 2

// NewMock returns a mock with a quiet scene, auto-raised interrupts and a
// fixed noise seed.
func NewMock(seed int64) *Mock {
	return &Mock{
		NoiseLevel:    2.0,
		Temperature:   25,
		AutoInterrupt: true,
		seed:          seed,
	}
}

// FireInterrupt marks measured data ready, standing in for the hardware
// interrupt line when AutoInterrupt is off.
func (m *Mock) FireInterrupt() {
	if m.measuring {
		m.dataReady = true
	}
}

// LastPlan returns the most recently prepared plan.
func (m *Mock) LastPlan() (Plan, bool) { return m.plan, m.hasPlan }

func (m *Mock) CalibrateStep(result *CalResult, buffer []byte) (bool, error) {
	if m.CalStepErr != nil {
		return false, m.CalStepErr
	}
	if m.Disconnected {
		return false, ErrNotConnected
	}
	m.CalStepCount++
	m.calSteps++
	if m.calSteps < calStepsNeeded {
		return false, nil
	}
	rng := rand.New(rand.NewSource(m.seed))
	for i := range result.Data {
		result.Data[i] = byte(rng.Intn(256))
	}
	result.Temperature = m.Temperature
	return true, nil
}

func (m *Mock) Prepare(plan Plan, cal *CalResult, buffer []byte) error {
	if m.PrepareErr != nil {
		return m.PrepareErr
	}
	if m.Disconnected {
		return ErrNotConnected
	}
	m.PrepareCount++
	m.plan = plan
	m.hasPlan = true
	m.measuring = false
	m.dataReady = false
	return nil
}

func (m *Mock) Measure() error {
	if m.MeasureErr != nil {
		return m.MeasureErr
	}
	if m.Disconnected {
		return ErrNotConnected
	}
	m.MeasureCount++
	m.measuring = true
	if m.AutoInterrupt {
		m.dataReady = true
	}
	return nil
}

func (m *Mock) Read(buffer []byte) error {
	if m.ReadErr != nil {
		return m.ReadErr
	}
	if m.Disconnected {
		return ErrNotConnected
	}
	if !m.dataReady {
		return ErrNoData
	}
	m.ReadCount++
	m.dataReady = false
	m.measuring = false
	m.synthesize(buffer)
	m.frameIndex++
	return nil
}

func (m *Mock) Status() (Status, error) {
	if m.StatusErr != nil {
		return Status{}, m.StatusErr
	}
	return Status{DataReady: m.dataReady, Temperature: m.Temperature}, nil
}

func (m *Mock) HibernateOn() error  { m.hibernated = true; return nil }
func (m *Mock) HibernateOff() error { m.hibernated = false; return nil }

func (m *Mock) Connected() bool { return !m.Disconnected }

// Pulse envelope widths per profile in meters, mirroring the radar
// hardware's RX/TX path settings.
var mockEnvelopeFWHM = [6]float64{0, 0.04, 0.07, 0.14, 0.19, 0.32}

const mockWavelength = 5e-3 // 60 GHz carrier
const pointPitch = 2.5e-3   // meters per distance point

// synthesize renders the current scene into one raw frame.
func (m *Mock) synthesize(buffer []byte) {
	points := m.plan.TotalPoints()
	need := FrameBytes(points, m.plan.SweepsPerFrame)
	if len(buffer) < need {
		return
	}
	EncodeFrameHeader(buffer, m.Temperature, false, false)

	rng := rand.New(rand.NewSource(m.seed ^ (m.frameIndex+1)*0x9E3779B9))
	idx := 0
	for s := 0; s < m.plan.SweepsPerFrame; s++ {
		for _, sub := range m.plan.Subsweeps {
			sigma := mockEnvelopeFWHM[sub.Profile] / 2.355
			for p := 0; p < sub.NumPoints; p++ {
				dist := float64(sub.StartPoint+int32(p*sub.StepLength)) * pointPitch
				var re, im float64
				if sub.EnableTX {
					for _, t := range m.Targets {
						dd := dist - t.Distance
						env := t.Amplitude * math.Exp(-dd*dd/(2*sigma*sigma))
						phase := -4 * math.Pi * t.Distance / mockWavelength
						re += env * math.Cos(phase)
						im += env * math.Sin(phase)
					}
					if m.LeakageAmplitude > 0 {
						env := m.LeakageAmplitude * math.Exp(-dist*dist/(2*sigma*sigma))
						re += env
					}
				}
				re += rng.NormFloat64() * m.NoiseLevel
				im += rng.NormFloat64() * m.NoiseLevel
				PutIQ(buffer, idx, clampInt16(re), clampInt16(im))
				idx++
			}
		}
	}
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
