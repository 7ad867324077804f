// Package sensor defines the transport boundary between the distance
// detector core and a physical radar front end. The core drives every
// implementation through the same sequenced protocol: calibrate -> prepare
// -> measure -> wait for interrupt -> read -> process, with prepare /
// measure / read / process repeating once per frame. All waiting happens in
// the caller; transports never block inside a call.
package sensor

import "errors"

// CalResultSize is the size of a sensor-level calibration result block.
const CalResultSize = 192

// CalResult is the opaque sensor calibration result, produced by the
// stepwise CalibrateStep protocol and consumed by Prepare.
type CalResult struct {
	Data        [CalResultSize]byte
	Temperature int16
}

// Status is a snapshot of the sensor state.
type Status struct {
	// DataReady is true once the interrupt line signalled that measured
	// data can be read out.
	DataReady bool
	// Temperature is the sensor die temperature in degrees Celsius.
	// Relative accuracy only.
	Temperature int16
}

// SubsweepPlan carries the register settings for one subsweep segment.
type SubsweepPlan struct {
	StartPoint       int32
	NumPoints        int
	StepLength       int
	Profile          int
	PRF              int
	HWAAS            int
	ReceiverGain     int
	EnableTX         bool
	EnableLoopback   bool
	PhaseEnhancement bool
}

// Plan is the full sensor measurement plan a prepare call programs.
type Plan struct {
	Subsweeps       []SubsweepPlan
	SweepsPerFrame  int
	ContinuousSweep bool
	SweepRate       float64
	FrameRate       float64
	DoubleBuffering bool
	InterFrameIdle  int
	InterSweepIdle  int
}

// TotalPoints returns the number of distance points per sweep.
func (p Plan) TotalPoints() int {
	n := 0
	for _, s := range p.Subsweeps {
		n += s.NumPoints
	}
	return n
}

// ErrNotConnected is returned by transports whose sensor has gone away.
var ErrNotConnected = errors.New("sensor: not connected")

// ErrNoData is returned by Read when no measured frame is ready.
var ErrNoData = errors.New("sensor: no data ready")

// Transport is the synchronous sensor collaborator. Implementations are
// bound at creation to one sensor ID. Errors propagate unmodified through
// the detector as transport failures; no call retries internally.
type Transport interface {
	// CalibrateStep performs one bounded unit of sensor-level calibration.
	// It returns done=false while more steps remain, in which case the
	// caller must wait for the sensor interrupt before calling again.
	CalibrateStep(result *CalResult, buffer []byte) (done bool, err error)

	// Prepare programs the sensor registers for the given plan. Must not be
	// called while a measurement is in flight.
	Prepare(plan Plan, cal *CalResult, buffer []byte) error

	// Measure starts one frame measurement. Completion is signalled through
	// Status().DataReady.
	Measure() error

	// Read transfers the most recent frame into buffer. Only valid when
	// DataReady is set; reading clears it.
	Read(buffer []byte) error

	// Status reports interrupt and temperature state without side effects.
	Status() (Status, error)

	// HibernateOn prepares the sensor for power-down between frames;
	// HibernateOff restores it afterwards.
	HibernateOn() error
	HibernateOff() error

	// Connected reports whether the sensor responds on its interface.
	Connected() bool
}
