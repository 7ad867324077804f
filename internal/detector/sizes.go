package detector

// Buffer sizing constants. These mirror the sensor SDK memory model so that
// host allocations line up with what the embedded integration reserves.
const (
	bytesPerPoint     = 4 // int16 I + int16 Q
	calibBufferFloor  = 2492
	bufferOverhead    = 68
	detectorOverhead  = 1028
	perProcessorBytes = 224
	staticCalFloor    = 2048
	staticCalHeader   = 16
	staticCalPerPoint = 8 // float32 mean + float32 spread
	dynamicCalSize    = 8
)

// Sizes reports the working-memory contract for a configuration. The caller
// owns and allocates both blocks; every calibrate/prepare/process call
// checks against these sizes and fails without touching undersized memory.
type Sizes struct {
	// Buffer is the size in bytes of the shared working buffer used by
	// calibration, prepare and process.
	Buffer int
	// StaticCal is the size in bytes of the static (temperature
	// independent) calibration result block.
	StaticCal int
}

// SizesForConfig computes the buffer contract for cfg. The result is a pure
// function of the configuration and is monotonically non-decreasing in the
// total point count.
func SizesForConfig(cfg *Config) Sizes {
	subs := cfg.Subsweeps()
	totalPoints := 0
	for _, s := range subs {
		totalPoints += s.NumPoints
	}

	frameBytes := totalPoints * cfg.SweepsPerFrame() * bytesPerPoint
	base := frameBytes
	if base < calibBufferFloor {
		base = calibBufferFloor
	}
	buffer := base + bufferOverhead + detectorOverhead + perProcessorBytes*len(subs)

	static := staticCalHeader + totalPoints*staticCalPerPoint
	if static < staticCalFloor {
		static = staticCalFloor
	}
	return Sizes{Buffer: buffer, StaticCal: static}
}
