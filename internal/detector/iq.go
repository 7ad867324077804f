package detector

import (
	"encoding/binary"
	"fmt"
	"math/cmplx"
	"sort"

	"github.com/banshee-data/range.report/internal/sensor"
)

// Metadata describes the shape of the data produced for a configuration.
type Metadata struct {
	// FrameDataLength is the number of complex elements in a frame.
	FrameDataLength int
	// SweepDataLength is the number of complex elements in one sweep.
	SweepDataLength int
	// SubsweepOffset and SubsweepLength locate each subsweep inside a sweep.
	SubsweepOffset [MaxSubsweeps]int
	SubsweepLength [MaxSubsweeps]int
	// MaxSweepRate is the highest sweep rate the sensor can sustain for the
	// configuration, in Hz. Zero when not applicable.
	MaxSweepRate float64
	// HighSpeedMode is set when the configuration lets the sensor optimise
	// its measurement sequence: discrete sweeps, READY inter-sweep idle,
	// a single subsweep and profile 3-5.
	HighSpeedMode bool
}

// metadataFor derives the processing metadata from a configuration.
func metadataFor(cfg *Config) Metadata {
	subs := cfg.Subsweeps()
	var md Metadata
	for i, s := range subs {
		md.SubsweepOffset[i] = md.SweepDataLength
		md.SubsweepLength[i] = s.NumPoints
		md.SweepDataLength += s.NumPoints
	}
	md.FrameDataLength = md.SweepDataLength * cfg.SweepsPerFrame()

	// Sweep duration scales with the sampled points and averaging depth.
	samples := 0
	for _, s := range subs {
		samples += s.NumPoints * s.HWAAS
	}
	if samples > 0 {
		const pointRate = 1.3e6 // points*hwaas per second, transfer bound
		md.MaxSweepRate = pointRate / float64(samples)
	}
	md.HighSpeedMode = !cfg.ContinuousSweepMode() &&
		cfg.InterSweepIdleState() == IdleReady &&
		len(subs) == 1 &&
		subs[0].Profile >= Profile3
	return md
}

// rawFrame is a decoded sensor transfer.
type rawFrame struct {
	temperature int16
	saturated   bool
	delayed     bool
	// iq is indexed [sweep][point].
	iq [][]complex128
}

// FrameSize returns the encoded size in bytes of one raw frame for the
// given configuration.
func FrameSize(cfg *Config) int {
	return sensor.FrameBytes(cfg.TotalPoints(), cfg.SweepsPerFrame())
}

// parseFrame decodes the raw transfer at the head of the working buffer.
func parseFrame(data []byte, md Metadata, sweeps int) (rawFrame, error) {
	need := sensor.FrameHeaderSize + md.FrameDataLength*bytesPerPoint
	if len(data) < need {
		return rawFrame{}, fmt.Errorf("%w: frame needs %d bytes, buffer holds %d", ErrBufferTooSmall, need, len(data))
	}
	if binary.LittleEndian.Uint16(data[0:2]) != sensor.FrameMagic {
		return rawFrame{}, fmt.Errorf("raw frame header marker missing")
	}
	f := rawFrame{
		temperature: int16(binary.LittleEndian.Uint16(data[2:4])),
	}
	flags := binary.LittleEndian.Uint16(data[4:6])
	f.saturated = flags&sensor.FlagDataSaturated != 0
	f.delayed = flags&sensor.FlagFrameDelayed != 0

	f.iq = make([][]complex128, sweeps)
	off := sensor.FrameHeaderSize
	for s := 0; s < sweeps; s++ {
		sweep := make([]complex128, md.SweepDataLength)
		for p := range sweep {
			i := int16(binary.LittleEndian.Uint16(data[off:]))
			q := int16(binary.LittleEndian.Uint16(data[off+2:]))
			sweep[p] = complex(float64(i), float64(q))
			off += bytesPerPoint
		}
		f.iq[s] = sweep
	}
	return f, nil
}

// demodulate collapses the sweep dimension into one amplitude/phase profile.
// The default path averages coherently across sweeps, which suppresses
// uncorrelated noise by sqrt(N). With the median filter active (double
// buffering) the per-point amplitude is instead the median of per-sweep
// amplitudes, which rejects the occasional sweep whose phase was distorted
// by concurrent SPI activity.
func demodulate(f rawFrame, median bool) (amplitude, phase []float64) {
	n := 0
	if len(f.iq) > 0 {
		n = len(f.iq[0])
	}
	amplitude = make([]float64, n)
	phase = make([]float64, n)
	if n == 0 {
		return
	}
	scratch := make([]float64, len(f.iq))
	for p := 0; p < n; p++ {
		var sum complex128
		for s := range f.iq {
			sum += f.iq[s][p]
		}
		mean := sum / complex(float64(len(f.iq)), 0)
		phase[p] = cmplx.Phase(mean)
		if median {
			for s := range f.iq {
				scratch[s] = cmplx.Abs(f.iq[s][p])
			}
			amplitude[p] = medianOf(scratch)
		} else {
			amplitude[p] = cmplx.Abs(mean)
		}
	}
	return
}

func medianOf(v []float64) float64 {
	tmp := append([]float64(nil), v...)
	sort.Float64s(tmp)
	m := len(tmp) / 2
	if len(tmp)%2 == 1 {
		return tmp[m]
	}
	return 0.5 * (tmp[m-1] + tmp[m])
}

// distanceAt returns the range in meters of profile index i, resolved
// through the stitched subsweep geometry.
func distanceAt(subs []Subsweep, md Metadata, i int) float64 {
	for k, s := range subs {
		off := md.SubsweepOffset[k]
		if i < off+md.SubsweepLength[k] {
			return PointsToMeter(s.StartPoint + int32((i-off)*s.StepLength))
		}
	}
	// Past the last subsweep; extrapolate from its geometry.
	if len(subs) == 0 {
		return 0
	}
	last := subs[len(subs)-1]
	off := md.SubsweepOffset[len(subs)-1]
	return PointsToMeter(last.StartPoint + int32((i-off)*last.StepLength))
}

// subsweepAt returns the subsweep owning profile index i.
func subsweepAt(subs []Subsweep, md Metadata, i int) Subsweep {
	for k := range subs {
		if i < md.SubsweepOffset[k]+md.SubsweepLength[k] {
			return subs[k]
		}
	}
	return subs[len(subs)-1]
}
