package detector

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// profileLoopGain is the relative radar loop gain per profile, used to
// normalise amplitudes before converting to reflective strength.
var profileLoopGain = [6]float64{0, 1.0, 1.8, 3.2, 4.2, 6.3}

// strengthNorm is the amplitude normalisation for a subsweep: hardware
// averaging, receiver gain and profile loop gain all scale raw amplitudes
// and must be divided out before amplitudes are comparable across
// configurations.
func strengthNorm(sub Subsweep) float64 {
	return float64(sub.HWAAS) * math.Pow(10, float64(sub.ReceiverGain)/20.0) * profileLoopGain[sub.Profile]
}

// rcsExponent returns the range-compensation exponent of the reflector
// model: a generic (point-like) target follows the r^4 radar equation, a
// planar reflector such as a liquid surface follows r^2.
func rcsExponent(shape ReflectorShape) float64 {
	if shape == ReflectorPlanar {
		return 2.0
	}
	return 4.0
}

// strengthDB converts a peak amplitude at range r into reflective strength.
// The same model, inverted, turns a fixed-strength threshold target back
// into per-point amplitudes, which keeps reported strengths and the
// fixed-strength threshold consistent with each other.
func strengthDB(amp, r float64, sub Subsweep, shape ReflectorShape) float64 {
	if r < BasePointLength {
		r = BasePointLength
	}
	if amp <= 0 {
		return math.Inf(-1)
	}
	k := rcsExponent(shape)
	return 20*math.Log10(amp/strengthNorm(sub)) + 10*k*math.Log10(r)
}

// amplitudeForStrength inverts strengthDB: the amplitude a reflector of the
// given strength produces at range r.
func amplitudeForStrength(db, r float64, sub Subsweep, shape ReflectorShape) float64 {
	if r < BasePointLength {
		r = BasePointLength
	}
	k := rcsExponent(shape)
	return strengthNorm(sub) * math.Pow(10, db/20) / math.Pow(r, k/2)
}

// marginFactor scales margin width from the threshold sensitivity. It is
// shared by every method so sensitivity acts uniformly: s -> 1 shrinks the
// margin (lower threshold, more detections), s -> 0 widens it.
func marginFactor(sensitivity float64) float64 {
	return 1 + 9*(1-sensitivity)
}

// CFAR geometry. The guard region excludes the pulse envelope of the point
// under test; the reference window beyond it estimates the local clutter
// level.
func cfarGeometry(sub Subsweep) (guard, window int) {
	stepM := float64(sub.StepLength) * BasePointLength
	guard = int(math.Ceil(envelopeFWHM[sub.Profile] / (2 * stepM)))
	if guard < 1 {
		guard = 1
	}
	window = 2 * guard
	if window < 4 {
		window = 4
	}
	return guard, window
}

// thresholdCurve produces one threshold value per profile point for the
// active method. Entries set to NaN are undefined: the method cannot be
// applied there (CFAR at the profile edges) and the peak extractor's edge
// policy owns those points.
func (d *Detector) thresholdCurve(amp []float64, cal staticCal, dyn *DynamicCal) []float64 {
	cfg := d.cfg
	n := len(amp)
	thr := make([]float64, n)
	s := cfg.ThresholdSensitivity()
	margin := marginFactor(s)
	noise := cal.noiseFloor

	switch cfg.ThresholdMethod() {
	case ThresholdFixedAmplitude:
		base := cfg.FixedAmplitude()
		for i := range thr {
			thr[i] = base + noise*(margin-1)*0.1
		}

	case ThresholdFixedStrength:
		target := cfg.FixedStrength()
		for i := range thr {
			sub := subsweepAt(d.subs, d.md, i)
			r := distanceAt(d.subs, d.md, i)
			thr[i] = amplitudeForStrength(target, r, sub, cfg.ReflectorShape()) + noise*(margin-1)*0.1
		}

	case ThresholdRecorded:
		for i := range thr {
			spread := cal.spread[i]
			if spread < noise*0.1 {
				spread = noise * 0.1
			}
			thr[i] = cal.mean[i] + margin*spread
		}

	case ThresholdCFAR:
		for i := range thr {
			thr[i] = math.NaN()
		}
		// CFAR runs per subsweep: the reference window must not leak across
		// a profile change.
		for k, sub := range d.subs {
			off := d.md.SubsweepOffset[k]
			length := d.md.SubsweepLength[k]
			guard, window := cfarGeometry(sub)
			lo := off + guard + window
			hi := off + length - 1 - guard - window
			for i := lo; i <= hi; i++ {
				left := amp[i-guard-window : i-guard]
				right := amp[i+guard+1 : i+guard+window+1]
				ref := (floats.Sum(left) + floats.Sum(right)) / float64(len(left)+len(right))
				thr[i] = ref * (1 + 0.25*margin)
			}
		}
	}
	return thr
}
