package detector

import (
	"math"
	"sort"
)

// MaxNumDistances caps the number of reported distances per frame.
const MaxNumDistances = 10

// Distance is one detected object: its range in meters and its reflective
// strength in dB under the configured reflector model.
type Distance struct {
	Distance float64
	Strength float64
}

// extractPeaks scans the stitched amplitude profile against the threshold
// curve. A candidate peak exceeds the threshold at its point and is a local
// maximum against its immediate neighbours, with amplitude ties broken
// toward the lower (closer) index. Sub-point position comes from quadratic
// interpolation through the point and its neighbours.
//
// The cap of MaxNumDistances is applied by the caller after sorting, never
// here: scan order must not decide which peaks survive truncation.
//
// nearStartEdge is raised instead of a peak when a strong candidate sits at
// or before the first point whose neighbourhood can confirm a true local
// maximum; reporting it as a distance would risk mistaking truncated
// leakage for an object.
func (d *Detector) extractPeaks(amp, thr []float64) (peaks []Distance, nearStartEdge bool) {
	n := len(amp)
	if n == 0 {
		return nil, false
	}

	firstDef := -1
	for i, t := range thr {
		if !math.IsNaN(t) {
			firstDef = i
			break
		}
	}
	if firstDef == -1 {
		return nil, false
	}

	// Edge policy. Points before the first confirmable index cannot be
	// resolved into peaks: index 0 has no closer neighbour, and leading
	// CFAR points have no reference window.
	firstConfirmable := firstDef
	if firstConfirmable < 1 {
		firstConfirmable = 1
	}
	thrRef := thr[firstDef]
	for i := 0; i < firstConfirmable && i < n; i++ {
		limit := thrRef
		if !math.IsNaN(thr[i]) {
			limit = thr[i]
		}
		if amp[i] > limit {
			if i+1 >= n || amp[i] >= amp[i+1] {
				nearStartEdge = true
			}
		}
	}

	shape := d.cfg.ReflectorShape()
	for i := firstConfirmable; i < n-1; i++ {
		if math.IsNaN(thr[i]) || amp[i] <= thr[i] {
			continue
		}
		if !(amp[i] > amp[i-1] && amp[i] >= amp[i+1]) {
			continue
		}

		sub := subsweepAt(d.subs, d.md, i)
		stepM := float64(sub.StepLength) * BasePointLength

		// Quadratic interpolation through (i-1, i, i+1).
		denom := amp[i-1] - 2*amp[i] + amp[i+1]
		delta := 0.0
		if denom < 0 {
			delta = 0.5 * (amp[i-1] - amp[i+1]) / denom
		}
		if delta > 0.5 {
			delta = 0.5
		} else if delta < -0.5 {
			delta = -0.5
		}
		dist := distanceAt(d.subs, d.md, i) + delta*stepM
		peakAmp := amp[i] - 0.25*(amp[i-1]-amp[i+1])*delta

		peaks = append(peaks, Distance{
			Distance: dist,
			Strength: strengthDB(peakAmp, dist, sub, shape),
		})
	}
	return peaks, nearStartEdge
}

// sortPeaks orders peaks per the configured mode and applies the result
// cap. Ties in strength break toward the closer distance.
func (d *Detector) sortPeaks(peaks []Distance) []Distance {
	switch d.cfg.PeakSorting() {
	case SortStrongest:
		sort.SliceStable(peaks, func(a, b int) bool {
			if peaks[a].Strength != peaks[b].Strength {
				return peaks[a].Strength > peaks[b].Strength
			}
			return peaks[a].Distance < peaks[b].Distance
		})
	default: // SortClosest
		sort.SliceStable(peaks, func(a, b int) bool {
			return peaks[a].Distance < peaks[b].Distance
		})
	}
	if len(peaks) > MaxNumDistances {
		peaks = peaks[:MaxNumDistances]
	}
	return peaks
}
