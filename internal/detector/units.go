package detector

import "math"

// BasePointLength is the distance between two adjacent measurement points in
// meters. All public distances are in meters; the sensor itself addresses
// the range as integer points of this pitch. The conversion carries no
// zero-point offset: point 0 is exactly 0.0 m.
const BasePointLength = 2.5e-3

// PointsToMeter converts a distance or step length in points to meters.
func PointsToMeter(points int32) float64 {
	return float64(points) * BasePointLength
}

// MeterToPoints converts a length in meters to the nearest whole point.
// MeterToPoints(PointsToMeter(p)) == p for any representable p.
func MeterToPoints(length float64) int32 {
	return int32(math.Round(length / BasePointLength))
}
