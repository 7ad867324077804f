package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointsToMeter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, PointsToMeter(0))
	assert.InDelta(t, 0.2, PointsToMeter(80), 1e-12)
	assert.InDelta(t, 2.5e-3, PointsToMeter(1), 1e-12)
	assert.InDelta(t, -0.1, PointsToMeter(-40), 1e-12)
}

func TestMeterToPoints(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(0), MeterToPoints(0))
	assert.Equal(t, int32(80), MeterToPoints(0.2))
	assert.Equal(t, int32(1200), MeterToPoints(3.0))

	t.Run("rounds to nearest point", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, int32(1), MeterToPoints(0.0024))
		assert.Equal(t, int32(0), MeterToPoints(0.0012))
	})

	t.Run("round trips whole points", func(t *testing.T) {
		t.Parallel()
		for _, p := range []int32{1, 40, 80, 1200, 9720} {
			assert.Equal(t, p, MeterToPoints(PointsToMeter(p)))
		}
	})
}
