package speed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedcam-service/internal/domain/traffic"
)

func boxAt(x float64) traffic.BBox {
	return traffic.BBox{X1: x, Y1: 100, X2: x + 60, Y2: 140}
}

func TestNoEstimateUntilTwoSamples(t *testing.T) {
	e := NewEstimator(0.13, 0.75, 8)

	_, ok := e.Update(1, boxAt(10), 0)
	assert.False(t, ok)
	_, ok = e.Update(1, boxAt(14), 1.0/30)
	assert.True(t, ok)
}

// A constant pixel velocity corresponding to 60 km/h with calibration
// 0.13 m/px must converge to 60 within smoothing tolerance.
func TestConstantVelocityConverges(t *testing.T) {
	const (
		fps          = 30.0
		pixelToMeter = 0.13
		targetKmh    = 60.0
	)
	// px per frame for 60 km/h: (60/3.6) m/s / 0.13 m/px / 30 fps
	pxPerFrame := targetKmh / 3.6 / pixelToMeter / fps

	e := NewEstimator(pixelToMeter, 0.75, 8)

	var est float64
	var ok bool
	for i := 0; i < 30; i++ {
		est, ok = e.Update(7, boxAt(float64(i)*pxPerFrame), float64(i)/fps)
	}
	require.True(t, ok)
	assert.InDelta(t, targetKmh, est, 1.0)
}

func TestSmoothingDampsJitter(t *testing.T) {
	e := NewEstimator(0.1, 0.75, 8)

	// steady 10 px/frame, then one noisy 30 px jump
	var last float64
	for i := 0; i < 10; i++ {
		last, _ = e.Update(1, boxAt(float64(i*10)), float64(i)/30)
	}
	noisy, ok := e.Update(1, boxAt(float64(9*10+30)), 10.0/30)
	require.True(t, ok)

	raw := 30.0 * 0.1 * 30 * 3.6 // what the jump alone would imply
	assert.Less(t, noisy, raw, "EMA must pull the spike toward the running estimate")
	assert.Greater(t, noisy, last)
}

func TestNonPositiveDtKeepsEstimate(t *testing.T) {
	e := NewEstimator(0.13, 0.75, 8)

	e.Update(1, boxAt(0), 0)
	first, ok := e.Update(1, boxAt(10), 1.0/30)
	require.True(t, ok)

	repeat, ok := e.Update(1, boxAt(20), 1.0/30)
	assert.True(t, ok)
	assert.Equal(t, first, repeat)
}

func TestRemoveTrackBoundsMemory(t *testing.T) {
	e := NewEstimator(0.13, 0.75, 8)

	for id := int64(1); id <= 50; id++ {
		e.Update(id, boxAt(0), 0)
		e.Update(id, boxAt(5), 1.0/30)
	}
	assert.Equal(t, 50, e.TrackCount())

	for id := int64(1); id <= 50; id++ {
		e.RemoveTrack(id)
	}
	assert.Equal(t, 0, e.TrackCount())
}
