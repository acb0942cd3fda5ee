package evidence

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

func selectorFrame(t *testing.T, index int64) traffic.Frame {
	t.Helper()
	m := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	f := traffic.Frame{Index: index, Timestamp: float64(index) / 30, Mat: m}
	t.Cleanup(f.Close)
	return f
}

// fixedSharpness scores frames by index so tests control the ranking.
func fixedSharpness(scores map[int64]float64) SharpnessFunc {
	return func(f traffic.Frame, _ traffic.BBox) float64 {
		return scores[f.Index]
	}
}

func TestSharpestFrameWins(t *testing.T) {
	s := NewSelectorWithSharpness(fixedSharpness(map[int64]float64{
		0: 10, 1: 500, 2: 40,
	}), zerolog.Nop())

	candidates := []traffic.Frame{
		selectorFrame(t, 0), selectorFrame(t, 1), selectorFrame(t, 2),
	}
	box := traffic.BBox{X1: 280, Y1: 200, X2: 360, Y2: 280} // centered

	best := s.Best(candidates, box, selectorFrame(t, 99))
	assert.Equal(t, int64(1), best.Index)
}

func TestEmptyBufferFallsBack(t *testing.T) {
	s := NewSelectorWithSharpness(fixedSharpness(nil), zerolog.Nop())
	fallback := selectorFrame(t, 99)

	best := s.Best(nil, traffic.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}, fallback)
	assert.Equal(t, fallback.Index, best.Index)
}

func TestDegenerateBoxFallsBack(t *testing.T) {
	s := NewSelectorWithSharpness(fixedSharpness(nil), zerolog.Nop())
	fallback := selectorFrame(t, 99)

	best := s.Best([]traffic.Frame{selectorFrame(t, 0)}, traffic.BBox{}, fallback)
	assert.Equal(t, fallback.Index, best.Index)
}

func TestCentrality(t *testing.T) {
	centered := traffic.BBox{X1: 280, Y1: 200, X2: 360, Y2: 280}
	cornered := traffic.BBox{X1: 0, Y1: 0, X2: 80, Y2: 80}

	c1 := centrality(centered, 640, 480)
	c2 := centrality(cornered, 640, 480)
	require.Greater(t, c1, c2)
	assert.InDelta(t, 1.0, c1, 1e-9)

	// edge-clipped boxes take the flat penalty
	clipped := traffic.BBox{X1: 0, Y1: 200, X2: 80, Y2: 280}
	unclipped := traffic.BBox{X1: 1, Y1: 200, X2: 81, Y2: 280}
	assert.Less(t, centrality(clipped, 640, 480), centrality(unclipped, 640, 480))
}
