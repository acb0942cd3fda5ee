package evidence

import (
	"image"
	"math"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

// SharpnessFunc scores how sharp the crop of a frame at a box is.
// Higher is sharper. The production implementation is Laplacian variance.
type SharpnessFunc func(frame traffic.Frame, box traffic.BBox) float64

// Selector picks the still-evidence frame from a track's candidate buffer.
// Each candidate is scored by a weighted sum of sharpness, crop size and
// centrality; the max-scoring frame wins. Metrics are normalized against
// the best candidate so the weights stay comparable across resolutions.
type Selector struct {
	log       zerolog.Logger
	sharpness SharpnessFunc

	weightSharpness float64
	weightSize      float64
	weightCenter    float64
}

func NewSelector(log zerolog.Logger) *Selector {
	return &Selector{
		log:             log.With().Str("component", "frame_selector").Logger(),
		sharpness:       LaplacianVariance,
		weightSharpness: 0.5,
		weightSize:      0.3,
		weightCenter:    0.2,
	}
}

// NewSelectorWithSharpness lets tests swap the sharpness metric.
func NewSelectorWithSharpness(fn SharpnessFunc, log zerolog.Logger) *Selector {
	s := NewSelector(log)
	s.sharpness = fn
	return s
}

// Best returns the highest-scoring candidate for the box. When no candidate
// scores (empty buffer, degenerate crops) the fallback frame is returned.
// The returned frame aliases the input slice or the fallback; the caller
// keeps ownership of all of them.
func (s *Selector) Best(candidates []traffic.Frame, box traffic.BBox, fallback traffic.Frame) traffic.Frame {
	if len(candidates) == 0 || !box.Valid() {
		return fallback
	}

	sharp := make([]float64, len(candidates))
	size := make([]float64, len(candidates))
	center := make([]float64, len(candidates))
	var maxSharp, maxSize float64

	scored := false
	for i, f := range candidates {
		w := float64(f.Mat.Cols())
		h := float64(f.Mat.Rows())
		if w <= 0 || h <= 0 {
			sharp[i] = -1
			continue
		}
		clipped := box.Pad(0, w, h)
		if !clipped.Valid() {
			sharp[i] = -1
			continue
		}
		scored = true
		sharp[i] = math.Max(0, s.sharpness(f, clipped))
		size[i] = clipped.Area() / (w * h)
		center[i] = centrality(clipped, w, h)
		maxSharp = math.Max(maxSharp, sharp[i])
		maxSize = math.Max(maxSize, size[i])
	}
	if !scored {
		return fallback
	}

	bestIdx := -1
	bestScore := math.Inf(-1)
	for i := range candidates {
		if sharp[i] < 0 {
			continue
		}
		score := s.weightSize*safeDiv(size[i], maxSize) + s.weightCenter*center[i]
		score += s.weightSharpness * safeDiv(sharp[i], maxSharp)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return fallback
	}
	s.log.Debug().
		Int("candidates", len(candidates)).
		Int64("frame_index", candidates[bestIdx].Index).
		Float64("score", bestScore).
		Msg("selected evidence frame")
	return candidates[bestIdx]
}

// centrality is 1 at the exact frame center falling to 0 at the corners,
// with a flat penalty when the box is clipped by the frame edge.
func centrality(box traffic.BBox, frameW, frameH float64) float64 {
	cx, cy := box.Center()
	dx := (cx - frameW/2) / (frameW / 2)
	dy := (cy - frameH/2) / (frameH / 2)
	c := 1 - math.Min(1, math.Sqrt(dx*dx+dy*dy))

	if box.X1 <= 0 || box.Y1 <= 0 || box.X2 >= frameW || box.Y2 >= frameH {
		c *= 0.5
	}
	return c
}

func safeDiv(a, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return a / b
}

// LaplacianVariance measures crop sharpness as the variance of the
// Laplacian-filtered grayscale crop. Blurred crops score near zero.
func LaplacianVariance(frame traffic.Frame, box traffic.BBox) float64 {
	rect := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2))
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return 0
	}

	crop := frame.Mat.Region(rect)
	defer crop.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(crop, &gray, gocv.ColorBGRToGray)

	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	stddev := gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}
