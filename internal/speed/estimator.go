package speed

import (
	"math"
	"sync"

	"speedcam-service/internal/domain/traffic"
)

type sample struct {
	ts float64
	cx float64
	cy float64
}

type history struct {
	samples []sample
	est     float64
	hasEst  bool
}

// Estimator turns per-track box centers into a smoothed km/h estimate.
// It keeps a short position FIFO per track and computes instantaneous speed
// from the two most recent frame-accurate timestamps, blended with the
// previous estimate to suppress detection-box jitter.
//
// Safe for concurrent use; in practice only the tracking stage calls it.
type Estimator struct {
	mu sync.Mutex

	pixelToMeter float64
	smoothing    float64
	maxHistory   int
	tracks       map[int64]*history
}

func NewEstimator(pixelToMeter, smoothing float64, maxHistory int) *Estimator {
	if maxHistory <= 0 || maxHistory > 10 {
		maxHistory = 8
	}
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.75
	}
	return &Estimator{
		pixelToMeter: pixelToMeter,
		smoothing:    smoothing,
		maxHistory:   maxHistory,
		tracks:       make(map[int64]*history),
	}
}

// Update records the track's position at the given frame timestamp and
// returns the current speed estimate in km/h. The second return is false
// until two samples exist for the track.
func (e *Estimator) Update(trackID int64, box traffic.BBox, timestamp float64) (float64, bool) {
	cx, cy := box.Center()

	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.tracks[trackID]
	if !ok {
		h = &history{}
		e.tracks[trackID] = h
	}

	h.samples = append(h.samples, sample{ts: timestamp, cx: cx, cy: cy})
	if len(h.samples) > e.maxHistory {
		h.samples = h.samples[len(h.samples)-e.maxHistory:]
	}
	if len(h.samples) < 2 {
		return 0, false
	}

	prev := h.samples[len(h.samples)-2]
	cur := h.samples[len(h.samples)-1]
	dt := cur.ts - prev.ts
	if dt <= 0 {
		// out-of-order or duplicate timestamp: keep the previous estimate
		return h.est, h.hasEst
	}

	dx := cur.cx - prev.cx
	dy := cur.cy - prev.cy
	distPx := math.Sqrt(dx*dx + dy*dy)
	kmh := distPx * e.pixelToMeter / dt * 3.6

	if h.hasEst {
		kmh = e.smoothing*kmh + (1-e.smoothing)*h.est
	}
	h.est = kmh
	h.hasEst = true
	return kmh, true
}

// RemoveTrack drops all state for a pruned track. Must be called when the
// tracker removes an id so memory stays bounded over long sessions.
func (e *Estimator) RemoveTrack(trackID int64) {
	e.mu.Lock()
	delete(e.tracks, trackID)
	e.mu.Unlock()
}

// TrackCount reports how many tracks currently hold history.
func (e *Estimator) TrackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}
