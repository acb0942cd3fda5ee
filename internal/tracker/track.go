package tracker

import (
	"math"

	"speedcam-service/internal/domain/traffic"
)

// State is the lifecycle state of one track.
type State int

const (
	StateNew State = iota
	StateTracked
	StateLost
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateTracked:
		return "tracked"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// snapDistance is the corner-space distance past which a matched detection
// replaces the filtered position outright instead of being blended. Keeps
// the box glued to fast vehicles at the cost of a little smoothness.
const snapDistance = 30.0

// Track is the tracker's persistent identity for one physical vehicle.
// A track id maps to at most one vehicle for its lifetime; once removed it
// is never revived.
type Track struct {
	ID         int64
	Class      traffic.VehicleClass
	Confidence float64

	state State
	kf    *boxKalman
	box   traffic.BBox

	// Hits counts consecutive successful matches; the tracker only exposes
	// tracks with Hits >= MinHits to suppress one-frame flickers.
	Hits            int
	StartFrame      int64
	LastUpdateFrame int64
}

func newTrack(id int64, det traffic.Detection, frameIndex int64) *Track {
	return &Track{
		ID:              id,
		Class:           det.Class,
		Confidence:      det.Confidence,
		state:           StateNew,
		kf:              newBoxKalman(det.Box),
		box:             det.Box,
		Hits:            1,
		StartFrame:      frameIndex,
		LastUpdateFrame: frameIndex,
	}
}

func (t *Track) State() State      { return t.state }
func (t *Track) Box() traffic.BBox { return t.box }

// predict advances the filter one frame and returns the predicted box.
// A degenerate or non-finite prediction marks the track lost and keeps the
// last known box, so one bad filter state never propagates NaNs downstream.
func (t *Track) predict() traffic.BBox {
	t.kf.predict()
	pred := t.kf.box()
	if !t.kf.healthy() || !pred.Valid() {
		t.markLost()
		return t.box
	}
	t.box = pred
	return pred
}

// update absorbs a matched detection.
func (t *Track) update(det traffic.Detection, frameIndex int64) {
	if err := t.kf.correct(det.Box); err != nil {
		// numerically degenerate filter: trust the detection
		t.kf.forceState(det.Box)
		t.box = det.Box
	} else if cornerDistance(t.kf.box(), det.Box) > snapDistance {
		t.kf.forceState(det.Box)
		t.box = det.Box
	} else {
		t.box = t.kf.box()
	}

	t.Class = det.Class
	t.Confidence = det.Confidence
	t.LastUpdateFrame = frameIndex
	t.Hits++
	t.state = StateTracked
}

func (t *Track) markLost() {
	if t.state != StateRemoved {
		t.state = StateLost
	}
}

func (t *Track) markRemoved() {
	t.state = StateRemoved
}

func cornerDistance(a, b traffic.BBox) float64 {
	dx1 := a.X1 - b.X1
	dy1 := a.Y1 - b.Y1
	dx2 := a.X2 - b.X2
	dy2 := a.Y2 - b.Y2
	return math.Sqrt(dx1*dx1 + dy1*dy1 + dx2*dx2 + dy2*dy2)
}
