package tracker

import (
	"github.com/rs/zerolog"

	"speedcam-service/internal/domain/traffic"
)

// Config tunes detection-to-track association and track lifecycle.
type Config struct {
	// MatchThreshold is the minimum IoU for an accepted match.
	MatchThreshold float64
	// NewTrackConf is the minimum confidence for an unmatched detection
	// to spawn a new track.
	NewTrackConf float64
	// MaxAge is how many frames a lost track keeps coasting before removal.
	MaxAge int
	// MinHits is how many consecutive matches a track needs before it is
	// exposed downstream.
	MinHits int
}

// confTieBreak nudges assignment cost so that detections tying on IoU for
// the same track resolve toward the higher confidence one. Small enough to
// never outweigh a real IoU difference.
const confTieBreak = 1e-6

// Result is the outcome of one tracker step.
type Result struct {
	// Active holds confirmed tracks, the only ones downstream stages see.
	Active []traffic.TrackedObject
	// Removed lists track ids pruned this frame so per-track state elsewhere
	// (speed history, evidence buffers) can be released.
	Removed []int64
}

// Tracker is a ByteTrack-style multi-object tracker: per-track Kalman
// prediction, IoU association solved by minimum-cost assignment, and a
// New/Tracked/Lost/Removed lifecycle. It is not safe for concurrent use;
// the pipeline feeds it frames strictly in index order from one goroutine.
type Tracker struct {
	cfg    Config
	log    zerolog.Logger
	tracks []*Track
	nextID int64
}

func New(cfg Config, log zerolog.Logger) *Tracker {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30
	}
	if cfg.MinHits <= 0 {
		cfg.MinHits = 3
	}
	return &Tracker{
		cfg:    cfg,
		log:    log.With().Str("component", "tracker").Logger(),
		nextID: 1,
	}
}

// Update runs one predict/associate/update/prune cycle for a frame.
func (t *Tracker) Update(frameIndex int64, timestamp float64, dets []traffic.Detection) Result {
	// 1. predict: coast every live track one frame forward
	candidates := make([]*Track, 0, len(t.tracks))
	for _, tr := range t.tracks {
		tr.predict()
		if tr.State() == StateRemoved {
			continue
		}
		candidates = append(candidates, tr)
	}

	// 2. associate
	matchedDet := make([]bool, len(dets))
	matchedTrack := make(map[*Track]bool, len(candidates))

	if len(candidates) > 0 && len(dets) > 0 {
		cost := make([][]float64, len(candidates))
		for i, tr := range candidates {
			cost[i] = make([]float64, len(dets))
			for j, det := range dets {
				iou := tr.Box().IoU(det.Box)
				cost[i][j] = 1 - iou - confTieBreak*det.Confidence
			}
		}
		rowMatch := solveAssignment(cost)
		for i, j := range rowMatch {
			if j < 0 {
				continue
			}
			if candidates[i].Box().IoU(dets[j].Box) < t.cfg.MatchThreshold {
				continue
			}
			candidates[i].update(dets[j], frameIndex)
			matchedDet[j] = true
			matchedTrack[candidates[i]] = true
		}
	}

	// 3. unmatched tracks coast as lost; unmatched confident detections
	// spawn new tracks
	for _, tr := range candidates {
		if !matchedTrack[tr] {
			tr.markLost()
		}
	}
	for j, det := range dets {
		if matchedDet[j] || det.Confidence < t.cfg.NewTrackConf || !det.Box.Valid() {
			continue
		}
		tr := newTrack(t.nextID, det, frameIndex)
		t.nextID++
		t.tracks = append(t.tracks, tr)
		t.log.Debug().
			Int64("track_id", tr.ID).
			Str("class", string(det.Class)).
			Float64("confidence", det.Confidence).
			Msg("new track")
	}

	// 4. prune
	var removed []int64
	kept := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.State() == StateLost && frameIndex-tr.LastUpdateFrame > int64(t.cfg.MaxAge) {
			tr.markRemoved()
		}
		if tr.State() == StateRemoved {
			removed = append(removed, tr.ID)
			continue
		}
		kept = append(kept, tr)
	}
	t.tracks = kept
	if len(removed) > 0 {
		t.log.Debug().Ints64("track_ids", removed).Msg("pruned tracks")
	}

	// 5. expose confirmed tracks only
	active := make([]traffic.TrackedObject, 0, len(t.tracks))
	for _, tr := range t.tracks {
		if tr.State() != StateTracked || tr.Hits < t.cfg.MinHits {
			continue
		}
		active = append(active, traffic.TrackedObject{
			TrackID:    tr.ID,
			Box:        tr.Box(),
			Class:      tr.Class,
			Confidence: tr.Confidence,
			FrameIndex: frameIndex,
			Timestamp:  timestamp,
		})
	}
	return Result{Active: active, Removed: removed}
}

// TrackCount returns the number of live (not removed) tracks.
func (t *Tracker) TrackCount() int {
	return len(t.tracks)
}
