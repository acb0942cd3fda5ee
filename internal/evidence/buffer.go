package evidence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speedcam-service/internal/domain/traffic"
)

// ring is a fixed-capacity frame buffer. Oldest frames are overwritten and
// their pixel buffers released.
type ring struct {
	frames   []traffic.Frame
	head     int // next write position
	count    int
	lastSeen time.Time
}

func (r *ring) append(f traffic.Frame, now time.Time) {
	if r.count == len(r.frames) {
		r.frames[r.head].Close()
	} else {
		r.count++
	}
	r.frames[r.head] = f
	r.head = (r.head + 1) % len(r.frames)
	r.lastSeen = now
}

// ordered returns the buffered frames oldest first.
func (r *ring) ordered() []traffic.Frame {
	out := make([]traffic.Frame, 0, r.count)
	start := (r.head - r.count + len(r.frames)) % len(r.frames)
	for i := 0; i < r.count; i++ {
		out = append(out, r.frames[(start+i)%len(r.frames)])
	}
	return out
}

func (r *ring) release() {
	for _, f := range r.ordered() {
		f.Close()
	}
	r.head = 0
	r.count = 0
}

func (r *ring) len() int { return r.count }

// Buffer keeps a bounded ring of recent raw frames for every currently
// tracked vehicle, so that when a violation fires, frames from before the
// triggering frame are already on hand without re-reading the source.
//
// Rings are evicted when a track has seen no update for the timeout, even
// if the tracker has not formally removed it, bounding memory under
// tracker/decoder skew.
type Buffer struct {
	mu       sync.Mutex
	log      zerolog.Logger
	capacity int
	timeout  time.Duration
	rings    map[int64]*ring
}

func NewBuffer(capacity int, timeout time.Duration, log zerolog.Logger) *Buffer {
	if capacity <= 0 {
		capacity = 90
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Buffer{
		log:      log.With().Str("component", "evidence_buffer").Logger(),
		capacity: capacity,
		timeout:  timeout,
		rings:    make(map[int64]*ring),
	}
}

// Append clones the frame into the track's ring. The caller keeps ownership
// of its own copy.
func (b *Buffer) Append(trackID int64, frame traffic.Frame) {
	clone := frame.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[trackID]
	if !ok {
		r = &ring{frames: make([]traffic.Frame, b.capacity)}
		b.rings[trackID] = r
	}
	r.append(clone, time.Now())
}

// Snapshot returns clones of the track's buffered frames, oldest first.
// The caller owns the returned frames and must Close them.
func (b *Buffer) Snapshot(trackID int64) []traffic.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[trackID]
	if !ok {
		return nil
	}
	frames := r.ordered()
	out := make([]traffic.Frame, len(frames))
	for i, f := range frames {
		out[i] = f.Clone()
	}
	return out
}

// Remove releases the track's ring. Called when the tracker prunes the id.
func (b *Buffer) Remove(trackID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(trackID)
}

// Sweep evicts rings whose tracks have been idle past the timeout and
// returns the affected ids.
func (b *Buffer) Sweep(now time.Time) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []int64
	for id, r := range b.rings {
		if now.Sub(r.lastSeen) > b.timeout {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		b.dropLocked(id)
	}
	if len(evicted) > 0 {
		b.log.Debug().Ints64("track_ids", evicted).Msg("evicted idle evidence buffers")
	}
	return evicted
}

// Len reports how many frames are buffered for a track.
func (b *Buffer) Len(trackID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[trackID]; ok {
		return r.len()
	}
	return 0
}

// TrackCount reports how many tracks currently hold a ring.
func (b *Buffer) TrackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rings)
}

// Close releases every ring.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.rings {
		b.dropLocked(id)
	}
}

func (b *Buffer) dropLocked(trackID int64) {
	if r, ok := b.rings[trackID]; ok {
		r.release()
		delete(b.rings, trackID)
	}
}
