package traffic

import (
	"math"
	"time"

	"gocv.io/x/gocv"
)

// VehicleClass is the detector's vehicle category.
type VehicleClass string

const (
	ClassCar        VehicleClass = "car"
	ClassMotorcycle VehicleClass = "motorcycle"
	ClassBus        VehicleClass = "bus"
	ClassTruck      VehicleClass = "truck"
)

// BBox is an axis-aligned box in pixel coordinates, corners inclusive-exclusive.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Valid reports whether the box has positive extent in both dimensions.
func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

// Center returns the box center point.
func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// IoU computes intersection-over-union with another box.
// Returns 0 for disjoint or degenerate boxes.
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b.X1, o.X1)
	y1 := math.Max(b.Y1, o.Y1)
	x2 := math.Min(b.X2, o.X2)
	y2 := math.Min(b.Y2, o.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Pad grows the box by pad pixels on every side, clamped to the frame size.
func (b BBox) Pad(pad, frameW, frameH float64) BBox {
	return BBox{
		X1: math.Max(0, b.X1-pad),
		Y1: math.Max(0, b.Y1-pad),
		X2: math.Min(frameW, b.X2+pad),
		Y2: math.Min(frameH, b.Y2+pad),
	}
}

// Detection is one detector output for one frame. It has no identity
// across frames; identity is the tracker's job.
type Detection struct {
	Box        BBox         `json:"bbox"`
	Class      VehicleClass `json:"class"`
	Confidence float64      `json:"confidence"`
}

// Frame is one decoded video frame. Timestamp is frame-accurate,
// derived from Index and the declared source fps, never wall clock.
// The Mat is owned by whichever stage currently holds the frame;
// stages that retain pixels past their own scope must Clone.
type Frame struct {
	Index     int64
	Timestamp float64
	Mat       gocv.Mat
}

// Clone returns a deep copy of the frame with its own pixel buffer.
func (f Frame) Clone() Frame {
	return Frame{Index: f.Index, Timestamp: f.Timestamp, Mat: f.Mat.Clone()}
}

// Close releases the underlying pixel buffer.
func (f *Frame) Close() {
	if f.Mat.Ptr() != nil {
		f.Mat.Close()
	}
}

// TrackedObject is what the tracker exposes downstream for one confirmed
// vehicle on one frame.
type TrackedObject struct {
	TrackID    int64
	Box        BBox
	Class      VehicleClass
	Confidence float64
	FrameIndex int64
	Timestamp  float64
}

// PlateResult is one candidate readout from the plate adapter. The adapter
// is not trusted to validate; callers check Text against the configured
// plate pattern.
type PlateResult struct {
	Text       string  `json:"text"`
	Box        BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
}

// ViolationEvent is created exactly once per violation episode by the gate.
type ViolationEvent struct {
	TrackID    int64        `json:"track_id"`
	Plate      string       `json:"plate,omitempty"`
	Class      VehicleClass `json:"vehicle_class"`
	Box        BBox         `json:"bbox"`
	Speed      float64      `json:"speed"`
	Limit      float64      `json:"speed_limit"`
	FrameIndex int64        `json:"frame_index"`
	Timestamp  float64      `json:"timestamp"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// EvidenceBundle ties one violation to the files substantiating it.
// VideoPath may be empty (video is best effort); VehicleImagePath is not.
type EvidenceBundle struct {
	ID               string
	Event            ViolationEvent
	Dir              string
	VehicleImagePath string
	PlateImagePath   string
	VideoPath        string
}

// ViolationStatus mirrors the persistence row status enum.
type ViolationStatus string

const (
	StatusPending ViolationStatus = "pending"
	StatusSent    ViolationStatus = "sent"
	StatusFailed  ViolationStatus = "failed"
)
