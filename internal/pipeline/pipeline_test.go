package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
	"speedcam-service/internal/evidence"
	"speedcam-service/internal/speed"
	"speedcam-service/internal/tracker"
	"speedcam-service/internal/utils"
	"speedcam-service/internal/video"
	"speedcam-service/internal/violation"
)

// fakeSource emits a fixed number of synthetic frames at a declared fps.
type fakeSource struct {
	frames int64
	next   int64
	fps    float64
}

func (s *fakeSource) Read() (traffic.Frame, error) {
	if s.next >= s.frames {
		return traffic.Frame{}, video.ErrEndOfStream
	}
	idx := s.next
	s.next++
	return traffic.Frame{
		Index:     idx,
		Timestamp: float64(idx) / s.fps,
		Mat:       gocv.NewMatWithSize(360, 640, gocv.MatTypeCV8UC3),
	}, nil
}

func (s *fakeSource) FPS() float64       { return s.fps }
func (s *fakeSource) TotalFrames() int64 { return s.frames }
func (s *fakeSource) Path() string       { return "testdata/source.mp4" }
func (s *fakeSource) Close() error       { return nil }

// scriptedDetector returns detections as a function of frame index.
type scriptedDetector struct {
	script func(frameIndex int64) []traffic.Detection
	errOn  map[int64]bool
}

func (d *scriptedDetector) Detect(frame traffic.Frame) ([]traffic.Detection, error) {
	if d.errOn[frame.Index] {
		return nil, errors.New("inference backend unavailable")
	}
	return d.script(frame.Index), nil
}

func (d *scriptedDetector) Close() error { return nil }

// movingVehicle scripts one car sliding right at a constant pixel velocity.
func movingVehicle(pxPerFrame float64) func(int64) []traffic.Detection {
	return func(idx int64) []traffic.Detection {
		x := 10 + pxPerFrame*float64(idx)
		return []traffic.Detection{{
			Box:        traffic.BBox{X1: x, Y1: 100, X2: x + 40, Y2: 140},
			Class:      traffic.ClassCar,
			Confidence: 0.9,
		}}
	}
}

type fallbackSelector struct{}

func (fallbackSelector) Best(_ []traffic.Frame, _ traffic.BBox, fallback traffic.Frame) traffic.Frame {
	return fallback
}

type fakePlateReader struct {
	text string
	conf float64
}

func (r *fakePlateReader) Read(_ context.Context, _ traffic.Frame) ([]traffic.PlateResult, error) {
	if r.text == "" {
		return nil, nil
	}
	return []traffic.PlateResult{{
		Text:       r.text,
		Confidence: r.conf,
		Box:        traffic.BBox{X1: 5, Y1: 5, X2: 35, Y2: 15},
	}}, nil
}

type fakeAssembler struct {
	mu        sync.Mutex
	assembled []traffic.ViolationEvent
	cleanups  int
	clipOK    bool
}

func (a *fakeAssembler) Assemble(_ context.Context, req evidence.Request) (*traffic.EvidenceBundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assembled = append(a.assembled, req.Event)
	b := &traffic.EvidenceBundle{
		ID:               "00000000-0000-0000-0000-000000000001",
		Event:            req.Event,
		Dir:              "violations/2026-08-31/test",
		VehicleImagePath: "violations/2026-08-31/test/vehicle.jpg",
		PlateImagePath:   "violations/2026-08-31/test/plate.jpg",
	}
	if a.clipOK {
		b.VideoPath = "violations/2026-08-31/test/clip.mp4"
	}
	return b, nil
}

func (a *fakeAssembler) Cleanup(_ *traffic.EvidenceBundle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleanups++
}

type fakeSink struct {
	mu       sync.Mutex
	recorded []*traffic.EvidenceBundle
	err      error
}

func (s *fakeSink) Record(_ context.Context, bundle *traffic.EvidenceBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.recorded = append(s.recorded, bundle)
	return nil
}

func testDeps(t *testing.T, det *scriptedDetector, asm *fakeAssembler, sink *fakeSink) Deps {
	t.Helper()
	log := zerolog.Nop()
	validator, err := utils.NewPlateValidator(`^[0-9]{2}[A-Z][0-9]{5}$`)
	require.NoError(t, err)

	buf := evidence.NewBuffer(90, time.Minute, log)
	t.Cleanup(buf.Close)

	return Deps{
		Source:    &fakeSource{frames: 60, fps: 30},
		Detector:  det,
		Tracker:   tracker.New(tracker.Config{MatchThreshold: 0.3, NewTrackConf: 0.5, MaxAge: 30, MinHits: 3}, log),
		Estimator: speed.NewEstimator(0.13, 0.75, 8),
		Gate:      violation.NewGate(3*time.Second, validator, log),
		Buffer:    buf,
		Selector:  fallbackSelector{},
		Assembler: asm,
		Plates:    &fakePlateReader{text: "34A12345", conf: 0.92},
		Validator: validator,
		Sink:      sink,
	}
}

func runPipeline(t *testing.T, deps Deps) *Pipeline {
	t.Helper()
	p := New(Options{SpeedLimit: 40, DetectQueueSize: 128}, deps, zerolog.Nop())
	require.NoError(t, p.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.Stop()
		t.Fatal("pipeline did not finish")
	}
	return p
}

// A vehicle speeding continuously across sixty frames must yield exactly
// one recorded violation; every later over-limit frame for the same track
// is a duplicate.
func TestPipelineRecordsSingleViolation(t *testing.T) {
	det := &scriptedDetector{script: movingVehicle(6)}
	asm := &fakeAssembler{clipOK: true}
	sink := &fakeSink{}

	runPipeline(t, testDeps(t, det, asm, sink))

	require.Len(t, sink.recorded, 1)
	bundle := sink.recorded[0]
	assert.Equal(t, "34A12345", bundle.Event.Plate)
	assert.Greater(t, bundle.Event.Speed, 40.0)
	assert.Equal(t, 40.0, bundle.Event.Limit)
	assert.NotEmpty(t, bundle.VideoPath)
	assert.Equal(t, 0, asm.cleanups)
}

// A vehicle under the limit never reaches the evidence stage.
func TestPipelineIgnoresCompliantVehicle(t *testing.T) {
	// 1 px/frame at 0.13 m/px and 30 fps is about 14 km/h
	det := &scriptedDetector{script: movingVehicle(1)}
	asm := &fakeAssembler{clipOK: true}
	sink := &fakeSink{}

	runPipeline(t, testDeps(t, det, asm, sink))

	assert.Empty(t, sink.recorded)
	assert.Empty(t, asm.assembled)
}

// When persistence rejects the bundle, the evidence files are rolled back
// and nothing is recorded.
func TestPipelineRollsBackRejectedEvidence(t *testing.T) {
	det := &scriptedDetector{script: movingVehicle(6)}
	asm := &fakeAssembler{clipOK: true}
	sink := &fakeSink{err: errors.New("incomplete evidence: plate still missing")}

	runPipeline(t, testDeps(t, det, asm, sink))

	assert.Empty(t, sink.recorded)
	require.NotEmpty(t, asm.assembled)
	assert.Equal(t, len(asm.assembled), asm.cleanups)
}

// Intermittent detector failures degrade to empty frames, never kill the
// pipeline, and the track survives the gaps.
func TestPipelineSurvivesDetectorErrors(t *testing.T) {
	det := &scriptedDetector{
		script: movingVehicle(6),
		errOn:  map[int64]bool{10: true, 11: true, 25: true},
	}
	asm := &fakeAssembler{clipOK: true}
	sink := &fakeSink{}

	runPipeline(t, testDeps(t, det, asm, sink))

	require.Len(t, sink.recorded, 1)
}

// A missing plate readout still produces a violation keyed by track.
func TestPipelineRecordsViolationWithoutPlate(t *testing.T) {
	det := &scriptedDetector{script: movingVehicle(6)}
	asm := &fakeAssembler{clipOK: true}
	sink := &fakeSink{}

	deps := testDeps(t, det, asm, sink)
	deps.Plates = &fakePlateReader{}

	runPipeline(t, deps)

	require.Len(t, sink.recorded, 1)
	assert.Empty(t, sink.recorded[0].Event.Plate)
}

func TestPipelineStageStatesSettle(t *testing.T) {
	det := &scriptedDetector{script: movingVehicle(1)}
	asm := &fakeAssembler{}
	sink := &fakeSink{}

	p := runPipeline(t, testDeps(t, det, asm, sink))

	for name, state := range p.StageStates() {
		assert.Equalf(t, "stopped", state, "stage %s", name)
	}
}
