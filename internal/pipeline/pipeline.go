package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/detect"
	"speedcam-service/internal/domain/traffic"
	"speedcam-service/internal/evidence"
	"speedcam-service/internal/metrics"
	"speedcam-service/internal/plate"
	"speedcam-service/internal/speed"
	"speedcam-service/internal/tracker"
	"speedcam-service/internal/utils"
	"speedcam-service/internal/video"
	"speedcam-service/internal/violation"
)

// FrameSource abstracts the decoder so tests can feed synthetic frames.
// video.Source is the production implementation.
type FrameSource interface {
	Read() (traffic.Frame, error)
	FPS() float64
	TotalFrames() int64
	Path() string
	Close() error
}

// FrameSelector picks the still-evidence frame for a violation.
type FrameSelector interface {
	Best(candidates []traffic.Frame, box traffic.BBox, fallback traffic.Frame) traffic.Frame
}

// Assembler produces and rolls back evidence files.
type Assembler interface {
	Assemble(ctx context.Context, req evidence.Request) (*traffic.EvidenceBundle, error)
	Cleanup(bundle *traffic.EvidenceBundle)
}

// EvidenceSink is the persistence/notification boundary. Record must
// reject bundles lacking both a valid plate and a plate image; on any
// error the pipeline rolls the files back.
type EvidenceSink interface {
	Record(ctx context.Context, bundle *traffic.EvidenceBundle) error
}

// Options tunes the orchestrator.
type Options struct {
	SpeedLimit float64
	// DetectEvery runs the detector on every Nth frame.
	DetectEvery int
	// PlateMinConf rejects low-confidence plate readouts.
	PlateMinConf float64
	// DetectQueueSize absorbs short decode bursts; overflow drops oldest.
	DetectQueueSize int
	// ViolationQueueSize bounds in-flight violations; overflow blocks.
	ViolationQueueSize int
	// SweepEvery is the frame interval between evidence-buffer sweeps.
	SweepEvery int64
}

func (o *Options) defaults() {
	if o.DetectEvery <= 0 {
		o.DetectEvery = 1
	}
	if o.DetectQueueSize <= 0 {
		o.DetectQueueSize = 32
	}
	if o.ViolationQueueSize <= 0 {
		o.ViolationQueueSize = 16
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30
	}
}

// Deps are the stage collaborators, owned by the orchestrator and handed
// into each stage; no stage reaches into another stage's private state.
type Deps struct {
	Source    FrameSource
	Detector  detect.Adapter
	Tracker   *tracker.Tracker
	Estimator *speed.Estimator
	Gate      *violation.Gate
	Buffer    *evidence.Buffer
	Selector  FrameSelector
	Assembler Assembler
	Plates    plate.Reader
	Validator *utils.PlateValidator
	Sink      EvidenceSink
}

// violationJob carries one fired violation to the evidence stage, with a
// copy of the frame it fired on as the selector fallback.
type violationJob struct {
	event traffic.ViolationEvent
	frame traffic.Frame
	box   traffic.BBox
}

// Pipeline wires source → detect/track → evidence workers through bounded
// queues. One goroutine per stage; cancellation propagates top-down, each
// stage drains its input and closes its output so shutdown is bounded.
type Pipeline struct {
	opts Options
	deps Deps
	log  zerolog.Logger

	detectQ    *Queue[traffic.Frame]
	violationQ *Queue[violationJob]

	stages []*stage
	cancel context.CancelFunc
	wg     sync.WaitGroup

	previewMu sync.Mutex
	preview   traffic.Frame
	hasPrev   bool

	started bool
}

func New(opts Options, deps Deps, log zerolog.Logger) *Pipeline {
	opts.defaults()
	p := &Pipeline{
		opts:       opts,
		deps:       deps,
		log:        log.With().Str("component", "pipeline").Logger(),
		detectQ:    NewQueue[traffic.Frame](opts.DetectQueueSize),
		violationQ: NewQueue[violationJob](opts.ViolationQueueSize),
	}
	p.stages = []*stage{
		newStage("source", p.log, p.runSource),
		newStage("track", p.log, p.runTrack),
		newStage("evidence", p.log, p.runEvidence),
	}
	return p
}

// Start launches all stage workers. Stages start downstream-first so every
// consumer is pulling before the source produces.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.started {
		return errors.New("pipeline already started")
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := len(p.stages) - 1; i >= 0; i-- {
		p.stages[i].start(ctx, &p.wg)
	}
	p.log.Info().
		Float64("speed_limit", p.opts.SpeedLimit).
		Int("detect_every", p.opts.DetectEvery).
		Msg("pipeline started")
	return nil
}

// Stop cancels the source and lets downstream stages drain.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait blocks until every stage has exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.releasePreview()
}

// StageStates snapshots each stage's lifecycle state.
func (p *Pipeline) StageStates() map[string]string {
	states := make(map[string]string, len(p.stages))
	for _, s := range p.stages {
		states[s.name] = s.State().String()
	}
	return states
}

// runSource decodes at maximum throughput and fans out. The preview slot
// is overwritten, and the detection queue drops its oldest entry rather
// than ever blocking the decoder.
func (p *Pipeline) runSource(ctx context.Context) {
	defer p.detectQ.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := p.deps.Source.Read()
		if err != nil {
			if errors.Is(err, video.ErrEndOfStream) {
				p.log.Info().Msg("source exhausted")
			} else {
				p.log.Error().Err(err).Msg("source read failed")
			}
			return
		}
		metrics.FramesDecoded.Inc()

		p.updatePreview(frame)

		if frame.Index%int64(p.opts.DetectEvery) != 0 {
			frame.Close()
			continue
		}
		p.detectQ.PushDropOldest(frame, func(old traffic.Frame) {
			old.Close()
			metrics.FramesDropped.WithLabelValues("detect").Inc()
		})
	}
}

// runTrack consumes frames in strict index order: detect, associate,
// estimate speed, feed evidence buffers, and fire the violation gate.
func (p *Pipeline) runTrack(ctx context.Context) {
	defer p.violationQ.Close()

	var lastSweep int64
	for frame := range p.detectQ.Chan() {
		dets, err := p.deps.Detector.Detect(frame)
		if err != nil {
			// detector failure means no detections this frame, never fatal
			p.log.Warn().Err(err).Int64("frame_index", frame.Index).Msg("detector failed")
			metrics.DetectorErrors.Inc()
			dets = nil
		}
		metrics.DetectionsTotal.Add(float64(len(dets)))

		res := p.deps.Tracker.Update(frame.Index, frame.Timestamp, dets)
		metrics.ActiveTracks.Set(float64(p.deps.Tracker.TrackCount()))

		for _, id := range res.Removed {
			p.deps.Estimator.RemoveTrack(id)
			p.deps.Buffer.Remove(id)
		}

		for _, obj := range res.Active {
			p.deps.Buffer.Append(obj.TrackID, frame)

			kmh, ok := p.deps.Estimator.Update(obj.TrackID, obj.Box, obj.Timestamp)
			if !ok {
				continue
			}

			switch p.deps.Gate.Evaluate(obj.TrackID, "", kmh, p.opts.SpeedLimit) {
			case violation.NewViolation:
				metrics.ViolationsTotal.Inc()
				job := violationJob{
					event: traffic.ViolationEvent{
						TrackID:    obj.TrackID,
						Class:      obj.Class,
						Box:        obj.Box,
						Speed:      kmh,
						Limit:      p.opts.SpeedLimit,
						FrameIndex: frame.Index,
						Timestamp:  frame.Timestamp,
						OccurredAt: time.Now(),
					},
					frame: frame.Clone(),
					box:   obj.Box,
				}
				if !p.violationQ.Push(ctx, job) {
					// shutting down; the job never entered the queue
					job.frame.Close()
				}
			case violation.Duplicate:
				metrics.DuplicatesSuppressed.Inc()
			}
		}

		if frame.Index-lastSweep >= p.opts.SweepEvery {
			p.deps.Buffer.Sweep(time.Now())
			lastSweep = frame.Index
		}
		frame.Close()
	}
}

// runEvidence assembles and records evidence for each fired violation.
// Plate recognition and codec work happen here, off the tracking path and
// never under any lock.
func (p *Pipeline) runEvidence(ctx context.Context) {
	for job := range p.violationQ.Chan() {
		p.processViolation(ctx, job)
	}
}

func (p *Pipeline) processViolation(ctx context.Context, job violationJob) {
	defer job.frame.Close()

	candidates := p.deps.Buffer.Snapshot(job.event.TrackID)
	defer func() {
		for i := range candidates {
			candidates[i].Close()
		}
	}()

	best := p.deps.Selector.Best(candidates, job.box, job.frame)

	plateText, plateBox := p.readPlate(ctx, best, job.box)
	job.event.Plate = plateText
	if plateText != "" {
		p.deps.Gate.RecordPlate(job.event.TrackID, plateText)
	}

	bundle, err := p.deps.Assembler.Assemble(ctx, evidence.Request{
		Event:       job.event,
		BestFrame:   best,
		VehicleBox:  job.box,
		PlateBox:    plateBox,
		SourcePath:  p.deps.Source.Path(),
		FPS:         p.deps.Source.FPS(),
		TotalFrames: p.deps.Source.TotalFrames(),
	})
	if err != nil {
		p.log.Error().Err(err).
			Int64("track_id", job.event.TrackID).
			Msg("evidence assembly failed")
		metrics.EvidenceRollbacks.Inc()
		return
	}
	if bundle.VideoPath == "" {
		metrics.ClipFallbacks.Inc()
	}

	if err := p.deps.Sink.Record(ctx, bundle); err != nil {
		// incomplete or unpersistable evidence is never left on disk
		p.log.Warn().Err(err).
			Int64("track_id", job.event.TrackID).
			Str("plate", job.event.Plate).
			Msg("violation rejected, rolling back evidence")
		p.deps.Assembler.Cleanup(bundle)
		metrics.EvidenceRollbacks.Inc()
		return
	}

	p.log.Info().
		Int64("track_id", job.event.TrackID).
		Str("plate", job.event.Plate).
		Float64("speed", job.event.Speed).
		Str("dir", bundle.Dir).
		Msg("violation recorded")
}

// readPlate crops the vehicle region from the best frame and asks the
// plate adapter for candidates. Adapter failures and malformed readouts
// degrade to "no plate"; validation happens here, not in the adapter.
func (p *Pipeline) readPlate(ctx context.Context, best traffic.Frame, box traffic.BBox) (string, traffic.BBox) {
	if p.deps.Plates == nil {
		return "", traffic.BBox{}
	}

	w := float64(best.Mat.Cols())
	h := float64(best.Mat.Rows())
	region := box.Pad(10, w, h)
	if !region.Valid() {
		return "", traffic.BBox{}
	}

	crop := cropFrame(best, region)
	defer crop.Close()

	results, err := p.deps.Plates.Read(ctx, crop)
	if err != nil {
		p.log.Warn().Err(err).Msg("plate adapter failed")
		return "", traffic.BBox{}
	}

	bestConf := p.opts.PlateMinConf
	var text string
	var plateBox traffic.BBox
	for _, r := range results {
		if r.Confidence < bestConf {
			continue
		}
		if p.deps.Validator != nil && !p.deps.Validator.Valid(r.Text) {
			continue
		}
		bestConf = r.Confidence
		text = utils.NormalizePlate(r.Text)
		// map the readout box from crop space back to frame coordinates
		plateBox = traffic.BBox{
			X1: r.Box.X1 + region.X1,
			Y1: r.Box.Y1 + region.Y1,
			X2: r.Box.X2 + region.X1,
			Y2: r.Box.Y2 + region.Y1,
		}
	}
	return text, plateBox
}

func (p *Pipeline) updatePreview(frame traffic.Frame) {
	clone := frame.Clone()
	p.previewMu.Lock()
	if p.hasPrev {
		p.preview.Close()
	}
	p.preview = clone
	p.hasPrev = true
	p.previewMu.Unlock()
}

func (p *Pipeline) releasePreview() {
	p.previewMu.Lock()
	if p.hasPrev {
		p.preview.Close()
		p.hasPrev = false
	}
	p.previewMu.Unlock()
}

// PreviewJPEG encodes the most recent decoded frame for the live preview
// endpoint. Encoding happens on demand so idle previews cost nothing.
func (p *Pipeline) PreviewJPEG() ([]byte, bool) {
	p.previewMu.Lock()
	defer p.previewMu.Unlock()
	if !p.hasPrev {
		return nil, false
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, p.preview.Mat)
	if err != nil {
		return nil, false
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, true
}

func cropFrame(f traffic.Frame, box traffic.BBox) traffic.Frame {
	rect := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2))
	region := f.Mat.Region(rect)
	clone := region.Clone()
	region.Close()
	return traffic.Frame{Index: f.Index, Timestamp: f.Timestamp, Mat: clone}
}
