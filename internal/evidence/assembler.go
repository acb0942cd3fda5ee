package evidence

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

const (
	vehiclePadding = 50
	platePadding   = 20
	jpegQuality    = 70
)

// codecChain is tried in order until a writer opens. mp4v is the
// universally available last resort.
var codecChain = []string{"avc1", "H264", "X264", "mp4v"}

var ErrNoCodec = errors.New("no video codec available")

// AssemblerConfig sizes the extraction window and locates outputs.
type AssemblerConfig struct {
	BaseDir     string
	PreSeconds  float64
	PostSeconds float64
	FFmpegPath  string
}

// Assembler produces the files substantiating one violation: a padded
// vehicle still, an optional plate still, and a best-effort video clip
// cut frame-accurately around the violation frame.
type Assembler struct {
	cfg AssemblerConfig
	log zerolog.Logger
}

func NewAssembler(cfg AssemblerConfig, log zerolog.Logger) *Assembler {
	if cfg.PreSeconds <= 0 {
		cfg.PreSeconds = 2
	}
	if cfg.PostSeconds <= 0 {
		cfg.PostSeconds = 3
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Assembler{
		cfg: cfg,
		log: log.With().Str("component", "evidence_assembler").Logger(),
	}
}

// clipWindow computes the [start, end) frame window around the violation
// frame, clamped to the stream bounds. Window length is pre+post frames
// except at stream edges.
func clipWindow(frameIndex int64, fps, preSeconds, postSeconds float64, totalFrames int64) (int64, int64) {
	pre := int64(fps * preSeconds)
	post := int64(fps * postSeconds)

	start := frameIndex - pre
	if start < 0 {
		start = 0
	}
	end := frameIndex + post
	if totalFrames > 0 && end > totalFrames {
		end = totalFrames
	}
	if end < start {
		end = start
	}
	return start, end
}

// Request carries everything needed to assemble evidence for one violation.
type Request struct {
	Event      traffic.ViolationEvent
	BestFrame  traffic.Frame
	VehicleBox traffic.BBox
	// PlateBox is within BestFrame; zero when no plate was localized.
	PlateBox traffic.BBox
	// SourcePath/FPS/TotalFrames describe the container the clip is cut from.
	SourcePath  string
	FPS         float64
	TotalFrames int64
}

// Assemble writes stills and the clip for one violation. Stills are
// mandatory: a still failure fails the whole bundle and removes the
// directory. The clip is best effort; codec exhaustion only logs a warning.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*traffic.EvidenceBundle, error) {
	bundle := &traffic.EvidenceBundle{
		ID:    uuid.NewString(),
		Event: req.Event,
	}

	folder := fmt.Sprintf("track-%d-%s", req.Event.TrackID, bundle.ID[:8])
	if req.Event.Plate != "" {
		folder = req.Event.Plate
	}
	dir := filepath.Join(a.cfg.BaseDir, req.Event.OccurredAt.Format("2006-01-02"), folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	bundle.Dir = dir

	vehiclePath := filepath.Join(dir, "vehicle.jpg")
	if err := saveCrop(req.BestFrame, req.VehicleBox, vehiclePadding, vehiclePath); err != nil {
		a.Cleanup(bundle)
		return nil, fmt.Errorf("save vehicle still: %w", err)
	}
	bundle.VehicleImagePath = vehiclePath

	if req.PlateBox.Valid() {
		platePath := filepath.Join(dir, "plate.jpg")
		if err := saveCrop(req.BestFrame, req.PlateBox, platePadding, platePath); err != nil {
			a.Cleanup(bundle)
			return nil, fmt.Errorf("save plate still: %w", err)
		}
		bundle.PlateImagePath = platePath
	}

	videoPath := filepath.Join(dir, "violation.mp4")
	if err := a.extractClip(ctx, req, videoPath); err != nil {
		// video evidence is best effort, stills are mandatory
		a.log.Warn().Err(err).
			Int64("track_id", req.Event.TrackID).
			Int64("frame_index", req.Event.FrameIndex).
			Msg("clip extraction failed, keeping stills only")
		_ = os.Remove(videoPath)
	} else {
		bundle.VideoPath = videoPath
	}

	return bundle, nil
}

// Cleanup removes every file written for the bundle. Used when plate
// validation ultimately fails: partial evidence is never retained.
func (a *Assembler) Cleanup(bundle *traffic.EvidenceBundle) {
	if bundle == nil || bundle.Dir == "" {
		return
	}
	if err := os.RemoveAll(bundle.Dir); err != nil {
		a.log.Error().Err(err).Str("dir", bundle.Dir).Msg("failed to remove evidence dir")
		return
	}
	a.log.Info().Str("dir", bundle.Dir).Msg("rolled back evidence files")
}

// extractClip prefers a lossless ffmpeg stream copy; when ffmpeg is missing
// or refuses the container it falls back to a frame-by-frame re-encode.
func (a *Assembler) extractClip(ctx context.Context, req Request, out string) error {
	start, end := clipWindow(req.Event.FrameIndex, req.FPS, a.cfg.PreSeconds, a.cfg.PostSeconds, req.TotalFrames)
	if end <= start || req.FPS <= 0 {
		return fmt.Errorf("empty extraction window [%d, %d)", start, end)
	}

	if err := a.streamCopy(ctx, req.SourcePath, out, start, end-start, req.FPS); err == nil {
		return nil
	} else {
		a.log.Debug().Err(err).Msg("stream copy unavailable, re-encoding")
	}
	return a.reencode(req.SourcePath, out, start, end-start, req.FPS)
}

func (a *Assembler) streamCopy(ctx context.Context, src, out string, startFrame, frames int64, fps float64) error {
	startSec := float64(startFrame) / fps
	durSec := float64(frames) / fps

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.cfg.FFmpegPath,
		"-y",
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-i", src,
		"-t", fmt.Sprintf("%.3f", durSec),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg stream copy: %w: %s", err, tail(string(output), 200))
	}
	if fi, err := os.Stat(out); err != nil || fi.Size() == 0 {
		return fmt.Errorf("ffmpeg produced no output")
	}
	return nil
}

func (a *Assembler) reencode(src, out string, startFrame, frames int64, fps float64) error {
	capture, err := gocv.OpenVideoCapture(src)
	if err != nil {
		return fmt.Errorf("open source container: %w", err)
	}
	defer capture.Close()

	capture.Set(gocv.VideoCapturePosFrames, float64(startFrame))
	width := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	if width <= 0 || height <= 0 {
		return fmt.Errorf("source reports %dx%d frame size", width, height)
	}

	writer, codec, err := openWriter(out, fps, width, height)
	if err != nil {
		return err
	}
	defer writer.Close()
	a.log.Debug().Str("codec", codec).Msg("re-encoding clip")

	frame := gocv.NewMat()
	defer frame.Close()

	for i := int64(0); i < frames; i++ {
		if ok := capture.Read(&frame); !ok || frame.Empty() {
			break
		}
		if err := writer.Write(frame); err != nil {
			return fmt.Errorf("write frame %d: %w", startFrame+i, err)
		}
	}
	return nil
}

// openWriter walks the codec preference list until one opens.
func openWriter(out string, fps float64, width, height int) (*gocv.VideoWriter, string, error) {
	for _, codec := range codecChain {
		writer, err := gocv.VideoWriterFile(out, codec, fps, width, height, true)
		if err != nil {
			continue
		}
		if writer.IsOpened() {
			return writer, codec, nil
		}
		writer.Close()
	}
	return nil, "", ErrNoCodec
}

// saveCrop writes the padded crop of the frame at the box as a JPEG.
func saveCrop(frame traffic.Frame, box traffic.BBox, padding float64, path string) error {
	w := float64(frame.Mat.Cols())
	h := float64(frame.Mat.Rows())
	padded := box.Pad(padding, w, h)
	if !padded.Valid() {
		return fmt.Errorf("degenerate crop region %+v", padded)
	}

	rect := image.Rect(int(padded.X1), int(padded.Y1), int(padded.X2), int(padded.Y2))
	crop := frame.Mat.Region(rect)
	defer crop.Close()

	if ok := gocv.IMWriteWithParams(path, crop, []int{gocv.IMWriteJpegQuality, jpegQuality}); !ok {
		return fmt.Errorf("imwrite %s failed", path)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
