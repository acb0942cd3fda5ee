package video

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

// ErrEndOfStream is returned by Read when the container is exhausted and
// looping is disabled.
var ErrEndOfStream = errors.New("end of stream")

// Config describes the source container.
type Config struct {
	Path string
	// FPS overrides the container's declared rate when > 0. The declared
	// rate is trusted for timestamps even when it does not match real
	// playback speed; offline processing is the primary target.
	FPS  float64
	Loop bool
}

// Source decodes a video sequentially at maximum throughput. No pacing:
// frames come out as fast as the decoder produces them, and timestamps are
// frame_index / fps rather than wall clock, so downstream timing stays
// frame-accurate regardless of processing speed.
type Source struct {
	cfg     Config
	log     zerolog.Logger
	capture *gocv.VideoCapture
	buf     gocv.Mat

	fps         float64
	totalFrames int64
	frameIndex  int64
	loops       int64
}

func NewSource(cfg Config, log zerolog.Logger) *Source {
	return &Source{
		cfg: cfg,
		log: log.With().Str("component", "frame_source").Logger(),
	}
}

// Open opens the container and reads its properties.
func (s *Source) Open() error {
	capture, err := gocv.OpenVideoCapture(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open video %s: %w", s.cfg.Path, err)
	}
	s.capture = capture
	s.buf = gocv.NewMat()

	s.fps = s.cfg.FPS
	if s.fps <= 0 {
		s.fps = capture.Get(gocv.VideoCaptureFPS)
	}
	if s.fps <= 0 || s.fps > 1000 {
		s.log.Warn().Float64("declared_fps", s.fps).Msg("invalid declared fps, assuming 30")
		s.fps = 30
	}
	s.totalFrames = int64(capture.Get(gocv.VideoCaptureFrameCount))

	s.log.Info().
		Str("path", s.cfg.Path).
		Float64("fps", s.fps).
		Int64("total_frames", s.totalFrames).
		Int("width", int(capture.Get(gocv.VideoCaptureFrameWidth))).
		Int("height", int(capture.Get(gocv.VideoCaptureFrameHeight))).
		Msg("opened video source")
	return nil
}

func (s *Source) FPS() float64       { return s.fps }
func (s *Source) TotalFrames() int64 { return s.totalFrames }
func (s *Source) Path() string       { return s.cfg.Path }

// Read decodes the next frame. The returned frame owns its pixel buffer.
// Corrupt frames are skipped; end of stream either rewinds (loop) or
// returns ErrEndOfStream. Frame indexes keep increasing across loops so
// timestamps never run backwards.
func (s *Source) Read() (traffic.Frame, error) {
	if s.capture == nil {
		return traffic.Frame{}, errors.New("source not opened")
	}

	for {
		if ok := s.capture.Read(&s.buf); !ok {
			if !s.cfg.Loop {
				return traffic.Frame{}, ErrEndOfStream
			}
			s.loops++
			s.capture.Set(gocv.VideoCapturePosFrames, 0)
			s.log.Debug().Int64("loops", s.loops).Msg("rewound source")
			if ok := s.capture.Read(&s.buf); !ok {
				return traffic.Frame{}, ErrEndOfStream
			}
		}
		if s.buf.Empty() {
			// corrupt frame: skip, keep the index monotonic
			s.frameIndex++
			continue
		}

		frame := traffic.Frame{
			Index:     s.frameIndex,
			Timestamp: float64(s.frameIndex) / s.fps,
			Mat:       s.buf.Clone(),
		}
		s.frameIndex++
		return frame, nil
	}
}

// Close releases the decoder.
func (s *Source) Close() error {
	if s.capture == nil {
		return nil
	}
	s.buf.Close()
	err := s.capture.Close()
	s.capture = nil
	return err
}
