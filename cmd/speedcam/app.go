package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"speedcam-service/internal/config"
	"speedcam-service/internal/detect"
	"speedcam-service/internal/evidence"
	"speedcam-service/internal/pipeline"
	"speedcam-service/internal/plate"
	"speedcam-service/internal/speed"
	"speedcam-service/internal/tracker"
	"speedcam-service/internal/utils"
	"speedcam-service/internal/video"
	"speedcam-service/internal/violation"
)

// buildPipeline wires every detection-side component from config. The
// returned cleanup releases the source, the detector and the evidence
// buffers; call it after the pipeline has fully stopped.
func buildPipeline(cfg *config.Config, sink pipeline.EvidenceSink, log zerolog.Logger) (*pipeline.Pipeline, func(), error) {
	if cfg.Source.Path == "" {
		return nil, nil, fmt.Errorf("source.path is required")
	}
	if cfg.Detector.ModelPath == "" {
		return nil, nil, fmt.Errorf("detector.model_path is required")
	}

	source := video.NewSource(video.Config{
		Path: cfg.Source.Path,
		FPS:  cfg.Source.FPS,
		Loop: cfg.Source.Loop,
	}, log)
	if err := source.Open(); err != nil {
		return nil, nil, fmt.Errorf("open source: %w", err)
	}

	detector, err := detect.NewDNNAdapter(detect.Config{
		ModelPath:  cfg.Detector.ModelPath,
		ConfigPath: cfg.Detector.ConfigPath,
		Backend:    cfg.Detector.Backend,
		MinConf:    cfg.Detector.MinConf,
		Scale:      cfg.Detector.Scale,
	}, log)
	if err != nil {
		source.Close()
		return nil, nil, err
	}

	validator, err := utils.NewPlateValidator(cfg.Plate.Pattern)
	if err != nil {
		source.Close()
		detector.Close()
		return nil, nil, fmt.Errorf("compile plate pattern: %w", err)
	}

	buffer := evidence.NewBuffer(cfg.Evidence.BufferSize, cfg.Evidence.BufferTimeout, log)

	var plates plate.Reader
	if cfg.Plate.Endpoint != "" {
		plates = plate.NewHTTPReader(cfg.Plate.Endpoint, cfg.Plate.Timeout, log)
	}

	deps := pipeline.Deps{
		Source:   source,
		Detector: detector,
		Tracker: tracker.New(tracker.Config{
			MatchThreshold: cfg.Tracker.MatchThreshold,
			NewTrackConf:   cfg.Tracker.NewTrackConf,
			MaxAge:         cfg.Tracker.MaxAge,
			MinHits:        cfg.Tracker.MinHits,
		}, log),
		Estimator: speed.NewEstimator(cfg.Speed.PixelToMeter, cfg.Speed.Smoothing, cfg.Speed.HistorySize),
		Gate:      violation.NewGate(cfg.Violation.Cooldown, validator, log),
		Buffer:    buffer,
		Selector:  evidence.NewSelector(log),
		Assembler: evidence.NewAssembler(evidence.AssemblerConfig{
			BaseDir:     cfg.Evidence.BaseDir,
			PreSeconds:  cfg.Evidence.PreSeconds,
			PostSeconds: cfg.Evidence.PostSeconds,
			FFmpegPath:  cfg.Evidence.FFmpegPath,
		}, log),
		Plates:    plates,
		Validator: validator,
		Sink:      sink,
	}

	p := pipeline.New(pipeline.Options{
		SpeedLimit:   cfg.Violation.SpeedLimit,
		DetectEvery:  cfg.Detector.Frequency,
		PlateMinConf: cfg.Plate.MinConf,
	}, deps, log)

	cleanup := func() {
		source.Close()
		detector.Close()
		buffer.Close()
	}
	return p, cleanup, nil
}
