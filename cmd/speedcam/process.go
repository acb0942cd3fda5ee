package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"speedcam-service/internal/domain/traffic"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the pipeline over a recording without database or API",
	Long: `Process decodes the configured source to completion, writes evidence
files as usual and emits one JSON line per violation on stdout.`,
	RunE: runProcess,
}

// stdoutSink prints each accepted bundle as a JSON line. Bundles without
// any plate evidence are rejected the same way the database sink rejects
// them, so the on-disk layout matches serve mode exactly.
type stdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *stdoutSink) Record(_ context.Context, bundle *traffic.EvidenceBundle) error {
	if bundle.Event.Plate == "" && bundle.PlateImagePath == "" {
		return errors.New("incomplete evidence: no plate readout or image")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(bundle)
}

func runProcess(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	// processing a recording never loops
	cfg.Source.Loop = false

	sink := &stdoutSink{enc: json.NewEncoder(os.Stdout)}
	p, cleanup, err := buildPipeline(cfg, sink, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return err
	}
	p.Wait()
	log.Info().Msg("processing complete")
	return nil
}
