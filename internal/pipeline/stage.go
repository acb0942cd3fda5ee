package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// StageState is the lifecycle of one pipeline stage.
type StageState int32

const (
	StageStopped StageState = iota
	StageStarting
	StageRunning
	StageDraining
)

func (s StageState) String() string {
	switch s {
	case StageStopped:
		return "stopped"
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageDraining:
		return "draining"
	}
	return "unknown"
}

// stage owns one worker goroutine. The run function must return when its
// input is exhausted or the context ends; the stage flips to Draining when
// the context is canceled so state is observable during shutdown.
type stage struct {
	name  string
	log   zerolog.Logger
	state atomic.Int32
	run   func(ctx context.Context)
}

func newStage(name string, log zerolog.Logger, run func(ctx context.Context)) *stage {
	return &stage{
		name: name,
		log:  log.With().Str("stage", name).Logger(),
		run:  run,
	}
}

func (s *stage) State() StageState {
	return StageState(s.state.Load())
}

// start launches the worker and returns immediately. The WaitGroup is
// released when the worker exits.
func (s *stage) start(ctx context.Context, wg *sync.WaitGroup) {
	s.state.Store(int32(StageStarting))
	wg.Add(1)

	go func() {
		defer wg.Done()
		s.state.Store(int32(StageRunning))
		s.log.Info().Msg("stage running")

		drainWatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				s.state.CompareAndSwap(int32(StageRunning), int32(StageDraining))
			case <-drainWatch:
			}
		}()

		s.run(ctx)
		close(drainWatch)
		s.state.Store(int32(StageStopped))
		s.log.Info().Msg("stage stopped")
	}()
}
