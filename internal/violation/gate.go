package violation

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"speedcam-service/internal/utils"
)

// Decision is the outcome of evaluating one speed reading.
type Decision int

const (
	NoViolation Decision = iota
	NewViolation
	Duplicate
)

func (d Decision) String() string {
	switch d {
	case NoViolation:
		return "no_violation"
	case NewViolation:
		return "new_violation"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Gate decides whether a speed reading is a new, reportable violation.
//
// Deduplication is keyed preferentially by the normalized plate, falling
// back to the track id while no plate is known. The tracker can lose and
// re-acquire a vehicle under a new track id, but the plate stays constant,
// so once a plate is known both keys are recorded under the cooldown.
type Gate struct {
	log       zerolog.Logger
	validator *utils.PlateValidator
	cooldown  time.Duration
	fired     *gocache.Cache
}

func NewGate(cooldown time.Duration, validator *utils.PlateValidator, log zerolog.Logger) *Gate {
	if cooldown <= 0 {
		cooldown = 3 * time.Second
	}
	return &Gate{
		log:       log.With().Str("component", "violation_gate").Logger(),
		validator: validator,
		cooldown:  cooldown,
		fired:     gocache.New(cooldown, 2*cooldown),
	}
}

// Evaluate classifies one reading. On NewViolation the cooldown starts for
// the chosen key; within the window the same key yields Duplicate, never a
// second NewViolation.
func (g *Gate) Evaluate(trackID int64, plate string, speed, limit float64) Decision {
	if speed <= limit {
		return NoViolation
	}

	plateKey := ""
	if plate != "" && g.validator != nil && g.validator.Valid(plate) {
		plateKey = "plate:" + utils.NormalizePlate(plate)
	}
	trackKey := fmt.Sprintf("track:%d", trackID)

	if plateKey != "" {
		if _, hit := g.fired.Get(plateKey); hit {
			return Duplicate
		}
	}
	if _, hit := g.fired.Get(trackKey); hit {
		return Duplicate
	}

	if plateKey != "" {
		g.fired.Set(plateKey, struct{}{}, g.cooldown)
	}
	g.fired.Set(trackKey, struct{}{}, g.cooldown)

	g.log.Info().
		Int64("track_id", trackID).
		Str("plate", plate).
		Float64("speed", speed).
		Float64("limit", limit).
		Msg("new violation")
	return NewViolation
}

// RecordPlate attaches a late-arriving plate to an already fired track so a
// re-acquired vehicle stays suppressed for the remainder of the window.
func (g *Gate) RecordPlate(trackID int64, plate string) {
	if plate == "" || g.validator == nil || !g.validator.Valid(plate) {
		return
	}
	trackKey := fmt.Sprintf("track:%d", trackID)
	if _, hit := g.fired.Get(trackKey); hit {
		g.fired.Set("plate:"+utils.NormalizePlate(plate), struct{}{}, g.cooldown)
	}
}
