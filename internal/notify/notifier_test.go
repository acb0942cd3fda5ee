package notify

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"speedcam-service/internal/domain/traffic"
)

func TestFormatMessageWithPlateAndOwner(t *testing.T) {
	msg := Message{
		Event: traffic.ViolationEvent{
			Plate:      "34A12345",
			Class:      traffic.ClassCar,
			Speed:      62.4,
			Limit:      40,
			FrameIndex: 150,
			Timestamp:  5,
		},
		OwnerName:  "Nguyen Van A",
		OwnerPhone: "+84 900 000 000",
	}

	out := formatMessage(msg)
	assert.Contains(t, out, "34A12345")
	assert.Contains(t, out, "62.4 km/h")
	assert.Contains(t, out, "40 km/h zone")
	assert.Contains(t, out, "Nguyen Van A")
	assert.Contains(t, out, "+84 900 000 000")
}

func TestFormatMessageWithoutPlate(t *testing.T) {
	msg := Message{
		Event: traffic.ViolationEvent{
			TrackID: 7,
			Class:   traffic.ClassTruck,
			Speed:   55,
			Limit:   40,
		},
	}

	out := formatMessage(msg)
	assert.Contains(t, out, "track 7")
	assert.NotContains(t, out, "Registered owner")
}

func TestNewShoutrrrNotifierRequiresURLs(t *testing.T) {
	_, err := NewShoutrrrNotifier(nil, 0, zerolog.Nop())
	assert.Error(t, err)
}
