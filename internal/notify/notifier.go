package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"

	"speedcam-service/internal/domain/traffic"
)

// Message is one violation notification. Owner fields are empty when the
// plate has no registered owner.
type Message struct {
	Event      traffic.ViolationEvent
	OwnerName  string
	OwnerPhone string
}

// Notifier delivers a violation notice to the configured channels.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// ShoutrrrNotifier fans one message out to every configured service URL
// (telegram, discord, smtp, ...). A single router handles all of them.
type ShoutrrrNotifier struct {
	sender  *router.ServiceRouter
	timeout time.Duration
	log     zerolog.Logger
}

func NewShoutrrrNotifier(urls []string, timeout time.Duration, logger zerolog.Logger) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create notification sender: %w", err)
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return &ShoutrrrNotifier{
		sender:  sender,
		timeout: timeout,
		log:     logger.With().Str("component", "notifier").Logger(),
	}, nil
}

func (n *ShoutrrrNotifier) Send(ctx context.Context, msg Message) error {
	_ = ctx // the router applies its own timeout

	params := stypes.Params{}
	params.SetTitle("Speed violation")

	errs := n.sender.Send(formatMessage(msg), &params)
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("send notification: %w", err)
		}
	}
	n.log.Debug().
		Str("plate", msg.Event.Plate).
		Float64("speed", msg.Event.Speed).
		Msg("notification delivered")
	return nil
}

func formatMessage(msg Message) string {
	var b strings.Builder
	ev := msg.Event

	if ev.Plate != "" {
		fmt.Fprintf(&b, "Plate %s", ev.Plate)
	} else {
		fmt.Fprintf(&b, "Unidentified %s (track %d)", ev.Class, ev.TrackID)
	}
	fmt.Fprintf(&b, " recorded at %.1f km/h in a %.0f km/h zone", ev.Speed, ev.Limit)
	fmt.Fprintf(&b, " (video time %.2fs, frame %d).", ev.Timestamp, ev.FrameIndex)

	if msg.OwnerName != "" {
		fmt.Fprintf(&b, "\nRegistered owner: %s", msg.OwnerName)
		if msg.OwnerPhone != "" {
			fmt.Fprintf(&b, " (%s)", msg.OwnerPhone)
		}
	}
	return b.String()
}
