// Package notify delivers events to notification channels. One worker
// per channel serializes deliveries; a shared cooldown table keyed by
// (source, channel) suppresses duplicates, and transient failures are
// retried with a short backoff before the event is abandoned.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azzuwayed/serversentry/internal/model"
)

// Channel delivers one rendered message.
type Channel interface {
	// Name is the configured channel name (teams, slack, discord,
	// email, webhook).
	Name() string

	// Send delivers msg, honoring ctx's deadline. Failures should be
	// wrapped in Error so the dispatcher can classify them.
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered notification.
type Message struct {
	Event model.Event
	Title string
	Body  string

	// Values holds the resolved template placeholders for channels
	// that build structured payloads.
	Values map[string]string
}

// Error classifies a delivery failure. Permanent failures are not
// retried.
type Error struct {
	Channel   string
	Err       error
	Permanent bool
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s: permanent: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func transientf(channel, format string, args ...any) error {
	return &Error{Channel: channel, Err: fmt.Errorf(format, args...)}
}

func permanentf(channel, format string, args ...any) error {
	return &Error{Channel: channel, Err: fmt.Errorf(format, args...), Permanent: true}
}

// IsPermanent reports whether err is a failure retrying cannot fix.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Permanent
}

// State is the delivery state of one (source, channel) pair.
type State int

const (
	StateIdle State = iota
	StateSending
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "SENDING"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "IDLE"
	}
}

// Record is the outcome of one delivery attempt. Records are kept in
// a bounded in-memory window and written to the log.
type Record struct {
	EventID string    `json:"event_id"`
	Channel string    `json:"channel"`
	Attempt int       `json:"attempt"`
	SentAt  time.Time `json:"sent_at"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Sent       uint64
	Suppressed uint64
	Failed     uint64
	Dropped    uint64
}

// recovery reports whether ev announces a return to a healthy state.
// Recoveries get their own cooldown bucket so the preceding alert's
// delivery never delays the all-clear.
func recovery(ev model.Event) bool {
	switch e := ev.(type) {
	case *model.StatusEvent:
		return e.Recovery
	case *model.CompositeEvent:
		return e.Recovery
	}
	return false
}

// cooldownKey builds the cooldown table key for an event on a channel.
func cooldownKey(ev model.Event, channel string) string {
	key := ev.Source() + "|" + channel
	if recovery(ev) {
		key += "|recovery"
	}
	return key
}

// eventCooldown prefers the producer's cooldown hint over the channel
// default.
func eventCooldown(ev model.Event, def time.Duration) time.Duration {
	if h, ok := ev.(model.CooldownHinter); ok {
		if d, set := h.CooldownHint(); set {
			return d
		}
	}
	return def
}
