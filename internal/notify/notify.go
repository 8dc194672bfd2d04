// Package notify delivers recovery lifecycle events to owners and guardians.
//
// The coordinator emits one event per committed transition through an
// Emitter. Delivery is best effort: a failing notifier is logged and
// counted, never allowed to fail the transition that produced the event.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType identifies a recovery lifecycle event.
type EventType string

const (
	EventRecoveryInitiated EventType = "recovery.initiated"
	EventRecoveryApproved  EventType = "recovery.approved"
	EventRecoveryReady     EventType = "recovery.ready"
	EventRecoveryExecuted  EventType = "recovery.executed"
	EventRecoveryCancelled EventType = "recovery.cancelled"
	EventGuardianAdded     EventType = "guardian.added"
	EventGuardianVerified  EventType = "guardian.verified"
	EventGuardianRemoved   EventType = "guardian.removed"
	EventPasskeyAdded      EventType = "passkey.added"
	EventPasskeyRemoved    EventType = "passkey.removed"
)

// Event is a single notification.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Account    string         `json:"account"`
	Recipients []string       `json:"recipients,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger. Verification codes
// are redacted.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info("recovery event",
		"event_id", event.ID,
		"type", event.Type,
		"account", event.Account,
		"recipients", event.Recipients,
		"data", redacted(event.Data),
	)
	return nil
}

// secretFields are event data keys that never reach a log line.
var secretFields = []string{"code"}

func redacted(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range secretFields {
		if _, ok := out[k]; ok {
			out[k] = "[redacted]"
		}
	}
	return out
}
