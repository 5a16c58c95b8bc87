// Package notifier
package notifier

import "context"

// Notifier interface for sending operator notifications (e.g., Telegram).
type Notifier interface {
	Send(ctx context.Context, msg string) error
	SendWithRetry(ctx context.Context, msg string) error
}

// Noop discards every message. Used when no channel is configured.
type Noop struct{}

func (Noop) Send(context.Context, string) error          { return nil }
func (Noop) SendWithRetry(context.Context, string) error { return nil }
