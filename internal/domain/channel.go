package domain

import "context"

// Notifier is an out-of-band channel (Telegram, Slack, Discord, webhook) fed
// by the notification bus. Start blocks until ctx is cancelled.
type Notifier interface {
	Name() string
	Start(ctx context.Context, bus NotificationBus) error
	Notify(n Notification)
}
