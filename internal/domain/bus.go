package domain

import "time"

type NotificationKind string

const (
	NotifyConfirmationRequired NotificationKind = "confirmation_required"
	NotifyConfirmationResolved NotificationKind = "confirmation_resolved"
	NotifyExecutionFinished    NotificationKind = "execution_finished"
)

// Notification announces a session lifecycle change to out-of-band channels.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id"`
	Command   string           `json:"command"`
	RiskLevel RiskLevel        `json:"risk_level"`
	State     SessionState     `json:"state,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NotificationBus fans notifications out to registered channels.
type NotificationBus interface {
	Publish(n Notification)
	Subscribe(name string, handler func(Notification))
	Close()
}

// Decider applies out-of-band approval decisions to the gate.
type Decider interface {
	Approve(id string, createBackup bool) error
	Reject(id string, reason string) error
}
