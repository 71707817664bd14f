package domain

import "time"

type SessionState string

const (
	StateAnalyzing            SessionState = "analyzing"
	StateAwaitingConfirmation SessionState = "awaiting_confirmation"
	StateApproved             SessionState = "approved"
	StateQueued               SessionState = "queued"
	StateExecuting            SessionState = "executing"
	StateCompleted            SessionState = "completed"
	StateFailed               SessionState = "failed"
	StateRejected             SessionState = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// SessionInfo is a read-only snapshot of an execution session.
type SessionInfo struct {
	ID                string          `json:"id"`
	Command           string          `json:"command"`
	State             SessionState    `json:"state"`
	Confirmed         bool            `json:"confirmed"`
	CreateBackup      bool            `json:"create_backup"`
	Dir               string          `json:"cwd,omitempty"`
	Analysis          CommandAnalysis `json:"analysis"`
	CreatedAt         time.Time       `json:"created_at"`
	AwaitingSince     *time.Time      `json:"awaiting_since,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	Backups           []BackupRecord  `json:"backups"`
	ExitCode          *int            `json:"exit_code,omitempty"`
	Stdout            string          `json:"stdout,omitempty"`
	Stderr            string          `json:"stderr,omitempty"`
	Message           string          `json:"message,omitempty"`
	CooldownRemaining float64         `json:"cooldown_remaining_seconds,omitempty"`
	ExpiresIn         float64         `json:"expires_in_seconds,omitempty"`
}

// ExecRequest is a command submission.
type ExecRequest struct {
	Command      string            `json:"command"`
	Confirmed    bool              `json:"confirmed"`
	CreateBackup bool              `json:"create_backup"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"` // layered over the terminal environment
}
