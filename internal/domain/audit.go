package domain

import (
	"context"
	"encoding/json"
	"time"
)

type AuditStatus string

const (
	AuditApproved  AuditStatus = "approved"
	AuditRejected  AuditStatus = "rejected"
	AuditSucceeded AuditStatus = "succeeded"
	AuditFailed    AuditStatus = "failed"
)

// Action types written to the audit trail.
const (
	AuditActionCommand        = "command_execution"
	AuditActionConfirmation   = "command_confirmation"
	AuditActionBackupCreated  = "backup_created"
	AuditActionBackupRestored = "backup_restored"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	ID            int64           `json:"id"`
	SessionID     string          `json:"session_id,omitempty"`
	ActionType    string          `json:"action_type"`
	ActionDetails json.RawMessage `json:"action_details"`
	RiskLevel     RiskLevel       `json:"risk_level"`
	Status        AuditStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditDetails is the payload stored in AuditEntry.ActionDetails.
type AuditDetails struct {
	Analysis  *CommandAnalysis `json:"analysis,omitempty"`
	Decision  string           `json:"decision,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Confirmed bool             `json:"confirmed"`
	Backups   []BackupRef      `json:"backups,omitempty"`
	ExitCode  *int             `json:"exit_code,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  string           `json:"duration,omitempty"`
}

// AuditFilter selects audit entries; zero values mean "no constraint".
type AuditFilter struct {
	Since     time.Time
	Until     time.Time
	RiskLevel RiskLevel
	Status    AuditStatus
	Limit     int
	Offset    int
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) (int64, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}
