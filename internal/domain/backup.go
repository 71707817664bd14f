package domain

import (
	"context"
	"time"
)

// BackupRecord links a snapshot to the path it was taken from.
type BackupRecord struct {
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	CreatedAt    time.Time `json:"created_at"`
	SessionID    string    `json:"session_id,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	IsDir        bool      `json:"is_dir"`
	Restored     bool      `json:"is_restored,omitempty"`
}

// BackupIndex records backups so they can be listed and marked restored.
type BackupIndex interface {
	SaveBackup(ctx context.Context, rec BackupRecord) error
	MarkRestored(ctx context.Context, backupPath string) error
	ListBackups(ctx context.Context, limit int) ([]BackupRecord, error)
}
