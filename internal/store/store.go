package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coreastra/internal/domain"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so lexical order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const defaultQueryLimit = 100

// SQLiteStore persists the audit trail and the backup index.
// It implements domain.AuditStore and domain.BackupIndex.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ domain.AuditStore  = (*SQLiteStore)(nil)
	_ domain.BackupIndex = (*SQLiteStore)(nil)
)

// DSN is the connection string for dbPath. The modernc driver applies
// connection settings only through _pragma parameters.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, logger: logger}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by other tools may use RFC3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// AppendAudit inserts one audit entry and returns its id.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e domain.AuditEntry) (int64, error) {
	details := string(e.ActionDetails)
	if details == "" {
		details = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session_id, action_type, action_details, risk_level, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.ActionType, details, string(e.RiskLevel), string(e.Status), formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return res.LastInsertId()
}

// QueryAudit returns matching entries, newest first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.RiskLevel != "" {
		where = append(where, "risk_level = ?")
		args = append(args, string(f.RiskLevel))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT id, COALESCE(session_id, ''), action_type, COALESCE(action_details, '{}'),
		COALESCE(risk_level, ''), status, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e                        domain.AuditEntry
			details, risk, status, at string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ActionType, &details, &risk, &status, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ActionDetails = []byte(details)
		e.RiskLevel = domain.RiskLevel(risk)
		e.Status = domain.AuditStatus(status)
		e.CreatedAt = parseTime(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveBackup indexes a backup record. Saving the same backup path twice
// keeps the first row.
func (s *SQLiteStore) SaveBackup(ctx context.Context, rec domain.BackupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO backups (session_id, original_path, backup_path, size_bytes, is_dir, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.OriginalPath, rec.BackupPath, rec.SizeBytes, boolInt(rec.IsDir), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", rec.BackupPath, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRestored(ctx context.Context, backupPath string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE backups SET is_restored = 1, restored_at = ? WHERE backup_path = ?",
		formatTime(time.Now()), backupPath,
	)
	if err != nil {
		return fmt.Errorf("mark backup restored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("restored backup is not indexed", "backup", backupPath)
	}
	return nil
}

// ListBackups returns indexed backups, newest first. limit <= 0 means all.
func (s *SQLiteStore) ListBackups(ctx context.Context, limit int) ([]domain.BackupRecord, error) {
	query := `SELECT COALESCE(session_id, ''), original_path, backup_path, COALESCE(size_bytes, 0),
		COALESCE(is_dir, 0), COALESCE(is_restored, 0), created_at
		FROM backups ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []domain.BackupRecord
	for rows.Next() {
		var (
			rec             domain.BackupRecord
			isDir, restored int
			at              string
		)
		if err := rows.Scan(&rec.SessionID, &rec.OriginalPath, &rec.BackupPath, &rec.SizeBytes, &isDir, &restored, &at); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		rec.IsDir = isDir != 0
		rec.Restored = restored != 0
		rec.CreatedAt = parseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBackups drops index rows whose backup path starts with prefix.
// Used when a snapshot set is pruned from disk.
func (s *SQLiteStore) DeleteBackups(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM backups WHERE substr(backup_path, 1, ?) = ?",
		len(prefix), prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete backups: %w", err)
	}
	return res.RowsAffected()
}
