package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"coreastra/internal/audit"
	"coreastra/internal/domain"
	"coreastra/internal/metrics"

	"github.com/otiai10/copy"
)

const (
	manifestName = "manifest.json"
	setTimeFmt   = "20060102-150405.000000000"

	// PreRestoreSession tags the safety copy taken before a restore.
	PreRestoreSession = "prerestore"
)

var errTooLarge = errors.New("exceeds backup size limit")

// Auditor receives audit entries for restores.
type Auditor interface {
	Record(e domain.AuditEntry)
}

// Config configures the Manager.
type Config struct {
	Root      string
	MaxSizeMB int
	Index     domain.BackupIndex // optional
	Audit     Auditor            // optional; receives backup_restored entries
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager snapshots filesystem paths into snapshot sets under Root.
// A snapshot set is one directory per CreateAll call:
//
//	<root>/<timestamp>-<session8>/<index>-<basename>
//	<root>/<timestamp>-<session8>/manifest.json
type Manager struct {
	root     string
	maxBytes int64
	index    domain.BackupIndex
	audit    Auditor
	logger   *slog.Logger
	now      func() time.Time
}

type manifest struct {
	SessionID string                `json:"session_id"`
	CreatedAt time.Time             `json:"created_at"`
	Records   []domain.BackupRecord `json:"records"`
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("backup root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve backup root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	maxMB := cfg.MaxSizeMB
	if maxMB <= 0 {
		maxMB = 100
	}
	return &Manager{
		root:     root,
		maxBytes: int64(maxMB) << 20,
		index:    cfg.Index,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Root returns the absolute backup root.
func (m *Manager) Root() string { return m.root }

// CreateAll snapshots every existing path. Paths that do not exist are
// skipped. If any existing path cannot be copied the whole set is removed
// and a single *domain.BackupFailedError names every failing path.
func (m *Manager) CreateAll(ctx context.Context, sessionID string, paths []string) ([]domain.BackupRecord, error) {
	now := m.now().UTC()
	setDir, err := m.newSetDir(now, sessionID)
	if err != nil {
		return nil, &domain.BackupFailedError{Paths: paths, Errs: []error{err}}
	}

	var (
		records []domain.BackupRecord
		failed  []string
		errs    []error
	)
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			failed = append(failed, p)
			errs = append(errs, err)
			break
		}
		info, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			m.logger.Debug("backup skipped, path does not exist", "path", p, "session", sessionID)
			continue
		}
		if err != nil {
			failed = append(failed, p)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}

		size, err := m.measure(p, info)
		if err != nil {
			failed = append(failed, p)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}

		dst := filepath.Join(setDir, fmt.Sprintf("%d-%s", i, safeBase(p)))
		if err := copyPath(p, dst); err != nil {
			failed = append(failed, p)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		records = append(records, domain.BackupRecord{
			OriginalPath: p,
			BackupPath:   dst,
			CreatedAt:    now,
			SessionID:    sessionID,
			SizeBytes:    size,
			IsDir:        info.IsDir(),
		})
	}

	if len(failed) > 0 {
		if err := os.RemoveAll(setDir); err != nil {
			m.logger.Error("failed to remove partial backup set", "dir", setDir, "err", err)
		}
		m.logger.Warn("backup failed", "session", sessionID, "paths", failed)
		return nil, &domain.BackupFailedError{Paths: failed, Errs: errs}
	}
	if len(records) == 0 {
		os.RemoveAll(setDir)
		return []domain.BackupRecord{}, nil
	}

	if err := writeManifest(setDir, manifest{SessionID: sessionID, CreatedAt: now, Records: records}); err != nil {
		os.RemoveAll(setDir)
		return nil, &domain.BackupFailedError{Paths: paths, Errs: []error{err}}
	}
	for _, rec := range records {
		m.indexRecord(ctx, rec)
	}
	m.logger.Info("backups created", "session", sessionID, "count", len(records), "dir", setDir)
	return records, nil
}

// Restore copies backupPath back over originalPath. The current state of
// originalPath, if any, is snapshotted first and returned. Every attempt is
// audited as backup_restored.
func (m *Manager) Restore(ctx context.Context, backupPath, originalPath string) ([]domain.BackupRecord, error) {
	safety, err := m.restore(ctx, backupPath, originalPath)
	m.recordRestore(backupPath, originalPath, safety, err)
	if err == nil {
		metrics.Restores.Inc()
	}
	return safety, err
}

func (m *Manager) recordRestore(backupPath, originalPath string, safety []domain.BackupRecord, err error) {
	if m.audit == nil {
		return
	}
	details := domain.AuditDetails{
		Backups: []domain.BackupRef{{Original: originalPath, Backup: backupPath}},
	}
	for _, r := range safety {
		details.Backups = append(details.Backups, domain.BackupRef{Original: r.OriginalPath, Backup: r.BackupPath})
	}
	status := domain.AuditSucceeded
	if err != nil {
		status = domain.AuditFailed
		details.Error = err.Error()
	}
	// restores are filed as high risk
	m.audit.Record(audit.NewEntry("", domain.AuditActionBackupRestored, domain.RiskHigh, status, details))
}

func (m *Manager) restore(ctx context.Context, backupPath, originalPath string) ([]domain.BackupRecord, error) {
	src, err := m.insideRoot(backupPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Lstat(src); err != nil {
		return nil, fmt.Errorf("backup not found: %w", err)
	}
	if originalPath == "" {
		return nil, fmt.Errorf("original path is required")
	}
	dst, err := filepath.Abs(originalPath)
	if err != nil {
		return nil, fmt.Errorf("resolve original path: %w", err)
	}

	// pre-restore safety copy; CreateAll skips a missing original
	safety, err := m.CreateAll(ctx, PreRestoreSession, []string{dst})
	if err != nil {
		return nil, fmt.Errorf("pre-restore backup: %w", err)
	}

	if err := os.RemoveAll(dst); err != nil {
		return safety, fmt.Errorf("remove current %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return safety, fmt.Errorf("create parent of %s: %w", dst, err)
	}
	if err := copyPath(src, dst); err != nil {
		return safety, fmt.Errorf("restore %s: %w", dst, err)
	}

	if m.index != nil {
		if err := m.index.MarkRestored(ctx, src); err != nil {
			m.logger.Warn("failed to mark backup restored", "backup", src, "err", err)
		}
	}
	m.logger.Info("backup restored", "backup", src, "original", dst)
	return safety, nil
}

// List returns known backups, newest first. With an index configured it is
// the source of truth; otherwise the manifests under the root are read.
func (m *Manager) List(ctx context.Context, limit int) ([]domain.BackupRecord, error) {
	if m.index != nil {
		return m.index.ListBackups(ctx, limit)
	}
	sets, err := m.readSets()
	if err != nil {
		return nil, err
	}
	var out []domain.BackupRecord
	for _, s := range sets {
		for i := len(s.Records) - 1; i >= 0; i-- {
			out = append(out, s.Records[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune removes snapshot sets created before now-olderThan and returns how
// many were removed.
func (m *Manager) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	sets, err := m.readSets()
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for _, s := range sets {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(s.dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", s.dir, err)
		}
		if p, ok := m.index.(prunableIndex); ok {
			if _, err := p.DeleteBackups(ctx, s.dir+string(filepath.Separator)); err != nil {
				m.logger.Warn("failed to drop pruned backups from index", "set", s.dir, "err", err)
			}
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("pruned backup sets", "removed", removed, "older_than", olderThan)
	}
	return removed, nil
}

// prunableIndex is implemented by indexes that can forget pruned sets.
type prunableIndex interface {
	DeleteBackups(ctx context.Context, prefix string) (int64, error)
}

type snapshotSet struct {
	manifest
	dir string
}

// readSets returns every snapshot set with a readable manifest, newest first.
func (m *Manager) readSets() ([]snapshotSet, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read backup root: %w", err)
	}
	var sets []snapshotSet
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.root, e.Name())
		data, err := os.ReadFile(filepath.Join(dir, manifestName))
		if err != nil {
			m.logger.Debug("skipping backup dir without manifest", "dir", dir)
			continue
		}
		var mf manifest
		if err := json.Unmarshal(data, &mf); err != nil {
			m.logger.Warn("corrupt backup manifest", "dir", dir, "err", err)
			continue
		}
		sets = append(sets, snapshotSet{manifest: mf, dir: dir})
	}
	sort.SliceStable(sets, func(i, j int) bool { return sets[i].CreatedAt.After(sets[j].CreatedAt) })
	return sets, nil
}

func (m *Manager) newSetDir(now time.Time, sessionID string) (string, error) {
	base := fmt.Sprintf("%s-%s", now.Format(setTimeFmt), shortID(sessionID))
	for n := 0; n < 100; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		dir := filepath.Join(m.root, name)
		err := os.Mkdir(dir, 0o700)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create backup set: %w", err)
		}
	}
	return "", fmt.Errorf("create backup set: too many collisions for %s", base)
}

// measure returns the byte size of p, failing once it passes the limit.
func (m *Manager) measure(p string, info fs.FileInfo) (int64, error) {
	if !info.IsDir() {
		if info.Mode().IsRegular() && info.Size() > m.maxBytes {
			return 0, fmt.Errorf("%w (%d MB)", errTooLarge, m.maxBytes>>20)
		}
		return info.Size(), nil
	}
	var total int64
	err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			if total > m.maxBytes {
				return errTooLarge
			}
		}
		return nil
	})
	if errors.Is(err, errTooLarge) {
		return 0, fmt.Errorf("%w (%d MB)", errTooLarge, m.maxBytes>>20)
	}
	return total, err
}

func (m *Manager) insideRoot(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve backup path: %w", err)
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("backup path %s is outside the backup root", p)
	}
	return abs, nil
}

func (m *Manager) indexRecord(ctx context.Context, rec domain.BackupRecord) {
	if m.index == nil {
		return
	}
	if err := m.index.SaveBackup(ctx, rec); err != nil {
		m.logger.Warn("failed to index backup", "backup", rec.BackupPath, "err", err)
	}
}

// copyPath copies files verbatim, directories recursively, and symlinks as links.
func copyPath(src, dst string) error {
	return copy.Copy(src, dst, copy.Options{
		OnSymlink:     func(string) copy.SymlinkAction { return copy.Shallow },
		PreserveTimes: true,
		Sync:          true,
	})
}

func writeManifest(dir string, mf manifest) error {
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestName), data, 0o600)
}

func safeBase(p string) string {
	b := filepath.Base(filepath.Clean(p))
	if b == string(filepath.Separator) || b == "." || b == "" {
		return "root"
	}
	return b
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "manual"
	}
	return id
}
