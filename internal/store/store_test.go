package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"coreastra/internal/domain"

	"github.com/google/go-cmp/cmp"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "coreastra.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesDirectoryAndPings(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if filepath.Base(s.Path()) != "coreastra.db" {
		t.Errorf("Path: %s", s.Path())
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s := openTestStore(t)
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode: got %q, want wal", mode)
	}
	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout: got %d, want 5000", timeout)
	}
}

func TestAudit_AppendAndQueryNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []domain.AuditEntry{
		{SessionID: "a", ActionType: domain.AuditActionCommand, RiskLevel: domain.RiskLow, Status: domain.AuditSucceeded, CreatedAt: base},
		{SessionID: "b", ActionType: domain.AuditActionConfirmation, RiskLevel: domain.RiskCritical, Status: domain.AuditRejected, CreatedAt: base.Add(time.Minute)},
		{SessionID: "c", ActionType: domain.AuditActionCommand, RiskLevel: domain.RiskCritical, Status: domain.AuditFailed, CreatedAt: base.Add(2 * time.Minute),
			ActionDetails: json.RawMessage(`{"outcome":"boom"}`)},
	}
	for _, e := range entries {
		id, err := s.AppendAudit(ctx, e)
		if err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
		if id <= 0 {
			t.Errorf("expected positive id, got %d", id)
		}
	}

	all, err := s.QueryAudit(ctx, domain.AuditFilter{})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	var ids []string
	for _, e := range all {
		ids = append(ids, e.SessionID)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if !all[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("created_at round trip: %v", all[0].CreatedAt)
	}
	if string(all[0].ActionDetails) != `{"outcome":"boom"}` {
		t.Errorf("details: %s", all[0].ActionDetails)
	}
	if string(all[2].ActionDetails) != "{}" {
		t.Errorf("empty details should be stored as {}: %s", all[2].ActionDetails)
	}
}

func TestAudit_QueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, lvl := range []domain.RiskLevel{domain.RiskSafe, domain.RiskHigh, domain.RiskCritical, domain.RiskHigh} {
		status := domain.AuditSucceeded
		if i%2 == 1 {
			status = domain.AuditApproved
		}
		if _, err := s.AppendAudit(ctx, domain.AuditEntry{
			ActionType: domain.AuditActionCommand, RiskLevel: lvl, Status: status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter domain.AuditFilter
		want   int
	}{
		{"risk", domain.AuditFilter{RiskLevel: domain.RiskHigh}, 2},
		{"status", domain.AuditFilter{Status: domain.AuditApproved}, 2},
		{"since", domain.AuditFilter{Since: base.Add(2 * time.Hour)}, 2},
		{"until", domain.AuditFilter{Until: base.Add(time.Hour)}, 1},
		{"window", domain.AuditFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}, 2},
		{"limit", domain.AuditFilter{Limit: 3}, 3},
		{"offset", domain.AuditFilter{Limit: 10, Offset: 3}, 1},
		{"combined", domain.AuditFilter{RiskLevel: domain.RiskHigh, Status: domain.AuditApproved}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryAudit(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestBackups_SaveListMarkRestored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := domain.BackupRecord{OriginalPath: "/w/a", BackupPath: "/b/set1/0-a", SessionID: "s1", SizeBytes: 5, CreatedAt: base}
	newer := domain.BackupRecord{OriginalPath: "/w/dir", BackupPath: "/b/set2/0-dir", SessionID: "s2", SizeBytes: 42, IsDir: true, CreatedAt: base.Add(time.Second)}
	for _, r := range []domain.BackupRecord{older, newer, older} {
		if err := s.SaveBackup(ctx, r); err != nil {
			t.Fatalf("SaveBackup: %v", err)
		}
	}

	if err := s.MarkRestored(ctx, older.BackupPath); err != nil {
		t.Fatalf("MarkRestored: %v", err)
	}
	if err := s.MarkRestored(ctx, "/not/indexed"); err != nil {
		t.Fatalf("MarkRestored on unknown path should not fail: %v", err)
	}

	got, err := s.ListBackups(ctx, 0)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	older.Restored = true
	want := []domain.BackupRecord{newer, older}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("backups mismatch (-want +got):\n%s", diff)
	}

	limited, _ := s.ListBackups(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d", len(limited))
	}

	n, err := s.DeleteBackups(ctx, "/b/set1/")
	if err != nil || n != 1 {
		t.Fatalf("DeleteBackups: n=%d err=%v", n, err)
	}
	rest, _ := s.ListBackups(ctx, 0)
	if len(rest) != 1 || rest[0].BackupPath != newer.BackupPath {
		t.Errorf("remaining: %+v", rest)
	}
}
