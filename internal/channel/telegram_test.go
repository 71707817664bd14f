package channel

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"coreastra/internal/domain"
)

type fakeDecider struct {
	err      error
	approved map[string]bool // id -> backup
	rejected map[string]string
}

func (f *fakeDecider) Approve(id string, createBackup bool) error {
	if f.err != nil {
		return f.err
	}
	if f.approved == nil {
		f.approved = map[string]bool{}
	}
	f.approved[id] = createBackup
	return nil
}

func (f *fakeDecider) Reject(id, reason string) error {
	if f.err != nil {
		return f.err
	}
	if f.rejected == nil {
		f.rejected = map[string]string{}
	}
	f.rejected[id] = reason
	return nil
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data       string
		wantAction string
		wantID     string
		wantOK     bool
	}{
		{"approve:abc", cbApprove, "abc", true},
		{"backup:abc-123", cbApproveBackup, "abc-123", true},
		{"reject:x", cbReject, "x", true},
		{"approve:", "", "", false},
		{"approve", "", "", false},
		{"delete:abc", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.data, func(t *testing.T) {
			action, id, ok := parseCallback(tt.data)
			if action != tt.wantAction || id != tt.wantID || ok != tt.wantOK {
				t.Errorf("parseCallback(%q) = %q, %q, %v", tt.data, action, id, ok)
			}
		})
	}
}

func TestTelegramDecide(t *testing.T) {
	d := &fakeDecider{}
	tg := &Telegram{decider: d, logger: testLogger()}

	if got := tg.decide("approve:s1", "alice"); got != "Approved." {
		t.Errorf("approve: %q", got)
	}
	if got := tg.decide("backup:s2", "alice"); got != "Approved." {
		t.Errorf("approve with backup: %q", got)
	}
	if got := tg.decide("reject:s3", "bob"); got != "Rejected." {
		t.Errorf("reject: %q", got)
	}
	if d.approved["s1"] || !d.approved["s2"] {
		t.Errorf("backup flags: %v", d.approved)
	}
	if d.rejected["s3"] != "rejected via telegram by @bob" {
		t.Errorf("reason: %q", d.rejected["s3"])
	}
	if got := tg.decide("bogus", "bob"); got != "Unknown action." {
		t.Errorf("bogus: %q", got)
	}

	tg.decide("reject:s4", "")
	if d.rejected["s4"] != "rejected via telegram" {
		t.Errorf("anonymous reason: %q", d.rejected["s4"])
	}
}

func TestTelegramDecide_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"cool-down", &domain.CoolDownError{Remaining: 2600 * time.Millisecond}, "Cooling down, try again in 3s."},
		{"gone", fmt.Errorf("%w: s1", domain.ErrSessionNotFound), "Session no longer exists."},
		{"decided", fmt.Errorf("%w: session is rejected", domain.ErrInvalidState), "Already decided."},
		{"other", fmt.Errorf("disk full"), "Failed: disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := &Telegram{decider: &fakeDecider{err: tt.err}, logger: testLogger()}
			if got := tg.decide("approve:s1", "alice"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTelegramIsAllowed(t *testing.T) {
	tg, err := NewTelegram(TelegramConfig{Token: "t", ChatID: "-100123", AllowFrom: []string{"42", " 7 ", "junk"}})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if tg.chatID != -100123 {
		t.Errorf("chat id: %d", tg.chatID)
	}
	if !tg.isAllowed(42) || !tg.isAllowed(7) || tg.isAllowed(8) {
		t.Error("allow list not applied")
	}

	open, _ := NewTelegram(TelegramConfig{Token: "t", ChatID: "1"})
	if !open.isAllowed(8) {
		t.Error("empty allow list should allow everyone")
	}

	if _, err := NewTelegram(TelegramConfig{Token: "t", ChatID: "general"}); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestConfirmKeyboard(t *testing.T) {
	kb := confirmKeyboard("s1")
	var data []string
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			data = append(data, *b.CallbackData)
		}
	}
	want := []string{"approve:s1", "backup:s1", "reject:s1"}
	if strings.Join(data, ",") != strings.Join(want, ",") {
		t.Errorf("callback data: %v", data)
	}
	for _, d := range data {
		if _, _, ok := parseCallback(d); !ok {
			t.Errorf("keyboard emits unparseable data %q", d)
		}
	}
}

func TestFormatting(t *testing.T) {
	n := domain.Notification{
		Kind:      domain.NotifyConfirmationRequired,
		SessionID: "0123456789abcdef",
		Command:   "rm -rf /srv/data",
		RiskLevel: domain.RiskCritical,
		Message:   "Wait 5s before approving",
	}
	prompt := formatPrompt(n)
	for _, want := range []string{"CRITICAL risk", "$ rm -rf /srv/data", "Wait 5s", "Session: 0123456789abcdef"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	n.Kind = domain.NotifyConfirmationResolved
	n.State = domain.StateRejected
	n.Message = "too risky"
	if got := formatResolved(n); got != "Session 01234567 rejected: too risky" {
		t.Errorf("resolved: %q", got)
	}
	n.State = domain.StateApproved
	if got := formatResolved(n); got != "Session 01234567 approved." {
		t.Errorf("approved: %q", got)
	}

	n.Kind = domain.NotifyExecutionFinished
	n.State = domain.StateCompleted
	n.Message = "exit 0"
	if got := formatFinished(n); got != "Session 01234567 finished: completed\nexit 0" {
		t.Errorf("finished: %q", got)
	}

	if shortSession("abc") != "abc" {
		t.Error("short ids are kept")
	}
}

func TestFormatNotice(t *testing.T) {
	n := domain.Notification{Kind: domain.NotifyConfirmationRequired, SessionID: "s1", Command: "dd if=/dev/zero of=/dev/sda", RiskLevel: domain.RiskCritical}
	if got := formatNotice(n); !strings.Contains(got, "$ dd if=/dev/zero") || !strings.Contains(got, "through the API or Telegram") {
		t.Errorf("notice: %q", got)
	}
	n.Kind = domain.NotifyExecutionFinished
	n.State = domain.StateFailed
	if got := formatNotice(n); !strings.HasPrefix(got, "Session s1 finished: failed") {
		t.Errorf("finished notice: %q", got)
	}
}
