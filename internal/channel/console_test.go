package channel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"coreastra/internal/domain"
)

func confirmationEvents() []domain.Event {
	return []domain.Event{{
		Type:    domain.EventConfirmationRequired,
		Message: "This command requires confirmation",
		Analysis: &domain.CommandAnalysis{
			RiskLevel:     domain.RiskCritical,
			RiskScore:     95,
			Category:      "destructive",
			Warnings:      []string{"recursive delete"},
			AffectedPaths: []string{"/srv/data"},
		},
	}}
}

func completeEvents(code int, out string) []domain.Event {
	ok := code == 0
	return []domain.Event{
		{Type: domain.EventExecutionStart},
		domain.OutputEvent(domain.StreamStdout, out),
		{Type: domain.EventExecutionComplete, Success: &ok, ExitCode: &code, Message: "Command exited"},
	}
}

func newTestConsole(p *fakePipeline, in string, auto bool) (*Console, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	c := NewConsole(ConsoleConfig{
		Pipeline:    p,
		In:          strings.NewReader(in),
		Out:         &out,
		ErrOut:      &errOut,
		AutoApprove: auto,
		Logger:      testLogger(),
	})
	return c, &out, &errOut
}

func TestConsole_RunWithoutConfirmation(t *testing.T) {
	p := &fakePipeline{submitEvents: completeEvents(0, "hello\n")}
	c, out, _ := newTestConsole(p, "", false)

	fin, err := c.Run(context.Background(), domain.ExecRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "hello\n" {
		t.Errorf("stdout: %q", out.String())
	}
	if fin.Type != domain.EventExecutionComplete || ExitCode(fin) != 0 {
		t.Errorf("final event: %+v", fin)
	}
	if len(p.approved) != 0 {
		t.Error("no approval expected")
	}
}

func TestConsole_AutoApproveWaitsOutCoolDown(t *testing.T) {
	p := &fakePipeline{
		submitEvents:  confirmationEvents(),
		approveEvents: completeEvents(0, "gone\n"),
		coolDowns:     2,
	}
	c, out, errOut := newTestConsole(p, "", true)

	fin, err := c.Run(context.Background(), domain.ExecRequest{Command: "rm -rf /srv/data", CreateBackup: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.approved) != 3 {
		t.Errorf("approve attempts: got %d, want 3", len(p.approved))
	}
	if !p.backups[2] {
		t.Error("backup flag from the request should carry into the approval")
	}
	if ExitCode(fin) != 0 || out.String() != "gone\n" {
		t.Errorf("final %+v, out %q", fin, out.String())
	}
	for _, want := range []string{"risk: critical (score 95, destructive)", "! recursive delete", "paths: /srv/data", "cooling down"} {
		if !strings.Contains(errOut.String(), want) {
			t.Errorf("stderr missing %q:\n%s", want, errOut.String())
		}
	}
}

func TestConsole_Answers(t *testing.T) {
	tests := []struct {
		answer     string
		wantApply  bool
		wantBackup bool
	}{
		{"y\n", true, false},
		{"YES\n", true, false},
		{"b\n", true, true},
		{"\n", false, false},
		{"n\n", false, false},
		{"", false, false}, // EOF
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.answer), func(t *testing.T) {
			p := &fakePipeline{
				submitEvents:  confirmationEvents(),
				approveEvents: completeEvents(0, ""),
				sessions:      map[string]domain.SessionInfo{"s1": {ID: "s1", State: domain.StateRejected, Message: "declined at console"}},
			}
			c, _, _ := newTestConsole(p, tt.answer, false)

			fin, err := c.Run(context.Background(), domain.ExecRequest{Command: "git push --force"})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if tt.wantApply {
				if len(p.approved) != 1 || p.backups[0] != tt.wantBackup {
					t.Errorf("approved %v backups %v", p.approved, p.backups)
				}
				return
			}
			if len(p.rejected) != 1 || p.reasons[0] != "declined at console" {
				t.Errorf("rejected %v reasons %v", p.rejected, p.reasons)
			}
			if fin.Type != domain.EventError || fin.Code != domain.CodeRejected || ExitCode(fin) != 1 {
				t.Errorf("final event: %+v", fin)
			}
		})
	}
}

func TestConsole_StartLoop(t *testing.T) {
	p := &fakePipeline{submitEvents: completeEvents(0, "x\n")}
	c, out, _ := newTestConsole(p, "ls\n\n  \nwhoami\n/quit\nnever\n", false)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(p.submitted) != 2 || p.submitted[0].Command != "ls" || p.submitted[1].Command != "whoami" {
		t.Errorf("submitted: %+v", p.submitted)
	}
	if strings.Count(out.String(), "x\n") != 2 {
		t.Errorf("output: %q", out.String())
	}
}

func TestConsole_ChangeDir(t *testing.T) {
	p := &fakePipeline{dir: "/srv"}
	c, out, errOut := newTestConsole(p, "/pwd\ncd /tmp\ncd nowhere\n/pwd\n", false)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(p.submitted) != 0 {
		t.Errorf("cd must not be submitted as a command: %+v", p.submitted)
	}
	if !strings.Contains(out.String(), "/srv\n") || strings.Count(out.String(), "/tmp\n") != 2 {
		t.Errorf("stdout: %q", out.String())
	}
	if !strings.Contains(errOut.String(), "working directory does not exist") {
		t.Errorf("stderr: %q", errOut.String())
	}
}

func TestConsole_SubmitError(t *testing.T) {
	p := &fakePipeline{submitErr: domain.ErrBusy}
	c, _, errOut := newTestConsole(p, "ls\n", false)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(errOut.String(), "error: busy") {
		t.Errorf("stderr: %q", errOut.String())
	}
}

func TestExitCode(t *testing.T) {
	code := func(n int) *int { return &n }
	tests := []struct {
		name string
		ev   domain.Event
		want int
	}{
		{"success", domain.Event{Type: domain.EventExecutionComplete, ExitCode: code(0)}, 0},
		{"exit 3", domain.Event{Type: domain.EventExecutionComplete, ExitCode: code(3)}, 3},
		{"timeout", domain.Event{Type: domain.EventExecutionComplete, ExitCode: code(domain.ExitCodeTimeout)}, 124},
		{"cancelled", domain.Event{Type: domain.EventExecutionComplete, ExitCode: code(domain.ExitCodeCancelled)}, 1},
		{"error", domain.ErrorEvent(domain.CodeSpawn, "nope"), 1},
		{"confirmation", domain.Event{Type: domain.EventConfirmationRequired}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.ev); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
