package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"coreastra/internal/config"
	"coreastra/internal/domain"
	"coreastra/internal/security"
	"coreastra/internal/shell"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeExecutor struct {
	mu           sync.Mutex
	preflights   int
	runs         int
	preflightErr error
	block        chan struct{} // Run waits on it (or ctx) when set
	started      chan string
	specs        []shell.Spec
}

func (f *fakeExecutor) Preflight(domain.CommandAnalysis, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preflights++
	return f.preflightErr
}

func (f *fakeExecutor) Run(ctx context.Context, spec shell.Spec, emit func(domain.Event) bool) shell.Result {
	f.mu.Lock()
	f.runs++
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- spec.Command
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return shell.Result{Cancelled: true, ExitCode: domain.ExitCodeCancelled}
		}
	}
	out := "ran " + spec.Command + "\n"
	emit(domain.OutputEvent(domain.StreamStdout, out))
	return shell.Result{Stdout: out, Duration: time.Millisecond}
}

func (f *fakeExecutor) lastSpec() shell.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		return shell.Spec{}
	}
	return f.specs[len(f.specs)-1]
}

func (f *fakeExecutor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preflights, f.runs
}

type fakeSnapshotter struct {
	mu     sync.Mutex
	calls  int
	err    error
	during func(sessionID string) // called before copying, outside mu
}

func (f *fakeSnapshotter) CreateAll(ctx context.Context, sessionID string, paths []string) ([]domain.BackupRecord, error) {
	if f.during != nil {
		f.during(sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, &domain.BackupFailedError{Paths: paths, Errs: []error{err}}
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.BackupRecord
	for _, p := range paths {
		out = append(out, domain.BackupRecord{OriginalPath: p, BackupPath: "/backups/" + sessionID, SessionID: sessionID})
	}
	return out, nil
}

func (f *fakeSnapshotter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAuditor) Record(e domain.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// trail returns "action:status" per entry for one session.
func (m *memAuditor) trail(session string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.SessionID == session {
			out = append(out, e.ActionType+":"+string(e.Status))
		}
	}
	return out
}

type harness struct {
	c     *Coordinator
	exec  *fakeExecutor
	snap  *fakeSnapshotter
	audit *memAuditor
	clock *ManualClock
	dir   string
}

func newHarness(t *testing.T, mod func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	analyzer, err := security.NewAnalyzer(config.Defaults().Analyzer, dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		exec:  &fakeExecutor{started: make(chan string, 16)},
		snap:  &fakeSnapshotter{},
		audit: &memAuditor{},
		clock: NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		dir:   dir,
	}
	cfg := Config{
		Analyzer:         analyzer,
		Executor:         h.exec,
		Backups:          h.snap,
		Audit:            h.audit,
		Clock:            h.clock,
		Logger:           testLogger(),
		WorkDir:          dir,
		CriticalCooldown: 5 * time.Second,
		ConfirmTimeout:   time.Minute,
		MaxConcurrent:    1,
		Overflow:         OverflowReject,
	}
	if mod != nil {
		mod(&cfg)
	}
	h.c, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.c.Shutdown(ctx)
	})
	return h
}

// collect drains a stream until it is closed.
func collect(t *testing.T, events <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not end; got %d events", len(out))
		}
	}
}

func types(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func last(events []domain.Event) domain.Event {
	if len(events) == 0 {
		return domain.Event{}
	}
	return events[len(events)-1]
}

func equalTrail(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSubmit_SafeCommandRunsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo one"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, st.Events)

	want := []domain.EventType{domain.EventExecutionStart, domain.EventOutput, domain.EventExecutionComplete}
	if got := types(events); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("events: %v", got)
	}
	for _, ev := range events {
		if ev.SessionID != st.Session.ID || ev.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", ev)
		}
	}
	if fin := last(events); !*fin.Success || *fin.ExitCode != 0 {
		t.Errorf("completion: %+v", fin)
	}
	info, err := h.c.Get(st.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != domain.StateCompleted || info.Stdout != "ran echo one\n" {
		t.Errorf("session: %+v", info)
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail, "command_execution:succeeded") {
		t.Errorf("audit trail: %v", trail)
	}
}

func TestSubmit_NoSideEffectsBeforeApproval(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git reset --hard HEAD~1", CreateBackup: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, st.Events)
	if len(events) != 1 || events[0].Type != domain.EventConfirmationRequired {
		t.Fatalf("expected a single confirmation_required, got %v", types(events))
	}
	if events[0].Analysis == nil || events[0].Message == "" {
		t.Errorf("prompt should carry analysis and message: %+v", events[0])
	}
	if st.Session.State != domain.StateAwaitingConfirmation {
		t.Errorf("state: %s", st.Session.State)
	}

	if err := h.c.Reject(st.Session.ID, "not today"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	pre, runs := h.exec.counts()
	if pre != 0 || runs != 0 || h.snap.count() != 0 {
		t.Errorf("side effects: preflights=%d runs=%d backups=%d", pre, runs, h.snap.count())
	}
	info, _ := h.c.Get(st.Session.ID)
	if info.State != domain.StateRejected || info.Message != "command rejected: not today" {
		t.Errorf("session: %+v", info)
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail, "command_confirmation:rejected") {
		t.Errorf("audit trail: %v", trail)
	}
	if _, err := h.c.Approve(context.Background(), st.Session.ID, false); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("approve after reject: %v", err)
	}
}

func TestSubmit_ConfirmedNonCriticalRunsWithApproval(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git push --force", Confirmed: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.Session.Analysis.RiskLevel == domain.RiskCritical || !st.Session.Analysis.RequiresConfirmation {
		t.Fatalf("unexpected analysis: %+v", st.Session.Analysis)
	}
	events := collect(t, st.Events)
	if last(events).Type != domain.EventExecutionComplete {
		t.Fatalf("events: %v", types(events))
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail, "command_confirmation:approved", "command_execution:succeeded") {
		t.Errorf("audit trail: %v", trail)
	}
}

func TestSubmit_ConfirmedCriticalStillWaits(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "rm -rf /tmp/coreastra-test", Confirmed: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	collect(t, st.Events)
	if st.Session.State != domain.StateAwaitingConfirmation {
		t.Fatalf("critical command must wait for the cool-down, state=%s", st.Session.State)
	}
	if st.Session.CooldownRemaining != 5 {
		t.Errorf("cooldown remaining: %v", st.Session.CooldownRemaining)
	}
	if _, runs := h.exec.counts(); runs != 0 {
		t.Errorf("runs: %d", runs)
	}
}

func TestApprove_CoolDownIsInert(t *testing.T) {
	h := newHarness(t, nil)
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "rm -rf /tmp/coreastra-test"})
	collect(t, st.Events)

	h.clock.Advance(2 * time.Second)
	_, err := h.c.Approve(context.Background(), st.Session.ID, true)
	if !errors.Is(err, domain.ErrCoolDown) {
		t.Fatalf("expected ErrCoolDown, got %v", err)
	}
	var cd *domain.CoolDownError
	if !errors.As(err, &cd) || cd.Remaining != 3*time.Second {
		t.Errorf("remaining cool-down in error: %v", err)
	}
	info, _ := h.c.Get(st.Session.ID)
	if info.State != domain.StateAwaitingConfirmation || info.Confirmed {
		t.Fatalf("cool-down attempt changed the session: %+v", info)
	}
	if info.CooldownRemaining != 3 {
		t.Errorf("cooldown remaining: %v", info.CooldownRemaining)
	}
	if len(h.audit.trail(st.Session.ID)) != 0 {
		t.Error("inert attempt must not be audited")
	}

	h.clock.Advance(3 * time.Second)
	approved, err := h.c.Approve(context.Background(), st.Session.ID, true)
	if err != nil {
		t.Fatalf("Approve after cool-down: %v", err)
	}
	events := collect(t, approved.Events)
	if events[0].Type != domain.EventExecutionStart || len(events[0].Backups) != 1 {
		t.Fatalf("first event after approval should list the backup: %+v", events[0])
	}
	if h.snap.count() != 1 {
		t.Errorf("backups taken: %d", h.snap.count())
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail,
		"command_confirmation:approved", "backup_created:succeeded", "command_execution:succeeded") {
		t.Errorf("audit trail: %v", trail)
	}
}

func TestApprove_UnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Approve(context.Background(), "nope", false); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("got %v", err)
	}
	if err := h.c.Reject("nope", ""); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("got %v", err)
	}
}

func TestRun_PreflightFailsBeforeBackup(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.preflightErr = &domain.SpawnError{Program: "nosuchprog", Err: errors.New("not found")}
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git push --force", Confirmed: true, CreateBackup: true})
	events := collect(t, st.Events)

	fin := last(events)
	if fin.Type != domain.EventError || fin.Code != domain.CodeSpawn {
		t.Fatalf("expected spawn error, got %+v", fin)
	}
	if h.snap.count() != 0 {
		t.Error("no backup may be taken when the program is missing")
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail, "command_confirmation:approved", "command_execution:failed") {
		t.Errorf("audit trail: %v", trail)
	}
}

func TestRun_BackupFailureAbortsExecution(t *testing.T) {
	h := newHarness(t, nil)
	h.snap.err = &domain.BackupFailedError{Paths: []string{"/a", "/b"}, Errs: []error{errors.New("x")}}
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "rm -rf /tmp/a /tmp/b"})
	collect(t, st.Events)
	h.clock.Advance(5 * time.Second)

	approved, err := h.c.Approve(context.Background(), st.Session.ID, true)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	events := collect(t, approved.Events)
	if len(events) != 1 || events[0].Code != domain.CodeBackup {
		t.Fatalf("expected one backup_failed error, got %+v", events)
	}
	if _, runs := h.exec.counts(); runs != 0 {
		t.Error("command ran without its backup")
	}
	info, _ := h.c.Get(st.Session.ID)
	if info.State != domain.StateFailed {
		t.Errorf("state: %s", info.State)
	}
}

func TestAdmission_RejectWhenBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.block = make(chan struct{})

	first, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo first"})
	if err != nil {
		t.Fatal(err)
	}
	<-h.exec.started

	if _, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo second"}); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	info, _ := h.c.Get(first.Session.ID)
	if info.State != domain.StateExecuting {
		t.Errorf("in-flight session disturbed: %s", info.State)
	}

	close(h.exec.block)
	events := collect(t, first.Events)
	if fin := last(events); fin.Type != domain.EventExecutionComplete || !*fin.Success {
		t.Errorf("first session: %+v", fin)
	}
}

func TestAdmission_QueueIsFIFO(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Overflow = OverflowQueue
		c.MaxQueue = 1
	})
	h.exec.block = make(chan struct{})

	first, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo first"})
	<-h.exec.started
	second, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo second"})
	if err != nil {
		t.Fatalf("second should queue: %v", err)
	}
	if second.Session.State != domain.StateQueued {
		t.Errorf("state: %s", second.Session.State)
	}
	if _, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo third"}); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("queue overflow should be busy, got %v", err)
	}
	if s := h.c.Stats(); s.Executing != 1 || s.Queued != 1 {
		t.Errorf("stats: %+v", s)
	}

	close(h.exec.block)
	collect(t, first.Events)
	if got := <-h.exec.started; got != "echo second" {
		t.Errorf("next started: %s", got)
	}
	if fin := last(collect(t, second.Events)); !*fin.Success {
		t.Errorf("second: %+v", fin)
	}
}

func TestCancel_Executing(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.block = make(chan struct{})
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo slow"})
	<-h.exec.started

	if err := h.c.Cancel(st.Session.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	fin := last(collect(t, st.Events))
	if fin.Type != domain.EventExecutionComplete || !fin.Cancelled || *fin.Success {
		t.Fatalf("expected cancelled completion: %+v", fin)
	}
	if err := h.c.Cancel(st.Session.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestCancel_DuringBackupEndsCancelled(t *testing.T) {
	h := newHarness(t, nil)
	h.snap.during = func(id string) {
		if err := h.c.Cancel(id); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "rm -rf /tmp/coreastra-project"})
	collect(t, st.Events)
	h.clock.Advance(5 * time.Second)

	approved, err := h.c.Approve(context.Background(), st.Session.ID, true)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	events := collect(t, approved.Events)
	for _, ev := range events {
		if ev.Type == domain.EventError || ev.Type == domain.EventExecutionStart {
			t.Errorf("unexpected %s event: %+v", ev.Type, ev)
		}
	}
	fin := last(events)
	if fin.Type != domain.EventExecutionComplete || !fin.Cancelled || fin.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled completion, got %+v", fin)
	}
	if _, runs := h.exec.counts(); runs != 0 {
		t.Errorf("runs: %d", runs)
	}
	info, _ := h.c.Get(st.Session.ID)
	if info.State != domain.StateFailed || info.Message != "Command cancelled" {
		t.Errorf("session: %+v", info)
	}
	if trail := h.audit.trail(st.Session.ID); !equalTrail(trail, "command_confirmation:approved", "command_execution:failed") {
		t.Errorf("audit trail: %v", trail)
	}
}

func TestCancel_QueuedNeverRuns(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Overflow = OverflowQueue
		c.MaxQueue = 4
	})
	h.exec.block = make(chan struct{})
	first, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo first"})
	<-h.exec.started
	second, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo second"})

	if err := h.c.Cancel(second.Session.ID); err != nil {
		t.Fatal(err)
	}
	if fin := last(collect(t, second.Events)); !fin.Cancelled {
		t.Errorf("queued cancel: %+v", fin)
	}
	close(h.exec.block)
	collect(t, first.Events)
	if _, runs := h.exec.counts(); runs != 1 {
		t.Errorf("runs: %d", runs)
	}
	if s := h.c.Stats(); s.Executing != 0 || s.Queued != 0 {
		t.Errorf("slots leaked: %+v", s)
	}
}

func TestSweep_ExpiresAwaitingSessions(t *testing.T) {
	h := newHarness(t, nil)
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git reset --hard"})
	collect(t, st.Events)

	h.clock.Advance(30 * time.Second)
	h.c.sweep()
	if info, _ := h.c.Get(st.Session.ID); info.State != domain.StateAwaitingConfirmation || info.ExpiresIn != 30 {
		t.Fatalf("not yet expired: %+v", info)
	}

	h.clock.Advance(31 * time.Second)
	h.c.sweep()
	info, _ := h.c.Get(st.Session.ID)
	if info.State != domain.StateRejected || info.Message != "command rejected: confirmation timed out" {
		t.Fatalf("expected auto-reject: %+v", info)
	}
}

func TestSweep_ForgetsFinishedSessions(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Retention = time.Hour })
	observed, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo a"})
	collect(t, observed.Events)
	unobserved, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo b"})
	// wait for completion without following the stream
	for deadline := time.Now().Add(5 * time.Second); ; {
		if info, _ := h.c.Get(unobserved.Session.ID); info.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.clock.Advance(observedGrace)
	h.c.sweep()
	if _, err := h.c.Get(observed.Session.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Error("observed session should be collected")
	}
	if _, err := h.c.Get(unobserved.Session.ID); err != nil {
		t.Error("unobserved session must be kept until retention")
	}

	h.clock.Advance(time.Hour)
	h.c.sweep()
	if len(h.c.List()) != 0 {
		t.Error("retention should collect the rest")
	}
}

func TestShutdown_RejectsAndCancels(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrent = 2 })
	h.exec.block = make(chan struct{})
	waiting, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git reset --hard"})
	collect(t, waiting.Events)
	running, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo run"})
	<-h.exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if info, _ := h.c.Get(waiting.Session.ID); info.State != domain.StateRejected {
		t.Errorf("awaiting session: %s", info.State)
	}
	if fin := last(collect(t, running.Events)); !fin.Cancelled {
		t.Errorf("running session: %+v", fin)
	}
	if _, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo late"}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("submit after shutdown: %v", err)
	}
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "   "}); !errors.Is(err, domain.ErrEmptyCommand) {
		t.Errorf("empty: %v", err)
	}
	if _, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "ls", Cwd: "does/not/exist"}); !errors.Is(err, domain.ErrInvalidCwd) {
		t.Errorf("cwd: %v", err)
	}
}

func TestFollow_ReplaysWholeSession(t *testing.T) {
	h := newHarness(t, nil)
	st, _ := h.c.Submit(context.Background(), domain.ExecRequest{Command: "echo replay"})
	collect(t, st.Events)

	events, err := h.c.Follow(context.Background(), st.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, events); len(got) != 3 {
		t.Errorf("replayed %d events", len(got))
	}
}

func TestDecider_ApproveWithoutConsumer(t *testing.T) {
	h := newHarness(t, nil)
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "git push --force"})
	if err != nil {
		t.Fatal(err)
	}
	collect(t, st.Events)

	if err := h.c.Decider().Approve(st.Session.ID, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	events, err := h.c.Follow(context.Background(), st.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fin := last(collect(t, events)); fin.Type != domain.EventExecutionComplete || !*fin.Success {
		t.Fatalf("final event: %+v", fin)
	}
	if err := h.c.Decider().Reject(st.Session.ID, "late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("reject after completion: %v", err)
	}
}
