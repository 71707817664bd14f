package pipeline

import (
	"context"
	"strings"
	"testing"

	"coreastra/internal/domain"
	"coreastra/internal/shell"
)

func TestEventLog_DropsOutputPastLimit(t *testing.T) {
	l := eventLog{max: 3}
	l.append(domain.Event{Type: domain.EventExecutionStart})
	for i := 0; i < 10; i++ {
		l.append(domain.OutputEvent(domain.StreamStdout, "x"))
	}
	l.append(domain.Event{Type: domain.EventExecutionComplete})

	events, _ := l.since(0)
	got := types(events)
	want := []domain.EventType{
		domain.EventExecutionStart,
		domain.EventOutput,
		domain.EventOutput,
		domain.EventWarning,
		domain.EventExecutionComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
	if l.dropped != 8 {
		t.Errorf("dropped: %d", l.dropped)
	}
}

func TestEventLog_WakesFollowers(t *testing.T) {
	var l eventLog
	events, wait := l.since(0)
	if len(events) != 0 {
		t.Fatalf("events: %v", events)
	}
	l.append(domain.WarningEvent("w"))
	select {
	case <-wait:
	default:
		t.Fatal("append did not wake the follower")
	}
	if events, _ := l.since(0); len(events) != 1 {
		t.Errorf("events: %d", len(events))
	}
}

// chattyExecutor emits one output event per line.
type chattyExecutor struct {
	lines int
}

func (chattyExecutor) Preflight(domain.CommandAnalysis, string) error { return nil }

func (e chattyExecutor) Run(_ context.Context, _ shell.Spec, emit func(domain.Event) bool) shell.Result {
	var out strings.Builder
	for i := 0; i < e.lines; i++ {
		emit(domain.OutputEvent(domain.StreamStdout, "line\n"))
		out.WriteString("line\n")
	}
	return shell.Result{Stdout: out.String()}
}

func TestSubmit_LongOutputIsBoundedInReplay(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Executor = chattyExecutor{lines: 500}
		cfg.MaxSessionEvents = 50
	})
	st, err := h.c.Submit(context.Background(), domain.ExecRequest{Command: "seq 500"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, st.Events)

	if len(events) > 52 {
		t.Errorf("replay holds %d events, want at most 52", len(events))
	}
	if fin := last(events); fin.Type != domain.EventExecutionComplete {
		t.Fatalf("final event: %+v", fin)
	}
	warned := false
	for _, ev := range events {
		if ev.Type == domain.EventWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning where output was dropped")
	}

	info, err := h.c.Get(st.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(info.Stdout, "line\n"); n != 500 {
		t.Errorf("session record kept %d lines, want 500", n)
	}
}
