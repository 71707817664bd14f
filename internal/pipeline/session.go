package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"coreastra/internal/domain"
)

// Session is one command's lifecycle from analysis to a terminal state.
// Fields other than log and observed are guarded by the Coordinator mutex.
type Session struct {
	id            string
	command       string
	dir           string
	env           []string
	analysis      domain.CommandAnalysis
	state         domain.SessionState
	confirmed     bool
	createBackup  bool
	createdAt     time.Time
	awaitingSince time.Time
	startedAt     time.Time
	finishedAt    time.Time
	backups       []domain.BackupRecord
	exitCode      *int
	stdout        string
	stderr        string
	message       string

	cancel context.CancelFunc

	log      eventLog
	observed atomic.Bool // a follower received the final event
}

func (s *Session) finish(state domain.SessionState, now time.Time, message string) {
	s.state = state
	s.finishedAt = now
	s.message = message
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// eventLog is the append-only event sequence of a session. Followers read it
// at their own pace; appending never blocks. Once max events are held,
// further output events are dropped behind a single warning so a slow or
// absent follower costs bounded memory. Other events are always kept.
type eventLog struct {
	mu      sync.Mutex
	events  []domain.Event
	notify  chan struct{}
	max     int // 0 means unbounded
	dropped int
}

func (l *eventLog) append(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && len(l.events) >= l.max && ev.Type == domain.EventOutput {
		l.dropped++
		if l.dropped > 1 {
			return
		}
		warn := domain.WarningEvent("Live output limit reached; the rest is kept in the session record")
		warn.SessionID = ev.SessionID
		warn.Timestamp = ev.Timestamp
		ev = warn
	}
	l.events = append(l.events, ev)
	if l.notify != nil {
		close(l.notify)
		l.notify = nil
	}
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// since returns the events from index i on and a channel that is closed on
// the next append.
func (l *eventLog) since(i int) ([]domain.Event, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.notify == nil {
		l.notify = make(chan struct{})
	}
	if i >= len(l.events) {
		return nil, l.notify
	}
	return append([]domain.Event(nil), l.events[i:]...), l.notify
}
