package domain

import "time"

type EventType string

const (
	EventOutput               EventType = "output"
	EventExecutionStart       EventType = "execution_start"
	EventExecutionComplete    EventType = "execution_complete"
	EventError                EventType = "error"
	EventConfirmationRequired EventType = "confirmation_required"
	EventWarning              EventType = "warning"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Completion statuses carried by execution_complete.
const (
	StatusExited    = "exited"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Synthetic exit codes for runs that did not exit on their own.
const (
	ExitCodeTimeout   = 124
	ExitCodeCancelled = -1
)

// BackupRef is the wire form of a backup inside execution_start.
type BackupRef struct {
	Original string `json:"original"`
	Backup   string `json:"backup"`
}

// Event is one element of a session's ordered event stream. Type selects which
// of the optional fields are meaningful.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// output
	Stream  string `json:"stream,omitempty"`
	Content string `json:"content,omitempty"`

	// execution_start
	Command string      `json:"command,omitempty"`
	Backups []BackupRef `json:"backups,omitempty"`

	// execution_complete
	Success   *bool  `json:"success,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Status    string `json:"status,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// error, warning, confirmation_required, execution_complete
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`

	// confirmation_required
	Analysis          *CommandAnalysis `json:"analysis,omitempty"`
	CooldownRemaining float64          `json:"cooldown_remaining_seconds,omitempty"`
}

// Terminal reports whether the event ends its session for good. A
// confirmation_required event only pauses it.
func (e Event) Terminal() bool {
	return e.Type == EventExecutionComplete || e.Type == EventError
}

func OutputEvent(stream, content string) Event {
	return Event{Type: EventOutput, Stream: stream, Content: content}
}

func ExecutionStartEvent(command string, records []BackupRecord) Event {
	refs := make([]BackupRef, 0, len(records))
	for _, r := range records {
		refs = append(refs, BackupRef{Original: r.OriginalPath, Backup: r.BackupPath})
	}
	return Event{Type: EventExecutionStart, Command: command, Backups: refs}
}

func ErrorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

func WarningEvent(message string) Event {
	return Event{Type: EventWarning, Message: message}
}
