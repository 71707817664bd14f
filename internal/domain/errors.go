package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrBusy            = errors.New("busy: concurrency limit reached")
	ErrCoolDown        = errors.New("approval not accepted yet: critical command is cooling down")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state for this operation")
	ErrShuttingDown    = errors.New("service is shutting down")
	ErrEmptyCommand    = errors.New("missing argument: command")
	ErrInvalidCwd      = errors.New("working directory does not exist")
	ErrInvalidEnv      = errors.New("invalid environment variable name")
)

// CoolDownError is returned for an approval that arrives during a critical
// command's cool-down.
type CoolDownError struct {
	Remaining time.Duration
}

func (e *CoolDownError) Error() string {
	return fmt.Sprintf("%s: %.1fs remaining", ErrCoolDown, e.Remaining.Seconds())
}

func (e *CoolDownError) Unwrap() error { return ErrCoolDown }

// Error codes carried by error events.
const (
	CodeRejected = "confirmation_rejected"
	CodeBackup   = "backup_failed"
	CodeSpawn    = "process_spawn_failed"
	CodeBusy     = "busy"
	CodeShutdown = "shutting_down"
	CodeInternal = "internal"
)

// ConfirmationRejectedError ends a session whose approval was refused.
type ConfirmationRejectedError struct {
	Reason string
}

func (e *ConfirmationRejectedError) Error() string {
	if e.Reason == "" {
		return "command rejected"
	}
	return "command rejected: " + e.Reason
}

// BackupFailedError names every path that could not be backed up.
type BackupFailedError struct {
	Paths []string
	Errs  []error
}

func (e *BackupFailedError) Error() string {
	return fmt.Sprintf("backup failed for %s; command not executed", strings.Join(e.Paths, ", "))
}

func (e *BackupFailedError) Unwrap() []error { return e.Errs }

// SpawnError means the process could not be started.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Program == "" {
		return fmt.Sprintf("cannot start process: %v", e.Err)
	}
	return fmt.Sprintf("cannot start process %q: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ErrorCode maps a pipeline error to the code used in error events.
func ErrorCode(err error) string {
	var rej *ConfirmationRejectedError
	var bf *BackupFailedError
	var se *SpawnError
	switch {
	case errors.As(err, &rej):
		return CodeRejected
	case errors.As(err, &bf):
		return CodeBackup
	case errors.As(err, &se):
		return CodeSpawn
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrShuttingDown):
		return CodeShutdown
	}
	return CodeInternal
}
