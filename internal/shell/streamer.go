package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"coreastra/internal/domain"
)

const (
	defaultTimeout        = 300 * time.Second
	defaultMaxOutputBytes = 1 << 20
	defaultEventBuffer    = 64
	defaultWaitDelay      = 2 * time.Second
)

var errTimeout = errors.New("execution timed out")

// Config configures a Streamer.
type Config struct {
	Shell          string
	Timeout        time.Duration
	MaxOutputBytes int
	EventBuffer    int
	WaitDelay      time.Duration
	Logger         *slog.Logger
}

// Spec describes one run.
type Spec struct {
	Command string
	Dir     string
	Env     []string      // appended to the service environment
	Timeout time.Duration // overrides Config.Timeout when > 0
}

// Result is the outcome of a run. Stdout and Stderr hold the output that
// was delivered, up to the output ceiling.
type Result struct {
	ExitCode  int
	TimedOut  bool
	Cancelled bool
	Truncated bool
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Timeout   time.Duration
	Err       error // non-nil only when the process could not be started
}

func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && !r.Cancelled && r.ExitCode == 0
}

func (r Result) Status() string {
	switch {
	case r.TimedOut:
		return domain.StatusTimeout
	case r.Cancelled:
		return domain.StatusCancelled
	}
	return domain.StatusExited
}

// Message is the human-readable summary of the run.
func (r Result) Message() string {
	switch {
	case r.TimedOut:
		return fmt.Sprintf("Command timed out after %s and was terminated", r.Timeout)
	case r.Cancelled:
		return "Command cancelled"
	case r.ExitCode == 0:
		return "Command completed successfully"
	}
	return fmt.Sprintf("Command exited with code %d", r.ExitCode)
}

// CompleteEvent builds the execution_complete event for the result.
func (r Result) CompleteEvent() domain.Event {
	success := r.Success()
	code := r.ExitCode
	return domain.Event{
		Type:      domain.EventExecutionComplete,
		Success:   &success,
		ExitCode:  &code,
		Status:    r.Status(),
		TimedOut:  r.TimedOut,
		Cancelled: r.Cancelled,
		Truncated: r.Truncated,
		Message:   r.Message(),
	}
}

// Streamer runs shell commands in their own process group and forwards
// their output as ordered events.
type Streamer struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Streamer {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Streamer{cfg: cfg, logger: cfg.Logger}
}

// Preflight checks that the shell and the leading program of the command can
// be found, so a missing binary fails before any backup is taken. Later
// programs are not checked: earlier steps of the command may create them.
func (s *Streamer) Preflight(a domain.CommandAnalysis, dir string) error {
	if _, err := exec.LookPath(s.cfg.Shell); err != nil {
		return &domain.SpawnError{Program: s.cfg.Shell, Err: err}
	}
	if len(a.Programs) == 0 {
		return nil
	}
	prog := a.Programs[0]
	if strings.ContainsRune(prog, '/') || strings.ContainsRune(prog, filepath.Separator) {
		p := prog
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err != nil {
			return &domain.SpawnError{Program: prog, Err: err}
		}
		return nil
	}
	if _, err := exec.LookPath(prog); err != nil {
		return &domain.SpawnError{Program: prog, Err: err}
	}
	return nil
}

type chunk struct {
	stream string
	data   []byte
}

// chunkWriter hands pipe output to the forwarding loop. Write blocks while
// the channel is full, which in turn blocks the pipe reader.
type chunkWriter struct {
	stream string
	ch     chan<- chunk
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- chunk{stream: w.stream, data: buf}
	return len(p), nil
}

// Run executes spec and calls emit for every output or warning event, in
// order, from a single goroutine. Once emit returns false no further events
// are emitted but the process keeps running to completion. Cancelling ctx
// kills the process group.
func (s *Streamer) Run(ctx context.Context, spec Spec, emit func(domain.Event) bool) Result {
	timeout := s.cfg.Timeout
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	res := Result{Timeout: timeout}

	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, errTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Shell, shellArgs(s.cfg.Shell, spec.Command)...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = s.cfg.WaitDelay

	chunks := make(chan chunk, s.cfg.EventBuffer)
	cmd.Stdout = &chunkWriter{stream: domain.StreamStdout, ch: chunks}
	cmd.Stderr = &chunkWriter{stream: domain.StreamStderr, ch: chunks}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Err = &domain.SpawnError{Program: s.cfg.Shell, Err: err}
		return res
	}
	s.logger.Debug("process started", "pid", cmd.Process.Pid, "command", spec.Command)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	fw := &forwarder{emit: emit, max: s.cfg.MaxOutputBytes}
	var waitErr error
loop:
	for {
		select {
		case c := <-chunks:
			fw.forward(c)
		case waitErr = <-waitCh:
			break loop
		}
	}
	// Wait returns only after the pipe copiers finished, so what is left
	// in the channel is the complete tail.
	for drained := false; !drained; {
		select {
		case c := <-chunks:
			fw.forward(c)
		default:
			drained = true
		}
	}
	fw.flush()

	res.Duration = time.Since(start)
	res.Stdout = fw.stdout.String()
	res.Stderr = fw.stderr.String()
	res.Truncated = fw.truncated
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		switch {
		case ctx.Err() != nil:
			res.Cancelled = true
			res.ExitCode = domain.ExitCodeCancelled
		case errors.Is(context.Cause(runCtx), errTimeout):
			res.TimedOut = true
			res.ExitCode = domain.ExitCodeTimeout
		case errors.Is(waitErr, exec.ErrWaitDelay):
			s.logger.Debug("output pipes held open by background processes", "command", spec.Command)
		}
	}

	s.logger.Info("command finished",
		"exit_code", res.ExitCode,
		"status", res.Status(),
		"duration", res.Duration.Round(time.Millisecond),
		"truncated", res.Truncated,
	)
	return res
}

// forwarder applies the output ceiling and turns chunks into events.
type forwarder struct {
	emit      func(domain.Event) bool
	detached  bool
	max       int
	total     int
	truncated bool
	stdout    strings.Builder
	stderr    strings.Builder
	carry     map[string][]byte // incomplete UTF-8 tail per stream
}

func (f *forwarder) forward(c chunk) {
	if f.truncated {
		return // drained and discarded
	}
	data := c.data
	if remaining := f.max - f.total; len(data) > remaining {
		data = data[:remaining]
		f.truncated = true
	}
	f.total += len(data)
	f.send(c.stream, data)
	if f.truncated {
		f.flush()
		f.deliver(domain.WarningEvent(fmt.Sprintf("Output exceeded %d bytes; further output is discarded", f.max)))
	}
}

func (f *forwarder) send(stream string, data []byte) {
	if f.carry == nil {
		f.carry = make(map[string][]byte, 2)
	}
	if prev := f.carry[stream]; len(prev) > 0 {
		data = append(prev, data...)
		f.carry[stream] = nil
	}
	valid, rest := splitUTF8(data)
	if len(rest) > 0 {
		f.carry[stream] = rest
	}
	if len(valid) == 0 {
		return
	}
	text := string(valid)
	if stream == domain.StreamStderr {
		f.stderr.WriteString(text)
	} else {
		f.stdout.WriteString(text)
	}
	f.deliver(domain.OutputEvent(stream, text))
}

// flush emits any held-back partial characters as they are.
func (f *forwarder) flush() {
	for _, stream := range []string{domain.StreamStdout, domain.StreamStderr} {
		if rest := f.carry[stream]; len(rest) > 0 {
			f.carry[stream] = nil
			text := string(rest)
			if stream == domain.StreamStderr {
				f.stderr.WriteString(text)
			} else {
				f.stdout.WriteString(text)
			}
			f.deliver(domain.OutputEvent(stream, text))
		}
	}
}

func (f *forwarder) deliver(ev domain.Event) {
	if f.detached {
		return
	}
	ev.Timestamp = time.Now()
	if !f.emit(ev) {
		f.detached = true
	}
}

// splitUTF8 splits off an incomplete multi-byte sequence at the end of b.
func splitUTF8(b []byte) ([]byte, []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if utf8.FullRune(b[start:]) {
			return b, nil
		}
		return b[:start], b[start:]
	}
	return b, nil
}

func shellArgs(shell, command string) []string {
	switch strings.ToLower(strings.TrimSuffix(filepath.Base(shell), ".exe")) {
	case "cmd":
		return []string{"/C", command}
	case "powershell", "pwsh":
		return []string{"-NoProfile", "-NonInteractive", "-Command", command}
	}
	return []string{"-c", command}
}
