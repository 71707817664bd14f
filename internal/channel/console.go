package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"coreastra/internal/domain"
	"coreastra/internal/pipeline"
)

// ConsoleConfig configures the interactive terminal.
type ConsoleConfig struct {
	Pipeline Pipeline
	In       io.Reader
	Out      io.Writer
	ErrOut   io.Writer
	// AutoApprove answers every confirmation prompt with yes.
	AutoApprove bool
	Logger      *slog.Logger
}

// Console runs commands from a terminal: it renders session events, asks
// for confirmation on stdin and waits out cool-downs before approving.
type Console struct {
	pipeline    Pipeline
	in          *bufio.Scanner
	out         io.Writer
	errOut      io.Writer
	autoApprove bool
	logger      *slog.Logger
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ErrOut == nil {
		cfg.ErrOut = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		pipeline:    cfg.Pipeline,
		in:          bufio.NewScanner(cfg.In),
		out:         cfg.Out,
		errOut:      cfg.ErrOut,
		autoApprove: cfg.AutoApprove,
		logger:      cfg.Logger,
	}
}

func (c *Console) Name() string { return "console" }

// Start runs a read-eval loop, one command per line, until EOF, /quit or
// ctx is cancelled.
func (c *Console) Start(ctx context.Context) error {
	fmt.Fprintln(c.out, "CoreAstra console. Each line is run as a shell command. Type /quit to exit.")
	for {
		fmt.Fprint(c.out, "$ ")
		line, ok := c.readLine(ctx)
		if !ok {
			return c.in.Err()
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit", "/q":
			c.logger.Info("user requested quit")
			return nil
		case "/pwd":
			fmt.Fprintln(c.out, c.pipeline.Dir())
			continue
		}
		// cd in a child shell would not outlive it, so it moves the
		// terminal instead.
		if line == "cd" || strings.HasPrefix(line, "cd ") {
			target := strings.TrimSpace(strings.TrimPrefix(line, "cd"))
			if target == "" {
				target = "~"
			}
			if dir, err := c.pipeline.ChangeDir(target); err != nil {
				fmt.Fprintf(c.errOut, "error: %v\n", err)
			} else {
				fmt.Fprintln(c.out, dir)
			}
			continue
		}
		if _, err := c.Run(ctx, domain.ExecRequest{Command: line}); err != nil {
			fmt.Fprintf(c.errOut, "error: %v\n", err)
		}
	}
}

// Run submits one command and drives it to its final event, which it
// returns. A command rejected at the prompt ends with the rejection error
// event.
func (c *Console) Run(ctx context.Context, req domain.ExecRequest) (domain.Event, error) {
	stream, err := c.pipeline.Submit(ctx, req)
	if err != nil {
		return domain.Event{}, err
	}
	id := stream.Session.ID
	fin := c.render(stream.Events)
	if fin.Type != domain.EventConfirmationRequired {
		return fin, nil
	}

	approve, backup := c.ask(ctx, req.CreateBackup)
	if !approve {
		if err := c.pipeline.Reject(id, "declined at console"); err != nil {
			return domain.Event{}, err
		}
		return c.finalOf(id)
	}

	for {
		stream, err = c.pipeline.Approve(ctx, id, backup)
		var cd *domain.CoolDownError
		if !errors.As(err, &cd) {
			break
		}
		fmt.Fprintf(c.errOut, "cooling down, approving in %.1fs...\n", cd.Remaining.Seconds())
		t := time.NewTimer(cd.Remaining)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return domain.Event{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Event{}, err
	}
	return c.render(stream.Events), nil
}

// finalOf reports the terminal event of a session that already ended.
func (c *Console) finalOf(id string) (domain.Event, error) {
	info, err := c.pipeline.Get(id)
	if err != nil {
		return domain.Event{}, err
	}
	ev := domain.ErrorEvent(domain.CodeRejected, info.Message)
	ev.SessionID = id
	fmt.Fprintf(c.errOut, "rejected: %s\n", info.Message)
	return ev, nil
}

// ask prompts for a decision. The default is no.
func (c *Console) ask(ctx context.Context, backupDefault bool) (approve, backup bool) {
	if c.autoApprove {
		fmt.Fprintln(c.errOut, "auto-approved")
		return true, backupDefault
	}
	fmt.Fprint(c.errOut, "Run it? [y]es / [b]ackup and run / [N]o: ")
	line, ok := c.readLine(ctx)
	if !ok {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, backupDefault
	case "b", "backup":
		return true, true
	}
	return false, false
}

func (c *Console) readLine(ctx context.Context) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	if !c.in.Scan() {
		return "", false
	}
	return c.in.Text(), true
}

// render prints events until the stream closes and returns the last one.
func (c *Console) render(events <-chan domain.Event) domain.Event {
	var last domain.Event
	for ev := range events {
		last = ev
		switch ev.Type {
		case domain.EventOutput:
			if ev.Stream == domain.StreamStderr {
				fmt.Fprint(c.errOut, ev.Content)
			} else {
				fmt.Fprint(c.out, ev.Content)
			}
		case domain.EventConfirmationRequired:
			c.printAnalysis(ev)
		case domain.EventExecutionStart:
			for _, b := range ev.Backups {
				fmt.Fprintf(c.errOut, "backup: %s -> %s\n", b.Original, b.Backup)
			}
		case domain.EventWarning:
			fmt.Fprintf(c.errOut, "warning: %s\n", ev.Message)
		case domain.EventError:
			fmt.Fprintf(c.errOut, "error [%s]: %s\n", ev.Code, ev.Message)
		case domain.EventExecutionComplete:
			if ev.Success == nil || !*ev.Success {
				fmt.Fprintln(c.errOut, ev.Message)
			}
		}
	}
	return last
}

func (c *Console) printAnalysis(ev domain.Event) {
	if a := ev.Analysis; a != nil {
		fmt.Fprintf(c.errOut, "risk: %s (score %d, %s)\n", a.RiskLevel, a.RiskScore, a.Category)
		for _, w := range a.Warnings {
			fmt.Fprintf(c.errOut, "  ! %s\n", w)
		}
		if len(a.AffectedPaths) > 0 {
			fmt.Fprintf(c.errOut, "  paths: %s\n", strings.Join(a.AffectedPaths, ", "))
		}
	}
	if ev.Message != "" {
		fmt.Fprintln(c.errOut, ev.Message)
	}
}

// ExitCode maps a final event to a process exit status.
func ExitCode(ev domain.Event) int {
	switch {
	case ev.Type == domain.EventExecutionComplete && ev.ExitCode != nil:
		if *ev.ExitCode < 0 {
			return 1
		}
		return *ev.ExitCode
	case ev.Type == domain.EventExecutionComplete:
		return 0
	}
	return 1
}

var _ Pipeline = (*pipeline.Coordinator)(nil)
