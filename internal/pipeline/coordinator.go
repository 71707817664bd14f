// Package pipeline runs submitted commands through analysis, the
// confirmation gate, admission, backup and execution, and owns the session
// registry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"coreastra/internal/audit"
	"coreastra/internal/config"
	"coreastra/internal/domain"
	"coreastra/internal/metrics"
	"coreastra/internal/shell"

	"github.com/google/uuid"
)

const (
	defaultSweepInterval = time.Second
	defaultRetention     = 10 * time.Minute
	observedGrace        = 30 * time.Second

	defaultMaxSessionEvents = 10000
)

type Analyzer interface {
	AnalyzeIn(command, dir string) domain.CommandAnalysis
}

type Executor interface {
	Preflight(a domain.CommandAnalysis, dir string) error
	Run(ctx context.Context, spec shell.Spec, emit func(domain.Event) bool) shell.Result
}

type Snapshotter interface {
	CreateAll(ctx context.Context, sessionID string, paths []string) ([]domain.BackupRecord, error)
}

type Auditor interface {
	Record(domain.AuditEntry)
}

type Config struct {
	Analyzer Analyzer
	Executor Executor
	Backups  Snapshotter            // nil disables backups
	Audit    Auditor                // optional
	Bus      domain.NotificationBus // optional
	Clock    Clock
	Logger   *slog.Logger
	WorkDir  string // initial terminal directory; process cwd when empty

	CriticalCooldown time.Duration
	ConfirmTimeout   time.Duration
	MaxConcurrent    int
	Overflow         OverflowPolicy
	MaxQueue         int
	SweepInterval    time.Duration
	Retention        time.Duration
	// MaxSessionEvents caps a session's replayable event log. Output past
	// the cap is kept in the session record but not replayed.
	MaxSessionEvents int
}

// ApplyGateConfig copies the gate section of the service configuration.
func (c *Config) ApplyGateConfig(g config.GateConfig) {
	c.CriticalCooldown = time.Duration(g.CriticalCooldownSeconds) * time.Second
	c.ConfirmTimeout = time.Duration(g.ConfirmTimeoutSeconds) * time.Second
	c.MaxConcurrent = g.MaxConcurrent
	c.Overflow = OverflowPolicy(g.Overflow)
	c.MaxQueue = g.MaxQueue
	c.SweepInterval = time.Duration(g.SweepIntervalMillis) * time.Millisecond
	c.Retention = time.Duration(g.RetentionSeconds) * time.Second
}

// Stream is a session snapshot plus the events that follow it. Events is
// closed after the stream's last event or when the caller's context ends.
type Stream struct {
	Session domain.SessionInfo
	Events  <-chan domain.Event
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Sessions  int `json:"sessions"`
	Awaiting  int `json:"awaiting_confirmation"`
	Executing int `json:"executing"`
	Queued    int `json:"queued"`
}

// Coordinator owns the session registry and the admission controller. Both
// are guarded by one mutex.
type Coordinator struct {
	cfg    Config
	clock  Clock
	logger *slog.Logger
	gate   gate

	mu       sync.Mutex
	sessions map[string]*Session
	adm      *admission
	closing  bool

	term *terminal

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Analyzer == nil || cfg.Executor == nil {
		return nil, errors.New("pipeline: analyzer and executor are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxSessionEvents <= 0 {
		cfg.MaxSessionEvents = defaultMaxSessionEvents
	}
	switch cfg.Overflow {
	case "", OverflowReject, OverflowQueue:
	default:
		return nil, fmt.Errorf("pipeline: unknown overflow policy %q", cfg.Overflow)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		gate:      gate{cooldown: cfg.CriticalCooldown, confirmTimeout: cfg.ConfirmTimeout},
		sessions:  make(map[string]*Session),
		adm:       newAdmission(cfg.MaxConcurrent, cfg.Overflow, cfg.MaxQueue),
		term:      newTerminal(cfg.WorkDir),
		baseCtx:   ctx,
		cancelAll: cancel,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}, nil
}

// Start launches the periodic sweep. It stops when ctx ends or on Shutdown.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.sweepDone)
			ticker := time.NewTicker(c.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.sweep()
				case <-ctx.Done():
					return
				case <-c.stopSweep:
					return
				}
			}
		}()
	})
}

// Analyze classifies a command without creating a session.
func (c *Coordinator) Analyze(command, cwd string) (domain.CommandAnalysis, error) {
	dir, err := c.resolveDir(cwd)
	if err != nil {
		return domain.CommandAnalysis{}, err
	}
	a := c.cfg.Analyzer.AnalyzeIn(command, dir)
	metrics.AnalyzedTotal(string(a.RiskLevel)).Inc()
	return a, nil
}

// Submit analyzes req and either starts it or parks it in
// AWAITING_CONFIRMATION. The returned stream ends with execution_complete,
// error, or confirmation_required.
func (c *Coordinator) Submit(ctx context.Context, req domain.ExecRequest) (*Stream, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, domain.ErrEmptyCommand
	}
	dir, err := c.resolveDir(req.Cwd)
	if err != nil {
		return nil, err
	}
	env, err := c.environ(req.Env)
	if err != nil {
		return nil, err
	}
	analysis := c.cfg.Analyzer.AnalyzeIn(command, dir)
	metrics.AnalyzedTotal(string(analysis.RiskLevel)).Inc()

	now := c.clock.Now()
	s := &Session{
		id:           uuid.NewString(),
		command:      command,
		dir:          dir,
		env:          env,
		analysis:     analysis,
		state:        domain.StateAnalyzing,
		confirmed:    req.Confirmed,
		createBackup: req.CreateBackup,
		createdAt:    now,
		log:          eventLog{max: c.cfg.MaxSessionEvents},
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	c.sessions[s.id] = s

	var startErr error
	awaiting := c.gate.mustAwait(analysis, req.Confirmed)
	if awaiting {
		s.state = domain.StateAwaitingConfirmation
		s.awaitingSince = now
		cooldown := c.gate.cooldownRemaining(s, now)
		a := analysis
		c.emit(s, domain.Event{
			Type:              domain.EventConfirmationRequired,
			Analysis:          &a,
			Message:           c.gate.prompt(analysis, cooldown),
			CooldownRemaining: cooldown.Seconds(),
		})
	} else {
		s.state = domain.StateApproved
		if analysis.RequiresConfirmation {
			c.record(s, domain.AuditActionConfirmation, domain.AuditApproved, domain.AuditDetails{Decision: "confirmed on submit"})
		}
		startErr = c.startLocked(s)
	}
	info := c.snapshotLocked(s, now)
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.logger.Info("command submitted",
		"session", s.id,
		"risk", analysis.RiskLevel,
		"score", analysis.RiskScore,
		"state", info.State,
	)
	switch {
	case awaiting:
		c.publish(s, domain.NotifyConfirmationRequired, info.State, info.Analysis.Command)
	case startErr != nil:
		c.publish(s, domain.NotifyExecutionFinished, info.State, startErr.Error())
		return nil, startErr
	}
	return &Stream{Session: info, Events: c.follow(ctx, s, 0, true)}, nil
}

// startLocked admits an approved session and launches its runner. When the
// ceiling is reached under the reject policy the session fails with ErrBusy.
func (c *Coordinator) startLocked(s *Session) error {
	w, err := c.adm.acquire()
	if err != nil {
		s.finish(domain.StateFailed, c.clock.Now(), err.Error())
		c.record(s, domain.AuditActionCommand, domain.AuditFailed, domain.AuditDetails{
			Confirmed: s.confirmed,
			Outcome:   domain.CodeBusy,
			Error:     err.Error(),
		})
		sessionsTotal(domain.StateFailed)
		c.emit(s, domain.ErrorEvent(domain.CodeBusy, err.Error()))
		c.logger.Warn("session refused: concurrency limit reached", "session", s.id)
		return err
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	s.cancel = cancel
	if w == nil {
		s.state = domain.StateExecuting
	} else {
		s.state = domain.StateQueued
	}
	c.wg.Add(1)
	go c.run(ctx, s, w)
	return nil
}

// run executes the stages of an admitted session strictly in sequence.
func (c *Coordinator) run(ctx context.Context, s *Session, w *waiter) {
	defer c.wg.Done()
	defer s.cancel()

	if w != nil {
		select {
		case <-w.ready:
		case <-ctx.Done():
			c.mu.Lock()
			if c.adm.abandon(w) {
				c.adm.release()
			}
			c.updateGaugesLocked()
			c.mu.Unlock()
			c.complete(s, cancelledResult())
			return
		}
		c.mu.Lock()
		s.state = domain.StateExecuting
		c.updateGaugesLocked()
		c.mu.Unlock()
	}
	defer c.release()

	// A cancel that lands before the process exists still ends the session
	// as cancelled, never as a preflight or backup failure.
	if ctx.Err() != nil {
		c.complete(s, cancelledResult())
		return
	}
	if err := c.cfg.Executor.Preflight(s.analysis, s.dir); err != nil {
		c.fail(s, err)
		return
	}
	records, err := c.backup(ctx, s)
	if ctx.Err() != nil {
		c.complete(s, cancelledResult())
		return
	}
	if err != nil {
		c.fail(s, err)
		return
	}

	c.mu.Lock()
	s.backups = records
	s.startedAt = c.clock.Now()
	c.emit(s, domain.ExecutionStartEvent(s.command, records))
	c.mu.Unlock()

	res := c.cfg.Executor.Run(ctx, shell.Spec{Command: s.command, Dir: s.dir, Env: s.env}, func(ev domain.Event) bool {
		c.emit(s, ev)
		return true
	})
	if res.Err != nil {
		c.fail(s, res.Err)
		return
	}
	c.complete(s, res)
}

func cancelledResult() shell.Result {
	return shell.Result{Cancelled: true, ExitCode: domain.ExitCodeCancelled}
}

// backup snapshots the affected paths of an approved session when a backup
// was requested and the command can do damage.
func (c *Coordinator) backup(ctx context.Context, s *Session) ([]domain.BackupRecord, error) {
	a := s.analysis
	if c.cfg.Backups == nil || !s.createBackup || len(a.AffectedPaths) == 0 {
		return nil, nil
	}
	if a.Reversible && !a.Risky() {
		return nil, nil
	}
	records, err := c.cfg.Backups.CreateAll(ctx, s.id, a.AffectedPaths)
	if err != nil {
		if ctx.Err() == nil {
			metrics.BackupsFailed.Inc()
		}
		return nil, err
	}
	if len(records) > 0 {
		metrics.BackupsCreated.Add(int64(len(records)))
		c.record(s, domain.AuditActionBackupCreated, domain.AuditSucceeded, domain.AuditDetails{
			Backups: domain.ExecutionStartEvent(s.command, records).Backups,
		})
	}
	return records, nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.adm.release()
	c.updateGaugesLocked()
	c.mu.Unlock()
}

// fail ends a session with an error event. The audit entry is recorded
// before the final event so a follower never observes the end first.
func (c *Coordinator) fail(s *Session, err error) {
	code := domain.ErrorCode(err)
	c.mu.Lock()
	s.finish(domain.StateFailed, c.clock.Now(), err.Error())
	c.record(s, domain.AuditActionCommand, domain.AuditFailed, domain.AuditDetails{
		Confirmed: s.confirmed,
		Outcome:   code,
		Error:     err.Error(),
	})
	sessionsTotal(domain.StateFailed)
	c.emit(s, domain.ErrorEvent(code, err.Error()))
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.logger.Warn("session failed", "session", s.id, "code", code, "err", err)
	c.publish(s, domain.NotifyExecutionFinished, domain.StateFailed, err.Error())
}

// complete ends a session with an execution_complete event.
func (c *Coordinator) complete(s *Session, res shell.Result) {
	state := domain.StateFailed
	status := domain.AuditFailed
	if res.Success() {
		state = domain.StateCompleted
		status = domain.AuditSucceeded
	}

	c.mu.Lock()
	code := res.ExitCode
	s.exitCode = &code
	s.stdout = res.Stdout
	s.stderr = res.Stderr
	s.finish(state, c.clock.Now(), res.Message())
	c.record(s, domain.AuditActionCommand, status, domain.AuditDetails{
		Confirmed: s.confirmed,
		Backups:   domain.ExecutionStartEvent(s.command, s.backups).Backups,
		ExitCode:  &code,
		Outcome:   res.Status(),
		Duration:  res.Duration.Round(time.Millisecond).String(),
	})
	sessionsTotal(state)
	if res.Duration > 0 {
		metrics.ExecutionLatency.Observe(res.Duration.Seconds())
	}
	c.emit(s, res.CompleteEvent())
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.publish(s, domain.NotifyExecutionFinished, state, res.Message())
}

// emit stamps ev and appends it to the session's event log.
func (c *Coordinator) emit(s *Session, ev domain.Event) {
	ev.SessionID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.log.append(ev)
}

func (c *Coordinator) record(s *Session, action string, status domain.AuditStatus, details domain.AuditDetails) {
	if c.cfg.Audit == nil {
		return
	}
	if action == domain.AuditActionCommand || action == domain.AuditActionConfirmation {
		a := s.analysis
		details.Analysis = &a
	}
	c.cfg.Audit.Record(audit.NewEntry(s.id, action, s.analysis.RiskLevel, status, details))
}

func (c *Coordinator) publish(s *Session, kind domain.NotificationKind, state domain.SessionState, message string) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Publish(domain.Notification{
		Kind:      kind,
		SessionID: s.id,
		Command:   s.command,
		RiskLevel: s.analysis.RiskLevel,
		State:     state,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// follow streams the session's events from index from. It stops after a
// final event, or after confirmation_required when stopAtPrompt is set.
// The channel is unbuffered so a delivered final event has been received.
func (c *Coordinator) follow(ctx context.Context, s *Session, from int, stopAtPrompt bool) <-chan domain.Event {
	out := make(chan domain.Event)
	go func() {
		defer close(out)
		for i := from; ; {
			events, wait := s.log.since(i)
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				i++
				if ev.Terminal() {
					s.observed.Store(true)
					return
				}
				if stopAtPrompt && ev.Type == domain.EventConfirmationRequired {
					return
				}
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Follow streams every event of a session from the beginning until its
// final event.
func (c *Coordinator) Follow(ctx context.Context, id string) (<-chan domain.Event, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return c.follow(ctx, s, 0, false), nil
}

func (c *Coordinator) Get(id string) (domain.SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return c.snapshotLocked(s, c.clock.Now()), nil
}

// List returns all registered sessions, newest first.
func (c *Coordinator) List() []domain.SessionInfo {
	c.mu.Lock()
	now := c.clock.Now()
	out := make([]domain.SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, c.snapshotLocked(s, now))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sessions:  len(c.sessions),
		Awaiting:  c.awaitingLocked(),
		Executing: c.adm.executing(),
		Queued:    c.adm.queued(),
	}
}

func (c *Coordinator) snapshotLocked(s *Session, now time.Time) domain.SessionInfo {
	info := domain.SessionInfo{
		ID:            s.id,
		Command:       s.command,
		State:         s.state,
		Confirmed:     s.confirmed,
		CreateBackup:  s.createBackup,
		Dir:           s.dir,
		Analysis:      s.analysis,
		CreatedAt:     s.createdAt,
		AwaitingSince: optTime(s.awaitingSince),
		StartedAt:     optTime(s.startedAt),
		FinishedAt:    optTime(s.finishedAt),
		Backups:       append([]domain.BackupRecord{}, s.backups...),
		Stdout:        s.stdout,
		Stderr:        s.stderr,
		Message:       s.message,
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	if s.state == domain.StateAwaitingConfirmation {
		info.CooldownRemaining = c.gate.cooldownRemaining(s, now).Seconds()
		info.ExpiresIn = c.gate.expiresIn(s, now).Seconds()
	}
	return info
}

func (c *Coordinator) awaitingLocked() int {
	n := 0
	for _, s := range c.sessions {
		if s.state == domain.StateAwaitingConfirmation {
			n++
		}
	}
	return n
}

func (c *Coordinator) updateGaugesLocked() {
	metrics.Awaiting.Set(int64(c.awaitingLocked()))
	metrics.Executing.Set(int64(c.adm.executing()))
	metrics.Queued.Set(int64(c.adm.queued()))
}

// sweep auto-rejects expired confirmations and forgets finished sessions.
func (c *Coordinator) sweep() {
	now := c.clock.Now()
	var expired []*Session

	c.mu.Lock()
	for id, s := range c.sessions {
		switch {
		case s.state == domain.StateAwaitingConfirmation && c.gate.expired(s, now):
			c.rejectLocked(s, "confirmation timed out")
			expired = append(expired, s)
		case s.state.Terminal():
			age := now.Sub(s.finishedAt)
			if age >= c.cfg.Retention || (s.observed.Load() && age >= observedGrace) {
				delete(c.sessions, id)
			}
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	for _, s := range expired {
		c.publish(s, domain.NotifyConfirmationResolved, domain.StateRejected, "confirmation timed out")
	}
}

// Shutdown stops admitting sessions, rejects awaiting ones, cancels running
// ones and waits for their runners.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	for _, s := range c.sessions {
		if s.state == domain.StateAwaitingConfirmation {
			c.rejectLocked(s, "service shutting down")
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopSweep) })
	c.cancelAll()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (c *Coordinator) resolveDir(cwd string) (string, error) {
	dir := c.Dir()
	if cwd != "" {
		cwd = config.ExpandPath(cwd)
		if !filepath.IsAbs(cwd) {
			cwd = filepath.Join(dir, cwd)
		}
		dir = filepath.Clean(cwd)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidCwd, dir)
	}
	return dir, nil
}

func sessionsTotal(state domain.SessionState) {
	metrics.SessionsTotal(string(state)).Inc()
}
