package pipeline

import (
	"context"
	"fmt"
	"time"

	"coreastra/internal/domain"
)

// gate holds the confirmation policy. Cool-down and expiry are plain
// timestamp comparisons against the session's awaiting_since.
type gate struct {
	cooldown       time.Duration
	confirmTimeout time.Duration
}

// mustAwait reports whether a submission stops in AWAITING_CONFIRMATION.
// Critical commands always wait so the cool-down also binds callers that
// send confirmed=true up front.
func (g gate) mustAwait(a domain.CommandAnalysis, confirmed bool) bool {
	if !a.RequiresConfirmation {
		return false
	}
	return !confirmed || a.RiskLevel == domain.RiskCritical
}

func (g gate) cooldownRemaining(s *Session, now time.Time) time.Duration {
	if s.analysis.RiskLevel != domain.RiskCritical || g.cooldown <= 0 {
		return 0
	}
	return max(g.cooldown-now.Sub(s.awaitingSince), 0)
}

func (g gate) expiresIn(s *Session, now time.Time) time.Duration {
	if g.confirmTimeout <= 0 {
		return 0
	}
	return max(g.confirmTimeout-now.Sub(s.awaitingSince), 0)
}

func (g gate) expired(s *Session, now time.Time) bool {
	return g.confirmTimeout > 0 && now.Sub(s.awaitingSince) >= g.confirmTimeout
}

func (g gate) prompt(a domain.CommandAnalysis, cooldown time.Duration) string {
	msg := fmt.Sprintf("This command is classified as %s risk and requires confirmation before it runs.", a.RiskLevel)
	if !a.Reversible {
		msg += " Its effects cannot be undone without a backup."
	}
	if cooldown > 0 {
		msg += fmt.Sprintf(" Approval is accepted after a %.0fs cool-down.", cooldown.Seconds())
	}
	return msg
}

// Approve moves an awaiting session to APPROVED and admits it. Attempts
// during a critical command's cool-down return ErrCoolDown and leave the
// session untouched. The returned stream carries the events emitted after
// the approval.
func (c *Coordinator) Approve(ctx context.Context, id string, createBackup bool) (*Stream, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if s.state != domain.StateAwaitingConfirmation {
		state := s.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, state)
	}
	if c.closing {
		c.mu.Unlock()
		return nil, domain.ErrShuttingDown
	}
	now := c.clock.Now()
	if rem := c.gate.cooldownRemaining(s, now); rem > 0 {
		c.mu.Unlock()
		c.logger.Info("approval ignored during cool-down", "session", id, "remaining", rem)
		return nil, &domain.CoolDownError{Remaining: rem}
	}

	s.confirmed = true
	s.createBackup = s.createBackup || createBackup
	s.state = domain.StateApproved
	from := s.log.len()
	c.record(s, domain.AuditActionConfirmation, domain.AuditApproved, domain.AuditDetails{Decision: "approved"})
	startErr := c.startLocked(s)
	info := c.snapshotLocked(s, now)
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.logger.Info("session approved", "session", id, "risk", s.analysis.RiskLevel, "backup", s.createBackup)
	c.publish(s, domain.NotifyConfirmationResolved, info.State, "approved")
	if startErr != nil {
		c.publish(s, domain.NotifyExecutionFinished, info.State, startErr.Error())
		return nil, startErr
	}
	return &Stream{Session: info, Events: c.follow(ctx, s, from, false)}, nil
}

// Reject ends an awaiting session. No backup is taken and no process is
// started.
func (c *Coordinator) Reject(id, reason string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if s.state != domain.StateAwaitingConfirmation {
		state := s.state
		c.mu.Unlock()
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, state)
	}
	c.rejectLocked(s, reason)
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.publish(s, domain.NotifyConfirmationResolved, domain.StateRejected, reason)
	return nil
}

func (c *Coordinator) rejectLocked(s *Session, reason string) {
	err := &domain.ConfirmationRejectedError{Reason: reason}
	s.finish(domain.StateRejected, c.clock.Now(), err.Error())
	c.record(s, domain.AuditActionConfirmation, domain.AuditRejected, domain.AuditDetails{
		Decision: "rejected",
		Reason:   reason,
	})
	sessionsTotal(domain.StateRejected)
	c.emit(s, domain.ErrorEvent(domain.CodeRejected, err.Error()))
	c.logger.Info("session rejected", "session", s.id, "reason", reason)
}

// Cancel rejects an awaiting session or kills the process group of a queued
// or executing one.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	switch s.state {
	case domain.StateAwaitingConfirmation:
		c.rejectLocked(s, "cancelled")
		c.updateGaugesLocked()
		c.mu.Unlock()
		c.publish(s, domain.NotifyConfirmationResolved, domain.StateRejected, "cancelled")
		return nil
	case domain.StateApproved, domain.StateQueued, domain.StateExecuting:
		cancel := s.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.logger.Info("session cancel requested", "session", id)
		return nil
	}
	state := s.state
	c.mu.Unlock()
	return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, state)
}

// Decider adapts the coordinator for channels that decide out of band and
// do not consume the event stream.
func (c *Coordinator) Decider() domain.Decider { return decider{c} }

type decider struct{ c *Coordinator }

func (d decider) Approve(id string, createBackup bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := d.c.Approve(ctx, id, createBackup)
	return err
}

func (d decider) Reject(id, reason string) error { return d.c.Reject(id, reason) }
