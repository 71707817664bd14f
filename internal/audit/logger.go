// Package audit records the append-only audit trail. Recording never blocks
// the caller: entries are queued and written to the store by one goroutine.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coreastra/internal/domain"
	"coreastra/internal/metrics"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

var ErrNoStore = errors.New("audit store not configured")

type Config struct {
	Store        domain.AuditStore // nil keeps only the log fallback
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Logger queues audit entries for an AuditStore. Entries that cannot be
// queued or stored are written to the slog logger with audit=true.
type Logger struct {
	store        domain.AuditStore
	queue        chan domain.AuditEntry
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func New(cfg Config) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Logger{
		store:        cfg.Store,
		queue:        make(chan domain.AuditEntry, cfg.QueueSize),
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		done:         make(chan struct{}),
	}
	go l.run()
	return l
}

// Record queues an entry. It never blocks and never fails.
func (l *Logger) Record(e domain.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fallback(e, "audit logger closed")
		return
	}
	select {
	case l.queue <- e:
	default:
		l.fallback(e, "audit queue full")
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.queue {
		if l.store == nil {
			l.fallback(e, ErrNoStore.Error())
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		_, err := l.store.AppendAudit(ctx, e)
		cancel()
		if err != nil {
			l.fallback(e, err.Error())
		}
	}
}

func (l *Logger) fallback(e domain.AuditEntry, reason string) {
	l.dropped.Add(1)
	metrics.AuditDropped.Inc()
	l.logger.Warn("audit entry not persisted",
		"audit", true,
		"reason", reason,
		"session", e.SessionID,
		"action", e.ActionType,
		"risk", e.RiskLevel,
		"status", e.Status,
		"details", string(e.ActionDetails),
	)
}

// Dropped returns how many entries went to the log fallback.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Query returns entries from the store, newest first.
func (l *Logger) Query(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	if l.store == nil {
		return nil, ErrNoStore
	}
	return l.store.QueryAudit(ctx, f)
}

// Close stops accepting entries and waits until the queue is written out or
// ctx is done.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %w", ctx.Err())
	}
}

// NewEntry builds an entry with details marshalled to JSON.
func NewEntry(sessionID, actionType string, level domain.RiskLevel, status domain.AuditStatus, details domain.AuditDetails) domain.AuditEntry {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte(`{}`)
	}
	return domain.AuditEntry{
		SessionID:     sessionID,
		ActionType:    actionType,
		ActionDetails: raw,
		RiskLevel:     level,
		Status:        status,
		CreatedAt:     time.Now(),
	}
}
