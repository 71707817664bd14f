package bus

import (
	"log/slog"
	"sync"
	"time"

	"coreastra/internal/domain"
)

const (
	publishTimeout    = 2 * time.Second
	defaultMaxHistory = 500
)

type namedHandler struct {
	name    string
	handler func(domain.Notification)
}

// NotificationBus fans session notifications out to channels (Telegram,
// Slack, Discord, websocket clients). Handlers run on one dispatch goroutine
// so a slow channel never blocks the pipeline that published.
type NotificationBus struct {
	queue      chan domain.Notification
	handlers   []namedHandler
	history    []domain.Notification
	maxHistory int
	mu         sync.RWMutex
	closed     bool
	done       chan struct{}
	logger     *slog.Logger
}

var _ domain.NotificationBus = (*NotificationBus)(nil)

// New creates a NotificationBus with the given buffer size and starts its
// dispatcher.
func New(bufferSize int, logger *slog.Logger) *NotificationBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &NotificationBus{
		queue:      make(chan domain.Notification, bufferSize),
		maxHistory: defaultMaxHistory,
		done:       make(chan struct{}),
		logger:     logger,
	}
	go b.dispatch()
	return b
}

// Blocks up to publishTimeout if the bus is full instead of dropping.
func (b *NotificationBus) Publish(n domain.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Debug("notification on closed bus", "kind", n.Kind, "session", n.SessionID)
		return
	}

	select {
	case b.queue <- n:
	default:
		b.logger.Warn("notification bus full, waiting...", "kind", n.Kind, "session", n.SessionID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.queue <- n:
		case <-timer.C:
			b.logger.Error("notification dropped: bus full",
				"kind", n.Kind,
				"session", n.SessionID,
			)
		}
	}
}

// Subscribe registers handler under name. A second registration with the
// same name replaces the first.
func (b *NotificationBus) Subscribe(name string, handler func(domain.Notification)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.handlers {
		if b.handlers[i].name == name {
			b.handlers[i].handler = handler
			return
		}
	}
	b.handlers = append(b.handlers, namedHandler{name: name, handler: handler})
}

func (b *NotificationBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.name == name {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *NotificationBus) dispatch() {
	defer close(b.done)
	for n := range b.queue {
		b.mu.Lock()
		if len(b.history) >= b.maxHistory {
			b.history = b.history[1:]
		}
		b.history = append(b.history, n)
		handlers := append([]namedHandler(nil), b.handlers...)
		b.mu.Unlock()

		for _, h := range handlers {
			b.call(h, n)
		}
	}
}

func (b *NotificationBus) call(h namedHandler, n domain.Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panic", "handler", h.name, "kind", n.Kind, "panic", r)
		}
	}()
	h.handler(n)
}

// Replay returns dispatched notifications of the given kind since the given
// time. An empty kind matches all.
func (b *NotificationBus) Replay(kind domain.NotificationKind, since time.Time) []domain.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []domain.Notification
	for _, n := range b.history {
		if n.Timestamp.Before(since) {
			continue
		}
		if kind == "" || n.Kind == kind {
			result = append(result, n)
		}
	}
	return result
}

// Close stops accepting notifications and waits for queued ones to be
// dispatched.
func (b *NotificationBus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}
