// Package audit posts session lifecycle notices to an operator room.
//
// When a Matrix audit room is configured (AIBOU_MATRIX_AUDIT_ROOM) every
// fallback handoff, session end and failed sweep is summarised there so
// operators can follow the engine without tailing logs. Without Matrix the
// same events go to the structured log.
//
// All events carry the originating trace ID.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Aibou/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindSessionCreated  Kind = "session.created"
	KindSessionEnded    Kind = "session.ended"
	KindSessionExpired  Kind = "session.expired"
	KindFallbackCreated Kind = "fallback.created"
	KindFallbackFailed  Kind = "fallback.failed"
	KindSweepFailed     Kind = "sweep.failed"
)

// Event carries the data that notifiers format and send.
type Event struct {
	Kind          Kind
	SessionID     string
	OwnerID       string
	PersonalityID string
	// Message is a short human-friendly description.
	Message string
	// TraceID defaults to the trace ID found in the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier receives lifecycle events.
type Notifier interface {
	// Notify records evt. Implementations must not block the caller on
	// network I/O; failures are logged, not propagated.
	Notify(ctx context.Context, evt Event)
}

func (e *Event) fill(ctx context.Context) {
	if e.TraceID == "" {
		e.TraceID = trace.FromContext(ctx)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
}

// Format renders evt as a plain-text notice.
func Format(evt Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", kindIcon(evt.Kind), evt.Kind)
	if evt.Message != "" {
		b.WriteString(" " + evt.Message)
	}
	if evt.SessionID != "" {
		fmt.Fprintf(&b, "\n  session: %s", evt.SessionID)
	}
	if evt.PersonalityID != "" {
		fmt.Fprintf(&b, "\n  personality: %s", evt.PersonalityID)
	}
	if evt.OwnerID != "" {
		fmt.Fprintf(&b, "\n  owner: %s", evt.OwnerID)
	}
	if evt.TraceID != "" {
		fmt.Fprintf(&b, "\n  trace: %s", evt.TraceID)
	}
	return b.String()
}

// Noop discards every event.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

// Log writes events to a slog logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Notifier that logs at info level.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "audit")}
}

func (l *Log) Notify(ctx context.Context, evt Event) {
	evt.fill(ctx)
	l.logger.Info(evt.Message,
		"kind", string(evt.Kind),
		"session_id", evt.SessionID,
		"owner_id", evt.OwnerID,
		"personality_id", evt.PersonalityID,
		"trace_id", evt.TraceID,
	)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier queues events and posts them from a single goroutine so
// request handlers never wait on the homeserver. When the queue is full new
// events are dropped and counted.
type MatrixNotifier struct {
	sender  Sender
	roomID  string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewMatrixNotifier starts the posting goroutine. Call Close to drain it.
func NewMatrixNotifier(sender Sender, roomID string, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &MatrixNotifier{
		sender:  sender,
		roomID:  roomID,
		timeout: 10 * time.Second,
		logger:  logger.With("component", "audit"),
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	evt.fill(ctx)

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- evt:
	default:
		n.dropped.Add(1)
		n.logger.Warn("audit notifier: queue full, dropping event", "kind", evt.Kind)
	}
}

func (n *MatrixNotifier) run() {
	defer close(n.done)
	for evt := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.sender.SendNotice(ctx, n.roomID, Format(evt))
		cancel()
		if err != nil {
			n.logger.Warn("audit notifier: failed to send room notice",
				"room", n.roomID, "kind", evt.Kind, "err", err)
			continue
		}
		n.logger.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (n *MatrixNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting events and waits until queued ones are sent.
func (n *MatrixNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func kindIcon(k Kind) string {
	switch k {
	case KindSessionCreated:
		return "🟢"
	case KindSessionEnded:
		return "⏹️"
	case KindSessionExpired:
		return "⌛"
	case KindFallbackCreated:
		return "🤖"
	case KindFallbackFailed, KindSweepFailed:
		return "🚨"
	default:
		return "ℹ️"
	}
}

var (
	_ Notifier = Noop{}
	_ Notifier = (*Log)(nil)
	_ Notifier = (*MatrixNotifier)(nil)
)
