package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
)

// Persister accepts durable writes without blocking the caller.
type Persister interface {
	Put(path string, value []byte)
}

// OutboxConfig sizes the outbox.
type OutboxConfig struct {
	// Capacity bounds the queue of pending writes. Defaults to 1024.
	Capacity int
	// WriteTimeout bounds a single durable write. Defaults to 5s.
	WriteTimeout time.Duration
	// DrainTimeout bounds flushing the queue at shutdown. Defaults to 10s.
	DrainTimeout time.Duration
}

// OutboxStats is a point-in-time view of the outbox.
type OutboxStats struct {
	Pending  int   `json:"pending"`
	Failed   int   `json:"failed"`
	Written  int64 `json:"written"`
	Errors   int64 `json:"errors"`
	Overflow int64 `json:"overflow"`
	Skipped  int64 `json:"skipped"`
}

type write struct {
	path  string
	value []byte
	seq   uint64
}

// Outbox is a bounded queue of durable writes drained by one writer
// goroutine (Run). Every Put gets a sequence number; a write is applied only
// if no newer write for the same path has been accepted since, so retries
// never overwrite fresher data. Writes that fail, or that arrive while the
// queue is full, are parked in a retry set that RetryFailed re-queues.
type Outbox struct {
	store  durable.Store
	cfg    OutboxConfig
	logger *slog.Logger
	queue  chan write

	mu     sync.Mutex
	seq    uint64
	latest map[string]uint64
	failed map[string]write

	written  atomic.Int64
	errors   atomic.Int64
	overflow atomic.Int64
	skipped  atomic.Int64
}

// NewOutbox creates an outbox writing to store. If logger is nil, the
// default slog logger is used.
func NewOutbox(store durable.Store, cfg OutboxConfig, logger *slog.Logger) *Outbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "outbox"),
		queue:  make(chan write, cfg.Capacity),
		latest: make(map[string]uint64),
		failed: make(map[string]write),
	}
}

// Put queues a write. It never blocks: when the queue is full the write is
// parked for the next RetryFailed.
func (o *Outbox) Put(path string, value []byte) {
	o.mu.Lock()
	o.seq++
	w := write{path: path, value: value, seq: o.seq}
	o.latest[path] = w.seq
	select {
	case o.queue <- w:
		o.mu.Unlock()
	default:
		o.failed[path] = w
		o.mu.Unlock()
		o.overflow.Add(1)
		o.logger.Warn("outbox full, write parked for retry", "path", path)
	}
}

// Run applies queued writes until ctx is cancelled, then drains what is
// left within DrainTimeout. It always returns nil.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case w := <-o.queue:
			o.apply(ctx, w)
		case <-ctx.Done():
			o.drain()
			return nil
		}
	}
}

func (o *Outbox) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case w := <-o.queue:
			o.apply(ctx, w)
		default:
			return
		}
		if ctx.Err() != nil {
			o.logger.Warn("outbox drain timed out", "pending", len(o.queue))
			return
		}
	}
}

// Flush applies every queued write synchronously. Used by tests and the
// manual cleanup path.
func (o *Outbox) Flush(ctx context.Context) {
	for {
		select {
		case w := <-o.queue:
			o.apply(ctx, w)
		default:
			return
		}
	}
}

func (o *Outbox) current(w write) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.latest[w.path]
	return ok && w.seq >= cur
}

func (o *Outbox) apply(ctx context.Context, w write) {
	if !o.current(w) {
		o.skipped.Add(1)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, o.cfg.WriteTimeout)
	err := o.store.Set(wctx, w.path, w.value)
	cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.errors.Add(1)
		if cur, ok := o.latest[w.path]; ok && w.seq >= cur {
			o.failed[w.path] = w
		}
		o.logger.Warn("durable write failed, parked for retry", "path", w.path, "err", err)
		return
	}
	o.written.Add(1)
	if f, ok := o.failed[w.path]; ok && f.seq <= w.seq {
		delete(o.failed, w.path)
	}
	if o.latest[w.path] == w.seq {
		delete(o.latest, w.path)
	}
}

// RetryFailed re-queues parked writes and returns how many were re-queued.
func (o *Outbox) RetryFailed() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for path, w := range o.failed {
		select {
		case o.queue <- w:
			delete(o.failed, path)
			n++
		default:
			return n
		}
	}
	return n
}

// Forget drops bookkeeping for prefix and everything below it, so queued or
// parked writes for a deleted record are never applied.
func (o *Outbox) Forget(prefix string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	match := func(p string) bool { return p == prefix || strings.HasPrefix(p, prefix+"/") }
	for p := range o.latest {
		if match(p) {
			delete(o.latest, p)
		}
	}
	for p := range o.failed {
		if match(p) {
			delete(o.failed, p)
		}
	}
}

// Stats returns counters for the status endpoint.
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	failed := len(o.failed)
	o.mu.Unlock()
	return OutboxStats{
		Pending:  len(o.queue),
		Failed:   failed,
		Written:  o.written.Load(),
		Errors:   o.errors.Load(),
		Overflow: o.overflow.Load(),
		Skipped:  o.skipped.Load(),
	}
}

var _ Persister = (*Outbox)(nil)
