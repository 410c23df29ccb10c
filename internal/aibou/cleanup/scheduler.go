// Package cleanup runs the periodic maintenance task: it expires idle
// sessions, forgets long-ended ones, and is the only component that deletes
// durable session records and turn histories.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/audit"
	"github.com/bdobrica/Aibou/internal/aibou/durable"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// Sessions is the part of the session table the scheduler drives.
type Sessions interface {
	IdleBefore(cutoff time.Time) []string
	EndWithReason(ctx context.Context, sessionID string, reason session.EndReason) (bool, error)
	RemoveEndedBefore(cutoff time.Time) []session.Session
	Get(sessionID string) (session.Session, error)
}

// Outbox is the retry surface of the durable write queue.
type Outbox interface {
	RetryFailed() int
	Forget(prefix string)
}

// Config holds the retention windows.
type Config struct {
	// InactivityTimeout ends sessions with no user message for this long. Defaults to 30m.
	InactivityTimeout time.Duration
	// MetadataRetention keeps ended sessions (in memory and durably) for this long. Defaults to 1h.
	MetadataRetention time.Duration
	// HistoryGracePeriod delays deletion of an ended session's turns. Defaults to 30s.
	HistoryGracePeriod time.Duration
	// SweepInterval is the period of the full sweep. Defaults to 10m.
	SweepInterval time.Duration
	// QueueInterval is the period of the history deletion pass. Defaults to HistoryGracePeriod.
	QueueInterval time.Duration
}

// DefaultConfig returns the production windows.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout:  30 * time.Minute,
		MetadataRetention:  time.Hour,
		HistoryGracePeriod: 30 * time.Second,
		SweepInterval:      10 * time.Minute,
		QueueInterval:      30 * time.Second,
	}
}

// Deps are the scheduler's collaborators. Store and Sessions are required.
type Deps struct {
	Store    durable.Store
	Sessions Sessions
	Outbox   Outbox
	Queue    *Queue
	Notifier audit.Notifier
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	Retried        int           `json:"retried"`
	Expired        int           `json:"expired"`
	Removed        int           `json:"removed"`
	HistoryDeleted int           `json:"history_deleted"`
	RecordsDeleted int           `json:"records_deleted"`
	Corrupt        int           `json:"corrupt"`
	Errors         int           `json:"errors"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Scheduler performs cleanup sweeps, periodically via Run or on demand via Sweep.
type Scheduler struct {
	cfg      Config
	store    durable.Store
	sessions Sessions
	outbox   Outbox
	queue    *Queue
	notifier audit.Notifier
	logger   *slog.Logger
	now      func() time.Time

	// sweepMu serializes sweeps and queue passes.
	sweepMu sync.Mutex

	reportMu sync.RWMutex
	last     Report
}

type noopOutbox struct{}

func (noopOutbox) RetryFailed() int { return 0 }
func (noopOutbox) Forget(string)    {}

// NewScheduler creates a scheduler. Zero durations in cfg take their defaults.
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.MetadataRetention <= 0 {
		cfg.MetadataRetention = def.MetadataRetention
	}
	if cfg.HistoryGracePeriod <= 0 {
		cfg.HistoryGracePeriod = def.HistoryGracePeriod
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = cfg.HistoryGracePeriod
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		outbox:   deps.Outbox,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.outbox == nil {
		s.outbox = noopOutbox{}
	}
	if s.queue == nil {
		s.queue = NewQueue()
	}
	if s.notifier == nil {
		s.notifier = audit.Noop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "cleanup")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Queue returns the history deletion queue, for wiring into the session table.
func (s *Scheduler) Queue() *Queue { return s.queue }

// Run sweeps once immediately, then every SweepInterval, and drains due
// history deletions every QueueInterval. It blocks until ctx is cancelled
// and always returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cleanup scheduler starting",
		"sweep_interval", s.cfg.SweepInterval,
		"queue_interval", s.cfg.QueueInterval,
		"inactivity_timeout", s.cfg.InactivityTimeout)

	s.Sweep(ctx)

	sweepTicker := time.NewTicker(s.cfg.SweepInterval)
	defer sweepTicker.Stop()
	queueTicker := time.NewTicker(s.cfg.QueueInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup scheduler stopping")
			return nil
		case <-sweepTicker.C:
			s.Sweep(ctx)
		case <-queueTicker.C:
			var rep Report
			s.sweepMu.Lock()
			s.step("history queue", &rep, func() error { return s.drainQueue(ctx, &rep) })
			s.sweepMu.Unlock()
			if rep.HistoryDeleted > 0 {
				s.logger.Debug("history deletions applied", "count", rep.HistoryDeleted)
			}
		}
	}
}

// Sweep runs one full cleanup pass and returns its report. Concurrent
// calls run one after the other.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	rep := Report{StartedAt: s.now()}
	s.step("outbox retry", &rep, func() error {
		rep.Retried = s.outbox.RetryFailed()
		return nil
	})
	s.step("expire idle", &rep, func() error { return s.expireIdle(ctx, &rep) })
	s.step("remove ended", &rep, func() error { return s.removeEnded(&rep) })
	s.step("history queue", &rep, func() error { return s.drainQueue(ctx, &rep) })
	s.step("durable scan", &rep, func() error { return s.scan(ctx, &rep) })
	rep.Duration = s.now().Sub(rep.StartedAt)

	s.reportMu.Lock()
	s.last = rep
	s.reportMu.Unlock()

	logger := s.logger.With(
		"retried", rep.Retried,
		"expired", rep.Expired,
		"removed", rep.Removed,
		"history_deleted", rep.HistoryDeleted,
		"records_deleted", rep.RecordsDeleted,
		"corrupt", rep.Corrupt,
		"errors", rep.Errors,
		"duration", rep.Duration,
	)
	if rep.Errors > 0 {
		logger.Warn("cleanup sweep finished with errors")
		s.notifier.Notify(ctx, audit.Event{
			Kind:    audit.KindSweepFailed,
			Message: fmt.Sprintf("cleanup sweep had %d errors", rep.Errors),
		})
	} else {
		logger.Debug("cleanup sweep finished")
	}
	return rep
}

// LastReport returns the report of the most recent sweep.
func (s *Scheduler) LastReport() Report {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.last
}

// step runs fn in its own error boundary: errors and panics are logged and
// counted, and the sweep goes on.
func (s *Scheduler) step(name string, rep *Report, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors++
			s.logger.Error("cleanup step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		rep.Errors++
		s.logger.Error("cleanup step failed", "step", name, "err", err)
	}
}

func (s *Scheduler) expireIdle(ctx context.Context, rep *Report) error {
	cutoff := s.now().Add(-s.cfg.InactivityTimeout)
	var errs []error
	for _, id := range s.sessions.IdleBefore(cutoff) {
		ended, err := s.sessions.EndWithReason(ctx, id, session.ReasonExpired)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
		case ended:
			rep.Expired++
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) removeEnded(rep *Report) error {
	cutoff := s.now().Add(-s.cfg.MetadataRetention)
	for _, sess := range s.sessions.RemoveEndedBefore(cutoff) {
		rep.Removed++
		if path, err := session.RecordPath(sess.PersonalityID, sess.ID); err == nil {
			s.outbox.Forget(path)
		}
	}
	return nil
}

// drainQueue deletes queued turn histories whose grace period has passed.
// Failed deletions stay queued for the next pass.
func (s *Scheduler) drainQueue(ctx context.Context, rep *Report) error {
	var errs []error
	for _, p := range s.queue.Due(s.now().Add(-s.cfg.HistoryGracePeriod)) {
		if err := s.deleteHistory(ctx, p.Path); err != nil {
			s.queue.Failed(p.Path)
			errs = append(errs, fmt.Errorf("delete history of %s: %w", p.SessionID, err))
			continue
		}
		s.queue.Done(p.Path)
		rep.HistoryDeleted++
	}
	return errors.Join(errs...)
}

func (s *Scheduler) deleteHistory(ctx context.Context, path string) error {
	s.outbox.Forget(path)
	if err := s.store.Delete(ctx, path); err != nil && !errors.Is(err, durable.ErrNotFound) {
		return err
	}
	return nil
}

type scanned struct {
	sessionID  string
	recordPath string
	turnsPath  string
}

// scan walks every durable session record. A failure on one record is
// counted and the scan continues with the next.
func (s *Scheduler) scan(ctx context.Context, rep *Report) error {
	paths, err := s.store.List(ctx, session.RecordsRoot)
	if err != nil {
		return fmt.Errorf("list %s: %w", session.RecordsRoot, err)
	}

	byID := make(map[string]*scanned)
	var order []string
	for _, p := range paths {
		ref, ok := session.ParseRecordPath(p)
		if !ok {
			continue
		}
		key := ref.PersonalityID + "/" + ref.SessionID
		sc, ok := byID[key]
		if !ok {
			sc = &scanned{sessionID: ref.SessionID}
			byID[key] = sc
			order = append(order, key)
		}
		if ref.Turns {
			sc.turnsPath = p
		} else {
			sc.recordPath = p
		}
	}

	now := s.now()
	for _, key := range order {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sc := byID[key]
		if sc.recordPath == "" {
			if err := s.scanOrphanTurns(ctx, now, sc, rep); err != nil {
				rep.Errors++
				s.logger.Warn("cleanup: orphan history failed", "path", sc.turnsPath, "err", err)
			}
			continue
		}
		if err := s.scanRecord(ctx, now, sc, rep); err != nil {
			rep.Errors++
			s.logger.Warn("cleanup: record failed", "path", sc.recordPath, "err", err)
		}
	}
	return nil
}

func (s *Scheduler) scanRecord(ctx context.Context, now time.Time, sc *scanned, rep *Report) error {
	raw, err := s.store.Get(ctx, sc.recordPath)
	if errors.Is(err, durable.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := session.DecodeRecord(raw)
	if err != nil {
		rep.Corrupt++
		s.logger.Error("cleanup: skipping invalid session record", "path", sc.recordPath, "err", err)
		return nil
	}

	var endedAt time.Time
	live, err := s.sessions.Get(rec.ID)
	inTable := err == nil
	switch {
	case inTable && live.Active():
		return nil
	case inTable && live.EndedAt != nil:
		endedAt = *live.EndedAt
	case rec.Status == session.StatusEnded && rec.EndedAt != nil:
		endedAt = *rec.EndedAt
	default:
		// Active in storage but unknown to this process: it can no longer
		// receive messages, so it ends when it would have expired.
		endedAt = rec.LastActivityAt.Add(s.cfg.InactivityTimeout)
		if now.Before(endedAt) {
			return nil
		}
	}

	if !inTable && now.Sub(endedAt) >= s.cfg.MetadataRetention {
		s.outbox.Forget(sc.recordPath)
		if err := s.store.Delete(ctx, sc.recordPath); err != nil && !errors.Is(err, durable.ErrNotFound) {
			return fmt.Errorf("delete record: %w", err)
		}
		rep.RecordsDeleted++
		if sc.turnsPath != "" {
			if err := s.deleteHistory(ctx, sc.turnsPath); err != nil {
				return fmt.Errorf("delete history: %w", err)
			}
			s.queue.Done(sc.turnsPath)
			rep.HistoryDeleted++
		}
		return nil
	}

	if sc.turnsPath != "" && now.Sub(endedAt) >= s.cfg.HistoryGracePeriod {
		if err := s.deleteHistory(ctx, sc.turnsPath); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		s.queue.Done(sc.turnsPath)
		rep.HistoryDeleted++
	}
	return nil
}

// scanOrphanTurns handles a turn history whose metadata record is missing.
// Without a record the session is taken to have ended when its last turn
// would have expired.
func (s *Scheduler) scanOrphanTurns(ctx context.Context, now time.Time, sc *scanned, rep *Report) error {
	var endedAt time.Time
	if live, err := s.sessions.Get(sc.sessionID); err == nil {
		if live.Active() || live.EndedAt == nil {
			return nil
		}
		endedAt = *live.EndedAt
	} else {
		raw, err := s.store.Get(ctx, sc.turnsPath)
		if errors.Is(err, durable.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		turns, err := session.DecodeTurns(raw)
		if err != nil {
			rep.Corrupt++
			s.logger.Error("cleanup: skipping invalid turn history", "path", sc.turnsPath, "err", err)
			return nil
		}
		if len(turns) > 0 {
			endedAt = turns[len(turns)-1].CreatedAt.Add(s.cfg.InactivityTimeout)
		}
	}

	if now.Sub(endedAt) < s.cfg.HistoryGracePeriod {
		return nil
	}
	if err := s.deleteHistory(ctx, sc.turnsPath); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	s.queue.Done(sc.turnsPath)
	rep.HistoryDeleted++
	s.logger.Info("cleanup: deleted history without a session record", "path", sc.turnsPath)
	return nil
}
