package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
	"github.com/bdobrica/Aibou/internal/aibou/generation"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

type stubTemplates struct{}

func (stubTemplates) Resolve(_ context.Context, id string) (persona.Template, error) {
	return persona.Template{ID: id, PersonalityText: "P"}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// faultyStore fails Delete for the paths in failDelete.
type faultyStore struct {
	*durable.Memory
	mu         sync.Mutex
	failDelete map[string]bool
}

func (f *faultyStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	fail := f.failDelete[path]
	f.mu.Unlock()
	if fail {
		return errors.New("delete refused")
	}
	return f.Memory.Delete(ctx, path)
}

type fixture struct {
	store     *faultyStore
	outbox    *session.Outbox
	table     *session.Table
	scheduler *Scheduler
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &faultyStore{Memory: durable.NewMemory(), failDelete: map[string]bool{}},
		clock: &clock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)},
	}
	f.outbox = session.NewOutbox(f.store, session.OutboxConfig{}, nil)
	queue := NewQueue()
	f.table = session.NewTable(session.Config{}, session.Deps{
		Templates: stubTemplates{},
		Generator: generation.ClientFunc(func(context.Context, generation.Request) (string, error) {
			return "hi there", nil
		}),
		Persister: f.outbox,
		History:   queue,
		Now:       f.clock.Now,
		Sleep:     func(context.Context, time.Duration) {},
	})
	f.scheduler = NewScheduler(Config{
		InactivityTimeout:  30 * time.Minute,
		MetadataRetention:  time.Hour,
		HistoryGracePeriod: 30 * time.Second,
	}, Deps{
		Store:    f.store,
		Sessions: f.table,
		Outbox:   f.outbox,
		Queue:    queue,
		Now:      f.clock.Now,
	})
	return f
}

func (f *fixture) sweep(t *testing.T) Report {
	t.Helper()
	f.outbox.Flush(context.Background())
	rep := f.scheduler.Sweep(context.Background())
	f.outbox.Flush(context.Background())
	return rep
}

func (f *fixture) exists(path string) bool {
	_, err := f.store.Get(context.Background(), path)
	return err == nil
}

func putRecord(t *testing.T, s durable.Store, rec session.Record, withTurns bool) string {
	t.Helper()
	path, err := session.RecordPath(rec.PersonalityID, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), path, raw); err != nil {
		t.Fatal(err)
	}
	if withTurns {
		if err := s.Set(context.Background(), path+"/turns", []byte(`[]`)); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestSweep_ExpiresIdleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := f.table.Create(ctx, "u1", "p1")
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(29 * time.Minute)
	if rep := f.sweep(t); rep.Expired != 0 {
		t.Fatalf("expected nothing expired yet, got %+v", rep)
	}

	f.clock.Advance(2 * time.Minute)
	rep := f.sweep(t)
	if rep.Expired != 1 {
		t.Fatalf("expected 1 expired session, got %+v", rep)
	}
	got, _ := f.table.Get(s.ID)
	if got.Status != session.StatusEnded {
		t.Errorf("expected session ended by the sweep, got %s", got.Status)
	}
	if _, err := f.table.AppendAndRespond(ctx, s.ID, "still there?"); !errors.Is(err, session.ErrSessionEnded) {
		t.Errorf("expected ErrSessionEnded, got %v", err)
	}
}

func TestSweep_ActivityKeepsSessionAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.table.Create(ctx, "u1", "p1")
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Minute)
		if _, err := f.table.AppendAndRespond(ctx, s.ID, "hello"); err != nil {
			t.Fatal(err)
		}
		f.sweep(t)
	}
	got, _ := f.table.Get(s.ID)
	if got.Status != session.StatusActive {
		t.Errorf("expected active session, got %s", got.Status)
	}
}

func TestSweep_HistoryDeletedAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.table.Create(ctx, "u1", "p1")
	f.table.AppendAndRespond(ctx, s.ID, "hello")
	f.table.End(ctx, s.ID)

	recordPath, _ := session.RecordPath("p1", s.ID)
	turnsPath, _ := session.TurnsPath("p1", s.ID)

	f.clock.Advance(10 * time.Second)
	f.sweep(t)
	if !f.exists(turnsPath) {
		t.Fatal("expected turns kept during the grace period")
	}

	f.clock.Advance(25 * time.Second)
	rep := f.sweep(t)
	if rep.HistoryDeleted != 1 {
		t.Errorf("expected 1 history deletion, got %+v", rep)
	}
	if f.exists(turnsPath) {
		t.Error("expected turns deleted after the grace period")
	}
	if !f.exists(recordPath) {
		t.Error("expected metadata kept until retention")
	}
	if f.scheduler.Queue().Len() != 0 {
		t.Errorf("expected empty deletion queue, got %d", f.scheduler.Queue().Len())
	}
}

func TestSweep_RetentionRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.table.Create(ctx, "u1", "p1")
	f.table.End(ctx, s.ID)
	recordPath, _ := session.RecordPath("p1", s.ID)

	f.clock.Advance(59 * time.Minute)
	f.sweep(t)
	if !f.exists(recordPath) {
		t.Fatal("expected record kept inside retention")
	}

	f.clock.Advance(2 * time.Minute)
	rep := f.sweep(t)
	if rep.Removed != 1 || rep.RecordsDeleted != 1 {
		t.Errorf("expected session removed and record deleted, got %+v", rep)
	}
	if f.exists(recordPath) {
		t.Error("expected record deleted")
	}
	if _, err := f.table.Get(s.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("expected session gone from the table, got %v", err)
	}
}

func TestSweep_OrphanRecords(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	stale := putRecord(t, f.store, session.Record{
		ID: "old", OwnerID: "u1", PersonalityID: "p1", Status: session.StatusActive,
		CreatedAt: now.Add(-3 * time.Hour), LastActivityAt: now.Add(-2 * time.Hour),
	}, true)
	recent := putRecord(t, f.store, session.Record{
		ID: "recent", OwnerID: "u2", PersonalityID: "p1", Status: session.StatusActive,
		CreatedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-40 * time.Minute),
	}, true)
	live := putRecord(t, f.store, session.Record{
		ID: "fresh", OwnerID: "u3", PersonalityID: "p1", Status: session.StatusActive,
		CreatedAt: now.Add(-time.Minute), LastActivityAt: now.Add(-time.Minute),
	}, true)

	rep := f.sweep(t)
	if f.exists(stale) || f.exists(stale+"/turns") {
		t.Error("expected long-idle orphan record and its turns deleted")
	}
	if !f.exists(recent) || f.exists(recent+"/turns") {
		t.Error("expected recently expired orphan to lose its turns only")
	}
	if !f.exists(live) || !f.exists(live+"/turns") {
		t.Error("expected recently active orphan untouched")
	}
	if rep.RecordsDeleted != 1 || rep.HistoryDeleted != 2 {
		t.Errorf("unexpected report %+v", rep)
	}
}

func putTurns(t *testing.T, s durable.Store, personalityID, sessionID string, turns []session.Turn) string {
	t.Helper()
	path, err := session.TurnsPath(personalityID, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := session.EncodeTurns(turns)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), path, raw); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSweep_TurnsWithoutRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	lonely := putTurns(t, f.store, "p1", "lost", []session.Turn{
		{Speaker: session.SpeakerUser, Text: "hi", CreatedAt: now.Add(-40 * time.Minute)},
		{Speaker: session.SpeakerAssistant, Text: "hey", CreatedAt: now.Add(-10 * time.Minute)},
	})
	empty := putTurns(t, f.store, "p1", "empty", nil)
	broken, _ := session.TurnsPath("p1", "broken")
	if err := f.store.Set(ctx, broken, []byte(`{not json`)); err != nil {
		t.Fatal(err)
	}

	s, err := f.table.Create(ctx, "u1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.table.AppendAndRespond(ctx, s.ID, "hello"); err != nil {
		t.Fatal(err)
	}
	f.outbox.Flush(ctx)
	liveRecord, _ := session.RecordPath("p1", s.ID)
	liveTurns, _ := session.TurnsPath("p1", s.ID)
	if err := f.store.Memory.Delete(ctx, liveRecord); err != nil {
		t.Fatal(err)
	}

	rep := f.scheduler.Sweep(ctx)
	if !f.exists(lonely) {
		t.Error("expected turns kept until the inferred end passes the grace period")
	}
	if f.exists(empty) {
		t.Error("expected empty orphan history deleted")
	}
	if !f.exists(broken) || rep.Corrupt != 1 {
		t.Errorf("expected unreadable history kept and counted, report %+v", rep)
	}
	if !f.exists(liveTurns) {
		t.Error("expected history of an active session kept")
	}

	f.clock.Advance(21 * time.Minute)
	rep = f.scheduler.Sweep(ctx)
	if f.exists(lonely) {
		t.Error("expected orphan history deleted once its session would have expired")
	}
	if rep.HistoryDeleted < 1 {
		t.Errorf("expected history deletions counted, got %+v", rep)
	}
}

func TestSweep_CorruptRecordSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()
	if err := f.store.Set(ctx, "sessions/p1/broken", []byte(`{"id":`)); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Set(ctx, "sessions/p1/partial", []byte(`{"id":"partial","status":"ended"}`)); err != nil {
		t.Fatal(err)
	}
	ended := now.Add(-2 * time.Hour)
	good := putRecord(t, f.store, session.Record{
		ID: "good", OwnerID: "u1", PersonalityID: "p1", Status: session.StatusEnded,
		CreatedAt: ended.Add(-time.Hour), LastActivityAt: ended, EndedAt: &ended,
	}, false)

	rep := f.sweep(t)
	if rep.Corrupt != 2 {
		t.Errorf("expected 2 corrupt records, got %+v", rep)
	}
	if f.exists(good) {
		t.Error("expected valid expired record deleted despite corrupt neighbours")
	}
	if !f.exists("sessions/p1/broken") {
		t.Error("expected corrupt record left in place")
	}
}

func TestSweep_OneFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	ended := now.Add(-2 * time.Hour)
	var paths []string
	for _, id := range []string{"a", "b", "c"} {
		paths = append(paths, putRecord(t, f.store, session.Record{
			ID: id, OwnerID: "u", PersonalityID: "p1", Status: session.StatusEnded,
			CreatedAt: ended, LastActivityAt: ended, EndedAt: &ended,
		}, false))
	}
	f.store.failDelete[paths[0]] = true

	rep := f.sweep(t)
	if rep.Errors != 1 || rep.RecordsDeleted != 2 {
		t.Errorf("expected 1 error and 2 deletions, got %+v", rep)
	}
	if !f.exists(paths[0]) || f.exists(paths[1]) || f.exists(paths[2]) {
		t.Error("expected only the failing record to remain")
	}

	f.store.failDelete[paths[0]] = false
	if rep := f.sweep(t); rep.RecordsDeleted != 1 || rep.Errors != 0 {
		t.Errorf("expected the failed record deleted on the next sweep, got %+v", rep)
	}
}

func TestSweep_QueuedDeletionRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.table.Create(ctx, "u1", "p1")
	f.table.AppendAndRespond(ctx, s.ID, "hello")
	f.table.End(ctx, s.ID)
	turnsPath, _ := session.TurnsPath("p1", s.ID)
	f.store.failDelete[turnsPath] = true

	f.clock.Advance(time.Minute)
	rep := f.sweep(t)
	if rep.Errors == 0 || f.scheduler.Queue().Len() != 1 {
		t.Fatalf("expected failed deletion to stay queued, got %+v (queue %d)", rep, f.scheduler.Queue().Len())
	}

	f.store.failDelete[turnsPath] = false
	f.sweep(t)
	if f.exists(turnsPath) || f.scheduler.Queue().Len() != 0 {
		t.Error("expected deletion to succeed on retry")
	}
}

type panickySessions struct{}

func (*panickySessions) IdleBefore(time.Time) []string { panic("boom") }

func (*panickySessions) EndWithReason(context.Context, string, session.EndReason) (bool, error) {
	return false, nil
}
func (*panickySessions) RemoveEndedBefore(time.Time) []session.Session { return nil }
func (*panickySessions) Get(string) (session.Session, error) {
	return session.Session{}, session.ErrSessionNotFound
}

func TestSweep_PanicIsContained(t *testing.T) {
	store := durable.NewMemory()
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	ended := now.Add(-2 * time.Hour)
	path := putRecord(t, store, session.Record{
		ID: "x", OwnerID: "u", PersonalityID: "p1", Status: session.StatusEnded,
		CreatedAt: ended, LastActivityAt: ended, EndedAt: &ended,
	}, false)

	sched := NewScheduler(Config{}, Deps{
		Store:    store,
		Sessions: &panickySessions{},
		Now:      func() time.Time { return now },
	})
	rep := sched.Sweep(context.Background())
	if rep.Errors != 1 {
		t.Errorf("expected the panic counted as one error, got %+v", rep)
	}
	if _, err := store.Get(context.Background(), path); !errors.Is(err, durable.ErrNotFound) {
		t.Error("expected later steps to run after the panic")
	}
	if got := sched.LastReport(); got.Errors != 1 {
		t.Errorf("expected last report stored, got %+v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if f.scheduler.LastReport().StartedAt.IsZero() {
		t.Error("expected an initial sweep")
	}
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	q.ScheduleHistoryDeletion("b", "sessions/p/b/turns", base.Add(time.Minute))
	q.ScheduleHistoryDeletion("a", "sessions/p/a/turns", base)
	q.ScheduleHistoryDeletion("a", "sessions/p/a/turns", base.Add(time.Hour))

	if q.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", q.Len())
	}
	due := q.Due(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0].SessionID != "a" || !due[0].EndedAt.Equal(base) {
		t.Fatalf("expected a then b with the first endedAt kept, got %+v", due)
	}
	if got := q.Due(base.Add(30 * time.Second)); len(got) != 1 {
		t.Errorf("expected only a due, got %+v", got)
	}

	q.Failed("sessions/p/a/turns")
	if got := q.Due(base); got[0].Attempts != 1 {
		t.Errorf("expected attempt counted, got %+v", got[0])
	}
	q.Done("sessions/p/a/turns")
	if q.Len() != 1 {
		t.Errorf("expected 1 entry after Done, got %d", q.Len())
	}
}
