package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bdobrica/Aibou/internal/aibou/audit"
	"github.com/bdobrica/Aibou/internal/aibou/generation"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
)

const shardCount = 32

// TemplateResolver loads a personality with the current global rules attached.
type TemplateResolver interface {
	Resolve(ctx context.Context, personalityID string) (persona.Template, error)
}

// HistoryScheduler queues deletion of a session's durable turn history
// once the grace period after endedAt has passed.
type HistoryScheduler interface {
	ScheduleHistoryDeletion(sessionID, turnsPath string, endedAt time.Time)
}

// Config holds the table's limits.
type Config struct {
	// TurnCap is the maximum number of retained turns per session.
	TurnCap int
	// GenerationTimeout bounds each generation call, retries included.
	GenerationTimeout time.Duration
	// MaxReplyTokens caps the template's maxTokens. Zero means no cap.
	MaxReplyTokens int
	// MaxMessageChars bounds user message length in characters.
	MaxMessageChars int
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		TurnCap:           20,
		GenerationTimeout: 20 * time.Second,
		MaxReplyTokens:    150,
		MaxMessageChars:   4000,
	}
}

// Deps are the collaborators of a Table. Templates and Generator are required.
type Deps struct {
	Templates TemplateResolver
	Generator generation.Client
	Timing    TimingModel
	Persister Persister
	History   HistoryScheduler
	Notifier  audit.Notifier
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Sleep waits for the pacing delay; defaults to a timer that returns
	// early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration)
}

// Stats counts the sessions held by the table.
type Stats struct {
	Active int `json:"active"`
	Ended  int `json:"ended"`
}

type entry struct {
	// turn is a one-slot semaphore held for a whole exchange, so messages
	// to one session are accepted one at a time.
	turn chan struct{}

	mu   sync.Mutex
	s    Session
	busy bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type ownerShard struct {
	mu     sync.Mutex
	owners map[string]map[string]struct{}
}

// Table is the in-process authority over sessions. Sessions live in a
// sharded map; each session has its own locks, so operations on different
// sessions never contend beyond a brief shard lookup.
type Table struct {
	cfg       Config
	templates TemplateResolver
	gen       generation.Client
	timing    TimingModel
	persist   Persister
	history   HistoryScheduler
	notifier  audit.Notifier
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration)

	shards [shardCount]shard
	owners [shardCount]ownerShard
}

type discardPersister struct{}

func (discardPersister) Put(string, []byte) {}

type discardHistory struct{}

func (discardHistory) ScheduleHistoryDeletion(string, string, time.Time) {}

// NewTable creates an empty table.
func NewTable(cfg Config, deps Deps) *Table {
	def := DefaultConfig()
	if cfg.TurnCap <= 0 {
		cfg.TurnCap = def.TurnCap
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = def.MaxMessageChars
	}
	t := &Table{
		cfg:       cfg,
		templates: deps.Templates,
		gen:       deps.Generator,
		timing:    deps.Timing,
		persist:   deps.Persister,
		history:   deps.History,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       deps.Now,
		sleep:     deps.Sleep,
	}
	if t.persist == nil {
		t.persist = discardPersister{}
	}
	if t.history == nil {
		t.history = discardHistory{}
	}
	if t.notifier == nil {
		t.notifier = audit.Noop{}
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "session")
	if t.now == nil {
		t.now = time.Now
	}
	if t.sleep == nil {
		t.sleep = sleepCtx
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
		t.owners[i].owners = make(map[string]map[string]struct{})
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (t *Table) lookup(id string) (*entry, bool) {
	sh := &t.shards[shardIndex(id)]
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	return e, ok
}

func (t *Table) addOwner(ownerID, sessionID string) {
	os := &t.owners[shardIndex(ownerID)]
	os.mu.Lock()
	defer os.mu.Unlock()
	ids, ok := os.owners[ownerID]
	if !ok {
		ids = make(map[string]struct{})
		os.owners[ownerID] = ids
	}
	ids[sessionID] = struct{}{}
}

func (t *Table) removeOwner(ownerID, sessionID string) {
	os := &t.owners[shardIndex(ownerID)]
	os.mu.Lock()
	defer os.mu.Unlock()
	if ids, ok := os.owners[ownerID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(os.owners, ownerID)
		}
	}
}

// persistLocked queues the metadata record (and the turns when withTurns)
// for the durable store. Callers hold e.mu so writes for one session are
// sequenced in the same order as the state changes they describe.
func (t *Table) persistLocked(s *Session, withTurns bool) {
	recPath, err := RecordPath(s.PersonalityID, s.ID)
	if err != nil {
		t.logger.Error("cannot derive record path", "session_id", s.ID, "err", err)
		return
	}
	raw, err := json.Marshal(recordOf(*s))
	if err != nil {
		t.logger.Error("encode session record", "session_id", s.ID, "err", err)
		return
	}
	t.persist.Put(recPath, raw)
	if !withTurns {
		return
	}
	turnsRaw, err := EncodeTurns(s.Turns)
	if err != nil {
		t.logger.Error("encode turns", "session_id", s.ID, "err", err)
		return
	}
	t.persist.Put(recPath+"/"+turnsSegment, turnsRaw)
}

// Create starts an active session for ownerID with the given personality.
func (t *Table) Create(ctx context.Context, ownerID, personalityID string) (Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Session{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	tmpl, err := t.templates.Resolve(ctx, personalityID)
	if err != nil {
		return Session{}, err
	}
	instruction, err := persona.Compose(tmpl.Rules, tmpl.PersonalityText)
	if err != nil {
		return Session{}, fmt.Errorf("session: compose %s: %w", tmpl.ID, err)
	}

	params := tmpl.Params
	if t.cfg.MaxReplyTokens > 0 && (params.MaxTokens <= 0 || params.MaxTokens > t.cfg.MaxReplyTokens) {
		params.MaxTokens = t.cfg.MaxReplyTokens
	}

	now := t.now()
	e := &entry{
		turn: make(chan struct{}, 1),
		s: Session{
			ID:                  uuid.NewString(),
			OwnerID:             ownerID,
			PersonalityID:       tmpl.ID,
			ComposedInstruction: instruction,
			Params:              params,
			Turns:               []Turn{},
			Status:              StatusActive,
			CreatedAt:           now,
			LastActivityAt:      now,
		},
	}

	e.mu.Lock()
	sh := &t.shards[shardIndex(e.s.ID)]
	sh.mu.Lock()
	sh.entries[e.s.ID] = e
	sh.mu.Unlock()
	t.addOwner(ownerID, e.s.ID)
	t.persistLocked(&e.s, true)
	snap := e.s.clone()
	e.mu.Unlock()

	observability.WithTrace(ctx, t.logger).Info("session created",
		"session_id", snap.ID, "owner_id", ownerID, "personality_id", snap.PersonalityID)
	t.notifier.Notify(ctx, audit.Event{
		Kind:          audit.KindSessionCreated,
		SessionID:     snap.ID,
		OwnerID:       ownerID,
		PersonalityID: snap.PersonalityID,
		Message:       "session created",
	})
	return snap, nil
}

func (t *Table) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(text); n > t.cfg.MaxMessageChars {
		return fmt.Errorf("%w: message has %d characters, limit is %d", ErrInvalidInput, n, t.cfg.MaxMessageChars)
	}
	return nil
}

func historyOf(turns []Turn) []generation.Message {
	out := make([]generation.Message, 0, len(turns))
	for _, turn := range turns {
		role := generation.RoleUser
		if turn.Speaker == SpeakerAssistant {
			role = generation.RoleAssistant
		}
		out = append(out, generation.Message{Role: role, Content: turn.Text})
	}
	return out
}

// AppendAndRespond records a user message, asks the generator for a reply,
// paces it and records it. Messages to one session are handled one at a
// time in arrival order; other sessions are unaffected.
//
// Unknown and ended sessions are reported before the text is validated.
// If generation fails the user turn stays recorded and the error wraps
// ErrGenerationFailed. If the session ends while the reply is being
// produced, the reply is dropped and Reply.Discarded is set.
func (t *Table) AppendAndRespond(ctx context.Context, sessionID, text string) (Reply, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return Reply{}, ErrSessionNotFound
	}
	logger := observability.WithTrace(ctx, t.logger).With("session_id", sessionID)

	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	defer func() { <-e.turn }()

	e.mu.Lock()
	if e.s.Status != StatusActive {
		e.mu.Unlock()
		return Reply{}, ErrSessionEnded
	}
	if err := t.validateText(text); err != nil {
		e.mu.Unlock()
		return Reply{}, err
	}
	now := t.now()
	temperature := e.s.Params.Temperature
	req := generation.Request{
		Instruction: e.s.ComposedInstruction,
		History:     historyOf(e.s.Turns),
		UserText:    text,
		Model:       e.s.Params.Model,
		Temperature: &temperature,
		MaxTokens:   e.s.Params.MaxTokens,
	}
	e.s.Turns = AppendTurn(e.s.Turns, Turn{Speaker: SpeakerUser, Text: text, CreatedAt: now}, t.cfg.TurnCap)
	e.s.LastActivityAt = now
	e.busy = true
	t.persistLocked(&e.s, true)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.busy = false
		e.mu.Unlock()
	}()

	genCtx, cancel := context.WithTimeout(ctx, t.cfg.GenerationTimeout)
	started := t.now()
	replyText, err := t.gen.Generate(genCtx, req)
	cancel()
	if err != nil {
		logger.Warn("generation failed", "err", err, "elapsed", t.now().Sub(started))
		return Reply{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	delay := t.timing.Delay(replyText)
	t.sleep(ctx, delay)

	e.mu.Lock()
	if e.s.Status != StatusActive {
		e.mu.Unlock()
		logger.Info("session ended while generating, reply discarded")
		return Reply{Delay: delay, Discarded: true}, nil
	}
	e.s.Turns = AppendTurn(e.s.Turns, Turn{Speaker: SpeakerAssistant, Text: replyText, CreatedAt: t.now()}, t.cfg.TurnCap)
	e.s.TurnCount++
	turnCount := e.s.TurnCount
	t.persistLocked(&e.s, true)
	e.mu.Unlock()

	logger.Debug("reply delivered", "turn_count", turnCount, "delay", delay)
	return Reply{Text: replyText, TurnCount: turnCount, Delay: delay}, nil
}

// End marks the session ended. Ending an ended session is a no-op success.
func (t *Table) End(ctx context.Context, sessionID string) error {
	_, err := t.EndWithReason(ctx, sessionID, ReasonRequested)
	return err
}

// EndWithReason ends the session and reports whether this call ended it.
// Only the first call persists, schedules history deletion and notifies.
func (t *Table) EndWithReason(ctx context.Context, sessionID string, reason EndReason) (bool, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return false, ErrSessionNotFound
	}

	e.mu.Lock()
	if e.s.Status == StatusEnded {
		e.mu.Unlock()
		return false, nil
	}
	now := t.now()
	e.s.Status = StatusEnded
	e.s.EndedAt = &now
	t.persistLocked(&e.s, false)
	snap := e.s.clone()
	e.mu.Unlock()

	t.removeOwner(snap.OwnerID, snap.ID)
	if turnsPath, err := TurnsPath(snap.PersonalityID, snap.ID); err == nil {
		t.history.ScheduleHistoryDeletion(snap.ID, turnsPath, now)
	}

	kind := audit.KindSessionEnded
	if reason == ReasonExpired {
		kind = audit.KindSessionExpired
	}
	observability.WithTrace(ctx, t.logger).Info("session ended",
		"session_id", snap.ID, "reason", string(reason), "turn_count", snap.TurnCount)
	t.notifier.Notify(ctx, audit.Event{
		Kind:          kind,
		SessionID:     snap.ID,
		OwnerID:       snap.OwnerID,
		PersonalityID: snap.PersonalityID,
		Message:       fmt.Sprintf("session ended (%s) after %d exchanges", reason, snap.TurnCount),
	})
	return true, nil
}

// Get returns a snapshot of the session.
func (t *Table) Get(sessionID string) (Session, error) {
	e, ok := t.lookup(sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// ActiveForOwner returns snapshots of the owner's active sessions, oldest first.
func (t *Table) ActiveForOwner(ownerID string) []Session {
	os := &t.owners[shardIndex(ownerID)]
	os.mu.Lock()
	ids := make([]string, 0, len(os.owners[ownerID]))
	for id := range os.owners[ownerID] {
		ids = append(ids, id)
	}
	os.mu.Unlock()

	var out []Session
	for _, id := range ids {
		s, err := t.Get(id)
		if err == nil && s.Active() {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// IdleBefore returns active sessions whose last activity is before cutoff.
// Sessions with a message in flight are skipped.
func (t *Table) IdleBefore(cutoff time.Time) []string {
	var ids []string
	t.each(func(id string, e *entry) {
		e.mu.Lock()
		if e.s.Status == StatusActive && !e.busy && e.s.LastActivityAt.Before(cutoff) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	})
	return ids
}

// RemoveEndedBefore drops ended sessions whose endedAt is before cutoff and
// returns what was removed.
func (t *Table) RemoveEndedBefore(cutoff time.Time) []Session {
	var removed []Session
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			e.mu.Lock()
			if e.s.Status == StatusEnded && e.s.EndedAt != nil && e.s.EndedAt.Before(cutoff) {
				removed = append(removed, e.s.clone())
				delete(sh.entries, id)
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats counts active and ended sessions.
func (t *Table) Stats() Stats {
	var st Stats
	t.each(func(_ string, e *entry) {
		e.mu.Lock()
		if e.s.Status == StatusActive {
			st.Active++
		} else {
			st.Ended++
		}
		e.mu.Unlock()
	})
	return st
}

// each visits every entry. The shard lock is released before fn runs.
func (t *Table) each(fn func(id string, e *entry)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		ids := make([]string, 0, len(sh.entries))
		entries := make([]*entry, 0, len(sh.entries))
		for id, e := range sh.entries {
			ids = append(ids, id)
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for j, e := range entries {
			fn(ids[j], e)
		}
	}
}
