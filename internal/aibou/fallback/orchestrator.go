// Package fallback turns matching-timeout notifications into sessions: when
// the external matcher gives up on pairing an owner with a person, the
// orchestrator starts (at most) one session with a generated partner.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Aibou/internal/aibou/audit"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/session"
)

// ErrInvalidNotification is returned for notifications that cannot be acted on.
var ErrInvalidNotification = errors.New("fallback: invalid notification")

// Notification is a matching timeout reported by the external matcher.
type Notification struct {
	OwnerID     string         `json:"owner_id"`
	WaitSeconds float64        `json:"wait_seconds"`
	Context     map[string]any `json:"context,omitempty"`
}

// Handle is what the caller relays to the owner's client.
type Handle struct {
	SessionID     string    `json:"session_id"`
	PersonalityID string    `json:"personality_id"`
	Existing      bool      `json:"existing"`
	Profile       AIProfile `json:"profile"`
}

// Sessions is the part of the session table the orchestrator uses.
type Sessions interface {
	Create(ctx context.Context, ownerID, personalityID string) (session.Session, error)
	ActiveForOwner(ownerID string) []session.Session
	AppendAndRespond(ctx context.Context, sessionID, text string) (session.Reply, error)
	End(ctx context.Context, sessionID string) error
}

// Catalog lists the personalities eligible for random selection.
type Catalog interface {
	PublicIDs(ctx context.Context) ([]string, error)
}

// Config restricts what the orchestrator offers.
type Config struct {
	// Personalities, when set, limits selection to these ids.
	Personalities []string
	// MinWait rejects notifications for owners who waited less. Zero disables the check.
	MinWait time.Duration
}

// Deps are the orchestrator's collaborators. Sessions and Catalog are required.
type Deps struct {
	Sessions Sessions
	Catalog  Catalog
	// Selector defaults to a RandomSelector seeded from the clock.
	Selector Selector
	Notifier audit.Notifier
	Logger   *slog.Logger
}

// Orchestrator handles matching timeouts. Notifications for the same owner
// are processed one at a time; different owners proceed in parallel.
type Orchestrator struct {
	cfg      Config
	sessions Sessions
	catalog  Catalog
	selector Selector
	notifier audit.Notifier
	logger   *slog.Logger
	locks    keyedMutex
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		sessions: deps.Sessions,
		catalog:  deps.Catalog,
		selector: deps.Selector,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		locks:    keyedMutex{locks: make(map[string]*refLock)},
	}
	if o.selector == nil {
		o.selector = NewRandomSelector(newClockRand())
	}
	if o.notifier == nil {
		o.notifier = audit.Noop{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "fallback")
	return o
}

func (o *Orchestrator) validate(n Notification) (Notification, error) {
	n.OwnerID = strings.TrimSpace(n.OwnerID)
	if n.OwnerID == "" {
		return n, fmt.Errorf("%w: owner id is required", ErrInvalidNotification)
	}
	if math.IsNaN(n.WaitSeconds) || math.IsInf(n.WaitSeconds, 0) || n.WaitSeconds < 0 {
		return n, fmt.Errorf("%w: wait seconds must be a non-negative number", ErrInvalidNotification)
	}
	if o.cfg.MinWait > 0 {
		waited := time.Duration(n.WaitSeconds * float64(time.Second))
		if waited < o.cfg.MinWait {
			return n, fmt.Errorf("%w: owner waited %s, fallback starts after %s", ErrInvalidNotification, waited, o.cfg.MinWait)
		}
	}
	return n, nil
}

// HandleTimeout creates a fallback session for the owner, or returns the
// owner's active session when one exists. Creation failures are returned
// to the caller.
func (o *Orchestrator) HandleTimeout(ctx context.Context, n Notification) (Handle, error) {
	n, err := o.validate(n)
	if err != nil {
		return Handle{}, err
	}
	logger := observability.WithTrace(ctx, o.logger).With("owner_id", n.OwnerID)

	unlock := o.locks.Lock(n.OwnerID)
	defer unlock()

	if active := o.sessions.ActiveForOwner(n.OwnerID); len(active) > 0 {
		s := active[0]
		logger.Info("owner already has an active session", "session_id", s.ID)
		return Handle{SessionID: s.ID, PersonalityID: s.PersonalityID, Existing: true, Profile: NewProfile(s)}, nil
	}

	available, err := o.available(ctx)
	if err != nil {
		o.failed(ctx, n.OwnerID, err)
		return Handle{}, err
	}
	personalityID, err := o.selector.Select(ctx, n, available)
	if err != nil {
		err = fmt.Errorf("fallback: select personality: %w", err)
		o.failed(ctx, n.OwnerID, err)
		return Handle{}, err
	}

	s, err := o.sessions.Create(ctx, n.OwnerID, personalityID)
	if err != nil {
		err = fmt.Errorf("fallback: create session for %s: %w", n.OwnerID, err)
		o.failed(ctx, n.OwnerID, err)
		return Handle{}, err
	}

	profile := NewProfile(s)
	logger.Info("fallback session created",
		"session_id", s.ID, "personality_id", s.PersonalityID, "waited_seconds", n.WaitSeconds)
	o.notifier.Notify(ctx, audit.Event{
		Kind:          audit.KindFallbackCreated,
		SessionID:     s.ID,
		OwnerID:       n.OwnerID,
		PersonalityID: s.PersonalityID,
		Message:       fmt.Sprintf("owner waited %.0fs; partner %s", n.WaitSeconds, profile.Username),
	})
	return Handle{SessionID: s.ID, PersonalityID: s.PersonalityID, Profile: profile}, nil
}

// EndForOwner ends every active session of the owner and returns how many
// were ended.
func (o *Orchestrator) EndForOwner(ctx context.Context, ownerID string) (int, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, fmt.Errorf("%w: owner id is required", ErrInvalidNotification)
	}
	unlock := o.locks.Lock(ownerID)
	defer unlock()

	var errs []error
	n := 0
	for _, s := range o.sessions.ActiveForOwner(ownerID) {
		if err := o.sessions.End(ctx, s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// SessionForOwner returns the owner's active session. It fails with
// session.ErrSessionNotFound when the owner has none.
func (o *Orchestrator) SessionForOwner(_ context.Context, ownerID string) (Handle, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Handle{}, fmt.Errorf("%w: owner id is required", ErrInvalidNotification)
	}
	active := o.sessions.ActiveForOwner(ownerID)
	if len(active) == 0 {
		return Handle{}, fmt.Errorf("%w: no active session for owner %s", session.ErrSessionNotFound, ownerID)
	}
	s := active[0]
	return Handle{SessionID: s.ID, PersonalityID: s.PersonalityID, Existing: true, Profile: NewProfile(s)}, nil
}

// SendForOwner appends text to the owner's active session and returns the
// partner's reply. The owner lock is not held while the reply is generated,
// so a concurrent EndForOwner surfaces as session.ErrSessionEnded.
func (o *Orchestrator) SendForOwner(ctx context.Context, ownerID, text string) (Handle, session.Reply, error) {
	h, err := o.SessionForOwner(ctx, ownerID)
	if err != nil {
		return Handle{}, session.Reply{}, err
	}
	reply, err := o.sessions.AppendAndRespond(ctx, h.SessionID, text)
	if err != nil {
		return h, session.Reply{}, err
	}
	return h, reply, nil
}

func (o *Orchestrator) available(ctx context.Context) ([]string, error) {
	ids, err := o.catalog.PublicIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fallback: list personalities: %w", err)
	}
	if len(o.cfg.Personalities) > 0 {
		ids = slices.DeleteFunc(ids, func(id string) bool {
			return !slices.Contains(o.cfg.Personalities, id)
		})
	}
	if len(ids) == 0 {
		return nil, ErrNoPersonalities
	}
	slices.Sort(ids)
	return ids, nil
}

func (o *Orchestrator) failed(ctx context.Context, ownerID string, err error) {
	observability.WithTrace(ctx, o.logger).Error("fallback failed", "owner_id", ownerID, "err", err)
	o.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindFallbackFailed,
		OwnerID: ownerID,
		Message: err.Error(),
	})
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
