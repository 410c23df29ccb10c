package fallback

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrNoPersonalities is returned when no personality can be offered.
var ErrNoPersonalities = errors.New("fallback: no personalities available")

// Selector picks the personality for a fallback session from available,
// which is sorted and non-empty.
type Selector interface {
	Select(ctx context.Context, n Notification, available []string) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, n Notification, available []string) (string, error)

func (f SelectorFunc) Select(ctx context.Context, n Notification, available []string) (string, error) {
	return f(ctx, n, available)
}

// RandomSelector honours a personality chosen by the owner in the
// notification context and otherwise picks uniformly at random.
type RandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomSelector returns a selector drawing from rng. The same seed
// yields the same sequence of picks.
func NewRandomSelector(rng *rand.Rand) *RandomSelector {
	return &RandomSelector{rng: rng}
}

func (s *RandomSelector) Select(_ context.Context, n Notification, available []string) (string, error) {
	if len(available) == 0 {
		return "", ErrNoPersonalities
	}
	if p := PreferredPersonality(n.Context); p != "" && slices.Contains(available, p) {
		return p, nil
	}
	s.mu.Lock()
	i := s.rng.Intn(len(available))
	s.mu.Unlock()
	return available[i], nil
}

// PreferredPersonality reads the owner's choice from a notification
// context, either as "selected_personality" or nested under "preferences".
func PreferredPersonality(ctx map[string]any) string {
	if ctx == nil {
		return ""
	}
	if p, ok := ctx["selected_personality"].(string); ok && strings.TrimSpace(p) != "" {
		return strings.TrimSpace(p)
	}
	if prefs, ok := ctx["preferences"].(map[string]any); ok {
		if p, ok := prefs["selected_personality"].(string); ok {
			return strings.TrimSpace(p)
		}
	}
	return ""
}

// NewRand returns a random source for NewRandomSelector. A zero seed
// means seeded from the clock.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		return newClockRand()
	}
	return rand.New(rand.NewSource(seed))
}

func newClockRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}
