package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/bdobrica/Aibou/internal/aibou/durable"
)

// PersonalityStats aggregates the stored sessions of one personality.
type PersonalityStats struct {
	PersonalityID string `json:"personality_id"`
	Sessions      int    `json:"sessions"`
	Active        int    `json:"active"`
	Ended         int    `json:"ended"`
	Replies       int    `json:"replies"`
	// AvgDurationSecs covers ended sessions only.
	AvgDurationSecs float64 `json:"avg_duration_seconds"`

	endedSecs float64
}

// Summary aggregates every metadata record still in durable storage.
type Summary struct {
	Sessions      int                `json:"sessions"`
	Active        int                `json:"active"`
	Ended         int                `json:"ended"`
	Replies       int                `json:"replies"`
	Corrupt       int                `json:"corrupt"`
	Personalities []PersonalityStats `json:"personalities"`
}

// Analytics reads session metadata back from durable storage. Records
// enter it once the durable writer has flushed them and leave it when the
// cleanup scheduler drops them after the retention period.
type Analytics struct {
	store durable.Store
}

// NewAnalytics creates a reader over store.
func NewAnalytics(store durable.Store) *Analytics {
	return &Analytics{store: store}
}

// Summary lists every record under RecordsRoot and aggregates them per
// personality, busiest first. Undecodable records are counted as corrupt
// and skipped.
func (a *Analytics) Summary(ctx context.Context) (Summary, error) {
	paths, err := a.store.List(ctx, RecordsRoot)
	if err != nil {
		return Summary{}, fmt.Errorf("session: list %s: %w", RecordsRoot, err)
	}

	var sum Summary
	byID := make(map[string]*PersonalityStats)
	for _, path := range paths {
		ref, ok := ParseRecordPath(path)
		if !ok || ref.Turns {
			continue
		}
		raw, err := a.store.Get(ctx, path)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil {
			return Summary{}, fmt.Errorf("session: read %s: %w", path, err)
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			sum.Corrupt++
			continue
		}

		ps, ok := byID[rec.PersonalityID]
		if !ok {
			ps = &PersonalityStats{PersonalityID: rec.PersonalityID}
			byID[rec.PersonalityID] = ps
		}
		ps.Sessions++
		ps.Replies += rec.TurnCount
		sum.Sessions++
		sum.Replies += rec.TurnCount
		if rec.Status == StatusEnded && rec.EndedAt != nil {
			ps.Ended++
			sum.Ended++
			if d := rec.EndedAt.Sub(rec.CreatedAt); d > 0 {
				ps.endedSecs += d.Seconds()
			}
			continue
		}
		ps.Active++
		sum.Active++
	}

	sum.Personalities = make([]PersonalityStats, 0, len(byID))
	for _, ps := range byID {
		if ps.Ended > 0 {
			ps.AvgDurationSecs = ps.endedSecs / float64(ps.Ended)
		}
		sum.Personalities = append(sum.Personalities, *ps)
	}
	slices.SortFunc(sum.Personalities, func(a, b PersonalityStats) int {
		if a.Sessions != b.Sessions {
			return b.Sessions - a.Sessions
		}
		return strings.Compare(a.PersonalityID, b.PersonalityID)
	})
	return sum, nil
}
