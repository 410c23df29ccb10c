package cleanup

import (
	"slices"
	"sync"
	"time"
)

// PendingDeletion is a turn history waiting for its grace period to pass.
type PendingDeletion struct {
	SessionID string
	Path      string
	EndedAt   time.Time
	Attempts  int
}

// Queue holds scheduled history deletions keyed by path. It implements
// session.HistoryScheduler; only the Scheduler drains it.
type Queue struct {
	mu    sync.Mutex
	items map[string]PendingDeletion
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]PendingDeletion)}
}

// ScheduleHistoryDeletion queues path for deletion once the grace period
// after endedAt has passed. Scheduling a path twice keeps the first entry.
func (q *Queue) ScheduleHistoryDeletion(sessionID, path string, endedAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[path]; ok {
		return
	}
	q.items[path] = PendingDeletion{SessionID: sessionID, Path: path, EndedAt: endedAt}
}

// Due returns entries ended at or before cutoff, oldest first.
func (q *Queue) Due(cutoff time.Time) []PendingDeletion {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingDeletion
	for _, p := range q.items {
		if !p.EndedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b PendingDeletion) int { return a.EndedAt.Compare(b.EndedAt) })
	return out
}

// Done removes path from the queue.
func (q *Queue) Done(path string) {
	q.mu.Lock()
	delete(q.items, path)
	q.mu.Unlock()
}

// Failed records a failed attempt; the entry stays queued.
func (q *Queue) Failed(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.items[path]; ok {
		p.Attempts++
		q.items[path] = p
	}
}

// Len returns the number of queued deletions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
