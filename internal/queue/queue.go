// Package queue schedules asynchronous vault extractions in memory.
//
// The queue is a disposable scheduler over the durable extraction_status
// column: its queued and in-flight sets live for the process lifetime and are
// rebuilt after a crash by RecoverStalled. One worker runs per queue instance,
// so at most one extraction is in flight at a time; scaling beyond a single
// worker (multiple instances claiming disjoint items) is out of scope and
// would double-process items. There is no per-attempt timeout, so a hung
// Processor call stalls the worker indefinitely.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/draftaid/vaultd/internal/storage"
)

// Processor runs a full extraction for one vault item. It owns every status
// transition, including the terminal failure state; the queue only schedules.
type Processor interface {
	Run(ctx context.Context, itemID string) error
}

// StatusLister is the slice of the persistent store the recovery pass needs.
type StatusLister interface {
	ListItemIDsByStatus(statuses []storage.ExtractionStatus, excludeDeleted bool) ([]string, error)
}

// Config holds the retry policy. Zero values fall back to defaults.
type Config struct {
	BaseBackoff time.Duration // first retry delay (default 2s)
	MaxBackoff  time.Duration // backoff ceiling (default 30s)
	MaxRetries  int           // total attempts before giving up (default 3)
}

func (c Config) withDefaults() Config {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// entry is one scheduled extraction. It exists only in process memory.
type entry struct {
	itemID        string
	retryCount    int
	enqueuedAt    time.Time
	nextAttemptAt time.Time
	seq           uint64 // insertion order, breaks nextAttemptAt ties
}

// Queue dedups, backs off, and drives the Processor one item at a time.
type Queue struct {
	proc   Processor
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	queued   map[string]*entry
	inFlight map[string]struct{}
	running  bool
	seq      uint64
	wake     chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a Queue with the given Processor and retry policy.
func New(proc Processor, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		proc:     proc,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		queued:   make(map[string]*entry),
		inFlight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue schedules an item for extraction at retry count zero. It is a no-op
// if the item is already queued or in flight, and it starts the worker loop
// if one is not running.
func (q *Queue) Enqueue(itemID string) {
	q.enqueue(itemID, 0)
}

func (q *Queue) enqueue(itemID string, retryCount int) {
	q.mu.Lock()
	added := q.enqueueLocked(itemID, retryCount)

	start := false
	if added && !q.running {
		q.running = true
		start = true
	}
	q.mu.Unlock()

	if !added {
		return
	}

	q.logger.Debug("queued extraction", "item_id", itemID, "retry", retryCount)

	if start {
		go q.loop()
	} else {
		// Nudge a sleeping worker; the new entry may be ready sooner.
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

// enqueueLocked inserts the entry if the item is not already queued or in
// flight. Caller holds q.mu.
func (q *Queue) enqueueLocked(itemID string, retryCount int) bool {
	if _, ok := q.queued[itemID]; ok {
		return false
	}
	if _, ok := q.inFlight[itemID]; ok {
		return false
	}

	now := time.Now()
	e := &entry{
		itemID:        itemID,
		retryCount:    retryCount,
		enqueuedAt:    now,
		nextAttemptAt: now,
		seq:           q.seq,
	}
	q.seq++
	if retryCount > 0 {
		e.nextAttemptAt = now.Add(q.Backoff(retryCount))
	}
	q.queued[itemID] = e
	return true
}

// Backoff returns the delay before the given retry attempt:
// min(base * 2^retryCount, max).
func (q *Queue) Backoff(retryCount int) time.Duration {
	d := time.Duration(float64(q.cfg.BaseBackoff) * math.Pow(2, float64(retryCount)))
	if d <= 0 || d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

// Stats reports the current queued and in-flight counts.
func (q *Queue) Stats() (queued, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued), len(q.inFlight)
}

// loop is the single worker. It picks the entry with the earliest
// nextAttemptAt, sleeps exactly until the soonest ready time when nothing is
// due, and exits once both sets are empty.
func (q *Queue) loop() {
	for {
		q.mu.Lock()
		if len(q.queued) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}

		next := q.earliestLocked()
		now := time.Now()
		if wait := next.nextAttemptAt.Sub(now); wait > 0 {
			q.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.wake:
				timer.Stop()
			}
			continue
		}

		delete(q.queued, next.itemID)
		q.inFlight[next.itemID] = struct{}{}
		q.mu.Unlock()

		err := q.proc.Run(context.Background(), next.itemID)

		// Move out of in-flight and, on a retryable failure, back into
		// queued within one critical section, so the item is never
		// absent from both sets mid-retry.
		retrying := err != nil && next.retryCount < q.cfg.MaxRetries-1
		q.mu.Lock()
		delete(q.inFlight, next.itemID)
		if retrying {
			q.enqueueLocked(next.itemID, next.retryCount+1)
		}
		q.mu.Unlock()

		switch {
		case err == nil:
			q.logger.Info("extraction completed", "item_id", next.itemID, "retry", next.retryCount)
		case retrying:
			q.logger.Warn("extraction failed, retrying",
				"item_id", next.itemID, "retry", next.retryCount, "error", err)
		default:
			// Retries exhausted. The terminal status was recorded by
			// the Processor; overwriting it here would create a second
			// source of truth for failure state.
			q.logger.Error("extraction failed permanently",
				"item_id", next.itemID, "attempts", next.retryCount+1, "error", err)
		}
	}
}

// earliestLocked returns the queued entry with the smallest nextAttemptAt,
// breaking ties by insertion order. Caller holds q.mu.
func (q *Queue) earliestLocked() *entry {
	var best *entry
	for _, e := range q.queued {
		if best == nil {
			best = e
			continue
		}
		if e.nextAttemptAt.Before(best.nextAttemptAt) ||
			(e.nextAttemptAt.Equal(best.nextAttemptAt) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

// RecoverStalled re-enqueues every item whose persisted status shows an
// extraction left incomplete by an unclean shutdown. It is a full
// reconciliation pass against the durable store and is intended to run once
// at process startup. Returns the number of items re-enqueued.
func (q *Queue) RecoverStalled(lister StatusLister) (int, error) {
	ids, err := lister.ListItemIDsByStatus(storage.InProgressStatuses, true)
	if err != nil {
		return 0, fmt.Errorf("listing stalled items: %w", err)
	}

	for _, id := range ids {
		q.Enqueue(id)
	}

	if len(ids) > 0 {
		q.logger.Info("recovered stalled extractions", "count", len(ids))
	}
	return len(ids), nil
}
