// Package outbox holds mutations that could not reach the API, one ordered
// list per domain, persisted in the local cache after every change.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"perfsync/domain"
	"perfsync/localcache"
)

var (
	// ErrStale marks a replay that failed because the referenced record no
	// longer exists on the server.
	ErrStale = errors.New("outbox: stale reference")
	// ErrPermanent marks a replay the server will never accept.
	ErrPermanent = errors.New("outbox: permanent failure")
)

// ReplayFunc sends a single entry to the API.
type ReplayFunc func(ctx context.Context, e domain.OutboxEntry) error

// BatchFunc sends a whole batch to a bulk endpoint in one call.
type BatchFunc func(ctx context.Context, entries []domain.OutboxEntry) error

// Config tunes the queue's retry policy.
type Config struct {
	// StaleRetryLimit is the number of ErrStale replays after which an entry
	// is moved to the dead letters. Zero keeps stale entries queued forever.
	StaleRetryLimit int
}

// DrainResult summarises one drain of a domain.
type DrainResult struct {
	Replayed  int
	Skipped   int
	Dropped   int
	Remaining int
}

// Stats reports the state of one domain lane.
type Stats struct {
	Domain  domain.Domain
	Pending int
	Dead    int
}

type lane struct {
	// drainMu serializes drains; mu guards the lists.
	drainMu sync.Mutex
	mu      sync.Mutex
	entries []domain.OutboxEntry
	dead    []domain.OutboxEntry
}

// Queue is the domain-partitioned outbox.
type Queue struct {
	cache     localcache.Cache
	ledger    Ledger
	logger    *log.Logger
	cfg       Config
	lanes     map[domain.Domain]*lane
	delivered atomic.Uint64
}

// New loads the persisted lists of every mutable domain. A nil ledger disables
// acknowledgement tracking.
func New(ctx context.Context, cache localcache.Cache, ledger Ledger, logger *log.Logger, cfg Config) (*Queue, error) {
	if cache == nil {
		panic("cache is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if cfg.StaleRetryLimit < 0 {
		cfg.StaleRetryLimit = 0
	}
	q := &Queue{
		cache:  cache,
		ledger: ledger,
		logger: logger,
		cfg:    cfg,
		lanes:  make(map[domain.Domain]*lane, len(domain.MutableDomains)),
	}
	for _, d := range domain.MutableDomains {
		entries, _, err := localcache.Load[[]domain.OutboxEntry](ctx, cache, localcache.OutboxKey(d))
		if err != nil {
			return nil, fmt.Errorf("load %s outbox: %w", d, err)
		}
		dead, _, err := localcache.Load[[]domain.OutboxEntry](ctx, cache, localcache.DeadLetterKey(d))
		if err != nil {
			return nil, fmt.Errorf("load %s dead letters: %w", d, err)
		}
		q.lanes[d] = &lane{entries: entries, dead: dead}
		if len(entries) > 0 {
			logger.WithFields(log.Fields{"domain": d, "pending": len(entries)}).Info("outbox recovered pending entries")
		}
	}
	return q, nil
}

func (q *Queue) lane(d domain.Domain) (*lane, error) {
	l, ok := q.lanes[d]
	if !ok {
		return nil, fmt.Errorf("outbox: unknown domain %q", d)
	}
	return l, nil
}

// Enqueue appends e to its domain and persists the list. When persisting
// fails the append is rolled back and the error returned.
func (q *Queue) Enqueue(ctx context.Context, e domain.OutboxEntry) (domain.OutboxEntry, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	l, err := q.lane(e.Domain)
	if err != nil {
		return e, err
	}
	e.Seq = nextSequence()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if err := q.persistLocked(ctx, e.Domain, l); err != nil {
		l.entries = l.entries[:len(l.entries)-1]
		return e, fmt.Errorf("persist %s outbox: %w", e.Domain, err)
	}
	q.logger.WithFields(log.Fields{
		"domain":    e.Domain,
		"operation": e.Operation,
		"entry":     e.ID,
		"pending":   len(l.entries),
	}).Debug("outbox entry enqueued")
	return e, nil
}

// Drain replays the entries of d in FIFO order and stops at the first
// failure, leaving that entry and everything after it queued. Entries
// enqueued while the drain runs are kept after the in-flight batch.
func (q *Queue) Drain(ctx context.Context, d domain.Domain, fn ReplayFunc) (DrainResult, error) {
	l, err := q.lane(d)
	if err != nil {
		return DrainResult{}, err
	}
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	batch := l.snapshot()
	var (
		res      DrainResult
		drainErr error
		acked    = make(map[string]struct{}, len(batch))
		updated  = make(map[string]domain.OutboxEntry)
		dead     []domain.OutboxEntry
	)

replay:
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			drainErr = err
			break
		}
		if q.alreadyAcked(ctx, e) {
			acked[e.ID] = struct{}{}
			res.Skipped++
			continue
		}

		err := fn(ctx, e)
		if err == nil {
			acked[e.ID] = struct{}{}
			res.Replayed++
			if _, lerr := q.recordAck(ctx, e.ID); lerr != nil {
				q.logger.WithError(lerr).WithField("entry", e.ID).Warn("outbox ledger add failed")
			}
			continue
		}

		e.Attempts++
		e.LastErr = err.Error()
		entry := q.logger.WithError(err).WithFields(log.Fields{
			"domain":   d,
			"entry":    e.ID,
			"attempts": e.Attempts,
		})
		switch {
		case errors.Is(err, ErrPermanent):
			entry.Error("outbox entry rejected, moved to dead letters")
			dead = append(dead, e)
			res.Dropped++
		case errors.Is(err, ErrStale) && q.cfg.StaleRetryLimit > 0 && e.Attempts >= q.cfg.StaleRetryLimit:
			entry.Error("outbox entry stale after retry limit, moved to dead letters")
			dead = append(dead, e)
			res.Dropped++
		default:
			entry.Warn("outbox replay failed")
			updated[e.ID] = e
			drainErr = err
			break replay
		}
	}

	res.Remaining, err = q.commit(ctx, d, l, acked, updated, dead)
	if err != nil {
		q.logger.WithError(err).WithField("domain", d).Error("outbox persist after drain failed")
		if drainErr == nil {
			drainErr = err
		}
	}
	q.delivered.Add(uint64(res.Replayed))
	return res, drainErr
}

// DrainBatch replays the in-flight batch of d through fn in one call. The
// batch is acknowledged as a whole or not at all.
func (q *Queue) DrainBatch(ctx context.Context, d domain.Domain, fn BatchFunc) (DrainResult, error) {
	l, err := q.lane(d)
	if err != nil {
		return DrainResult{}, err
	}
	l.drainMu.Lock()
	defer l.drainMu.Unlock()

	batch := l.snapshot()
	var (
		res     DrainResult
		acked   = make(map[string]struct{}, len(batch))
		updated = make(map[string]domain.OutboxEntry)
		send    = make([]domain.OutboxEntry, 0, len(batch))
	)
	for _, e := range batch {
		if q.alreadyAcked(ctx, e) {
			acked[e.ID] = struct{}{}
			res.Skipped++
			continue
		}
		send = append(send, e)
	}

	var drainErr error
	if len(send) > 0 {
		if err := fn(ctx, send); err != nil {
			drainErr = err
			for _, e := range send {
				e.Attempts++
				e.LastErr = err.Error()
				updated[e.ID] = e
			}
			q.logger.WithError(err).WithFields(log.Fields{"domain": d, "batch": len(send)}).Warn("outbox batch replay failed")
		} else {
			ids := make([]string, len(send))
			for i, e := range send {
				ids[i] = e.ID
				acked[e.ID] = struct{}{}
			}
			res.Replayed = len(send)
			if q.ledger != nil {
				if _, lerr := q.ledger.AddMany(ctx, ids); lerr != nil {
					q.logger.WithError(lerr).WithField("domain", d).Warn("outbox ledger add failed")
				}
			}
		}
	}

	res.Remaining, err = q.commit(ctx, d, l, acked, updated, nil)
	if err != nil {
		q.logger.WithError(err).WithField("domain", d).Error("outbox persist after drain failed")
		if drainErr == nil {
			drainErr = err
		}
	}
	q.delivered.Add(uint64(res.Replayed))
	return res, drainErr
}

// commit removes acknowledged and dead entries, stores updated attempt
// counters and persists both lists. It returns the number still queued.
func (q *Queue) commit(ctx context.Context, d domain.Domain, l *lane, acked map[string]struct{}, updated map[string]domain.OutboxEntry, dead []domain.OutboxEntry) (int, error) {
	if len(acked) == 0 && len(updated) == 0 && len(dead) == 0 {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.entries), nil
	}
	removed := make(map[string]struct{}, len(dead))
	for _, e := range dead {
		removed[e.ID] = struct{}{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := make([]domain.OutboxEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if _, ok := acked[e.ID]; ok {
			continue
		}
		if _, ok := removed[e.ID]; ok {
			continue
		}
		if u, ok := updated[e.ID]; ok {
			e = u
		}
		kept = append(kept, e)
	}
	l.entries = kept
	l.dead = append(l.dead, dead...)

	if err := q.persistLocked(ctx, d, l); err != nil {
		return len(kept), err
	}
	if len(dead) > 0 {
		if err := localcache.Store(ctx, q.cache, localcache.DeadLetterKey(d), l.dead); err != nil {
			return len(kept), fmt.Errorf("persist %s dead letters: %w", d, err)
		}
	}
	if q.ledger != nil && len(acked) > 0 {
		ids := make([]string, 0, len(acked))
		for id := range acked {
			ids = append(ids, id)
		}
		if err := q.ledger.Remove(ctx, ids...); err != nil {
			q.logger.WithError(err).WithField("domain", d).Warn("outbox ledger cleanup failed")
		}
	}
	return len(kept), nil
}

func (q *Queue) alreadyAcked(ctx context.Context, e domain.OutboxEntry) bool {
	if q.ledger == nil {
		return false
	}
	seen, err := q.ledger.Contains(ctx, e.ID)
	if err != nil {
		q.logger.WithError(err).WithField("entry", e.ID).Warn("outbox ledger lookup failed")
		return false
	}
	return seen
}

func (q *Queue) recordAck(ctx context.Context, id string) (bool, error) {
	if q.ledger == nil {
		return false, nil
	}
	return q.ledger.Add(ctx, id)
}

func (q *Queue) persistLocked(ctx context.Context, d domain.Domain, l *lane) error {
	entries := l.entries
	if entries == nil {
		entries = []domain.OutboxEntry{}
	}
	return localcache.Store(ctx, q.cache, localcache.OutboxKey(d), entries)
}

func (l *lane) snapshot() []domain.OutboxEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.OutboxEntry(nil), l.entries...)
}

// Requeue moves the dead letters of d back to the tail of its queue with
// their attempt counters reset.
func (q *Queue) Requeue(ctx context.Context, d domain.Domain) (int, error) {
	l, err := q.lane(d)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.dead) == 0 {
		return 0, nil
	}
	prevEntries, prevDead := l.entries, l.dead
	revived := make([]domain.OutboxEntry, len(l.dead))
	for i, e := range l.dead {
		e.Attempts = 0
		e.LastErr = ""
		e.Seq = nextSequence()
		revived[i] = e
	}
	l.entries = append(append([]domain.OutboxEntry(nil), l.entries...), revived...)
	l.dead = nil
	if err := q.persistLocked(ctx, d, l); err != nil {
		l.entries, l.dead = prevEntries, prevDead
		return 0, fmt.Errorf("persist %s outbox: %w", d, err)
	}
	if err := q.cache.Remove(ctx, localcache.DeadLetterKey(d)); err != nil {
		q.logger.WithError(err).WithField("domain", d).Warn("outbox dead letter cleanup failed")
	}
	return len(revived), nil
}

// IsEmpty reports whether d has nothing left to replay.
func (q *Queue) IsEmpty(d domain.Domain) bool {
	return q.Len(d) == 0
}

// Len returns the number of queued entries of d.
func (q *Queue) Len(d domain.Domain) int {
	l, err := q.lane(d)
	if err != nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pending returns a copy of the queued entries of d in replay order.
func (q *Queue) Pending(d domain.Domain) []domain.OutboxEntry {
	l, err := q.lane(d)
	if err != nil {
		return nil
	}
	return l.snapshot()
}

// DeadLetters returns a copy of the entries d gave up replaying.
func (q *Queue) DeadLetters(d domain.Domain) []domain.OutboxEntry {
	l, err := q.lane(d)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.OutboxEntry(nil), l.dead...)
}

// Stats reports every lane in drain order.
func (q *Queue) Stats() []Stats {
	out := make([]Stats, 0, len(domain.MutableDomains))
	for _, d := range domain.MutableDomains {
		l := q.lanes[d]
		l.mu.Lock()
		out = append(out, Stats{Domain: d, Pending: len(l.entries), Dead: len(l.dead)})
		l.mu.Unlock()
	}
	return out
}

// Delivered returns the number of entries replayed since the queue was opened.
func (q *Queue) Delivered() uint64 {
	return q.delivered.Load()
}
