package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"perfsync/domain"
	"perfsync/localcache"
)

type stubCache struct {
	*localcache.Memory
	writeFn func(ctx context.Context, key string, value []byte) error
}

func (s *stubCache) Write(ctx context.Context, key string, value []byte) error {
	if s.writeFn != nil {
		if err := s.writeFn(ctx, key, value); err != nil {
			return err
		}
	}
	return s.Memory.Write(ctx, key, value)
}

func newQueue(t *testing.T, cache localcache.Cache, ledger Ledger, cfg Config) *Queue {
	t.Helper()
	logger, _ := test.NewNullLogger()
	q, err := New(context.Background(), cache, ledger, logger, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func goalEntry(n int) domain.OutboxEntry {
	return domain.OutboxEntry{
		ID:        fmt.Sprintf("e%d", n),
		Operation: domain.OpCreate,
		Domain:    domain.Goals,
		RecordID:  fmt.Sprintf("tmp-%d", n),
		Payload:   []byte(fmt.Sprintf(`{"title":"goal %d"}`, n)),
	}
}

func mustEnqueue(t *testing.T, q *Queue, e domain.OutboxEntry) domain.OutboxEntry {
	t.Helper()
	out, err := q.Enqueue(context.Background(), e)
	if err != nil {
		t.Fatalf("enqueue %s: %v", e.ID, err)
	}
	return out
}

func ids(entries []domain.OutboxEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestEnqueuePersistsImmediately(t *testing.T) {
	ctx := context.Background()
	cache := localcache.NewMemory()
	q := newQueue(t, cache, nil, Config{})

	first := mustEnqueue(t, q, goalEntry(1))
	second := mustEnqueue(t, q, goalEntry(2))
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing sequence, got %d then %d", first.Seq, second.Seq)
	}
	if first.EnqueuedAt.IsZero() {
		t.Fatalf("expected enqueue time to be set")
	}

	stored, ok, err := localcache.Load[[]domain.OutboxEntry](ctx, cache, localcache.OutboxKey(domain.Goals))
	if err != nil || !ok {
		t.Fatalf("load persisted outbox: ok=%v err=%v", ok, err)
	}
	if got := ids(stored); len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Fatalf("unexpected persisted entries: %v", got)
	}

	reopened := newQueue(t, cache, nil, Config{})
	if reopened.Len(domain.Goals) != 2 {
		t.Fatalf("expected recovered entries, got %d", reopened.Len(domain.Goals))
	}
}

func TestEnqueueRollsBackOnPersistFailure(t *testing.T) {
	boom := errors.New("disk full")
	cache := &stubCache{Memory: localcache.NewMemory()}
	q := newQueue(t, cache, nil, Config{})
	mustEnqueue(t, q, goalEntry(1))

	cache.writeFn = func(context.Context, string, []byte) error { return boom }
	if _, err := q.Enqueue(context.Background(), goalEntry(2)); !errors.Is(err, boom) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if got := ids(q.Pending(domain.Goals)); len(got) != 1 || got[0] != "e1" {
		t.Fatalf("expected rollback to keep only e1, got %v", got)
	}
}

func TestEnqueueRejectsInvalidEntry(t *testing.T) {
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	_, err := q.Enqueue(context.Background(), domain.OutboxEntry{ID: "e1", Domain: domain.Queries, Operation: domain.OpDelete})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("expected invalid entry error, got %v", err)
	}
	if !q.IsEmpty(domain.Queries) {
		t.Fatalf("invalid entry must not be queued")
	}
}

func TestDrainReplaysInOrderAndClears(t *testing.T) {
	ctx := context.Background()
	cache := localcache.NewMemory()
	q := newQueue(t, cache, nil, Config{})
	for i := 1; i <= 3; i++ {
		mustEnqueue(t, q, goalEntry(i))
	}

	var replayed []string
	res, err := q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
		replayed = append(replayed, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Replayed != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(replayed) != 3 || replayed[0] != "e1" || replayed[1] != "e2" || replayed[2] != "e3" {
		t.Fatalf("replay order mismatch: %v", replayed)
	}
	if !q.IsEmpty(domain.Goals) {
		t.Fatalf("expected queue to be empty")
	}
	data, ok, _ := cache.Read(ctx, localcache.OutboxKey(domain.Goals))
	if !ok || string(data) != "[]" {
		t.Fatalf("expected empty list to be persisted, got %q ok=%v", data, ok)
	}
	if q.Delivered() != 3 {
		t.Fatalf("expected 3 delivered, got %d", q.Delivered())
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	for i := 1; i <= 3; i++ {
		mustEnqueue(t, q, goalEntry(i))
	}

	offline := errors.New("connection refused")
	var calls int
	res, err := q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
		calls++
		if e.ID == "e2" {
			return offline
		}
		return nil
	})
	if !errors.Is(err, offline) {
		t.Fatalf("expected replay error, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected drain to stop after e2, got %d calls", calls)
	}
	if res.Replayed != 1 || res.Remaining != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	pending := q.Pending(domain.Goals)
	if got := ids(pending); len(got) != 2 || got[0] != "e2" || got[1] != "e3" {
		t.Fatalf("unexpected remaining entries: %v", got)
	}
	if pending[0].Attempts != 1 || pending[0].LastErr != offline.Error() {
		t.Fatalf("expected failure to be recorded on e2: %+v", pending[0])
	}
}

func TestEnqueueDuringDrainIsKeptAfterBatch(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	mustEnqueue(t, q, goalEntry(1))
	mustEnqueue(t, q, goalEntry(2))

	var replayed []string
	_, err := q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
		replayed = append(replayed, e.ID)
		if e.ID == "e1" {
			mustEnqueue(t, q, goalEntry(3))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("drain must only replay the in-flight batch, got %v", replayed)
	}
	if got := ids(q.Pending(domain.Goals)); len(got) != 1 || got[0] != "e3" {
		t.Fatalf("expected e3 to survive the drain, got %v", got)
	}
}

func TestDrainsOfOneDomainAreSerialized(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	for i := 1; i <= 5; i++ {
		mustEnqueue(t, q, goalEntry(i))
	}

	var (
		mu    sync.Mutex
		seen  = map[string]int{}
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s replayed %d times", id, n)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 entries replayed, got %d", len(seen))
	}
}

func TestStaleEntryDeadLettersAfterLimit(t *testing.T) {
	ctx := context.Background()
	cache := localcache.NewMemory()
	q := newQueue(t, cache, nil, Config{StaleRetryLimit: 2})
	mustEnqueue(t, q, domain.OutboxEntry{ID: "e1", Operation: domain.OpUpdate, Domain: domain.Goals, RecordID: "g-gone"})
	mustEnqueue(t, q, goalEntry(2))

	replay := func(_ context.Context, e domain.OutboxEntry) error {
		if e.RecordID == "g-gone" {
			return fmt.Errorf("update goal: %w", ErrStale)
		}
		return nil
	}

	res, err := q.Drain(ctx, domain.Goals, replay)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale error on first attempt, got %v", err)
	}
	if res.Remaining != 2 || len(q.DeadLetters(domain.Goals)) != 0 {
		t.Fatalf("entry must stay queued below the limit: %+v", res)
	}

	res, err = q.Drain(ctx, domain.Goals, replay)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if res.Dropped != 1 || res.Replayed != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	dead := q.DeadLetters(domain.Goals)
	if len(dead) != 1 || dead[0].ID != "e1" || dead[0].Attempts != 2 {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	stored, ok, _ := localcache.Load[[]domain.OutboxEntry](ctx, cache, localcache.DeadLetterKey(domain.Goals))
	if !ok || len(stored) != 1 {
		t.Fatalf("dead letters must be persisted, got %v", stored)
	}
}

func TestPermanentFailureDeadLettersAndContinues(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	mustEnqueue(t, q, goalEntry(1))
	mustEnqueue(t, q, goalEntry(2))

	res, err := q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
		if e.ID == "e1" {
			return ErrPermanent
		}
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Dropped != 1 || res.Replayed != 1 || !q.IsEmpty(domain.Goals) {
		t.Fatalf("unexpected result: %+v", res)
	}

	n, err := q.Requeue(ctx, domain.Goals)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	pending := q.Pending(domain.Goals)
	if len(pending) != 1 || pending[0].ID != "e1" || pending[0].Attempts != 0 {
		t.Fatalf("unexpected requeued entries: %+v", pending)
	}
	if len(q.DeadLetters(domain.Goals)) != 0 {
		t.Fatalf("dead letters must be cleared after requeue")
	}
}

func TestDrainSkipsEntriesInLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	q := newQueue(t, localcache.NewMemory(), ledger, Config{})
	mustEnqueue(t, q, goalEntry(1))
	mustEnqueue(t, q, goalEntry(2))
	if _, err := ledger.Add(ctx, "e1"); err != nil {
		t.Fatalf("ledger add: %v", err)
	}

	var replayed []string
	res, err := q.Drain(ctx, domain.Goals, func(_ context.Context, e domain.OutboxEntry) error {
		replayed = append(replayed, e.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Skipped != 1 || res.Replayed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(replayed) != 1 || replayed[0] != "e2" {
		t.Fatalf("acknowledged entry must not be re-sent, got %v", replayed)
	}
	if seen, _ := ledger.Contains(ctx, "e2"); seen {
		t.Fatalf("ledger must be cleaned once the queue is persisted")
	}
}

func TestDrainBatchAllOrNothing(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), NewMemoryLedger(), Config{})
	mustEnqueue(t, q, goalEntry(1))
	mustEnqueue(t, q, goalEntry(2))

	boom := errors.New("503")
	res, err := q.DrainBatch(ctx, domain.Goals, func(context.Context, []domain.OutboxEntry) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected batch error, got %v", err)
	}
	if res.Remaining != 2 {
		t.Fatalf("failed batch must keep every entry, got %+v", res)
	}
	for _, e := range q.Pending(domain.Goals) {
		if e.Attempts != 1 {
			t.Fatalf("expected attempts recorded on %s", e.ID)
		}
	}

	var sent []string
	res, err = q.DrainBatch(ctx, domain.Goals, func(_ context.Context, entries []domain.OutboxEntry) error {
		sent = ids(entries)
		return nil
	})
	if err != nil {
		t.Fatalf("drain batch: %v", err)
	}
	if res.Replayed != 2 || res.Remaining != 0 || len(sent) != 2 || sent[0] != "e1" {
		t.Fatalf("unexpected batch result: %+v sent=%v", res, sent)
	}
}

func TestDomainsAreIndependent(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, localcache.NewMemory(), nil, Config{})
	mustEnqueue(t, q, goalEntry(1))
	mustEnqueue(t, q, domain.OutboxEntry{ID: "q1", Operation: domain.OpCreate, Domain: domain.Queries})

	if _, err := q.Drain(ctx, domain.Goals, func(context.Context, domain.OutboxEntry) error { return errors.New("down") }); err == nil {
		t.Fatalf("expected goals drain to fail")
	}
	if _, err := q.Drain(ctx, domain.Queries, func(context.Context, domain.OutboxEntry) error { return nil }); err != nil {
		t.Fatalf("queries drain: %v", err)
	}
	if q.Len(domain.Goals) != 1 || !q.IsEmpty(domain.Queries) {
		t.Fatalf("unexpected lanes: %+v", q.Stats())
	}
}

func TestRedisLedger(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	ledger := NewRedisLedger(client, "emp-1", 0)

	added, err := ledger.Add(ctx, "e1")
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	added, _ = ledger.Add(ctx, "e1")
	if added {
		t.Fatalf("second add must report existing id")
	}
	if !mr.Exists("emp-1:acked:e1") {
		t.Fatalf("expected namespaced key, keys=%v", mr.Keys())
	}

	results, err := ledger.AddMany(ctx, []string{"e1", "e2"})
	if err != nil {
		t.Fatalf("add many: %v", err)
	}
	if results[0] || !results[1] {
		t.Fatalf("unexpected add many results: %v", results)
	}

	if err := ledger.Remove(ctx, "e1", "e2"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if seen, _ := ledger.Contains(ctx, "e2"); seen {
		t.Fatalf("expected e2 to be removed")
	}
}

func TestNextSequenceMonotonic(t *testing.T) {
	prev := nextSequence()
	for i := 0; i < 1000; i++ {
		next := nextSequence()
		if next <= prev {
			t.Fatalf("sequence went backwards: %d <= %d", next, prev)
		}
		prev = next
	}
}
