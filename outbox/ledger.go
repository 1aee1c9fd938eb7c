package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger remembers entries the API already acknowledged so a replay whose
// acknowledgement was never persisted is skipped instead of re-sent.
type Ledger interface {
	Add(ctx context.Context, id string) (bool, error)
	AddMany(ctx context.Context, ids []string) ([]bool, error)
	Contains(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, ids ...string) error
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: make(map[string]struct{})}
}

func (m *MemoryLedger) Add(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return false, nil
	}
	m.ids[id] = struct{}{}
	return true, nil
}

func (m *MemoryLedger) AddMany(ctx context.Context, ids []string) ([]bool, error) {
	results := make([]bool, len(ids))
	for i, id := range ids {
		results[i], _ = m.Add(ctx, id)
	}
	return results, nil
}

func (m *MemoryLedger) Contains(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok, nil
}

func (m *MemoryLedger) Remove(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.ids, id)
	}
	return nil
}

// RedisLedger stores acknowledged entry ids in Redis so the record outlives
// the process and is shared by every client of the same profile.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger creates a ledger namespaced by prefix with the given TTL.
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisLedger) key(id string) string {
	return fmt.Sprintf("%s:acked:%s", r.prefix, id)
}

// Add records the id if it does not already exist. It returns true when the
// id was newly added.
func (r *RedisLedger) Add(ctx context.Context, id string) (bool, error) {
	return r.client.SetNX(ctx, r.key(id), 1, r.ttl).Result()
}

// AddMany records ids in a single pipeline. On error the slice holds the
// results of the commands processed before the failure.
func (r *RedisLedger) AddMany(ctx context.Context, ids []string) ([]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]bool, len(ids))
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.SetNX(ctx, r.key(id), 1, r.ttl)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	if len(cmds) != len(ids) {
		return results, fmt.Errorf("ledger pipeline mismatch: expected %d results, got %d", len(ids), len(cmds))
	}
	for i, cmd := range cmds {
		boolCmd, ok := cmd.(*redis.BoolCmd)
		if !ok {
			return results, fmt.Errorf("unexpected redis response type %T", cmd)
		}
		val, cmdErr := boolCmd.Result()
		if cmdErr != nil {
			return results, cmdErr
		}
		results[i] = val
	}
	return results, nil
}

func (r *RedisLedger) Contains(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisLedger) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	return r.client.Del(ctx, keys...).Err()
}
