// Package localcache persists per-profile client state: outbox lists, read
// snapshots, the temp id map and appraisal drafts.
package localcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"perfsync/domain"
)

// Cache is a key-value store scoped to one client profile. Each key is
// self-contained; there are no cross-key transactions.
type Cache interface {
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("localcache: closed")

const (
	PerformanceKey = "offline_performance"
	PIPKey         = "offline_pip"
	IDMapKey       = "offline_ids"
	RetiredDrafts  = "draft_retired"
	DraftIndexKey  = "draft_index"
)

// OutboxKey names the persisted outbox list of a domain.
func OutboxKey(d domain.Domain) string {
	return "offline_" + string(d)
}

// DeadLetterKey names the entries a domain gave up replaying.
func DeadLetterKey(d domain.Domain) string {
	return "offline_" + string(d) + "_dead"
}

// SnapshotKey names the last known record list of a domain.
func SnapshotKey(d domain.Domain) string {
	return "snapshot_" + string(d)
}

// DraftKey names the local appraisal draft of an owner for a period.
func DraftKey(owner, period string) string {
	return "draft_" + owner + "_" + period
}

// Load decodes the value stored under key. A value that no longer decodes is
// removed and reported as absent.
func Load[T any](ctx context.Context, c Cache, key string) (T, bool, error) {
	var out T
	data, ok, err := c.Read(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := sonic.Unmarshal(data, &out); err != nil {
		var zero T
		if rmErr := c.Remove(ctx, key); rmErr != nil {
			return zero, false, fmt.Errorf("evict corrupt %s: %w", key, rmErr)
		}
		return zero, false, nil
	}
	return out, true, nil
}

// Store encodes v and writes it under key.
func Store[T any](ctx context.Context, c Cache, key string, v T) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Write(ctx, key, data)
}
