package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"perfsync/domain"
	"perfsync/localcache"
)

// snapshot is the locally cached view of one domain.
type snapshot struct {
	Records   []domain.Record `json:"records"`
	FetchedAt time.Time       `json:"fetchedAt,omitempty"`
}

type idMap struct {
	mu    sync.RWMutex
	cache localcache.Cache
	ids   map[string]string
}

func loadIDMap(ctx context.Context, cache localcache.Cache) (*idMap, error) {
	ids, _, err := localcache.Load[map[string]string](ctx, cache, localcache.IDMapKey)
	if err != nil {
		return nil, fmt.Errorf("load id map: %w", err)
	}
	if ids == nil {
		ids = make(map[string]string)
	}
	return &idMap{cache: cache, ids: ids}, nil
}

// Resolve maps a temporary id to the server id once known.
func (m *idMap) Resolve(id string) string {
	if !domain.IsTempID(id) {
		return id
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if server, ok := m.ids[id]; ok {
		return server
	}
	return id
}

func (m *idMap) Put(ctx context.Context, temp, server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[temp] == server {
		return nil
	}
	m.ids[temp] = server
	return localcache.Store(ctx, m.cache, localcache.IDMapKey, m.ids)
}

func (c *Coordinator) loadSnapshot(ctx context.Context, d domain.Domain) (snapshot, error) {
	snap, _, err := localcache.Load[snapshot](ctx, c.cache, localcache.SnapshotKey(d))
	if err != nil {
		return snapshot{}, fmt.Errorf("load %s snapshot: %w", d, err)
	}
	if snap.Records == nil {
		snap.Records = []domain.Record{}
	}
	return snap, nil
}

// updateSnapshot applies fn to the records of d and persists the result.
func (c *Coordinator) updateSnapshot(ctx context.Context, d domain.Domain, fn func([]domain.Record) []domain.Record) ([]domain.Record, error) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	snap, err := c.loadSnapshot(ctx, d)
	if err != nil {
		return nil, err
	}
	snap.Records = fn(snap.Records)
	if err := localcache.Store(ctx, c.cache, localcache.SnapshotKey(d), snap); err != nil {
		return snap.Records, fmt.Errorf("store %s snapshot: %w", d, err)
	}
	return snap.Records, nil
}

// replaceSnapshot stores a freshly fetched list for d.
func (c *Coordinator) replaceSnapshot(ctx context.Context, d domain.Domain, records []domain.Record, fetchedAt time.Time) error {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return localcache.Store(ctx, c.cache, localcache.SnapshotKey(d), snapshot{Records: records, FetchedAt: fetchedAt})
}

func optimisticRecord(e domain.OutboxEntry, now time.Time) domain.Record {
	at := e.EnqueuedAt
	if at.IsZero() {
		at = now
	}
	return domain.Record{
		ID:        e.RecordID,
		Payload:   e.Payload,
		Completed: payloadCompleted(e.Payload),
		Status:    domain.RecordPending,
		CreatedAt: at,
	}
}

func sameRecord(a, b string, resolve func(string) string) bool {
	return a == b || resolve(a) == resolve(b)
}

func findRecord(list []domain.Record, id string, resolve func(string) string) int {
	for i, r := range list {
		if sameRecord(r.ID, id, resolve) {
			return i
		}
	}
	return -1
}

func removeRecord(list []domain.Record, id string, resolve func(string) string) []domain.Record {
	out := list[:0:0]
	for _, r := range list {
		if !sameRecord(r.ID, id, resolve) {
			out = append(out, r)
		}
	}
	return out
}

// applyEntry returns list with the optimistic effect of a queued entry.
func applyEntry(list []domain.Record, e domain.OutboxEntry, resolve func(string) string) []domain.Record {
	out := append([]domain.Record(nil), list...)
	idx := findRecord(out, e.RecordID, resolve)

	switch e.Operation {
	case domain.OpDelete:
		return removeRecord(out, e.RecordID, resolve)
	case domain.OpCreate:
		rec := optimisticRecord(e, time.Now().UTC())
		if idx >= 0 {
			out[idx] = rec
			return out
		}
		return append(out, rec)
	case domain.OpUpdate:
		if idx < 0 {
			if e.Domain != domain.Contact {
				return out
			}
			return append(out, optimisticRecord(e, time.Now().UTC()))
		}
		r := out[idx]
		r.Payload = e.Payload
		r.Completed = payloadCompleted(e.Payload)
		r.Status = domain.RecordPending
		out[idx] = r
	case domain.OpToggle:
		if idx < 0 {
			return out
		}
		r := out[idx]
		r.Completed = !r.Completed
		r.Payload = withCompleted(r.Payload, r.Completed)
		r.Status = domain.RecordPending
		out[idx] = r
	}
	return out
}

// applyConfirmed replaces the local version of the record e touched with the
// server's answer.
func applyConfirmed(list []domain.Record, e domain.OutboxEntry, rec domain.Record, resolve func(string) string) []domain.Record {
	if e.Operation == domain.OpDelete {
		return removeRecord(list, e.RecordID, resolve)
	}
	out := append([]domain.Record(nil), list...)
	idx := findRecord(out, e.RecordID, resolve)
	if idx < 0 && rec.ID != "" {
		idx = findRecord(out, rec.ID, resolve)
	}
	if idx < 0 {
		return append(out, rec)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = out[idx].CreatedAt
	}
	out[idx] = rec
	return out
}

func payloadCompleted(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var v struct {
		Completed bool `json:"completed"`
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v.Completed
}

func withCompleted(raw []byte, completed bool) []byte {
	if len(raw) == 0 {
		return raw
	}
	var fields map[string]any
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	fields["completed"] = completed
	out, err := sonic.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
