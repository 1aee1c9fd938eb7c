package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/localcache"
)

// Source tells where a read was served from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Sourced wraps a read result with its origin and age.
type Sourced[T any] struct {
	Value     T
	Source    Source
	FetchedAt time.Time
}

type cached[T any] struct {
	Value     T         `json:"value"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Goals lists the goals including local changes not yet on the server.
func (c *Coordinator) Goals(ctx context.Context) (Sourced[[]domain.Record], error) {
	if c.mode.Online() {
		remote, err := c.gw.ListGoals(ctx, c.cfg.EmployeeID)
		switch {
		case err == nil:
			now := c.now()
			list := remote
			if list == nil {
				list = []domain.Record{}
			}
			for _, e := range c.queue.Pending(domain.Goals) {
				list = applyEntry(list, c.resolve(e), c.ids.Resolve)
			}
			if err := c.replaceSnapshot(ctx, domain.Goals, list, now); err != nil {
				c.logger.WithError(err).Error("goals snapshot store failed")
			}
			return Sourced[[]domain.Record]{Value: list, Source: SourceRemote, FetchedAt: now}, nil
		case gateway.IsUnauthorized(err):
			return Sourced[[]domain.Record]{}, c.expire(ctx, err)
		case gateway.IsUnreachable(err):
			c.goOffline(err)
		default:
			c.logger.WithError(err).Warn("goals fetch failed, serving cache")
		}
	}
	return c.cachedRecords(ctx, domain.Goals)
}

// Queries lists the submitted queries known locally.
func (c *Coordinator) Queries(ctx context.Context) (Sourced[[]domain.Record], error) {
	return c.cachedRecords(ctx, domain.Queries)
}

// Feedback lists the submitted feedback known locally.
func (c *Coordinator) Feedback(ctx context.Context) (Sourced[[]domain.Record], error) {
	return c.cachedRecords(ctx, domain.Feedback)
}

func (c *Coordinator) cachedRecords(ctx context.Context, d domain.Domain) (Sourced[[]domain.Record], error) {
	snap, err := c.loadSnapshot(ctx, d)
	if err != nil {
		return Sourced[[]domain.Record]{}, err
	}
	return Sourced[[]domain.Record]{Value: snap.Records, Source: SourceCache, FetchedAt: snap.FetchedAt}, nil
}

// Performance returns the performance snapshot, preferring the API.
func (c *Coordinator) Performance(ctx context.Context) (Sourced[domain.PerformanceSnapshot], error) {
	return fetchThrough(ctx, c, localcache.PerformanceKey, func(ctx context.Context) (domain.PerformanceSnapshot, error) {
		return c.gw.Performance(ctx, c.cfg.EmployeeID)
	})
}

// PIP returns the improvement plan, preferring the API. ErrNoData means the
// employee has none.
func (c *Coordinator) PIP(ctx context.Context) (Sourced[domain.PIPRecord], error) {
	return fetchThrough(ctx, c, localcache.PIPKey, func(ctx context.Context) (domain.PIPRecord, error) {
		return c.gw.PIP(ctx, c.cfg.EmployeeID)
	})
}

// Contact returns the contact details. A queued phone change wins over the
// server's value.
func (c *Coordinator) Contact(ctx context.Context) (Sourced[domain.ContactInfo], error) {
	if pending := c.queue.Pending(domain.Contact); len(pending) > 0 {
		var info domain.ContactInfo
		last := pending[len(pending)-1]
		if err := sonic.Unmarshal(last.Payload, &info); err == nil {
			return Sourced[domain.ContactInfo]{Value: info, Source: SourceCache, FetchedAt: last.EnqueuedAt}, nil
		}
	}

	perf, err := c.Performance(ctx)
	if err == nil {
		return Sourced[domain.ContactInfo]{
			Value:     domain.ContactInfo{Phone: perf.Value.Phone},
			Source:    perf.Source,
			FetchedAt: perf.FetchedAt,
		}, nil
	}
	if errors.Is(err, ErrSessionExpired) {
		return Sourced[domain.ContactInfo]{}, err
	}

	snap, serr := c.loadSnapshot(ctx, domain.Contact)
	if serr != nil {
		return Sourced[domain.ContactInfo]{}, serr
	}
	for _, r := range snap.Records {
		var info domain.ContactInfo
		if sonic.Unmarshal(r.Payload, &info) == nil && info.Phone != "" {
			return Sourced[domain.ContactInfo]{Value: info, Source: SourceCache, FetchedAt: r.CreatedAt}, nil
		}
	}
	return Sourced[domain.ContactInfo]{}, err
}

// fetchThrough asks the API first and falls back to the cached copy under key.
func fetchThrough[T any](ctx context.Context, c *Coordinator, key string, fetch func(context.Context) (T, error)) (Sourced[T], error) {
	v, err := fetch(ctx)
	if err == nil {
		now := c.now()
		if serr := localcache.Store(ctx, c.cache, key, cached[T]{Value: v, FetchedAt: now}); serr != nil {
			c.logger.WithError(serr).WithField("key", key).Error("cache store failed")
		}
		c.ReportSuccess()
		return Sourced[T]{Value: v, Source: SourceRemote, FetchedAt: now}, nil
	}

	switch {
	case gateway.IsUnauthorized(err):
		return Sourced[T]{}, c.expire(ctx, err)
	case gateway.IsNotFound(err):
		if rerr := c.cache.Remove(ctx, key); rerr != nil {
			c.logger.WithError(rerr).WithField("key", key).Warn("cache remove failed")
		}
		return Sourced[T]{}, fmt.Errorf("%w: %v", ErrNoData, err)
	case gateway.IsUnreachable(err):
		c.goOffline(err)
	default:
		c.logger.WithError(err).WithField("key", key).Warn("fetch failed, serving cache")
	}

	hit, ok, lerr := localcache.Load[cached[T]](ctx, c.cache, key)
	if lerr != nil {
		return Sourced[T]{}, lerr
	}
	if !ok {
		return Sourced[T]{}, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return Sourced[T]{Value: hit.Value, Source: SourceCache, FetchedAt: hit.FetchedAt}, nil
}
