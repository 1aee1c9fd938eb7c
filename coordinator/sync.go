package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"perfsync/domain"
	"perfsync/gateway"
	"perfsync/outbox"
)

// DomainReport is the outcome of draining one domain.
type DomainReport struct {
	Replayed  int
	Skipped   int
	Dropped   int
	Remaining int
	Err       error
}

// SyncReport is the outcome of one sync run.
type SyncReport struct {
	Domains           map[domain.Domain]DomainReport
	ParticipantErrors []error
	Mode              domain.Mode
	StartedAt         time.Time
	Duration          time.Duration
}

// Clean reports whether every queue drained and every participant flushed.
func (r SyncReport) Clean() bool {
	for _, d := range r.Domains {
		if d.Err != nil || d.Remaining > 0 {
			return false
		}
	}
	return len(r.ParticipantErrors) == 0
}

var errNotDrained = errors.New("outbox not fully drained")

// firstFailure names what kept the run from being clean, in domain order.
func (r SyncReport) firstFailure() error {
	for _, d := range domain.MutableDomains {
		if err := r.Domains[d].Err; err != nil {
			return fmt.Errorf("%s: %w", d, err)
		}
	}
	if len(r.ParticipantErrors) > 0 {
		return r.ParticipantErrors[0]
	}
	return errNotDrained
}

func (r SyncReport) Replayed() int {
	n := 0
	for _, d := range r.Domains {
		n += d.Replayed
	}
	return n
}

func (r SyncReport) Dropped() int {
	n := 0
	for _, d := range r.Domains {
		n += d.Dropped
	}
	return n
}

func (r SyncReport) Remaining() int {
	n := 0
	for _, d := range r.Domains {
		n += d.Remaining
	}
	return n
}

// SyncNow drains every outbox and flushes the registered participants.
// Concurrent callers share one run. The run is detached from the caller's
// cancellation and bounded by Config.SyncTimeout instead; a cancelled caller
// stops waiting and gets ctx.Err() while the run finishes for the others.
// Replay failures are reported, not returned; otherwise the error is non-nil
// only when the session expired.
func (c *Coordinator) SyncNow(ctx context.Context) (SyncReport, error) {
	ch := c.flight.DoChan("sync", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.syncTimeout())
		defer cancel()
		return c.syncNow(runCtx)
	})
	select {
	case <-ctx.Done():
		return SyncReport{}, ctx.Err()
	case res := <-ch:
		report, _ := res.Val.(SyncReport)
		return report, res.Err
	}
}

func (c *Coordinator) syncTimeout() time.Duration {
	if c.cfg.SyncTimeout > 0 {
		return c.cfg.SyncTimeout
	}
	return defaultSyncTimeout
}

func (c *Coordinator) syncNow(ctx context.Context) (SyncReport, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.sync_now")
	defer span.End()

	metrics := newSyncRunMetrics(c.logger)
	report := SyncReport{
		Domains:   make(map[domain.Domain]DomainReport, len(domain.MutableDomains)),
		StartedAt: c.now(),
	}
	finish := func(err error) (SyncReport, error) {
		report.Mode = c.mode.Mode()
		report.Duration = time.Since(metrics.start)
		span.SetAttributes(
			attribute.Int("sync.replayed", report.Replayed()),
			attribute.Int("sync.dropped", report.Dropped()),
			attribute.Int("sync.remaining", report.Remaining()),
			attribute.String("sync.mode", string(report.Mode)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		metrics.Log(report, err)
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range domain.MutableDomains {
		d := d
		g.Go(func() error {
			start := time.Now()
			res, err := c.drainDomain(gctx, d)
			metrics.ObserveDomain(d, time.Since(start))
			mu.Lock()
			report.Domains[d] = DomainReport{
				Replayed:  res.Replayed,
				Skipped:   res.Skipped,
				Dropped:   res.Dropped,
				Remaining: res.Remaining,
				Err:       err,
			}
			mu.Unlock()
			if gateway.IsUnauthorized(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return finish(c.expire(ctx, err))
	}

	c.partMu.RLock()
	participants := append([]Participant(nil), c.participants...)
	c.partMu.RUnlock()
	for _, p := range participants {
		if err := p.Flush(ctx); err != nil {
			if errors.Is(err, ErrSessionExpired) {
				return finish(err)
			}
			if gateway.IsUnauthorized(err) {
				return finish(c.expire(ctx, err))
			}
			report.ParticipantErrors = append(report.ParticipantErrors, err)
		}
	}

	var lost error
	for _, d := range report.Domains {
		if gateway.IsUnreachable(d.Err) {
			lost = d.Err
		}
	}
	for _, err := range report.ParticipantErrors {
		if gateway.IsUnreachable(err) {
			lost = err
		}
	}
	switch {
	case lost != nil:
		c.goOffline(lost)
	case ctx.Err() != nil:
		// timed out; mode unchanged
	case report.Clean():
		c.goOnline()
	default:
		cause := report.firstFailure()
		c.logger.WithError(cause).WithField("remaining", report.Remaining()).Warn("sync left work pending, staying offline")
		c.goOffline(cause)
	}
	return finish(nil)
}

// drainDomain replays d through its bulk endpoint when enabled. A batch the
// server refuses is retried entry by entry so the offending entry can be
// isolated.
func (c *Coordinator) drainDomain(ctx context.Context, d domain.Domain) (outbox.DrainResult, error) {
	if c.queue.IsEmpty(d) {
		return outbox.DrainResult{}, nil
	}
	if !c.cfg.BulkReplay || !gateway.BulkDomains[d] {
		return c.queue.Drain(ctx, d, c.replay)
	}

	res, err := c.queue.DrainBatch(ctx, d, func(ctx context.Context, entries []domain.OutboxEntry) error {
		return c.replayBatch(ctx, d, entries)
	})
	if err == nil || !(gateway.IsRejected(err) || gateway.IsNotFound(err)) {
		return res, err
	}
	c.logger.WithError(err).WithField("domain", d).Warn("bulk replay refused, replaying entries one by one")
	more, err := c.queue.Drain(ctx, d, c.replay)
	more.Skipped += res.Skipped
	return more, err
}

// replay sends one queued entry. Its error tells the queue whether to keep,
// retry or drop the entry.
func (c *Coordinator) replay(ctx context.Context, e domain.OutboxEntry) error {
	resolved := c.resolve(e)
	if resolved.Operation != domain.OpCreate && domain.IsTempID(resolved.RecordID) {
		return fmt.Errorf("%w: unresolved temporary id %s", outbox.ErrPermanent, e.RecordID)
	}

	rec, err := c.gw.Apply(ctx, c.cfg.EmployeeID, resolved)
	switch {
	case err == nil:
		c.confirm(ctx, e, rec)
		return nil
	case gateway.IsNotFound(err):
		if e.Operation == domain.OpDelete {
			c.confirm(ctx, e, domain.Record{})
			return nil
		}
		return fmt.Errorf("%w: %w", outbox.ErrStale, err)
	case gateway.IsRejected(err):
		return fmt.Errorf("%w: %w", outbox.ErrPermanent, err)
	default:
		return err
	}
}

func (c *Coordinator) replayBatch(ctx context.Context, d domain.Domain, entries []domain.OutboxEntry) error {
	send := make([]domain.OutboxEntry, len(entries))
	for i, e := range entries {
		send[i] = c.resolve(e)
	}
	results, err := c.gw.ApplyBatch(ctx, c.cfg.EmployeeID, d, send)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := results[e.ID]; !ok {
			return errors.New("bulk response is missing entry " + e.ID)
		}
	}
	for _, e := range entries {
		c.confirm(ctx, e, results[e.ID])
	}
	return nil
}
