package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Start runs the automatic retry loop until ctx ends or Stop is called.
// A run is triggered right away by a successful API call while offline or by
// a mutation queued while online; a mutation queued while offline only arms
// the backoff timer.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.retryLoop(ctx)
	}()
}

// Stop ends the retry loop and waits for a run in progress.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Coordinator) retryLoop(ctx context.Context) {
	b := c.newBackOff()
	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		failures int
	)
	schedule := func(d time.Duration) {
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		timerC = timer.C
	}
	idle := func() {
		if timer != nil {
			timer.Stop()
		}
		timerC = nil
		failures = 0
		b.Reset()
	}
	defer idle()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.kickLater:
			if timerC == nil {
				schedule(b.NextBackOff())
			}
			continue
		case <-c.kickNow:
			idle()
		case <-timerC:
			timerC = nil
		}

		report, err := c.SyncNow(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrSessionExpired):
			idle()
		case err == nil && report.Clean():
			idle()
		default:
			failures++
			if c.cfg.RetryLimit > 0 && failures >= c.cfg.RetryLimit {
				c.logger.WithFields(log.Fields{
					"failures":  failures,
					"remaining": report.Remaining(),
				}).Warn("automatic sync gave up until the next trigger")
				idle()
				continue
			}
			next := b.NextBackOff()
			c.logger.WithFields(log.Fields{
				"failures":   failures,
				"remaining":  report.Remaining(),
				"next_retry": next.String(),
			}).Debug("automatic sync scheduled")
			schedule(next)
		}
	}
}
