// Package debounce coalesces bursts of keyed events into one delayed action.
package debounce

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type pending struct {
	gen    uint64
	timer  *time.Timer
	action func()
}

// Debouncer runs the last action scheduled under a key once the key has been
// quiet for the requested delay.
type Debouncer struct {
	logger  *log.Logger
	mu      sync.Mutex
	gen     uint64
	pending map[string]*pending
	running sync.WaitGroup
	stopped bool
}

func New(logger *log.Logger) *Debouncer {
	if logger == nil {
		panic("logger is required")
	}
	return &Debouncer{logger: logger, pending: make(map[string]*pending)}
}

// Schedule replaces any action pending under key with action, to run after
// delay. It returns false once the debouncer is stopped.
func (d *Debouncer) Schedule(key string, action func(), delay time.Duration) bool {
	if delay < 0 {
		delay = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}
	d.gen++
	p := &pending{gen: d.gen, action: action}
	gen := d.gen
	p.timer = time.AfterFunc(delay, func() { d.fire(key, gen) })
	d.pending[key] = p
	return true
}

func (d *Debouncer) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	// a timer that lost the race with a later Schedule must not run
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.running.Add(1)
	d.mu.Unlock()

	d.run(key, p.action)
}

func (d *Debouncer) run(key string, action func()) {
	defer d.running.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(log.Fields{"key": key, "panic": r}).Error("debounced action panicked")
		}
	}()
	action()
}

// Cancel drops the action pending under key. It reports whether one existed.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[key]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	return true
}

// Flush runs the action pending under key now, on the calling goroutine.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || d.stopped {
		d.mu.Unlock()
		return false
	}
	p.timer.Stop()
	delete(d.pending, key)
	d.running.Add(1)
	d.mu.Unlock()

	d.run(key, p.action)
	return true
}

// Pending reports whether an action is waiting under key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending action and waits for running ones to return.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.running.Wait()
		return
	}
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	d.running.Wait()
}
