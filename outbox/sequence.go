package outbox

import (
	"sync/atomic"
	"time"
)

var lastSequence int64

// nextSequence returns a strictly increasing value seeded from the wall clock
// so sequences keep increasing across restarts.
func nextSequence() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastSequence)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastSequence, last, now) {
			return now
		}
	}
}
