package coordinator

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"perfsync/domain"
)

type syncRunMetrics struct {
	logger    *log.Logger
	start     time.Time
	mu        sync.Mutex
	durations map[domain.Domain]time.Duration
}

func newSyncRunMetrics(logger *log.Logger) *syncRunMetrics {
	return &syncRunMetrics{
		logger:    logger,
		start:     time.Now(),
		durations: make(map[domain.Domain]time.Duration),
	}
}

func (m *syncRunMetrics) ObserveDomain(d domain.Domain, duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.mu.Lock()
	m.durations[d] = duration
	m.mu.Unlock()
}

func (m *syncRunMetrics) Log(report SyncReport, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"total_ms":  durationToMillis(time.Since(m.start)),
		"mode":      report.Mode,
		"replayed":  report.Replayed(),
		"dropped":   report.Dropped(),
		"remaining": report.Remaining(),
		"clean":     report.Clean(),
	}

	m.mu.Lock()
	for d, dur := range m.durations {
		fields[string(d)+"_ms"] = durationToMillis(dur)
	}
	m.mu.Unlock()

	var failed []string
	for d, r := range report.Domains {
		if r.Err != nil {
			failed = append(failed, string(d))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		fields["failed_domains"] = failed
	}
	if n := len(report.ParticipantErrors); n > 0 {
		fields["participant_errors"] = n
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("sync.run.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
