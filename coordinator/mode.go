package coordinator

import (
	"sync"
	"time"

	"perfsync/domain"
)

// ModeState holds the coordinator's belief about connectivity. Anyone may
// read or observe it; only the coordinator changes it.
type ModeState struct {
	mu      sync.RWMutex
	mode    domain.Mode
	since   time.Time
	nextSub int
	subs    map[int]chan domain.Mode
}

func NewModeState(initial domain.Mode) *ModeState {
	if initial != domain.Offline {
		initial = domain.Online
	}
	return &ModeState{mode: initial, since: time.Now().UTC(), subs: make(map[int]chan domain.Mode)}
}

func (m *ModeState) Mode() domain.Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

func (m *ModeState) Online() bool { return m.Mode() == domain.Online }

// Since returns when the current mode was entered.
func (m *ModeState) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Subscribe returns a channel receiving every mode change and a function
// that ends the subscription. A slow reader only sees the latest mode.
func (m *ModeState) Subscribe() (<-chan domain.Mode, func()) {
	ch := make(chan domain.Mode, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// set switches the mode and reports whether it changed.
func (m *ModeState) set(mode domain.Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == mode {
		return false
	}
	m.mode = mode
	m.since = time.Now().UTC()
	for _, ch := range m.subs {
		select {
		case ch <- mode:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			ch <- mode
		}
	}
	return true
}
