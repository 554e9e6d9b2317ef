// Package connectivity tracks whether the device believes it is online.
//
// The state is a belief fed by outside signals (the presentation layer, a
// network dispatcher file). Subscribers are told about changes only, never
// about repeated reports of the same state.
package connectivity

import (
	"sync"
	"time"
)

const subscriberBuffer = 8

// Transition is a change of the online state.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Monitor holds the current online belief and fans out transitions.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	since  time.Time
	subs   map[int]chan Transition
	nextID int
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initialOnline bool) *Monitor {
	return &Monitor{
		online: initialOnline,
		since:  time.Now(),
		subs:   make(map[int]chan Transition),
	}
}

// Online reports the current belief.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// SetOnline records a connectivity report. It returns true if the state
// changed, in which case subscribers are notified.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return false
	}
	m.online = online
	m.since = time.Now()

	t := Transition{Online: online, At: m.since}
	for _, ch := range m.subs {
		deliver(ch, t)
	}
	return true
}

// deliver never blocks. A slow subscriber loses its oldest transition rather
// than the newest one.
func deliver(ch chan Transition, t Transition) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel of transitions and a function that cancels the
// subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
