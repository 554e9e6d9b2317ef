package queue

import "github.com/kimhsiao/actisync/internal/models"

// Observer is told about queue activity. Callbacks run synchronously on the
// goroutine that caused them and must not block.
type Observer interface {
	DrainStarted(pending int)
	DrainFinished(result models.DrainResult)
	QueueChanged(length int)
}

// ObserverFunc adapts a function to an Observer that only cares about
// finished passes.
type ObserverFunc func(result models.DrainResult)

func (f ObserverFunc) DrainStarted(int)                        {}
func (f ObserverFunc) DrainFinished(result models.DrainResult) { f(result) }
func (f ObserverFunc) QueueChanged(int)                        {}

// Observe registers o and returns a function that unregisters it.
func (m *Manager) Observe(o Observer) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()

	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) eachObserver(fn func(Observer)) {
	m.obsMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.obsMu.RUnlock()

	for _, o := range observers {
		fn(o)
	}
}

func (m *Manager) notifyStarted(pending int) {
	m.eachObserver(func(o Observer) { o.DrainStarted(pending) })
}

func (m *Manager) notifyFinished(result models.DrainResult) {
	m.eachObserver(func(o Observer) { o.DrainFinished(result) })
}

func (m *Manager) notifyQueueChanged(length int) {
	m.eachObserver(func(o Observer) { o.QueueChanged(length) })
}
