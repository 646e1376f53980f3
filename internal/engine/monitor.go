package engine

import "sync"

// StatusFunc receives the status stream: whether the remote stores are
// reachable and how many sync operations are in flight (drives the UI
// spinner and offline indicator).
type StatusFunc func(online bool, pendingOps int)

// ConnStream is the connectivity signal source, satisfied by the
// realtime client: the listener fires with the current state and on
// every transition.
type ConnStream interface {
	SubscribeConn(fn func(online bool)) func()
}

// Monitor observes the realtime store's connection state and exposes a
// process-wide online flag plus a pending-operation counter. Purely
// event-driven; it never polls.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	pending   int
	listeners map[int]StatusFunc
	nextID    int
	unsub     func()
}

// NewMonitor creates a monitor tracking the given connectivity signal.
func NewMonitor(conn ConnStream) *Monitor {
	m := &Monitor{listeners: make(map[int]StatusFunc)}
	m.unsub = conn.SubscribeConn(m.setOnline)

	return m
}

// Online reports whether the remote stores are currently reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// Pending returns the number of sync operations in flight.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pending
}

// Subscribe registers a status listener. It fires immediately with the
// current state and again on every change. The returned function
// unsubscribes.
func (m *Monitor) Subscribe(fn StatusFunc) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	online, pending := m.online, m.pending
	m.mu.Unlock()

	fn(online, pending)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close detaches the connectivity subscription and all listeners.
func (m *Monitor) Close() {
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.listeners = make(map[int]StatusFunc)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (m *Monitor) setOnline(v bool) {
	m.mu.Lock()
	m.online = v
	m.mu.Unlock()

	m.notify()
}

// addPending adjusts the in-flight counter, floored at zero.
func (m *Monitor) addPending(delta int) {
	m.mu.Lock()
	m.pending += delta
	if m.pending < 0 {
		m.pending = 0
	}
	m.mu.Unlock()

	m.notify()
}

func (m *Monitor) notify() {
	m.mu.Lock()
	online, pending := m.online, m.pending
	fns := make([]StatusFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online, pending)
	}
}
