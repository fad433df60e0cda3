package sessionclient

import "sync"

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventAuthorized           EventKind = "authorized"
	EventUnauthorized         EventKind = "unauthorized"
	EventLogout               EventKind = "logout"
	EventTenantContextChanged EventKind = "tenant-context-changed"
)

// Event is delivered to every subscriber. Tenant is set for tenant-context-changed and is
// nil when the tenant context was cleared.
type Event struct {
	Kind   EventKind
	Tenant *TenantContext
}

// Listener receives lifecycle events synchronously on the publishing goroutine.
type Listener func(Event)

type eventBus struct {
	mutex     sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
	order     []uint64
}

func newEventBus() *eventBus {
	return &eventBus{listeners: make(map[uint64]Listener)}
}

func (bus *eventBus) subscribe(listener Listener) func() {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextID++
	listenerID := bus.nextID
	bus.listeners[listenerID] = listener
	bus.order = append(bus.order, listenerID)
	var once sync.Once
	return func() {
		once.Do(func() { bus.unsubscribe(listenerID) })
	}
}

func (bus *eventBus) unsubscribe(listenerID uint64) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	delete(bus.listeners, listenerID)
	for index, candidate := range bus.order {
		if candidate == listenerID {
			bus.order = append(bus.order[:index], bus.order[index+1:]...)
			break
		}
	}
}

func (bus *eventBus) publish(event Event) {
	bus.mutex.RLock()
	snapshot := make([]Listener, 0, len(bus.order))
	for _, listenerID := range bus.order {
		snapshot = append(snapshot, bus.listeners[listenerID])
	}
	bus.mutex.RUnlock()
	for _, listener := range snapshot {
		listener(event)
	}
}
