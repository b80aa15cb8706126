package connection

import "sync"

// SignalHub is an in-process NetworkSignals fed by whoever observes the platform,
// for example the web bridge relaying browser online/offline events.
type SignalHub struct {
	mutex     sync.Mutex
	online    bool
	listeners map[int]func(bool)
	nextID    int
}

// NewSignalHub constructs a hub with the given initial state.
func NewSignalHub(online bool) *SignalHub {
	return &SignalHub{online: online, listeners: make(map[int]func(bool))}
}

// Online reports the last published state.
func (hub *SignalHub) Online() bool {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return hub.online
}

// Subscribe registers a listener.
func (hub *SignalHub) Subscribe(listener func(online bool)) (unsubscribe func()) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	id := hub.nextID
	hub.nextID++
	hub.listeners[id] = listener
	return func() {
		hub.mutex.Lock()
		defer hub.mutex.Unlock()
		delete(hub.listeners, id)
	}
}

// Publish records the state and notifies listeners.
func (hub *SignalHub) Publish(online bool) {
	hub.mutex.Lock()
	hub.online = online
	listeners := make([]func(bool), 0, len(hub.listeners))
	for _, listener := range hub.listeners {
		listeners = append(listeners, listener)
	}
	hub.mutex.Unlock()

	for _, listener := range listeners {
		listener(online)
	}
}

// Listeners returns the number of active subscriptions.
func (hub *SignalHub) Listeners() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.listeners)
}
