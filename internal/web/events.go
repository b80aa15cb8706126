package web

import (
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 16

// Event names streamed to the UI.
const (
	EventSession    = "session"
	EventConnection = "connection"
	EventRedirect   = "redirect"
)

// Event is one server-sent event.
type Event struct {
	Name string
	Data any
}

// Broker fans events out to connected UI streams. Slow subscribers drop events.
type Broker struct {
	logger *zap.Logger

	mutex       sync.Mutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBroker constructs an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{logger: logger, subscribers: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that closes it.
func (broker *Broker) Subscribe() (<-chan Event, func()) {
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	id := broker.nextID
	broker.nextID++
	events := make(chan Event, subscriberBuffer)
	broker.subscribers[id] = events

	var once sync.Once
	return events, func() {
		once.Do(func() {
			broker.mutex.Lock()
			defer broker.mutex.Unlock()
			delete(broker.subscribers, id)
			close(events)
		})
	}
}

// Publish delivers event to every subscriber without blocking.
func (broker *Broker) Publish(event Event) {
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	for id, events := range broker.subscribers {
		select {
		case events <- event:
		default:
			broker.logger.Warn("event dropped for slow stream",
				zap.String("code", "web.events.dropped"),
				zap.String("event", event.Name),
				zap.Int("subscriber", id))
		}
	}
}

// Subscribers returns the number of open streams.
func (broker *Broker) Subscribers() int {
	broker.mutex.Lock()
	defer broker.mutex.Unlock()
	return len(broker.subscribers)
}

// Redirector is a session.Navigator that asks connected UIs to navigate.
type Redirector struct {
	Broker *Broker
}

// Redirect publishes a redirect event.
func (redirector Redirector) Redirect(path string) {
	if redirector.Broker == nil {
		return
	}
	redirector.Broker.Publish(Event{Name: EventRedirect, Data: map[string]string{"path": path}})
}
