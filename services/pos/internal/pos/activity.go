package pos

import (
	"sync"

	"github.com/dishlens/dishlens/pkg/event"
)

const DefaultActivitySize = 50

// Activity is a bounded, newest-first feed of order events seen by this
// instance, replayed from the stream on startup when one is configured.
type Activity struct {
	size int

	mu     sync.RWMutex
	events []event.OrderStatusEvent
}

func NewActivity(size int) *Activity {
	if size <= 0 {
		size = DefaultActivitySize
	}
	return &Activity{size: size}
}

func (a *Activity) Add(evt event.OrderStatusEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.events = append([]event.OrderStatusEvent{evt}, a.events...)
	if len(a.events) > a.size {
		a.events = a.events[:a.size]
	}
}

// List returns events for restaurantSlug, or all events when it is empty.
func (a *Activity) List(restaurantSlug string) []event.OrderStatusEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]event.OrderStatusEvent, 0, len(a.events))
	for _, e := range a.events {
		if restaurantSlug == "" || e.RestaurantSlug == restaurantSlug {
			out = append(out, e)
		}
	}
	return out
}
