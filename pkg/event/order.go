package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	OrderStatusTopic = "orders.status"
	WaiterCallsTopic = "orders.waiter_calls"

	EventOrderPlaced        = "order.placed"
	EventOrderStatusChanged = "order.status.changed"
	EventWaiterCalled       = "order.waiter.called"
)

// OrderStatusEvent is published whenever a tracked or staff-updated order
// moves to a new status. Boards use it as a refresh hint; the REST API
// remains authoritative.
type OrderStatusEvent struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	RestaurantSlug string    `json:"restaurant_slug,omitempty"`
	RestaurantID   string    `json:"restaurant_id,omitempty"`
	OrderID        string    `json:"order_id"`
	TableNumber    string    `json:"table_number,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Source         string    `json:"source,omitempty"`
}

// WaiterCallEvent is published when a guest asks for a waiter.
type WaiterCallEvent struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	RestaurantSlug string    `json:"restaurant_slug"`
	CallID         string    `json:"call_id,omitempty"`
	TableNumber    string    `json:"table_number"`
	Reason         string    `json:"reason,omitempty"`
}

// Envelope is the common header used to route a raw message before decoding
// the full payload.
type Envelope struct {
	EventType string `json:"event_type"`
}

func Peek(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode event envelope: %w", err)
	}
	return env.EventType, nil
}
