package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm/events"
)

// Emitter marshals events and hands them to a publisher. A nil publisher
// turns every call into a no-op so callers can run without a broker.
type Emitter struct {
	publisher events.Publisher
	now       func() time.Time
}

func NewEmitter(publisher events.Publisher) *Emitter {
	return &Emitter{publisher: publisher, now: time.Now}
}

func (e *Emitter) Enabled() bool {
	return e != nil && e.publisher != nil
}

func (e *Emitter) OrderStatus(ctx context.Context, evt OrderStatusEvent) error {
	if !e.Enabled() {
		return nil
	}
	if evt.EventType == "" {
		evt.EventType = EventOrderStatusChanged
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = e.now().UTC()
	}
	return e.publish(ctx, OrderStatusTopic, evt)
}

func (e *Emitter) WaiterCall(ctx context.Context, evt WaiterCallEvent) error {
	if !e.Enabled() {
		return nil
	}
	evt.EventType = EventWaiterCalled
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = e.now().UTC()
	}
	return e.publish(ctx, WaiterCallsTopic, evt)
}

func (e *Emitter) publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	if err := e.publisher.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
