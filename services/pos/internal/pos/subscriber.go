package pos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/dishlens/dishlens/pkg/event"
)

const replayLimit = 500

// Refresher is told which boards an event made stale.
type Refresher interface {
	KickOrders()
	KickWaiterCalls()
}

// OrderEventSubscriber turns order events into early board refreshes. The
// events are hints only: boards still read the REST API.
type OrderEventSubscriber struct {
	subscriber events.Subscriber
	stream     events.StreamConsumer
	boards     Refresher
	activity   *Activity
	logger     aqm.Logger
}

func NewOrderEventSubscriber(subscriber events.Subscriber, stream events.StreamConsumer, boards Refresher, activity *Activity, logger aqm.Logger) *OrderEventSubscriber {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	return &OrderEventSubscriber{
		subscriber: subscriber,
		stream:     stream,
		boards:     boards,
		activity:   activity,
		logger:     logger,
	}
}

func (s *OrderEventSubscriber) Start(ctx context.Context) error {
	if s.stream != nil {
		s.replay(ctx)
	}
	if s.subscriber == nil {
		return nil
	}

	topics := []string{event.OrderStatusTopic, event.WaiterCallsTopic}
	if s.stream != nil {
		// The stream consumer is bound to every order subject already.
		topics = topics[:1]
	}
	for _, topic := range topics {
		if err := s.subscriber.Subscribe(context.Background(), topic, s.Handle); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	s.logger.Info("order event subscriber started")
	return nil
}

func (s *OrderEventSubscriber) Stop(ctx context.Context) error {
	return nil
}

func (s *OrderEventSubscriber) replay(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	messages, err := s.stream.Fetch(fetchCtx, replayLimit)
	if err != nil {
		s.logger.Info("order event replay failed", "error", err)
	}
	for _, m := range messages {
		var evt event.OrderStatusEvent
		if err := json.Unmarshal(m.Data, &evt); err != nil || evt.OrderID == "" {
			continue
		}
		s.activity.Add(evt)
	}
	s.logger.Info("order events replayed", "count", len(messages))
}

// Handle processes one raw event. Malformed messages are dropped.
func (s *OrderEventSubscriber) Handle(ctx context.Context, msg []byte) error {
	kind, err := event.Peek(msg)
	if err != nil {
		s.logger.Error("dropping malformed order event", "error", err)
		return nil
	}

	switch kind {
	case event.EventOrderPlaced, event.EventOrderStatusChanged:
		var evt event.OrderStatusEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Error("dropping malformed order event", "error", err)
			return nil
		}
		s.activity.Add(evt)
		s.boards.KickOrders()
	case event.EventWaiterCalled:
		s.boards.KickWaiterCalls()
	default:
		s.logger.Debug("ignoring event", "event_type", kind)
	}
	return nil
}
