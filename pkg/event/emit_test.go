package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type recordingPublisher struct {
	topics []string
	data   [][]byte
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.data = append(p.data, data)
	return nil
}

func TestEmitterOrderStatus(t *testing.T) {
	pub := &recordingPublisher{}
	e := NewEmitter(pub)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return fixed }

	err := e.OrderStatus(context.Background(), OrderStatusEvent{OrderID: "o1", Status: "READY", PreviousStatus: "IN_KITCHEN"})
	if err != nil {
		t.Fatalf("OrderStatus() error = %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != OrderStatusTopic {
		t.Fatalf("topics = %v", pub.topics)
	}

	var got OrderStatusEvent
	if err := json.Unmarshal(pub.data[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.EventType != EventOrderStatusChanged || !got.OccurredAt.Equal(fixed) || got.Status != "READY" {
		t.Errorf("event = %+v", got)
	}

	kind, err := Peek(pub.data[0])
	if err != nil || kind != EventOrderStatusChanged {
		t.Errorf("Peek() = %q, %v", kind, err)
	}
}

func TestEmitterDisabled(t *testing.T) {
	var nilEmitter *Emitter
	if nilEmitter.Enabled() {
		t.Error("nil emitter should be disabled")
	}
	if err := NewEmitter(nil).WaiterCall(context.Background(), WaiterCallEvent{TableNumber: "4"}); err != nil {
		t.Errorf("disabled emitter returned %v", err)
	}
}

func TestEmitterPublishError(t *testing.T) {
	e := NewEmitter(&recordingPublisher{err: errors.New("no responders")})
	if err := e.WaiterCall(context.Background(), WaiterCallEvent{TableNumber: "4"}); err == nil {
		t.Error("expected publish error")
	}
}

func TestPeekInvalid(t *testing.T) {
	if _, err := Peek([]byte("not json")); err == nil {
		t.Error("expected decode error")
	}
}
