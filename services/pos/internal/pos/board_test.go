package pos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/events"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
	"github.com/dishlens/dishlens/pkg/event"
)

func TestBoardKeepsDataOnError(t *testing.T) {
	ctx := context.Background()
	results := []struct {
		data []string
		err  error
	}{
		{data: []string{"a"}},
		{err: errors.New("timeout")},
		{data: []string{"b"}},
	}
	calls := 0
	b := newBoard("test", time.Hour, func(context.Context) ([]string, error) {
		r := results[calls]
		calls++
		return r.data, r.err
	}, nil, aqm.NewNoopLogger())

	if b.Loaded() {
		t.Fatal("new board should not be loaded")
	}

	b.Refresh(ctx)
	b.Refresh(ctx)
	snap := b.Snapshot()
	if !snap.Loaded || len(snap.Data) != 1 || snap.Data[0] != "a" || snap.Error != "timeout" {
		t.Errorf("after failure snapshot = %+v", snap)
	}

	b.Refresh(ctx)
	snap = b.Snapshot()
	if snap.Data[0] != "b" || snap.Error != "" {
		t.Errorf("after recovery snapshot = %+v", snap)
	}
}

func TestBoardDropsResultAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newBoard("test", time.Hour, func(context.Context) (int, error) {
		cancel()
		return 42, nil
	}, nil, aqm.NewNoopLogger())

	if err := b.Refresh(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Refresh() error = %v", err)
	}
	if b.Loaded() {
		t.Error("a result arriving after cancel must be dropped")
	}
}

func TestBoardKickCoalesces(t *testing.T) {
	b := newBoard("test", time.Hour, func(context.Context) (int, error) { return 0, nil }, nil, aqm.NewNoopLogger())
	b.Kick()
	b.Kick()
	b.Kick()
	if len(b.kick) != 1 {
		t.Errorf("pending kicks = %d, want 1", len(b.kick))
	}
}

func TestActivityIsBoundedNewestFirst(t *testing.T) {
	a := NewActivity(2)
	a.Add(event.OrderStatusEvent{OrderID: "1", RestaurantSlug: "demo"})
	a.Add(event.OrderStatusEvent{OrderID: "2", RestaurantSlug: "other"})
	a.Add(event.OrderStatusEvent{OrderID: "3", RestaurantSlug: "demo"})

	all := a.List("")
	if len(all) != 2 || all[0].OrderID != "3" || all[1].OrderID != "2" {
		t.Errorf("List() = %+v", all)
	}
	demo := a.List("demo")
	if len(demo) != 1 || demo[0].OrderID != "3" {
		t.Errorf("List(demo) = %+v", demo)
	}
}

type countingRefresher struct {
	orders, calls int
}

func (c *countingRefresher) KickOrders()      { c.orders++ }
func (c *countingRefresher) KickWaiterCalls() { c.calls++ }

type fakeSubscriber struct {
	topics []string
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topic string, handler events.HandlerFunc) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeStream struct {
	messages []events.StreamMessage
}

func (f *fakeStream) Fetch(ctx context.Context, limit int) ([]events.StreamMessage, error) {
	return f.messages, nil
}

func (f *fakeStream) SubscribeStream(ctx context.Context, handler events.HandlerFunc) error {
	return nil
}

func TestOrderEventSubscriber(t *testing.T) {
	ctx := context.Background()
	refresher := &countingRefresher{}
	activity := NewActivity(10)
	sub := &fakeSubscriber{}
	s := NewOrderEventSubscriber(sub, nil, refresher, activity, nil)

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sub.topics) != 2 || sub.topics[0] != event.OrderStatusTopic || sub.topics[1] != event.WaiterCallsTopic {
		t.Errorf("subscribed topics = %v", sub.topics)
	}

	messages := [][]byte{
		[]byte(`{"event_type":"order.status.changed","order_id":"o1","status":"READY","restaurant_slug":"demo"}`),
		[]byte(`{"event_type":"order.placed","order_id":"o2","status":"PLACED"}`),
		[]byte(`{"event_type":"order.waiter.called","table_number":"4"}`),
		[]byte(`{"event_type":"something.else"}`),
		[]byte(`garbage`),
	}
	for _, m := range messages {
		if err := s.Handle(ctx, m); err != nil {
			t.Errorf("Handle(%s) error = %v", m, err)
		}
	}

	if refresher.orders != 2 || refresher.calls != 1 {
		t.Errorf("kicks = %d orders, %d calls; want 2, 1", refresher.orders, refresher.calls)
	}
	got := activity.List("")
	if len(got) != 2 || got[0].OrderID != "o2" || got[1].OrderID != "o1" {
		t.Errorf("activity = %+v", got)
	}
}

func TestOrderEventSubscriberReplay(t *testing.T) {
	stream := &fakeStream{messages: []events.StreamMessage{
		{Data: []byte(`{"event_type":"order.status.changed","order_id":"o1","status":"READY"}`), Sequence: 1},
		{Data: []byte(`not json`), Sequence: 2},
		{Data: []byte(`{"event_type":"order.status.changed","order_id":"o2","status":"SERVED"}`), Sequence: 3},
	}}
	activity := NewActivity(10)
	sub := &fakeSubscriber{}
	s := NewOrderEventSubscriber(sub, stream, &countingRefresher{}, activity, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := activity.List("")
	if len(got) != 2 || got[0].OrderID != "o2" {
		t.Errorf("replayed activity = %+v", got)
	}
	if len(sub.topics) != 1 {
		t.Errorf("with a stream only one subscription is needed, got %v", sub.topics)
	}
}

// staticReader answers every listing with one order.
type staticReader struct{}

func (staticReader) ListOrders(ctx context.Context, restaurantID string, statuses ...orderstatus.Status) ([]api.Order, error) {
	return []api.Order{{ID: "o1", Status: orderstatus.Statuses.Placed}}, nil
}

func (staticReader) ListTables(ctx context.Context, restaurantID string) ([]api.Table, error) {
	return nil, nil
}

func (staticReader) ListWaiterCalls(ctx context.Context, restaurantID string) ([]api.WaiterCall, error) {
	return nil, nil
}

func TestIdleBoardsAreEvicted(t *testing.T) {
	start := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	readerFor := func(string) StaffReader { return staticReader{} }
	boards := NewBoards(staticReader{}, readerFor, Intervals{Kitchen: time.Hour, Floor: time.Hour, WaiterCalls: time.Hour}, nil,
		WithIdleTimeout(time.Minute),
		WithBoardClock(func() time.Time { return start }),
	)
	defer boards.Stop(context.Background())

	ctx := context.Background()
	kitchen, err := boards.Kitchen(ctx, "r1", "chef")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := boards.Floor(ctx, "r2", "chef"); err != nil {
		t.Fatal(err)
	}
	if n := boards.Count(); n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}

	if n := boards.EvictIdle(start.Add(30 * time.Second)); n != 0 {
		t.Errorf("EvictIdle() before the idle timeout stopped %d boards", n)
	}
	if n := boards.EvictIdle(start.Add(2 * time.Minute)); n != 2 {
		t.Errorf("EvictIdle() = %d, want 2", n)
	}
	if n := boards.Count(); n != 0 {
		t.Errorf("Count() after eviction = %d, want 0", n)
	}

	select {
	case <-kitchen.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("evicted board kept polling")
	}

	boards.Kick("r1")
	if n := boards.Count(); n != 0 {
		t.Errorf("Kick() must not restart an evicted board, Count() = %d", n)
	}
}

func TestBoardsRejectMissingToken(t *testing.T) {
	readerFor := func(string) StaffReader { return staticReader{} }
	boards := NewBoards(staticReader{}, readerFor, Intervals{}, nil)
	defer boards.Stop(context.Background())

	if _, err := boards.WaiterCalls(context.Background(), "r1", ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("WaiterCalls() error = %v, want ErrMissingToken", err)
	}
	if n := boards.Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}
