package storefront

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/event"
	"github.com/dishlens/dishlens/pkg/poll"
	"github.com/dishlens/dishlens/pkg/tracking"
)

const (
	subscriberBuffer = 8

	// DefaultFinishedTTL is how long a served or cancelled order stays
	// readable after its poller has exited.
	DefaultFinishedTTL = 10 * time.Minute
)

var ErrTokenMismatch = errors.New("order token does not match")

// Trackers runs one poller per tracked order and fans its snapshots out to
// SSE subscribers. Status changes are published as order events. A poller
// leaves the registry when its order is terminal or refused by the backend;
// terminal orders stay readable for finishedTTL.
type Trackers struct {
	fetcher     tracking.Fetcher
	interval    time.Duration
	newTicker   poll.TickerFunc
	finishedTTL time.Duration
	emitter     *event.Emitter
	logger      aqm.Logger
	now         func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[string]*Tracker
	finished map[string]finishedTracker
}

type finishedTracker struct {
	tracker *Tracker
	expires time.Time
}

// Tracker follows a single order.
type Tracker struct {
	target tracking.Target
	poller *tracking.Poller
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]chan *api.Order
	finished bool
}

type TrackersOption func(*Trackers)

func WithTrackingInterval(d time.Duration) TrackersOption {
	return func(t *Trackers) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithTrackingTicker(fn poll.TickerFunc) TrackersOption {
	return func(t *Trackers) { t.newTicker = fn }
}

func WithFinishedTTL(d time.Duration) TrackersOption {
	return func(t *Trackers) {
		if d > 0 {
			t.finishedTTL = d
		}
	}
}

func NewTrackers(fetcher tracking.Fetcher, emitter *event.Emitter, logger aqm.Logger, opts ...TrackersOption) *Trackers {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	t := &Trackers{
		fetcher:     fetcher,
		interval:    tracking.DefaultInterval,
		finishedTTL: DefaultFinishedTTL,
		emitter:     emitter,
		logger:      logger,
		now:         time.Now,
		base:        base,
		cancel:      cancel,
		trackers:    make(map[string]*Tracker),
		finished:    make(map[string]finishedTracker),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trackers) Start(ctx context.Context) error {
	return nil
}

// Stop cancels every poller and waits for them to return.
func (t *Trackers) Stop(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Track starts polling target unless it is already tracked. A second caller
// must present the same token.
func (t *Trackers) Track(target tracking.Target) (*Tracker, error) {
	if target.OrderID == "" || target.Token == "" {
		return nil, tracking.ErrInvalidTarget
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked()

	if existing, ok := t.lookupLocked(target.OrderID); ok {
		if existing.target.Token != target.Token {
			return nil, ErrTokenMismatch
		}
		return existing, nil
	}
	if t.base.Err() != nil {
		return nil, t.base.Err()
	}

	tr := &Tracker{target: target, subs: make(map[string]chan *api.Order)}
	opts := []tracking.Option{
		tracking.WithInterval(t.interval),
		tracking.WithLogger(t.logger),
		tracking.WithListener(t.listener(tr)),
	}
	if t.newTicker != nil {
		opts = append(opts, tracking.WithTicker(t.newTicker))
	}
	tr.poller = tracking.NewPoller(t.fetcher, target, opts...)

	ctx, cancel := context.WithCancel(t.base)
	tr.cancel = cancel
	t.trackers[target.OrderID] = tr

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer tr.finish()
		err := tr.poller.Run(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Info("order tracking stopped", "order_id", target.OrderID, "error", err)
		}
		t.retire(tr)
	}()

	t.logger.Debug("order tracking started", "order_id", target.OrderID, "slug", target.Slug)
	return tr, nil
}

// retire drops tr from the live registry. A terminal order is kept readable
// until finishedTTL passes; a refused or cancelled one is simply dropped.
func (t *Trackers) retire(tr *Tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := tr.target.OrderID
	if t.trackers[id] != tr {
		return
	}
	delete(t.trackers, id)
	if tr.poller.Done() && t.base.Err() == nil {
		t.finished[id] = finishedTracker{tracker: tr, expires: t.now().Add(t.finishedTTL)}
	}
}

func (t *Trackers) lookupLocked(orderID string) (*Tracker, bool) {
	if tr, ok := t.trackers[orderID]; ok {
		return tr, true
	}
	if f, ok := t.finished[orderID]; ok && t.now().Before(f.expires) {
		return f.tracker, true
	}
	return nil, false
}

func (t *Trackers) sweepLocked() {
	now := t.now()
	for id, f := range t.finished {
		if !now.Before(f.expires) {
			delete(t.finished, id)
		}
	}
}

// Tracking reports whether orderID has a poller or a recently finished one.
func (t *Trackers) Tracking(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lookupLocked(orderID)
	return ok
}

// Active is the number of running pollers.
func (t *Trackers) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trackers)
}

// Latest returns the last snapshot of a tracked or recently finished order.
func (t *Trackers) Latest(orderID string) (*api.Order, bool) {
	t.mu.Lock()
	tr, ok := t.lookupLocked(orderID)
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return tr.poller.Latest()
}

// Forget stops tracking orderID and releases its subscribers.
func (t *Trackers) Forget(orderID string) {
	t.mu.Lock()
	tr, ok := t.trackers[orderID]
	delete(t.trackers, orderID)
	delete(t.finished, orderID)
	t.mu.Unlock()
	if ok {
		tr.cancel()
	}
}

func (t *Trackers) listener(tr *Tracker) tracking.Listener {
	return func(prev, next *api.Order) {
		tr.broadcast(next, t.logger)

		if prev != nil && prev.Status == next.Status {
			return
		}
		evt := event.OrderStatusEvent{
			RestaurantSlug: tr.target.Slug,
			OrderID:        next.ID,
			TableNumber:    next.TableNumber,
			Status:         next.Status.Code(),
			Source:         "storefront",
		}
		if prev != nil {
			evt.PreviousStatus = prev.Status.Code()
		}
		if err := t.emitter.OrderStatus(t.base, evt); err != nil {
			t.logger.Error("cannot publish order status", "order_id", next.ID, "error", err)
		}
	}
}

// Subscribe registers a snapshot channel. The channel is closed when the
// order reaches a terminal status or the subscription is cancelled.
func (tr *Tracker) Subscribe(id string) (<-chan *api.Order, func()) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ch := make(chan *api.Order, subscriberBuffer)
	if tr.finished {
		close(ch)
		return ch, func() {}
	}
	tr.subs[id] = ch

	return ch, func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if c, ok := tr.subs[id]; ok {
			delete(tr.subs, id)
			close(c)
		}
	}
}

func (tr *Tracker) Latest() (*api.Order, bool) {
	return tr.poller.Latest()
}

func (tr *Tracker) broadcast(order *api.Order, logger aqm.Logger) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for id, ch := range tr.subs {
		snapshot := *order
		select {
		case ch <- &snapshot:
		default:
			logger.Info("subscriber buffer full, dropping snapshot", "subscriber_id", id, "order_id", order.ID)
		}
	}
}

func (tr *Tracker) finish() {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.finished = true
	for id, ch := range tr.subs {
		delete(tr.subs, id)
		close(ch)
	}
}
