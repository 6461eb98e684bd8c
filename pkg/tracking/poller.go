package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/poll"
)

const DefaultInterval = 3 * time.Second

var ErrInvalidTarget = errors.New("order id and token are required")

// Fetcher reads an order snapshot using its capability token.
type Fetcher interface {
	GetOrder(ctx context.Context, slug, orderID, token string) (*api.Order, error)
}

// Target identifies the order being tracked.
type Target struct {
	Slug    string
	OrderID string
	Token   string
}

// Listener is called with the previous and the newly accepted snapshot.
// prev is nil for the first snapshot.
type Listener func(prev, next *api.Order)

// Poller keeps the latest snapshot of one order until it reaches a terminal
// status. A failed fetch keeps the previous snapshot.
type Poller struct {
	fetcher   Fetcher
	target    Target
	interval  time.Duration
	newTicker poll.TickerFunc
	logger    aqm.Logger
	listeners []Listener

	mu      sync.RWMutex
	latest  *api.Order
	lastErr error
	done    bool
	refused error
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTicker(fn poll.TickerFunc) Option {
	return func(p *Poller) { p.newTicker = fn }
}

func WithLogger(logger aqm.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithListener(l Listener) Option {
	return func(p *Poller) {
		if l != nil {
			p.listeners = append(p.listeners, l)
		}
	}
}

func NewPoller(fetcher Fetcher, target Target, opts ...Option) *Poller {
	p := &Poller{
		fetcher:  fetcher,
		target:   target,
		interval: DefaultInterval,
		logger:   aqm.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Target() Target {
	return p.target
}

// Run polls until the order is terminal (nil), the backend refuses the order
// for good (that error, see api.IsRefused), or ctx ends (ctx.Err()).
func (p *Poller) Run(ctx context.Context) error {
	if p.target.OrderID == "" || p.target.Token == "" {
		return ErrInvalidTarget
	}

	loop := poll.Loop{
		Name:      "order:" + p.target.OrderID,
		Interval:  p.interval,
		NewTicker: p.newTicker,
		Logger:    p.logger,
	}
	if err := loop.Run(ctx, p.fetch); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refused
}

func (p *Poller) fetch(ctx context.Context) error {
	order, err := p.fetcher.GetOrder(ctx, p.target.Slug, p.target.OrderID, p.target.Token)
	if ctx.Err() != nil {
		// Cancelled while in flight; the result belongs to nobody.
		return ctx.Err()
	}
	if err != nil {
		refused := api.IsRefused(err)
		p.mu.Lock()
		p.lastErr = err
		if refused {
			p.refused = err
		}
		p.mu.Unlock()
		if refused {
			p.logger.Info("order refused by backend, tracking stopped", "order_id", p.target.OrderID, "error", err)
			return poll.ErrStop
		}
		return err
	}
	if order == nil {
		return errors.New("empty order snapshot")
	}

	snapshot := *order
	p.mu.Lock()
	prev := p.latest
	p.latest = &snapshot
	p.lastErr = nil
	if snapshot.Status.IsTerminal() {
		p.done = true
	}
	p.mu.Unlock()

	for _, l := range p.listeners {
		next := snapshot
		l(prev, &next)
	}

	if snapshot.Status.IsTerminal() {
		p.logger.Debug("order reached terminal status", "order_id", p.target.OrderID, "status", snapshot.Status.Code())
		return poll.ErrStop
	}
	return nil
}

// Latest returns a copy of the last accepted snapshot.
func (p *Poller) Latest() (*api.Order, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.latest == nil {
		return nil, false
	}
	cp := *p.latest
	return &cp, true
}

// LastError is the error of the most recent fetch, nil after a success.
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Done reports whether a terminal status has been seen.
func (p *Poller) Done() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.done
}
