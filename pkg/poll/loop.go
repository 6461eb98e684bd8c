package poll

import (
	"context"
	"errors"
	"time"

	"github.com/aquamarinepk/aqm"
)

// ErrStop ends a Loop without reporting an error.
var ErrStop = errors.New("poll: stop")

// Ticker is the part of time.Ticker a Loop needs; tests drive it by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Loop runs a function once immediately and then on every tick. There is no
// retry or backoff: a failed run just waits for the next tick.
type Loop struct {
	Name      string
	Interval  time.Duration
	NewTicker TickerFunc
	Logger    aqm.Logger
}

// Run blocks until ctx is done or fn returns ErrStop. Any other error from fn
// is logged and the loop keeps going.
func (l Loop) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	logger := l.Logger
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	if l.Interval <= 0 {
		return errors.New("poll: interval must be positive")
	}
	newTicker := l.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}

	if stop := l.step(ctx, fn, logger); stop {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ticker := newTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if stop := l.step(ctx, fn, logger); stop {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
}

func (l Loop) step(ctx context.Context, fn func(ctx context.Context) error, logger aqm.Logger) bool {
	err := fn(ctx)
	if errors.Is(err, ErrStop) {
		return true
	}
	if err != nil && ctx.Err() == nil {
		logger.Info("poll failed, waiting for next tick", "poller", l.Name, "error", err)
	}
	return false
}

// Every runs fn on the given interval in its own goroutine until ctx is done.
func Every(ctx context.Context, name string, interval time.Duration, logger aqm.Logger, fn func(ctx context.Context) error) {
	go func() {
		_ = Loop{Name: name, Interval: interval, Logger: logger}.Run(ctx, fn)
	}()
}
