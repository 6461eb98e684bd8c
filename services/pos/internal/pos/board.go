package pos

import (
	"context"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/poll"
)

// Board holds the last good answer of one polled staff listing. A failed
// poll keeps the previous data and records the error.
type Board[T any] struct {
	name      string
	interval  time.Duration
	fetch     func(ctx context.Context) (T, error)
	newTicker poll.TickerFunc
	logger    aqm.Logger
	now       func() time.Time

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	// lastRead is guarded by Boards.mu.
	lastRead time.Time

	mu        sync.RWMutex
	data      T
	updatedAt time.Time
	lastErr   error
	loaded    bool
}

// Snapshot is a consistent copy of a board's state.
type Snapshot[T any] struct {
	Data      T         `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
	Error     string    `json:"error,omitempty"`
	Loaded    bool      `json:"loaded"`
}

func newBoard[T any](name string, interval time.Duration, fetch func(ctx context.Context) (T, error), newTicker poll.TickerFunc, logger aqm.Logger) *Board[T] {
	return &Board[T]{
		name:      name,
		interval:  interval,
		fetch:     fetch,
		newTicker: newTicker,
		logger:    logger,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// run starts the poll and kick loops under a context that stop cancels.
func (b *Board[T]) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop := poll.Loop{Name: b.name, Interval: b.interval, NewTicker: b.newTicker, Logger: b.logger}
		_ = loop.Run(ctx, b.Refresh)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.kick:
				if err := b.Refresh(ctx); err != nil && ctx.Err() == nil {
					b.logger.Info("board refresh failed", "board", b.name, "error", err)
				}
			}
		}
	}()
	go func() {
		wg.Wait()
		close(b.done)
	}()
}

func (b *Board[T]) stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Done is closed once the board's loops have returned.
func (b *Board[T]) Done() <-chan struct{} {
	return b.done
}

// Refresh fetches now. A result that arrives after ctx ended is dropped.
func (b *Board[T]) Refresh(ctx context.Context) error {
	data, err := b.fetch(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
		return err
	}
	b.accept(data)
	return nil
}

func (b *Board[T]) accept(data T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	b.updatedAt = b.now()
	b.lastErr = nil
	b.loaded = true
}

// Kick asks the background loop for an early refresh. Kicks coalesce.
func (b *Board[T]) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *Board[T]) Loaded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loaded
}

func (b *Board[T]) Snapshot() Snapshot[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Snapshot[T]{Data: b.data, UpdatedAt: b.updatedAt, Loaded: b.loaded}
	if b.lastErr != nil {
		s.Error = b.lastErr.Error()
	}
	return s
}
