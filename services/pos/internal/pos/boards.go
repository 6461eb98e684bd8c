package pos

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/enums/orderstatus"
	"github.com/dishlens/dishlens/pkg/poll"
)

const (
	DefaultKitchenInterval     = 5 * time.Second
	DefaultFloorInterval       = 2500 * time.Millisecond
	DefaultWaiterCallsInterval = 10 * time.Second

	DefaultIdleTimeout = 2 * time.Minute
	DefaultGrantTTL    = time.Minute
)

// StaffReader is the read side of the staff API used by the boards.
type StaffReader interface {
	ListOrders(ctx context.Context, restaurantID string, statuses ...orderstatus.Status) ([]api.Order, error)
	ListTables(ctx context.Context, restaurantID string) ([]api.Table, error)
	ListWaiterCalls(ctx context.Context, restaurantID string) ([]api.WaiterCall, error)
}

type Intervals struct {
	Kitchen     time.Duration
	Floor       time.Duration
	WaiterCalls time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Kitchen <= 0 {
		i.Kitchen = DefaultKitchenInterval
	}
	if i.Floor <= 0 {
		i.Floor = DefaultFloorInterval
	}
	if i.WaiterCalls <= 0 {
		i.WaiterCalls = DefaultWaiterCallsInterval
	}
	return i
}

// openStatuses are the statuses shown on the kitchen board.
var openStatuses = []orderstatus.Status{
	orderstatus.Statuses.Placed,
	orderstatus.Statuses.InKitchen,
	orderstatus.Statuses.Ready,
	orderstatus.Statuses.Serving,
}

type restaurantBoards struct {
	kitchen *Board[[]api.Order]
	floor   *Board[[]api.Table]
	calls   *Board[[]api.WaiterCall]
}

func (rb *restaurantBoards) empty() bool {
	return rb.kitchen == nil && rb.floor == nil && rb.calls == nil
}

// ReaderFor returns a StaffReader authenticated as token.
type ReaderFor func(token string) StaffReader

var (
	ErrMissingToken  = errors.New("staff token required")
	ErrBoardsStopped = errors.New("boards stopped")
)

// Boards owns the polled boards of every restaurant staff are looking at.
// A board is only created after the caller's own token has read the same
// listing, then polls with the service token on its own interval. Boards
// nobody has read for idleTimeout are stopped and dropped.
type Boards struct {
	reader      StaffReader
	readerFor   ReaderFor
	intervals   Intervals
	idleTimeout time.Duration
	grantTTL    time.Duration
	newTicker   poll.TickerFunc
	logger      aqm.Logger
	now         func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	restaurants map[string]*restaurantBoards
	grants      map[string]time.Time
}

type BoardsOption func(*Boards)

func WithBoardTicker(fn poll.TickerFunc) BoardsOption {
	return func(b *Boards) { b.newTicker = fn }
}

// WithIdleTimeout sets how long an unread board keeps polling.
func WithIdleTimeout(d time.Duration) BoardsOption {
	return func(b *Boards) {
		if d > 0 {
			b.idleTimeout = d
		}
	}
}

// WithGrantTTL sets how long a staff token that read a board is trusted to
// read it again without asking the backend.
func WithGrantTTL(d time.Duration) BoardsOption {
	return func(b *Boards) {
		if d > 0 {
			b.grantTTL = d
		}
	}
}

func WithBoardClock(now func() time.Time) BoardsOption {
	return func(b *Boards) { b.now = now }
}

func NewBoards(reader StaffReader, readerFor ReaderFor, intervals Intervals, logger aqm.Logger, opts ...BoardsOption) *Boards {
	if logger == nil {
		logger = aqm.NewNoopLogger()
	}
	base, cancel := context.WithCancel(context.Background())
	b := &Boards{
		reader:      reader,
		readerFor:   readerFor,
		intervals:   intervals.withDefaults(),
		idleTimeout: DefaultIdleTimeout,
		grantTTL:    DefaultGrantTTL,
		logger:      logger,
		now:         time.Now,
		base:        base,
		cancel:      cancel,
		restaurants: make(map[string]*restaurantBoards),
		grants:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start runs the idle board sweep until Stop.
func (b *Boards) Start(ctx context.Context) error {
	poll.Every(b.base, "boards:evict", b.idleTimeout/2, b.logger, func(ctx context.Context) error {
		if n := b.EvictIdle(b.now()); n > 0 {
			b.logger.Info("idle boards stopped", "count", n)
		}
		return nil
	})
	return nil
}

func (b *Boards) Stop(ctx context.Context) error {
	b.cancel()
	return nil
}

func (b *Boards) entry(restaurantID string) *restaurantBoards {
	rb, ok := b.restaurants[restaurantID]
	if !ok {
		rb = &restaurantBoards{}
		b.restaurants[restaurantID] = rb
	}
	return rb
}

type boardSpec[T any] struct {
	kind     string
	interval time.Duration
	slot     func(rb *restaurantBoards) **Board[T]
	fetch    func(ctx context.Context, r StaffReader, restaurantID string) (T, error)
}

// openBoard returns the board for restaurantID, reading it first with token
// unless that token was granted recently. A failed read leaves nothing
// behind.
func openBoard[T any](ctx context.Context, b *Boards, spec boardSpec[T], restaurantID, token string) (*Board[T], error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	key := spec.kind + "\x00" + restaurantID + "\x00" + token

	b.mu.Lock()
	if rb, ok := b.restaurants[restaurantID]; ok {
		board := *spec.slot(rb)
		if exp, granted := b.grants[key]; board != nil && granted && b.now().Before(exp) {
			board.lastRead = b.now()
			b.mu.Unlock()
			return board, nil
		}
	}
	b.mu.Unlock()

	data, err := spec.fetch(ctx, b.readerFor(token), restaurantID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.base.Err() != nil {
		return nil, ErrBoardsStopped
	}
	now := b.now()
	b.grants[key] = now.Add(b.grantTTL)

	slot := spec.slot(b.entry(restaurantID))
	board := *slot
	if board == nil {
		board = newBoard(spec.kind+":"+restaurantID, spec.interval, func(ctx context.Context) (T, error) {
			return spec.fetch(ctx, b.reader, restaurantID)
		}, b.newTicker, b.logger)
		board.accept(data)
		board.run(b.base)
		*slot = board
		b.logger.Debug("board started", "board", board.name)
	} else {
		board.accept(data)
	}
	board.lastRead = now
	return board, nil
}

var kitchenSpec = boardSpec[[]api.Order]{
	kind: "kitchen",
	slot: func(rb *restaurantBoards) **Board[[]api.Order] { return &rb.kitchen },
	fetch: func(ctx context.Context, r StaffReader, restaurantID string) ([]api.Order, error) {
		return r.ListOrders(ctx, restaurantID, openStatuses...)
	},
}

var floorSpec = boardSpec[[]api.Table]{
	kind: "floor",
	slot: func(rb *restaurantBoards) **Board[[]api.Table] { return &rb.floor },
	fetch: func(ctx context.Context, r StaffReader, restaurantID string) ([]api.Table, error) {
		return r.ListTables(ctx, restaurantID)
	},
}

var callsSpec = boardSpec[[]api.WaiterCall]{
	kind: "waiter_calls",
	slot: func(rb *restaurantBoards) **Board[[]api.WaiterCall] { return &rb.calls },
	fetch: func(ctx context.Context, r StaffReader, restaurantID string) ([]api.WaiterCall, error) {
		return r.ListWaiterCalls(ctx, restaurantID)
	},
}

func (b *Boards) Kitchen(ctx context.Context, restaurantID, token string) (*Board[[]api.Order], error) {
	spec := kitchenSpec
	spec.interval = b.intervals.Kitchen
	return openBoard(ctx, b, spec, restaurantID, token)
}

func (b *Boards) Floor(ctx context.Context, restaurantID, token string) (*Board[[]api.Table], error) {
	spec := floorSpec
	spec.interval = b.intervals.Floor
	return openBoard(ctx, b, spec, restaurantID, token)
}

func (b *Boards) WaiterCalls(ctx context.Context, restaurantID, token string) (*Board[[]api.WaiterCall], error) {
	spec := callsSpec
	spec.interval = b.intervals.WaiterCalls
	return openBoard(ctx, b, spec, restaurantID, token)
}

// EvictIdle stops every board last read before now minus idleTimeout and
// drops expired token grants. It returns the number of boards stopped.
func (b *Boards) EvictIdle(now time.Time) int {
	cutoff := now.Add(-b.idleTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, rb := range b.restaurants {
		n += evict(&rb.kitchen, cutoff) + evict(&rb.floor, cutoff) + evict(&rb.calls, cutoff)
		if rb.empty() {
			delete(b.restaurants, id)
		}
	}
	for key, exp := range b.grants {
		if !now.Before(exp) {
			delete(b.grants, key)
		}
	}
	return n
}

func evict[T any](slot **Board[T], cutoff time.Time) int {
	board := *slot
	if board == nil || board.lastRead.After(cutoff) {
		return 0
	}
	board.stop()
	*slot = nil
	return 1
}

// Count is the number of running boards.
func (b *Boards) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rb := range b.restaurants {
		if rb.kitchen != nil {
			n++
		}
		if rb.floor != nil {
			n++
		}
		if rb.calls != nil {
			n++
		}
	}
	return n
}

// Kick refreshes the running boards of restaurantID early. It never starts
// a board.
func (b *Boards) Kick(restaurantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rb, ok := b.restaurants[restaurantID]
	if !ok {
		return
	}
	if rb.kitchen != nil {
		rb.kitchen.Kick()
	}
	if rb.floor != nil {
		rb.floor.Kick()
	}
	if rb.calls != nil {
		rb.calls.Kick()
	}
}

// KnownStatus returns the status of orderID on the kitchen board, if the
// board is loaded and lists it.
func (b *Boards) KnownStatus(restaurantID, orderID string) (orderstatus.Status, bool) {
	b.mu.Lock()
	rb, ok := b.restaurants[restaurantID]
	b.mu.Unlock()
	if !ok || rb.kitchen == nil {
		return orderstatus.Status{}, false
	}

	snap := rb.kitchen.Snapshot()
	if !snap.Loaded {
		return orderstatus.Status{}, false
	}
	for _, o := range snap.Data {
		if o.ID == orderID {
			return o.Status, true
		}
	}
	return orderstatus.Status{}, false
}

// KickOrders asks every started kitchen and floor board for an early refresh.
func (b *Boards) KickOrders() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rb := range b.restaurants {
		if rb.kitchen != nil {
			rb.kitchen.Kick()
		}
		if rb.floor != nil {
			rb.floor.Kick()
		}
	}
}

// KickWaiterCalls asks every started waiter calls board for an early refresh.
func (b *Boards) KickWaiterCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rb := range b.restaurants {
		if rb.calls != nil {
			rb.calls.Kick()
		}
		if rb.floor != nil {
			rb.floor.Kick()
		}
	}
}
