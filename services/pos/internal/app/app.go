package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aquamarinepk/aqm"
	aqmevents "github.com/aquamarinepk/aqm/events"
	"github.com/aquamarinepk/aqm/middleware"
	"github.com/dishlens/dishlens/pkg"
	"github.com/dishlens/dishlens/pkg/api"
	"github.com/dishlens/dishlens/pkg/event"
	"github.com/dishlens/dishlens/services/pos/internal/pos"
)

const (
	AppName    = "pos"
	AppVersion = "0.1.0"

	defaultAPIURL = "http://localhost:8080/api"
)

// App wires the staff-facing point of sale service.
type App struct {
	config *aqm.Config
	logger aqm.Logger
	micro  *aqm.Micro
}

func New(config *aqm.Config, logger aqm.Logger) (*App, error) {
	return &App{
		config: config,
		logger: logger,
	}, nil
}

func (a *App) Initialize(ctx context.Context) error {
	apiTimeout, err := duration(a.config, "api.timeout", 10*time.Second)
	if err != nil {
		return err
	}
	intervals, err := a.intervals()
	if err != nil {
		return err
	}

	token, _ := a.config.GetString("api.token")
	if token == "" {
		a.logger.Info("api.token not set, boards will read without a service token")
	}

	client := api.NewClient(
		a.config.GetStringOrDef("api.url", defaultAPIURL),
		api.WithToken(token),
		api.WithTimeout(apiTimeout),
		api.WithLogger(a.logger),
	)

	var lifecycles []interface{}

	idle, err := duration(a.config, "pos.boards.idle_timeout", pos.DefaultIdleTimeout)
	if err != nil {
		return err
	}
	grantTTL, err := duration(a.config, "pos.boards.grant_ttl", pos.DefaultGrantTTL)
	if err != nil {
		return err
	}
	readerFor := func(t string) pos.StaffReader { return client.WithBearer(t) }
	boards := pos.NewBoards(client, readerFor, intervals, a.logger,
		pos.WithIdleTimeout(idle),
		pos.WithGrantTTL(grantTTL),
	)
	lifecycles = append(lifecycles, boards)

	activity := pos.NewActivity(pos.DefaultActivitySize)

	publisher, subscriber, stream, closers, err := a.buildEvents(ctx)
	if err != nil {
		return err
	}
	if subscriber != nil {
		lifecycles = append(lifecycles, pos.NewOrderEventSubscriber(subscriber, stream, boards, activity, a.logger))
	}
	for _, closer := range closers {
		closer := closer
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return closer() },
		})
	}

	handler := pos.NewHandler(pos.HandlerDeps{
		Boards: boards,
		WriterFor: func(t string) pos.StaffWriter {
			return client.WithBearer(t)
		},
		Activity: activity,
		Emitter:  event.NewEmitter(publisher),
	}, a.logger)

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger: a.logger,
	})

	options := []aqm.Option{
		aqm.WithConfig(a.config),
		aqm.WithLogger(a.logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(AppName),
	}

	a.micro = aqm.NewMicro(options...)
	return nil
}

func (a *App) intervals() (pos.Intervals, error) {
	var (
		i   pos.Intervals
		err error
	)
	if i.Kitchen, err = duration(a.config, "pos.kitchen.interval", pos.DefaultKitchenInterval); err != nil {
		return i, err
	}
	if i.Floor, err = duration(a.config, "pos.floor.interval", pos.DefaultFloorInterval); err != nil {
		return i, err
	}
	if i.WaiterCalls, err = duration(a.config, "pos.waiter_calls.interval", pos.DefaultWaiterCallsInterval); err != nil {
		return i, err
	}
	return i, nil
}

// buildEvents returns nil publisher and subscriber when NATS is disabled.
// With nats.stream.enabled the JetStream consumer serves both live delivery
// and startup replay.
func (a *App) buildEvents(ctx context.Context) (aqmevents.Publisher, aqmevents.Subscriber, aqmevents.StreamConsumer, []func() error, error) {
	if a.config.GetStringOrDef("nats.enabled", "false") != "true" {
		a.logger.Info("NATS disabled, boards rely on polling only")
		return nil, nil, nil, nil, nil
	}
	natsURL := a.config.GetStringOrDef("nats.url", pkg.DefaultNATSURL)

	var closers []func() error
	publisher, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closers = append(closers, publisher.Close)

	if a.config.GetStringOrDef("nats.stream.enabled", "false") == "true" {
		stream, err := pkg.NewNATSStream(ctx, pkg.OrderStreamConfig(natsURL, AppName), a.logger)
		if err != nil {
			publisher.Close()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, stream.Close)
		return publisher, stream, stream, closers, nil
	}

	subscriber, err := pkg.NewNATSSubscriber(natsURL, a.logger)
	if err != nil {
		publisher.Close()
		return nil, nil, nil, nil, err
	}
	closers = append(closers, subscriber.Close)
	return publisher, subscriber, nil, closers, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}

func duration(config *aqm.Config, key string, def time.Duration) (time.Duration, error) {
	raw, ok := config.GetString(key)
	if !ok || raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
