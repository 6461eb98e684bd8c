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
	"github.com/dishlens/dishlens/pkg/kv"
	"github.com/dishlens/dishlens/services/storefront/internal/mongo"
	"github.com/dishlens/dishlens/services/storefront/internal/redis"
	"github.com/dishlens/dishlens/services/storefront/internal/storefront"
)

const (
	AppName    = "storefront"
	AppVersion = "0.1.0"

	defaultAPIURL = "http://localhost:8080/api"
)

// App wires the guest-facing storefront service.
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
	apiTimeout, err := Duration(a.config, "api.timeout", 10*time.Second)
	if err != nil {
		return err
	}
	trackingInterval, err := Duration(a.config, "tracking.interval", 3*time.Second)
	if err != nil {
		return err
	}
	menuTTL, err := Duration(a.config, "menu.ttl", storefront.DefaultMenuTTL)
	if err != nil {
		return err
	}
	finishedTTL, err := Duration(a.config, "storefront.finished_ttl", storefront.DefaultFinishedTTL)
	if err != nil {
		return err
	}

	client := api.NewClient(
		a.config.GetStringOrDef("api.url", defaultAPIURL),
		api.WithTimeout(apiTimeout),
		api.WithLogger(a.logger),
	)

	var lifecycles []interface{}

	store, storeLifecycle, err := a.buildStore()
	if err != nil {
		return err
	}
	if storeLifecycle != nil {
		lifecycles = append(lifecycles, storeLifecycle)
	}

	publisher, closer, err := a.buildPublisher()
	if err != nil {
		return err
	}
	if closer != nil {
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error { return closer() },
		})
	}
	emitter := event.NewEmitter(publisher)

	trackers := storefront.NewTrackers(client, emitter, a.logger,
		storefront.WithTrackingInterval(trackingInterval),
		storefront.WithFinishedTTL(finishedTTL),
	)
	lifecycles = append(lifecycles, trackers)

	handler := storefront.NewHandler(storefront.HandlerDeps{
		Backend:  client,
		Store:    store,
		Menus:    storefront.NewMenuCache(client, menuTTL, a.logger),
		Trackers: trackers,
		Emitter:  emitter,
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

// buildStore picks the guest state backend from store.driver.
func (a *App) buildStore() (kv.Store, interface{}, error) {
	driver := a.config.GetStringOrDef("store.driver", "memory")
	switch driver {
	case "memory":
		return kv.NewMemoryStore(), nil, nil
	case "redis":
		s := redis.NewStore(a.config, a.logger)
		return s, s, nil
	case "mongo":
		s := mongo.NewStore(a.config, a.logger)
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store.driver %q", driver)
	}
}

// buildPublisher returns a nil publisher when NATS is disabled.
func (a *App) buildPublisher() (aqmevents.Publisher, func() error, error) {
	if a.config.GetStringOrDef("nats.enabled", "false") != "true" {
		a.logger.Info("NATS disabled, order events will not be published")
		return nil, nil, nil
	}
	// Core publishes land in the order stream too when pos has created it.
	natsURL := a.config.GetStringOrDef("nats.url", pkg.DefaultNATSURL)
	publisher, err := pkg.NewNATSPublisher(natsURL)
	if err != nil {
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Infof("Starting %s(%s)", AppName, AppVersion)
	if err := a.micro.Run(ctx); err != nil {
		return err
	}
	a.logger.Infof("%s(%s) stopped", AppName, AppVersion)
	return nil
}

// Duration reads a duration key, falling back to def when unset.
func Duration(config *aqm.Config, key string, def time.Duration) (time.Duration, error) {
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
