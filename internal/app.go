// Package internal contains core application functionality
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/karloscodes/cartridge"

	"webtraffic/internal/buckets"
	"webtraffic/internal/config"
	"webtraffic/internal/counter"
	"webtraffic/internal/database"
	"webtraffic/internal/jobs"
	"webtraffic/internal/live"
	"webtraffic/internal/traffic"
)

// Application wraps cartridge.Application with the traffic pipeline and the live server
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager
	Traffic   *traffic.Service
	Live      *live.Server
	Scheduler *jobs.Scheduler

	logger *slog.Logger
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the default routes
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	return NewAppWithRoutes(cfg, nil)
}

// NewAppWithRoutes creates a new application. extraRoutes, when set, is mounted
// after the built-in routes.
func NewAppWithRoutes(cfg *config.Config, extraRoutes func(*cartridge.Server)) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	counters, err := NewCounterStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	broker, err := NewBroker(cfg, logger)
	if err != nil {
		_ = counters.Close()
		return nil, err
	}

	store := buckets.NewStore(dbManager, logger, cfg.Location())
	svc := traffic.NewService(cfg, store, counters, broker, logger)
	scheduler := jobs.NewScheduler(svc, cfg, logger)
	liveServer := live.NewServer(net.JoinHostPort("", cfg.LivePort), svc, logger)

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:    cfg,
		Logger:    logger,
		DBManager: dbManager,
		RouteMountFunc: func(srv *cartridge.Server) {
			MountAppRoutes(srv, cfg, svc)
			if extraRoutes != nil {
				extraRoutes(srv)
			}
		},
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Traffic:     svc,
		Live:        liveServer,
		Scheduler:   scheduler,
		logger:      logger,
	}, nil
}

// NewCounterStore builds the fast counter backend selected by cfg.
func NewCounterStore(cfg *config.Config, logger *slog.Logger) (counter.Store, error) {
	ttls := counter.TTLs{Day: cfg.DayCounterTTL(), Minute: cfg.MinuteCounterTTL()}
	switch cfg.CounterBackend {
	case config.CounterBackendMemory:
		return counter.NewMemoryStore(ttls), nil
	case config.CounterBackendMemcache:
		logger.Info("Using memcache fast counters", slog.String("servers", cfg.MemcacheServers))
		return counter.NewMemcacheStore(cfg.MemcacheServers, ttls, logger), nil
	default:
		return nil, fmt.Errorf("unknown counter backend %q", cfg.CounterBackend)
	}
}

// NewBroker builds the live update channel selected by cfg.
func NewBroker(cfg *config.Config, logger *slog.Logger) (live.Broker, error) {
	switch cfg.BrokerBackend {
	case config.BrokerBackendLocal:
		return live.NewLocalBroker(), nil
	case config.BrokerBackendKafka:
		broker, err := live.NewKafkaBroker(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka broker: %w", err)
		}
		return broker, nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.BrokerBackend)
	}
}

// StartAsync starts the pipeline, the live server and then the HTTP server and jobs.
// Migrations must have run before.
func (a *Application) StartAsync() error {
	if err := a.Traffic.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start traffic service: %w", err)
	}
	if err := a.Live.Start(); err != nil {
		return errors.Join(err, a.Traffic.Shutdown(context.Background()))
	}
	return a.Application.StartAsync()
}

// Shutdown stops intake first, then flushes the pipeline durably.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Live.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("live server: %w", err))
	}
	if err := a.Application.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Traffic.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("traffic service: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", slog.Any("error", err))
		return err
	}
	return nil
}
