// Package app initializes and holds the engine's long-lived services,
// acting as the dependency injection container for the process.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/blob"
	blobgcs "github.com/gencrawl/gencrawl/internal/blob/gcs"
	bloblocal "github.com/gencrawl/gencrawl/internal/blob/local"
	"github.com/gencrawl/gencrawl/internal/checkpoint"
	"github.com/gencrawl/gencrawl/internal/config"
	"github.com/gencrawl/gencrawl/internal/discovery"
	"github.com/gencrawl/gencrawl/internal/events"
	"github.com/gencrawl/gencrawl/internal/iteration"
	"github.com/gencrawl/gencrawl/internal/logging"
	"github.com/gencrawl/gencrawl/internal/manager"
	"github.com/gencrawl/gencrawl/internal/publisher"
	pubsubpub "github.com/gencrawl/gencrawl/internal/publisher/pubsub"
	"github.com/gencrawl/gencrawl/internal/server"
	"github.com/gencrawl/gencrawl/internal/store"
	storefile "github.com/gencrawl/gencrawl/internal/store/file"
	storemem "github.com/gencrawl/gencrawl/internal/store/memory"
	storepg "github.com/gencrawl/gencrawl/internal/store/postgres"
	"github.com/gencrawl/gencrawl/internal/telemetry"
)

// App holds all shared, long-lived services. It is initialized once at
// startup and fails fast when any critical service cannot be built.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Bus         *events.Bus
	Store       store.JobStore
	Blob        blob.Provider
	Checkpoints *checkpoint.Manager
	Iterations  *iteration.Manager
	Engine      *discovery.Engine
	Publisher   publisher.Publisher
	Manager     *manager.Manager
	Server      *server.Server

	pgStore *storepg.Store
}

// New wires every service from the configuration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	telemetry.Init()
	logger.Info("initializing engine services")

	a := &App{Config: cfg, Logger: logger}

	switch cfg.Blob.Provider {
	case "gcs":
		logger.Info("using GCS blob provider", zap.String("bucket", cfg.Blob.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.Blob, err = blobgcs.New(client, cfg.Blob.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs blob store: %w", err)
		}
	case "local":
		a.Blob, err = bloblocal.New(cfg.Data.CheckpointsDir())
		if err != nil {
			return nil, fmt.Errorf("initialize local blob store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", cfg.Blob.Provider)
	}

	switch cfg.Store.Provider {
	case "memory":
		a.Store = storemem.New()
	case "file":
		a.Store, err = storefile.New(cfg.Data.JobsDir())
		if err != nil {
			return nil, fmt.Errorf("initialize file job store: %w", err)
		}
	case "postgres":
		logger.Info("connecting to postgres")
		a.pgStore, err = storepg.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("initialize postgres job store: %w", err)
		}
		a.Store = a.pgStore
	default:
		return nil, fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}

	sink, err := events.NewJSONLSink(cfg.Data.EventsDir())
	if err != nil {
		return nil, fmt.Errorf("initialize event sink: %w", err)
	}
	a.Bus = events.NewBus(logger, sink)

	switch cfg.Publisher.Provider {
	case "noop":
		a.Publisher = publisher.Noop{}
	case "pubsub":
		logger.Info("connecting to pub/sub", zap.String("topic", cfg.Publisher.TopicID))
		a.Publisher, err = pubsubpub.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicID, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Publisher.Provider)
	}
	a.Bus.SubscribeGlobal(func(e events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.Publisher.Publish(ctx, e)
	})

	a.Checkpoints = checkpoint.NewManager(a.Blob, a.Config.Blob.Prefix, logger)
	a.Iterations, err = iteration.NewManager(cfg.Data.IterationsDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize iteration manager: %w", err)
	}

	client := &http.Client{Timeout: cfg.HTTP.Timeout()}
	a.Engine = discovery.NewEngine(discovery.Options{
		Client:       client,
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTP.Timeout(),
		CachePath:    filepath.Join(cfg.Data.CacheDir(), "url_cache.json"),
		CacheTTL:     time.Duration(cfg.Discovery.CacheTTLDays) * 24 * time.Hour,
		DefaultDelay: time.Duration(cfg.Discovery.DefaultCrawlDelay * float64(time.Second)),
		Logger:       logger,
	})

	a.Manager = manager.New(manager.Options{
		Store:                  a.Store,
		Bus:                    a.Bus,
		Checkpoints:            a.Checkpoints,
		Iterations:             a.Iterations,
		Engine:                 a.Engine,
		Client:                 client,
		UserAgent:              cfg.HTTP.UserAgent,
		Logger:                 logger,
		AutoCheckpointInterval: cfg.Checkpoint.AutoInterval,
		KeepCheckpoints:        cfg.Checkpoint.KeepLast,
	})

	a.Server = server.New(a.Manager, a.Bus, a.Checkpoints, a.Iterations, logger)

	logger.Info("engine services initialized")
	return a, nil
}

// Close shuts the services down in reverse dependency order.
func (a *App) Close() {
	a.Logger.Info("shutting down engine services")
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("publisher close failed", zap.Error(err))
	}
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn("event bus close failed", zap.Error(err))
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr may not be syncable.
		_ = err
	}
}
