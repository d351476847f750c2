// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/api"
	"github.com/JakeFAU/probgate/internal/clock/system"
	"github.com/JakeFAU/probgate/internal/config"
	"github.com/JakeFAU/probgate/internal/coordinator"
	"github.com/JakeFAU/probgate/internal/dispatcher"
	"github.com/JakeFAU/probgate/internal/engine"
	"github.com/JakeFAU/probgate/internal/hash/sha256"
	"github.com/JakeFAU/probgate/internal/id/uuid"
	"github.com/JakeFAU/probgate/internal/logging"
	"github.com/JakeFAU/probgate/internal/policy/ratelimit"
	"github.com/JakeFAU/probgate/internal/policy/simple"
	memorypublisher "github.com/JakeFAU/probgate/internal/publisher/memory"
	mqttpublisher "github.com/JakeFAU/probgate/internal/publisher/mqtt"
	gcppublisher "github.com/JakeFAU/probgate/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/probgate/internal/publisher/redis"
	queueMemory "github.com/JakeFAU/probgate/internal/queue/memory"
	"github.com/JakeFAU/probgate/internal/solver"
	gcsstorage "github.com/JakeFAU/probgate/internal/storage/gcs"
	localstorage "github.com/JakeFAU/probgate/internal/storage/local"
	memoryStorage "github.com/JakeFAU/probgate/internal/storage/memory"
	pgstore "github.com/JakeFAU/probgate/internal/storage/postgres"
	s3storage "github.com/JakeFAU/probgate/internal/storage/s3"
	"github.com/JakeFAU/probgate/internal/telemetry"
	"github.com/JakeFAU/probgate/internal/worker"
)

type closer struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	coordinator *coordinator.Coordinator
	dispatch    *dispatcher.Dispatcher
	queue       *queueMemory.Queue
	records     solver.RecordStore
	publisher   solver.Publisher
	checks      []api.ReadinessCheck
	closers     []closer

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("base_path", cfg.Server.BasePath),
		zap.String("engine", cfg.Engine.Command),
		zap.Bool("audit", cfg.Audit.Enabled),
	)

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, telemetry.WithServiceVersion(Version))
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setupAudit(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	runner, err := engine.New(engine.Config{
		Command:        cfg.Engine.Command,
		Args:           cfg.Engine.Args,
		WorkDir:        cfg.Engine.WorkDir,
		Env:            cfg.Engine.Env,
		Timeout:        cfg.EngineTimeout(),
		MaxConcurrency: cfg.Engine.MaxConcurrency,
	}, uuid.New(), system.New(), logger.Named("engine"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("engine runner init failed: %w", err)
	}

	var auditor coordinator.Auditor
	if app.dispatch != nil {
		auditor = app.dispatch
	}
	app.coordinator, err = coordinator.New(runner, sha256.New(), auditor, coordinator.Config{
		EnqueueTimeout:   time.Duration(cfg.Audit.EnqueueTimeoutMs) * time.Millisecond,
		ArchiveMalformed: cfg.Audit.ArchiveMalformed,
	}, logger.Named("coordinator"))
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	var records api.RecordReader
	if app.records != nil {
		records = app.records
	}
	app.apiServer = api.NewServer(
		app.coordinator,
		records,
		setupPolicy(cfg),
		cfg,
		logger.Named("api"),
		app.checks...,
	)
	return app, nil
}

func setupPolicy(cfg config.Config) solver.Policy {
	if !cfg.RateLimit.Enabled {
		return simple.New()
	}
	return ratelimit.New(ratelimit.Config{
		RPS:   cfg.RateLimit.RPS,
		Burst: cfg.RateLimit.Burst,
	})
}

func (a *App) setupAudit(ctx context.Context) error {
	if !a.cfg.Audit.Enabled {
		a.logger.Info("audit pipeline disabled")
		return nil
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupRecords(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}

	a.queue = queueMemory.NewQueue(a.cfg.Audit.QueueDepth)
	workerCfg := worker.Config{
		ContentType:   a.cfg.Storage.ContentType,
		ArchivePrefix: a.cfg.Audit.ArchivePrefix,
		Topic:         a.cfg.Events.Topic,
		WriteTimeout:  time.Duration(a.cfg.Audit.WriteTimeoutMs) * time.Millisecond,
	}
	a.logger.Info("worker config",
		zap.Int("workers", a.cfg.Audit.Workers),
		zap.Int("queue_depth", a.cfg.Audit.QueueDepth),
		zap.String("archive_prefix", workerCfg.ArchivePrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("write_timeout", workerCfg.WriteTimeout),
	)
	hasher := sha256.New()
	clock := system.New()
	workers := make([]*worker.Worker, 0, a.cfg.Audit.Workers)
	for i := 0; i < a.cfg.Audit.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.records,
			blobStore,
			a.publisher,
			hasher,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (solver.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs client", close: client.Close})
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "s3":
		a.logger.Info("using S3 storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		blobStore, err := s3storage.NewFromEnvironment(ctx, s3storage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupRecords(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping invocation records in memory")
		a.records = memoryStorage.NewRecordStore()
		return nil
	}
	store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	a.closers = append(a.closers, closer{name: "record store", close: func() error {
		store.Close()
		return nil
	}})
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("record store schema failed: %w", err)
	}
	a.records = store
	a.checks = append(a.checks, store.Ping)
	a.logger.Info("record store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Backend {
	case "memory":
		a.logger.Info("using in-memory event publisher")
		a.publisher = memorypublisher.New()
	case "pubsub":
		pub, err := gcppublisher.NewFromProject(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "pubsub publisher", close: pub.Close})
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
	case "redis":
		pub, err := redispublisher.New(redispublisher.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis publisher init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "redis publisher", close: pub.Close})
		a.checks = append(a.checks, pub.Ping)
		a.publisher = pub
		a.logger.Info("Redis publisher initialized",
			zap.String("addr", a.cfg.Redis.Addr),
			zap.String("channel", a.cfg.Events.Topic),
		)
	case "mqtt":
		pub, err := mqttpublisher.Connect(mqttpublisher.Config{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			QoS:      a.cfg.MQTT.QoS,
		})
		if err != nil {
			return fmt.Errorf("mqtt publisher init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "mqtt publisher", close: pub.Close})
		a.checks = append(a.checks, func(context.Context) error {
			if !pub.Connected() {
				return errors.New("mqtt broker disconnected")
			}
			return nil
		})
		a.publisher = pub
		a.logger.Info("MQTT publisher initialized",
			zap.String("broker", a.cfg.MQTT.Broker),
			zap.String("topic", a.cfg.Events.Topic),
		)
	default:
		a.logger.Info("completion events disabled")
	}
	return nil
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Coordinator exposes the request coordinator for one-shot use.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// StartWorkers launches the audit workers. The workers outlive ctx
// cancellation until Close drains the queue.
func (a *App) StartWorkers(ctx context.Context) {
	if a.dispatch == nil {
		return
	}
	if a.dispatch.Start(ctx) {
		a.logger.Info("dispatcher started")
	}
}

// Run serves HTTP and blocks until the context is canceled or a termination
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartWorkers(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close drains the audit queue, then releases infrastructure clients. Workers
// still running when ctx expires are canceled and the returned error wraps
// dispatcher.ErrDrainTimeout.
func (a *App) Close(ctx context.Context) error {
	var drainErr error
	if a.dispatch != nil {
		a.logger.Info("draining audit queue", zap.Int("pending", a.dispatch.Pending()))
		if err := a.dispatch.Drain(ctx); err != nil {
			a.logger.Warn("audit queue not fully drained", zap.Error(err))
			drainErr = fmt.Errorf("drain audit queue: %w", err)
		}
	}
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return drainErr
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Syncing stderr/stdout fails with EINVAL on some platforms; the error is
	// not actionable.
	_ = a.logger.Sync()
}
