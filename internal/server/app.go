// Package server builds the application graph and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/analysis"
	"github.com/cklxx/nowhow/internal/api"
	"github.com/cklxx/nowhow/internal/clock/system"
	"github.com/cklxx/nowhow/internal/config"
	"github.com/cklxx/nowhow/internal/content"
	contentlocal "github.com/cklxx/nowhow/internal/content/local"
	contentmem "github.com/cklxx/nowhow/internal/content/memory"
	contentpg "github.com/cklxx/nowhow/internal/content/postgres"
	contentredis "github.com/cklxx/nowhow/internal/content/redis"
	"github.com/cklxx/nowhow/internal/crawl"
	"github.com/cklxx/nowhow/internal/dispatcher"
	"github.com/cklxx/nowhow/internal/export"
	"github.com/cklxx/nowhow/internal/fetcher"
	collyfetcher "github.com/cklxx/nowhow/internal/fetcher/colly"
	headlessfetcher "github.com/cklxx/nowhow/internal/fetcher/headless"
	"github.com/cklxx/nowhow/internal/headless/detector"
	"github.com/cklxx/nowhow/internal/id/uuid"
	"github.com/cklxx/nowhow/internal/logging"
	"github.com/cklxx/nowhow/internal/metrics"
	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/policy/ratelimit"
	"github.com/cklxx/nowhow/internal/progress"
	progresssinks "github.com/cklxx/nowhow/internal/progress/sinks"
	kafkapublisher "github.com/cklxx/nowhow/internal/publisher/kafka"
	memorypublisher "github.com/cklxx/nowhow/internal/publisher/memory"
	gcppublisher "github.com/cklxx/nowhow/internal/publisher/pubsub"
	"github.com/cklxx/nowhow/internal/query"
	queuemem "github.com/cklxx/nowhow/internal/queue/memory"
	"github.com/cklxx/nowhow/internal/schedule"
	"github.com/cklxx/nowhow/internal/source"
	"github.com/cklxx/nowhow/internal/stage"
	gcsstorage "github.com/cklxx/nowhow/internal/storage/gcs"
	localstorage "github.com/cklxx/nowhow/internal/storage/local"
	memorystorage "github.com/cklxx/nowhow/internal/storage/memory"
	pgstore "github.com/cklxx/nowhow/internal/storage/postgres"
	s3storage "github.com/cklxx/nowhow/internal/storage/s3"
	sqlitestore "github.com/cklxx/nowhow/internal/storage/sqlite"
	"github.com/cklxx/nowhow/internal/telemetry"
	"github.com/cklxx/nowhow/internal/workflow"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orchestrator *workflow.Orchestrator
	dispatch     *dispatcher.Dispatcher
	scheduler    *schedule.Scheduler
	queue        *queuemem.Queue
	progressHub  *progress.Hub
	content      *content.Store
	headless     *headlessfetcher.Fetcher
	ready        atomic.Bool

	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	kafka        *kafkapublisher.Publisher
	gcsClient    *storage.Client
	closers      []func() error

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("content_backend", cfg.Content.Backend),
		zap.String("workflow_store", cfg.WorkflowStore.Backend),
	)

	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	clock := system.New()

	seed, err := source.Load(cfg.Sources.Path)
	if err != nil {
		return nil, fmt.Errorf("source catalog init failed: %w", err)
	}

	if app.content, err = setupContent(ctx, app, clock); err != nil {
		return nil, err
	}
	workflows, sources, err := setupWorkflowStore(ctx, app)
	if err != nil {
		return nil, err
	}
	catalog, err := source.Open(ctx, sources, seed.List(), uuid.New())
	if err != nil {
		return nil, fmt.Errorf("source catalog init failed: %w", err)
	}
	logger.Info("source catalog loaded", zap.Int("sources", len(catalog.List())))
	exporter, err := setupExport(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	deps := workflow.Deps{
		Store:          workflows,
		Content:        app.content,
		Catalog:        catalog,
		Crawler:        setupCrawler(app),
		Processor:      analysis.NewProcessor(analysis.ProcessorConfig{Taxonomy: analysis.DefaultTaxonomy}),
		Researcher:     analysis.Researcher{},
		Writer:         analysis.NewWriter(analysis.WriterConfig{}),
		Runner:         stage.New(clock, tp, logger.Named("stage")),
		Clock:          clock,
		IDs:            uuid.New(),
		Progress:       emitter,
		Publisher:      publisher,
		TracerProvider: tp,
		Logger:         logger.Named("workflow"),
	}
	if exporter != nil {
		deps.Exporter = exporter
	}
	app.queue = queuemem.NewQueue(cfg.Workflow.QueueDepth)
	deps.Queue = app.queue

	app.orchestrator, err = workflow.New(deps, workflowConfig(cfg.Workflow))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	app.dispatch = dispatcher.New(app.queue, app.orchestrator, cfg.Workflow.Workers, logger.Named("dispatch"))

	app.scheduler, err = schedule.New(app.orchestrator, scheduleEntries(cfg.Schedules), logger.Named("schedule"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	views := query.New(app.orchestrator, app.content, catalog, clock)
	app.apiServer = api.NewServer(app.orchestrator, views, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
		Ready:          app.readyCheck,
		Sources:        catalog,
	}, logger.Named("api"))

	ok = true
	return app, nil
}

// Run recovers interrupted workflows, starts the worker pool, the scheduler,
// and the HTTP server, and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := a.orchestrator.Recover(ctx)
	if err != nil {
		a.logger.Warn("workflow recovery incomplete", zap.Error(err))
	}
	if recovered > 0 {
		a.logger.Info("interrupted workflows marked failed", zap.Int("count", recovered))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout + 5*time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()
	a.ready.Store(true)

	<-ctx.Done()
	a.ready.Store(false)
	a.logger.Info("shutdown initiated", zap.Int("busy_workers", a.dispatch.Busy()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	wg.Wait()
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) readyCheck(context.Context) error {
	if !a.ready.Load() {
		return errors.New("workers not started")
	}
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka producer close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.content != nil {
		if err := a.content.Close(); err != nil {
			a.logger.Warn("content store close failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr-backed loggers on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

func setupContent(ctx context.Context, app *App, clock pipeline.Clock) (*content.Store, error) {
	cfg := app.cfg.Content
	var backend content.Backend
	var err error
	switch cfg.Backend {
	case "postgres":
		backend, err = contentpg.New(ctx, contentpg.Config{
			DSN:             cfg.Postgres.DSN,
			TablePrefix:     cfg.Postgres.TablePrefix,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
	case "redis":
		backend, err = contentredis.New(ctx, contentredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "local":
		backend, err = contentlocal.New(contentlocal.Config{BaseDir: cfg.Local.BaseDir})
	default:
		backend = contentmem.New()
	}
	if err != nil {
		return nil, fmt.Errorf("content backend %s init failed: %w", cfg.Backend, err)
	}

	retry := pipeline.NewExponentialRetryPolicy()
	if cfg.RetryMax > 0 {
		retry.MaxAttempts = cfg.RetryMax
	}
	store, err := content.New(backend, clock, content.Config{
		CacheSize:   cfg.CacheSize,
		Shards:      cfg.Shards,
		BodyRunes:   cfg.BodyRunes,
		QueryWindow: cfg.QueryWindow,
		Retry:       retry,
	}, app.logger.Named("content"))
	if err != nil {
		return nil, fmt.Errorf("content store init failed: %w", err)
	}
	app.logger.Info("content store initialized",
		zap.String("backend", cfg.Backend),
		zap.Int("cache_size", cfg.CacheSize),
	)
	return store, nil
}

func setupWorkflowStore(ctx context.Context, app *App) (pipeline.WorkflowStore, pipeline.SourceStore, error) {
	cfg := app.cfg.WorkflowStore
	switch cfg.Backend {
	case "postgres":
		store, err := pgstore.NewWorkflowStore(ctx, pgstore.WorkflowStoreConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres workflow store init failed: %w", err)
		}
		app.closers = append(app.closers, func() error {
			store.Close()
			return nil
		})
		sources, err := store.Sources(app.cfg.Sources.Table)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres source store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		if err := sources.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		app.logger.Info("postgres workflow store initialized",
			zap.String("table", cfg.Postgres.Table),
			zap.String("sources_table", app.cfg.Sources.Table),
		)
		return store, sources, nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite workflow store init failed: %w", err)
		}
		app.closers = append(app.closers, store.Close)
		sources, err := store.Sources()
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite source store init failed: %w", err)
		}
		app.logger.Info("sqlite workflow store initialized", zap.String("path", cfg.SQLite.Path))
		return store, sources, nil
	default:
		app.logger.Warn("using in-memory workflow store; records will not survive restarts")
		return memorystorage.NewWorkflowStore(), memorystorage.NewSourceStore(), nil
	}
}

func setupExport(ctx context.Context, app *App, clock pipeline.Clock) (*export.Exporter, error) {
	cfg := app.cfg.Export
	var blobs pipeline.BlobStore
	var err error
	switch cfg.Backend {
	case "none":
		app.logger.Info("article export disabled")
		return nil, nil
	case "gcs":
		app.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(app.gcsClient, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
	case "s3":
		blobs, err = s3storage.New(ctx, s3storage.Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.S3.Prefix,
			Region:       cfg.S3.Region,
			Profile:      cfg.S3.Profile,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	case "local":
		blobs, err = localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
	default:
		blobs = memorystorage.NewBlobStore()
	}
	if err != nil {
		return nil, fmt.Errorf("%s blob store init failed: %w", cfg.Backend, err)
	}
	exporter, err := export.New(blobs, clock, "")
	if err != nil {
		return nil, fmt.Errorf("exporter init failed: %w", err)
	}
	app.logger.Info("article export enabled", zap.String("backend", cfg.Backend))
	return exporter, nil
}

func setupPublisher(ctx context.Context, app *App) (pipeline.Publisher, error) {
	cfg := app.cfg.Publisher
	switch cfg.Backend {
	case "pubsub":
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubTopic = app.pubsubClient.Topic(cfg.PubSub.TopicName)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
		return gcppublisher.New(app.pubsubTopic), nil
	case "kafka":
		p, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Timeout:  cfg.Kafka.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.kafka = p
		app.logger.Info("Kafka publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		return p, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		app.logger.Info("workflow event publishing disabled")
		return nil, nil
	}
}

func setupProgress(app *App) (pipeline.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	cfg := progress.Config{
		BufferSize:     app.cfg.Workflow.ProgressBuffer,
		MaxBatchEvents: app.cfg.Workflow.ProgressBatch,
		MaxBatchWait:   app.cfg.Workflow.ProgressMaxWait,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(cfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Int("max_batch_events", cfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", cfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupCrawler(app *App) pipeline.Crawler {
	cfg := app.cfg.Crawler
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.UserAgent,
		RespectRobots: true,
		Timeout:       cfg.Timeout,
		MaxBodyBytes:  cfg.MaxBodyKB * 1024,
	})
	var rendered fetcher.Fetcher
	if cfg.Headless.Enabled {
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			app.logger.Warn("headless fetcher init failed; rendering disabled", zap.Error(err))
		} else {
			app.headless = f
			rendered = f
			app.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Rate.RPS,
		DefaultBurst: cfg.Rate.Burst,
		HostRPS:      cfg.Rate.PerHost,
	})
	app.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", cfg.Rate.RPS),
		zap.Int("default_burst", cfg.Rate.Burst),
	)
	pages := crawl.NewPages(plain, rendered, limiter, detector.NewHeuristic(0), app.logger.Named("pages")).
		Block(cfg.BlockedHosts)
	crawlCfg := crawl.Config{MaxItems: cfg.MaxItems}
	return crawl.NewRouter(
		crawl.NewRSS(pages, crawlCfg, app.logger.Named("rss")),
		crawl.NewWeb(pages, crawlCfg, app.logger.Named("web")),
	)
}

func workflowConfig(cfg config.WorkflowConfig) workflow.Config {
	stages := make(map[pipeline.Stage]workflow.StageConfig, len(pipeline.Stages))
	for _, s := range pipeline.Stages {
		sc := cfg.Stage(string(s))
		stages[s] = workflow.StageConfig{
			Concurrency:  sc.Concurrency,
			UnitTimeout:  sc.UnitTimeout,
			StageTimeout: sc.StageTimeout,
		}
	}
	return workflow.Config{
		Stages:             stages,
		Timeout:            cfg.Timeout,
		MaxAttempts:        cfg.MaxAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RelevanceThreshold: cfg.Relevance,
		MinGroupSize:       cfg.MinGroupSize,
		WordMin:            cfg.WordMin,
		WordMax:            cfg.WordMax,
		ResearchTopics:     cfg.ResearchTopics,
		EventTopic:         cfg.EventTopic,
	}
}

func scheduleEntries(cfgs []config.ScheduleConfig) []schedule.Entry {
	entries := make([]schedule.Entry, 0, len(cfgs))
	for _, c := range cfgs {
		entries = append(entries, schedule.Entry{
			Name: c.Name,
			Spec: c.Cron,
			Request: pipeline.StartRequest{
				Topic:      c.Topic,
				SourceIDs:  c.SourceIDs,
				Categories: c.Categories,
			},
		})
	}
	return entries
}
