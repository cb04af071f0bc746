package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/patagon3d/renovation-back/internal/config"
	"github.com/patagon3d/renovation-back/internal/domain"
	"github.com/patagon3d/renovation-back/internal/events"
	httpserver "github.com/patagon3d/renovation-back/internal/http"
	"github.com/patagon3d/renovation-back/internal/http/handlers"
	"github.com/patagon3d/renovation-back/internal/logging"
	"github.com/patagon3d/renovation-back/internal/orchestrator"
	"github.com/patagon3d/renovation-back/internal/prompts"
	"github.com/patagon3d/renovation-back/internal/provider"
	"github.com/patagon3d/renovation-back/internal/queue"
	"github.com/patagon3d/renovation-back/internal/repository"
	"github.com/patagon3d/renovation-back/internal/service"
	"github.com/patagon3d/renovation-back/internal/storage"
	"github.com/patagon3d/renovation-back/internal/worker"
	"github.com/rs/zerolog"
)

const (
	uploadSweepEvery  = 5 * time.Minute
	uploadMaxAge      = 30 * time.Minute
	scanPollInterval  = 10 * time.Second
	scanMaxAttempts   = 6
	serverStopTimeout = 10 * time.Second
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv)
	if dotenvErr != nil {
		logger.Warn().Err(dotenvErr).Msg("failed loading .env files")
	}

	timeoutPolicy, err := orchestrator.ParseTimeoutPolicy(cfg.JobTimeoutPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Job runs outlive the signal context: they are cancelled explicitly
	// once the HTTP server stops accepting work.
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	publisher, publisherCloser := setupPublisher(cfg, logger)
	defer publisherCloser()

	catalog, err := setupPrompts(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PromptsFile).Msg("failed loading prompt catalog")
	}

	uploads := storage.NewUploadBuffer()
	go uploads.Sweep(runCtx, uploadSweepEvery, uploadMaxAge)

	blobs, memoryBlobs := setupBlobStore(ctx, cfg, logger)
	registry := setupProviders(cfg, catalog, uploads, blobs, logger)

	runner := orchestrator.New(orchestrator.Config{
		Repo:          repo,
		Adapters:      registry,
		Publisher:     publisher,
		Uploads:       uploads,
		TimeoutPolicy: timeoutPolicy,
		Logger:        logger,
	})
	supervisor := orchestrator.NewSupervisor(runCtx, runner, cfg.JobMaxConcurrency, logger)

	consumeCtx, stopConsuming := context.WithCancel(runCtx)
	defer stopConsuming()
	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, repo, supervisor, logger)
		go processor.Start(consumeCtx)
		logger.Info().Int("max_concurrency", cfg.JobMaxConcurrency).Msg("worker enabled and started")
	} else {
		logger.Info().Msg("worker disabled by configuration")
	}

	jobsService := service.NewJobsService(repo, producer, registry, uploads, logger)
	apiConfig := handlers.APIConfig{
		Jobs:           jobsService,
		Uploads:        uploads,
		UploadMaxBytes: cfg.UploadMaxBytes,
		PublicBaseURL:  cfg.PublicBaseURL,
		Logger:         logger,
	}
	if memoryBlobs != nil {
		apiConfig.Blobs = memoryBlobs
	}

	handler := httpserver.NewRouter(runCtx, httpserver.RouterDependencies{
		API:            handlers.NewAPI(apiConfig),
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	stopConsuming()
	drainRuns(supervisor, cancelRuns, cfg.ShutdownTimeout, logger)
}

// drainRuns gives in-flight jobs until timeout to finish, then cancels them
// so each one records a failure before the process exits.
func drainRuns(supervisor *orchestrator.Supervisor, cancelRuns context.CancelFunc, timeout time.Duration, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		_ = supervisor.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		logger.Warn().Int("running", supervisor.Running()).Msg("cancelling in-flight jobs")
		cancelRuns()
	}

	select {
	case <-done:
	case <-time.After(serverStopTimeout):
		logger.Error().Int("running", supervisor.Running()).Msg("jobs did not stop in time")
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL != "" {
		pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
		if err == nil {
			logger.Info().Msg("postgres repository initialized")
			return pgRepo, pgRepo.Close
		}
		logger.Error().Err(err).Msg("failed to initialize postgres repository")
	}

	if cfg.SQLitePath != "" {
		sqliteRepo, err := repository.NewSQLiteJobsRepository(cfg.SQLitePath)
		if err == nil {
			logger.Info().Str("path", cfg.SQLitePath).Msg("sqlite repository initialized")
			return sqliteRepo, func() { _ = sqliteRepo.Close() }
		}
		logger.Error().Err(err).Msg("failed to initialize sqlite repository")
	}

	logger.Info().Msg("using in-memory repository")
	return repository.NewMemoryJobsRepository(), func() {}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (queue.Producer, queue.Consumer, func()) {
	local := func() (queue.Producer, queue.Consumer, func()) {
		localQueue := queue.NewLocalQueue(cfg.QueueBufferSize, cfg.QueueMaxAttempts, logger)
		return localQueue, localQueue, func() {}
	}

	if cfg.RedisAddr == "" {
		logger.Info().Msg("REDIS_ADDR not configured, using local queue")
		return local()
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Stream:      cfg.RedisStream,
		DLQStream:   cfg.RedisDLQ,
		Group:       cfg.RedisGroup,
		Consumer:    cfg.RedisConsumer,
		MaxAttempts: cfg.QueueMaxAttempts,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize redis streams queue, falling back to local")
		return local()
	}
	logger.Info().Str("stream", cfg.RedisStream).Msg("redis streams queue initialized")
	return streams, streams, func() { _ = streams.Close() }
}

func setupPublisher(cfg config.Config, logger zerolog.Logger) (events.Publisher, func()) {
	if cfg.AMQPURL == "" {
		return events.NoopPublisher{}, func() {}
	}
	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to amqp, job events disabled")
		return events.NoopPublisher{}, func() {}
	}
	logger.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp publisher initialized")
	return publisher, func() { _ = publisher.Close() }
}

func setupPrompts(cfg config.Config) (*prompts.Catalog, error) {
	if cfg.PromptsFile == "" {
		return prompts.Default(), nil
	}
	return prompts.Load(cfg.PromptsFile)
}

// setupBlobStore prefers S3. The in-memory store is returned a second time
// so the router can serve it.
func setupBlobStore(
	ctx context.Context,
	cfg config.Config,
	logger zerolog.Logger,
) (storage.BlobStore, *storage.MemoryBlobStore) {
	if cfg.S3Configured() {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			UseSSL:        cfg.S3UseSSL,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
		if err == nil {
			logger.Info().Str("bucket", cfg.S3Bucket).Msg("s3 blob storage initialized")
			return s3Store, nil
		}
		logger.Error().Err(err).Msg("failed to initialize s3 blob storage, serving blobs from memory")
	}

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL = "http://localhost:" + cfg.Port
	}
	memory := storage.NewMemoryBlobStore(baseURL)
	return memory, memory
}

func setupProviders(
	cfg config.Config,
	catalog *prompts.Catalog,
	uploads provider.UploadSource,
	blobs storage.BlobStore,
	logger zerolog.Logger,
) *provider.Registry {
	registry := provider.NewRegistry()

	registry.Register(domain.JobCategoryMeasurement, provider.NewOpenAIVision(provider.OpenAIVisionConfig{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Organization: cfg.OpenAIOrganization,
		Model:        cfg.OpenAIVisionModel,
		Timeout:      cfg.OpenAITimeout,
		MaxRetries:   cfg.OpenAIMaxRetries,
		Prompts:      catalog,
		Uploads:      uploads,
	}))

	switch cfg.RenovationProvider {
	case "imagen":
		registry.Register(domain.JobCategoryRenovation, provider.NewImagen(provider.ImagenConfig{
			ProjectID:   cfg.ImagenProjectID,
			Location:    cfg.ImagenLocation,
			Model:       cfg.ImagenModel,
			AccessToken: cfg.ImagenAccessToken,
			BaseURL:     cfg.ImagenBaseURL,
			Timeout:     cfg.ImagenTimeout,
			MaxRetries:  cfg.ImagenMaxRetries,
			Prompts:     catalog,
			Uploads:     uploads,
			Blobs:       blobs,
		}))
	default:
		registry.Register(domain.JobCategoryRenovation, provider.NewOpenAIImages(provider.OpenAIImagesConfig{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrganization,
			Model:        cfg.OpenAIImageModel,
			EditModel:    cfg.OpenAIImageEditModel,
			Timeout:      cfg.OpenAITimeout,
			MaxRetries:   cfg.OpenAIMaxRetries,
			Prompts:      catalog,
			Uploads:      uploads,
			Blobs:        blobs,
		}))
	}

	registry.Register(domain.JobCategoryVideo, provider.NewLuma(provider.LumaConfig{
		APIKey:       cfg.LumaAPIKey,
		BaseURL:      cfg.LumaBaseURL,
		Timeout:      cfg.LumaTimeout,
		MaxRetries:   cfg.LumaMaxRetries,
		PollInterval: cfg.LumaPollInterval,
		MaxAttempts:  cfg.LumaMaxAttempts,
		Prompts:      catalog,
	}))

	registry.Register(domain.JobCategoryScan, provider.NewDemoScan(provider.Schedule{
		Interval:    scanPollInterval,
		MaxAttempts: scanMaxAttempts,
	}))

	for name, configured := range registry.Configured() {
		if !configured {
			logger.Warn().Str("provider", name).Msg("provider credentials missing, its jobs will be rejected")
		}
	}
	return registry
}
