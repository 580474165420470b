package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bizledger/intake/internal/config"
	"github.com/bizledger/intake/internal/core/domain"
	"github.com/bizledger/intake/internal/core/ports"
	"github.com/bizledger/intake/internal/core/usecase"
	"github.com/bizledger/intake/internal/infrastructure/queue/nats"
	"github.com/bizledger/intake/internal/infrastructure/registry/httpregistry"
	"github.com/bizledger/intake/internal/infrastructure/repository/postgres"
	"github.com/bizledger/intake/internal/infrastructure/resilience"
	"github.com/bizledger/intake/internal/infrastructure/statestore/sqlitestore"
	"github.com/bizledger/intake/internal/infrastructure/storage/localfs"
	"github.com/bizledger/intake/internal/infrastructure/transport/httpchunk"
	"github.com/bizledger/intake/internal/observability/logging"
	"github.com/bizledger/intake/internal/observability/metrics"
	"github.com/bizledger/intake/internal/resource"
)

// App wires the intake service: the server-side registry and upload session
// stores, the client-side dedupe and upload pipelines, and observability.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue    *nats.Queue
	Registry *postgres.RegistryRepository
	Sessions *postgres.SessionRepository
	Chunks   *localfs.ChunkStore

	Dedupe   *usecase.DedupeUseCase
	Uploader *usecase.UploadUseCase
	State    *sqlitestore.Store

	Resources   *resource.Manager
	Metrics     *metrics.IntakeMetrics
	HTTPMetrics *metrics.HTTPServerMetrics

	closeFn func()
}

func New(ctx context.Context, service string, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	registryRepo := postgres.NewRegistryRepository(db)
	if err := registryRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	sessionRepo := postgres.NewSessionRepository(db)

	chunkStore, err := localfs.New(cfg.ChunkPath)
	if err != nil {
		return nil, fmt.Errorf("init chunk store: %w", err)
	}

	stateDB, err := sqlitestore.OpenDB(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	stateStore := sqlitestore.New(stateDB)
	if err := stateStore.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	intakeMetrics := metrics.NewIntakeMetrics(service)
	httpMetrics := metrics.NewHTTPServerMetrics(service)

	resources := resource.NewManager(resource.Config{
		Logger: logger,
		OnEviction: func(category resource.Category, count int) {
			intakeMetrics.RecordEviction(service, category, count)
		},
	})
	intakeMetrics.RegisterResourceGauges(service, resources)

	identity := staticIdentity{userID: cfg.UserID}
	remoteRegistry := httpregistry.New(cfg.RegistryURL, cfg.APIToken, resilience.DefaultConfig())
	chunkTransport := httpchunk.New(cfg.UploadServiceURL, cfg.APIToken)

	dedupe := usecase.NewDedupeUseCase(remoteRegistry, stateStore, identity, queue, logger)
	dedupe.OnCheck = func(result *domain.DuplicateCheckResult) {
		intakeMetrics.RecordDedupeCheck(service, string(result.MatchType), string(result.Source), result.IsDuplicate)
	}

	uploader := usecase.NewUploadUseCase(chunkTransport, stateStore, queue, logger)
	uploader.OnChunk = func(success bool, retries int, size int64, duration time.Duration) {
		intakeMetrics.RecordChunk(service, success, retries, size, duration)
	}
	uploader.OnUpload = func(success bool) {
		intakeMetrics.RecordUpload(service, success)
	}

	return &App{
		Config: cfg,
		Logger: logger,

		Queue:    queue,
		Registry: registryRepo,
		Sessions: sessionRepo,
		Chunks:   chunkStore,

		Dedupe:   dedupe,
		Uploader: uploader,
		State:    stateStore,

		Resources:   resources,
		Metrics:     intakeMetrics,
		HTTPMetrics: httpMetrics,

		closeFn: func() {
			resources.ReleaseAll()
			queue.Close()
			_ = stateDB.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// staticIdentity authenticates every call as the configured user. An empty
// user ID means anonymous, which keeps the dedupe pipeline local-only.
type staticIdentity struct {
	userID string
}

func (s staticIdentity) UserID(context.Context) (string, bool) {
	return s.userID, s.userID != ""
}

var _ ports.Identity = staticIdentity{}
