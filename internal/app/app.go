package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"opdsrag/features/document"
	"opdsrag/features/job"
	"opdsrag/features/stats"
	"opdsrag/internal/adapter/gemini"
	"opdsrag/internal/adapter/localstore"
	"opdsrag/internal/adapter/ollama"
	"opdsrag/internal/adapter/pgstore"
	wstore "opdsrag/internal/adapter/weaviate"
	"opdsrag/internal/asset"
	"opdsrag/internal/config"
	"opdsrag/internal/embedding"
	"opdsrag/internal/extract"
	"opdsrag/internal/middleware"
	"opdsrag/internal/retrieval"
	"opdsrag/internal/settings"
	"opdsrag/internal/status"
	"opdsrag/internal/vector"
	"opdsrag/internal/worker"
)

type App struct {
	Handler  http.Handler
	Runner   *worker.Runner
	Consumer *worker.JobConsumer
	Settings *settings.Service

	port    int
	closers []io.Closer
}

// Options overrides wired components, mostly for tests.
type Options struct {
	Embedder embedding.Provider
}

// New wires the services. wClient is only used by the weaviate backend and
// producer may be nil when NSQ is disabled.
func New(cfg *config.Config, db *sql.DB, wClient *weaviate.Client, producer *nsq.Producer, logger *slog.Logger, opts *Options) (*App, error) {
	ctx := context.Background()

	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	seedAPIKey(ctx, settingsService, cfg.GeminiAPIKey)

	a := &App{Settings: settingsService, port: cfg.ServerPort}

	var embedder embedding.Provider
	if opts != nil && opts.Embedder != nil {
		embedder = opts.Embedder
	} else {
		embedder = selectEmbedder(ctx, settingsService, cfg.EmbedTimeout)
	}
	if c, ok := embedder.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	store, err := selectStore(cfg.VectorBackend, db, wClient)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	index := vector.NewIndex(settingsService, store, embedder)

	statusRepo := status.NewPostgresRepo(db)

	// Feature: Job
	var runner *worker.Runner
	var requeuer job.Requeuer = job.RequeuerFunc(func(ctx context.Context, payload json.RawMessage) error {
		return runner.Requeue(ctx, payload)
	})
	if producer != nil {
		requeuer = worker.NewPublishRequeuer(producer, config.TopicEmbed)
	}
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, requeuer, logger)
	jobHandler := job.NewHandler(jobService)

	// Runner
	pipeline := worker.NewPipeline(settingsService, statusRepo, asset.NewDownloader("", cfg.DownloadTimeout), extract.NewRegistry(), index)
	runner = worker.NewRunner(pipeline, settingsService, statusRepo, jobService, worker.RunnerConfig{
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.RunnerPollInterval,
	})
	a.Runner = runner
	a.Consumer = worker.NewJobConsumer(runner)

	// Feature: Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.closers = append(a.closers, queryLogger)
	retrievalService := retrieval.NewService(index, queryLogger)

	settingsHandler := settings.NewHandler(settingsService)
	documentHandler := document.NewHandler(runner, index, statusRepo, retrievalService)
	statsHandler := stats.NewHandler(index, jobRepo, runner)

	route := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.CORS(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /rag/jobs", route(documentHandler.Enqueue))
	mux.Handle("GET /rag/runner", route(documentHandler.RunnerStatus))
	mux.Handle("GET /rag/documents", route(documentHandler.List))
	mux.Handle("GET /rag/documents/{id}/status", route(documentHandler.Status))
	mux.Handle("DELETE /rag/documents/{id}", route(documentHandler.Delete))
	mux.Handle("POST /rag/query", route(documentHandler.Query))

	mux.Handle("GET /settings", route(settingsHandler.GetSettings))
	mux.Handle("PUT /settings", route(settingsHandler.UpdateSettings))

	mux.Handle("GET /jobs/failed", route(jobHandler.List))
	mux.Handle("POST /jobs/{id}/retry", route(jobHandler.Retry))

	mux.Handle("GET /stats", route(statsHandler.GetStats))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	a.Handler = mux
	return a, nil
}

// selectEmbedder picks the embedding backend once, from the settings in
// effect at startup.
func selectEmbedder(ctx context.Context, svc *settings.Service, timeout time.Duration) embedding.Provider {
	provider := settings.ProviderPrimary
	if set, err := svc.Get(ctx); err != nil {
		slog.Warn("failed to read settings, using primary embedding provider", "error", err)
	} else {
		provider = set.EmbeddingProvider
	}

	slog.Info("embedding provider selected", "provider", provider)
	if provider == settings.ProviderSecondary {
		return ollama.NewClient(svc, timeout)
	}
	return gemini.NewEmbedder(svc)
}

func selectStore(backend string, db *sql.DB, wClient *weaviate.Client) (vector.Store, error) {
	switch backend {
	case config.BackendLocal, "":
		return localstore.New(), nil
	case config.BackendWeaviate:
		if wClient == nil {
			return nil, errors.New("weaviate backend selected without a client")
		}
		return wstore.NewStore(wClient), nil
	case config.BackendPgvector:
		return pgstore.New(db), nil
	default:
		return nil, fmt.Errorf("%w: VECTOR_BACKEND %q", config.ErrInvalid, backend)
	}
}

func seedAPIKey(ctx context.Context, svc *settings.Service, key string) {
	if key == "" {
		return
	}
	set, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to fetch settings for seeding", "error", err)
		return
	}
	if set.EmbeddingAPIKey != "" {
		return
	}
	set.EmbeddingAPIKey = key
	if err := svc.Update(ctx, set); err != nil {
		slog.Warn("failed to seed embedding api key", "error", err)
		return
	}
	slog.Info("seeded embedding api key from environment")
}

// ConnectConsumer subscribes the job consumer to the intake topic.
func (a *App) ConnectConsumer(cfg *config.Config) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(config.TopicEmbed, cfg.NSQChannel, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq consumer error: %w", err)
	}
	consumer.AddHandler(a.Consumer)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("connect to nsqlookupd: %w", err)
	}
	slog.Info("nsq job consumer connected", "topic", config.TopicEmbed, "channel", cfg.NSQChannel)
	return consumer, nil
}

// Run purges stale downloads, starts the runner and serves HTTP until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if set, err := a.Settings.Get(ctx); err == nil {
		if n, err := asset.PurgeCache(worker.CacheDir(set.StoragePath)); err != nil {
			slog.Warn("failed to purge download cache", "error", err)
		} else if n > 0 {
			slog.Info("purged stale downloads", "count", n)
		}
	}

	a.Runner.EnsureStarted(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}
}
