package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"opdsrag/internal/config"
)

type Dependencies struct {
	DB *sql.DB
	// Weaviate is only set for the weaviate vector backend.
	Weaviate *weaviate.Client
	// NSQProducer is nil when NSQ is disabled.
	NSQProducer *nsq.Producer
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	if err := Retry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "db ping", db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	deps := &Dependencies{DB: db}

	if cfg.VectorBackend == config.BackendWeaviate {
		wClient, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		ping := func(ctx context.Context) error {
			_, err := wClient.Misc().MetaGetter().Do(ctx)
			return err
		}
		if err := Retry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "weaviate meta", ping); err != nil {
			deps.Close()
			return nil, fmt.Errorf("weaviate unreachable: %w", err)
		}
		deps.Weaviate = wClient
	}

	if cfg.EnableNSQ {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
		createTopics(cfg.NSQDHTTP, config.TopicEmbed)
	}

	return deps, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

// createTopics pre-creates topics so lookupd-based consumers do not 404
// before the first publish.
func createTopics(nsqdHTTP string, topics ...string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		for _, t := range topics {
			create(t)
		}
	}()
}

// Retry calls fn up to attempts times, sleeping delay between failures.
func Retry(ctx context.Context, attempts int, delay time.Duration, what string, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		slog.Warn("bootstrap step failed, retrying", "step", what, "attempt", i+1, "max_attempts", attempts, "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
