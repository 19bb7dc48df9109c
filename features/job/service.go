package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrRetryTimeout = errors.New("timeout waiting for requeue")

// Requeuer puts a stored job payload back on the ingestion queue.
type Requeuer interface {
	Requeue(ctx context.Context, payload json.RawMessage) error
}

type RequeuerFunc func(ctx context.Context, payload json.RawMessage) error

func (f RequeuerFunc) Requeue(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

type Service struct {
	repo         Repository
	requeuer     Requeuer
	logger       *slog.Logger
	retryTimeout time.Duration
}

func NewService(repo Repository, requeuer Requeuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, requeuer: requeuer, logger: logger, retryTimeout: 5 * time.Second}
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

func (s *Service) Record(ctx context.Context, j *Job) error {
	return s.repo.Save(ctx, j)
}

// Retry requeues the job and deletes the record once the queue accepted it.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.requeuer == nil {
		return errors.New("no requeuer configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.retryTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.requeuer.Requeue(ctx, job.Payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRetryTimeout, ctx.Err())
	}

	s.logger.InfoContext(ctx, "failed job requeued", "id", id, "document_id", job.DocumentID)
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
