package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"opdsrag/internal/middleware"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, j EmbeddingJob) (bool, error)
}

// JobConsumer feeds EmbeddingJob messages from NSQ into the runner.
type JobConsumer struct {
	enqueuer Enqueuer
}

func NewJobConsumer(e Enqueuer) *JobConsumer {
	return &JobConsumer{enqueuer: e}
}

func (h *JobConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var j EmbeddingJob
	err := json.Unmarshal(m.Body, &j)

	correlationID := j.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	j.CorrelationID = correlationID

	if err != nil {
		// Poison pill: invalid JSON is never retried
		slog.ErrorContext(ctx, "poison pill: invalid json", "error", err)
		return nil
	}

	accepted, err := h.enqueuer.Enqueue(ctx, j)
	if errors.Is(err, ErrEmptyDocumentID) {
		slog.ErrorContext(ctx, "missing document id, dropping")
		return nil
	}
	if err != nil {
		return err
	}
	if !accepted {
		slog.InfoContext(ctx, "job not accepted", "document_id", j.DocumentID)
	}
	return nil
}

// PublishRequeuer re-publishes stored job payloads to the intake topic with
// Force set, so they pass through the consumer like any other job.
type PublishRequeuer struct {
	publisher TaskPublisher
	topic     string
}

func NewPublishRequeuer(p TaskPublisher, topic string) *PublishRequeuer {
	return &PublishRequeuer{publisher: p, topic: topic}
}

func (p *PublishRequeuer) Requeue(ctx context.Context, payload json.RawMessage) error {
	var j EmbeddingJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	if j.DocumentID == "" {
		return ErrEmptyDocumentID
	}
	j.Force = true
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok {
		j.CorrelationID = id
	}
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return p.publisher.Publish(p.topic, body)
}
