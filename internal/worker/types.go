package worker

import (
	"context"

	"opdsrag/features/job"
	"opdsrag/internal/asset"
	"opdsrag/internal/settings"
	"opdsrag/internal/text"
)

type SettingsProvider interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Downloader interface {
	Download(ctx context.Context, req asset.Request) (string, error)
}

type Extractor interface {
	Extract(path string, format asset.Format) (string, error)
}

type Indexer interface {
	Upsert(ctx context.Context, documentID string, chunks []text.Chunk, metadata map[string]interface{}) (int, error)
}

// FailureRecorder stores retry candidates; job.Service satisfies it.
type FailureRecorder interface {
	Record(ctx context.Context, j *job.Job) error
}

// Processor runs one job to completion. Pipeline is the production one.
type Processor interface {
	Process(ctx context.Context, j EmbeddingJob) (Outcome, error)
}

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}
