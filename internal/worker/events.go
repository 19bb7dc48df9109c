package worker

import (
	"opdsrag/internal/asset"
)

// EmbeddingJob asks the runner to ingest one catalog entry. It is the body
// of messages on config.TopicEmbed and of POST /rag/jobs.
type EmbeddingJob struct {
	DocumentID     string             `json:"document_id"`
	ContentHash    string             `json:"content_hash,omitempty"`
	SourceID       string             `json:"source_id,omitempty"`
	Title          string             `json:"title,omitempty"`
	Description    string             `json:"description,omitempty"`
	CandidateLinks []asset.Link       `json:"candidate_links,omitempty"`
	MediaType      string             `json:"media_type,omitempty"`
	Credentials    *asset.Credentials `json:"credentials,omitempty"`
	ExtraHeaders   map[string]string  `json:"extra_headers,omitempty"`
	Force          bool               `json:"force,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// Sanitized returns a copy without credentials or extra headers, safe to
// persist in a failed job record.
func (j EmbeddingJob) Sanitized() EmbeddingJob {
	j.Credentials = nil
	j.ExtraHeaders = nil
	return j
}

// JobRef identifies the job the worker is currently processing.
type JobRef struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
}

// RunnerStatus is a point-in-time snapshot of the runner.
type RunnerStatus struct {
	QueueSize  int     `json:"queue_size"`
	Running    bool    `json:"running"`
	CurrentJob *JobRef `json:"current_job,omitempty"`
}
