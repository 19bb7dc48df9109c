package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"opdsrag/features/job"
	"opdsrag/internal/middleware"
	"opdsrag/internal/status"
)

const (
	DefaultJobTimeout   = 15 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
)

type RunnerConfig struct {
	JobTimeout   time.Duration
	PollInterval time.Duration
}

// Runner owns the in-memory FIFO and the single worker goroutine draining it.
type Runner struct {
	processor Processor
	settings  SettingsProvider
	tracker   status.Tracker
	failures  FailureRecorder

	jobTimeout   time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	queue   []EmbeddingJob
	current *JobRef
	running bool
	baseCtx context.Context
	wake    chan struct{}
}

func NewRunner(p Processor, s SettingsProvider, t status.Tracker, f FailureRecorder, cfg RunnerConfig) *Runner {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Runner{
		processor:    p,
		settings:     s,
		tracker:      t,
		failures:     f,
		jobTimeout:   cfg.JobTimeout,
		pollInterval: cfg.PollInterval,
		wake:         make(chan struct{}, 1),
	}
}

// Enqueue appends j to the queue. Without Force the job is only accepted
// while auto_ingest is on. Jobs queued before EnsureStarted wait for it;
// once the runner context is done Enqueue fails with ErrRunnerStopped.
func (r *Runner) Enqueue(ctx context.Context, j EmbeddingJob) (bool, error) {
	if j.DocumentID == "" {
		return false, ErrEmptyDocumentID
	}
	if !j.Force {
		set, err := r.settings.Get(ctx)
		if err != nil {
			return false, fmt.Errorf("load settings: %w", err)
		}
		if !set.AutoIngest {
			slog.InfoContext(ctx, "auto ingest disabled, job not queued", "document_id", j.DocumentID)
			return false, nil
		}
	}
	if id, ok := ctx.Value(middleware.CorrelationKey).(string); ok && j.CorrelationID == "" {
		j.CorrelationID = id
	}

	r.mu.Lock()
	if r.baseCtx != nil && r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return false, ErrRunnerStopped
	}
	r.queue = append(r.queue, j)
	size := len(r.queue)
	r.startLocked()
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	slog.InfoContext(ctx, "job queued", "document_id", j.DocumentID, "queue_size", size)
	return true, nil
}

// Requeue decodes a stored job payload and enqueues it with Force set.
func (r *Runner) Requeue(ctx context.Context, payload json.RawMessage) error {
	var j EmbeddingJob
	if err := json.Unmarshal(payload, &j); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	j.Force = true
	_, err := r.Enqueue(ctx, j)
	return err
}

// EnsureStarted binds the runner to ctx and starts the worker. The first
// call wins; later calls are no-ops.
func (r *Runner) EnsureStarted(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseCtx == nil {
		r.baseCtx = ctx
	}
	r.startLocked()
}

// startLocked never starts a worker before the runner has a base context.
func (r *Runner) startLocked() {
	if r.running || r.baseCtx == nil || r.baseCtx.Err() != nil {
		return
	}
	r.running = true
	go r.loop(r.baseCtx)
}

func (r *Runner) Status() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunnerStatus{QueueSize: len(r.queue), Running: r.running}
	if r.current != nil {
		ref := *r.current
		st.CurrentJob = &ref
	}
	return st
}

func (r *Runner) loop(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.current = nil
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		j, ok := r.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			case <-ticker.C:
			}
			continue
		}
		r.run(ctx, j)

		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}
}

func (r *Runner) next() (EmbeddingJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return EmbeddingJob{}, false
	}
	j := r.queue[0]
	r.queue[0] = EmbeddingJob{}
	r.queue = r.queue[1:]
	r.current = &JobRef{DocumentID: j.DocumentID, Title: j.Title}
	return j, true
}

func (r *Runner) run(ctx context.Context, j EmbeddingJob) {
	if j.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, j.CorrelationID)
	}
	jobCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := r.process(jobCtx, j)
	if err != nil {
		r.fail(ctx, j, err)
		return
	}
	slog.InfoContext(ctx, "job finished", "document_id", j.DocumentID, "outcome", outcome, "duration", time.Since(start))
}

func (r *Runner) process(ctx context.Context, j EmbeddingJob) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "job panicked", "document_id", j.DocumentID, "panic", rec, "stack", string(debug.Stack()))
			err = &JobError{Stage: StagePanic, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	return r.processor.Process(ctx, j)
}

// fail writes the failed status and, for transient errors, a failed job
// record. It runs detached from the job deadline.
func (r *Runner) fail(ctx context.Context, j EmbeddingJob, cause error) {
	ctx = context.WithoutCancel(ctx)
	stage, terminal := stageOf(cause)
	slog.ErrorContext(ctx, "job failed", "document_id", j.DocumentID, "stage", stage, "terminal", terminal, "error", cause)

	if err := r.tracker.MarkStatus(ctx, j.DocumentID, status.StatusFailed, status.Update{
		Error:       cause.Error(),
		ContentHash: j.ContentHash,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to record failed status", "document_id", j.DocumentID, "error", err)
	}

	if terminal || r.failures == nil {
		return
	}
	payload, err := json.Marshal(j.Sanitized())
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode job payload", "error", err)
		return
	}
	if err := r.failures.Record(ctx, &job.Job{
		DocumentID: j.DocumentID,
		Handler:    stage,
		Payload:    payload,
		Error:      cause.Error(),
	}); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "document_id", j.DocumentID, "error", err)
	}
}
