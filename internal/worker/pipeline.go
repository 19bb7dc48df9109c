package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opdsrag/internal/asset"
	"opdsrag/internal/observability"
	"opdsrag/internal/settings"
	"opdsrag/internal/status"
	"opdsrag/internal/text"
	"opdsrag/internal/vector"
)

type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeIndexed Outcome = "indexed"
)

// FormatMetadata tags text taken from the catalog description.
const FormatMetadata = "metadata"

const cacheDirName = "download-cache"

// CacheDir is where downloads for the given storage path are staged.
func CacheDir(storagePath string) string {
	return filepath.Join(storagePath, cacheDirName)
}

type sourceText struct {
	Body   string
	Format string
	URL    string
}

// textSource yields the text of a job, or found=false to let the next
// source try. A non-nil error aborts the job.
type textSource func(ctx context.Context, j EmbeddingJob, set *settings.Settings) (src sourceText, found bool, err error)

type Pipeline struct {
	settings   SettingsProvider
	tracker    status.Tracker
	downloader Downloader
	extractor  Extractor
	index      Indexer
	sources    []textSource
}

func NewPipeline(s SettingsProvider, t status.Tracker, d Downloader, e Extractor, idx Indexer) *Pipeline {
	p := &Pipeline{
		settings:   s,
		tracker:    t,
		downloader: d,
		extractor:  e,
		index:      idx,
	}
	p.sources = []textSource{p.assetSource, descriptionSource}
	return p
}

// Process runs the ingestion steps for one job. The status record is only
// written as running at the start and once more on success; failures are
// recorded by the caller.
func (p *Pipeline) Process(ctx context.Context, j EmbeddingJob) (Outcome, error) {
	ctx, span := observability.Tracer().Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("document_id", j.DocumentID)))
	defer span.End()

	outcome, err := p.process(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	return outcome, err
}

func (p *Pipeline) process(ctx context.Context, j EmbeddingJob) (Outcome, error) {
	set, err := p.settings.Get(ctx)
	if err != nil {
		return "", &JobError{Stage: StageSettings, Err: err}
	}
	if !set.Enabled {
		return "", &JobError{Stage: StageSettings, Err: vector.ErrIndexDisabled, Terminal: true}
	}

	if p.alreadyIngested(ctx, j, set) {
		slog.InfoContext(ctx, "document unchanged, skipping", "document_id", j.DocumentID, "content_hash", j.ContentHash)
		return OutcomeSkipped, nil
	}

	if err := p.tracker.MarkStatus(ctx, j.DocumentID, status.StatusRunning, status.Update{}); err != nil {
		slog.WarnContext(ctx, "failed to write running marker", "document_id", j.DocumentID, "error", err)
	}

	src, err := p.acquireText(ctx, j, set)
	if err != nil {
		return "", err
	}

	chunks := text.Split(src.Body, set.ChunkSize, set.ChunkOverlap)
	if len(chunks) == 0 {
		return "", &JobError{Stage: StageIndex, Err: ErrNoText, Terminal: true}
	}

	metadata := map[string]interface{}{
		"source_format": src.Format,
	}
	for k, v := range map[string]string{
		"title":        j.Title,
		"source_id":    j.SourceID,
		"media_type":   j.MediaType,
		"source_url":   src.URL,
		"content_hash": j.ContentHash,
	} {
		if v != "" {
			metadata[k] = v
		}
	}

	idxCtx, span := observability.Tracer().Start(ctx, "pipeline.index",
		trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	count, err := p.index.Upsert(idxCtx, j.DocumentID, chunks, metadata)
	span.End()
	if err != nil {
		return "", &JobError{Stage: StageIndex, Err: err}
	}

	err = p.tracker.MarkStatus(ctx, j.DocumentID, status.StatusComplete, status.Update{
		ChunkCount:   status.IntPtr(count),
		SourceURL:    src.URL,
		SourceFormat: src.Format,
		ContentHash:  j.ContentHash,
	})
	if err != nil {
		return "", &JobError{Stage: StageStatus, Err: err}
	}

	slog.InfoContext(ctx, "document indexed", "document_id", j.DocumentID, "chunks", count, "source_format", src.Format)
	return OutcomeIndexed, nil
}

func (p *Pipeline) alreadyIngested(ctx context.Context, j EmbeddingJob, set *settings.Settings) bool {
	if j.Force || j.ContentHash == "" {
		return false
	}
	rec, err := p.tracker.Get(ctx, j.DocumentID)
	if err != nil {
		slog.WarnContext(ctx, "status lookup failed, treating as new", "document_id", j.DocumentID, "error", err)
		return false
	}
	if rec == nil || rec.ContentHash != j.ContentHash {
		return false
	}
	switch rec.Status {
	case status.StatusComplete:
		return true
	case status.StatusFailed:
		return set.SkipFailedOnHashMatch
	}
	return false
}

func (p *Pipeline) acquireText(ctx context.Context, j EmbeddingJob, set *settings.Settings) (sourceText, error) {
	for _, source := range p.sources {
		src, found, err := source(ctx, j, set)
		if err != nil {
			return sourceText{}, err
		}
		if found {
			return src, nil
		}
	}
	return sourceText{}, &JobError{Stage: StageDownload, Err: ErrNoText, Terminal: true}
}

func (p *Pipeline) assetSource(ctx context.Context, j EmbeddingJob, set *settings.Settings) (sourceText, bool, error) {
	link, format, ok := asset.Resolve(j.CandidateLinks, asset.ParseFormats(set.AllowedFormats))
	if !ok {
		return sourceText{}, false, nil
	}

	ctx, span := observability.Tracer().Start(ctx, "pipeline.download",
		trace.WithAttributes(attribute.String("format", string(format))))
	path, err := p.downloader.Download(ctx, asset.Request{
		URL:         link.Href,
		Format:      format,
		Credentials: j.Credentials,
		Headers:     j.ExtraHeaders,
		MaxSizeMB:   set.MaxAssetSizeMB,
		CacheDir:    CacheDir(set.StoragePath),
	})
	span.End()
	if err != nil {
		return sourceText{}, false, &JobError{Stage: StageDownload, Err: err}
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "failed to remove downloaded asset", "path", path, "error", err)
		}
	}()

	body, err := p.extractor.Extract(path, format)
	if err != nil {
		slog.WarnContext(ctx, "extraction failed, falling back", "document_id", j.DocumentID, "format", format, "error", err)
		return sourceText{}, false, nil
	}
	if strings.TrimSpace(body) == "" {
		return sourceText{}, false, nil
	}
	return sourceText{Body: body, Format: string(format), URL: link.Href}, true, nil
}

func descriptionSource(_ context.Context, j EmbeddingJob, _ *settings.Settings) (sourceText, bool, error) {
	if strings.TrimSpace(j.Description) == "" {
		return sourceText{}, false, nil
	}
	return sourceText{Body: j.Description, Format: FormatMetadata}, true, nil
}
