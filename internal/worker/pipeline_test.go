package worker_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"opdsrag/internal/adapter/localstore"
	"opdsrag/internal/asset"
	"opdsrag/internal/extract"
	"opdsrag/internal/settings"
	"opdsrag/internal/status"
	"opdsrag/internal/text"
	"opdsrag/internal/vector"
	"opdsrag/internal/worker"
)

func wordRange(from, to int) string {
	w := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		w = append(w, fmt.Sprintf("w%d", i))
	}
	return strings.Join(w, " ")
}

func epubBytes(t *testing.T, chapters ...string) []byte {
	t.Helper()
	var manifest, spine strings.Builder
	files := map[string]string{
		"mimetype": "application/epub+zip",
		"META-INF/container.xml": `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`,
	}
	for i, body := range chapters {
		name := fmt.Sprintf("ch%d.xhtml", i)
		fmt.Fprintf(&manifest, `<item id="c%d" href="%s" media-type="application/xhtml+xml"/>`, i, name)
		fmt.Fprintf(&spine, `<itemref idref="c%d"/>`, i)
		files["OEBPS/"+name] = `<html xmlns="http://www.w3.org/1999/xhtml"><body><p>` + body + `</p></body></html>`
	}
	files["OEBPS/content.opf"] = `<?xml version="1.0"?><package xmlns="http://www.idpf.org/2007/opf" version="3.0"><manifest>` +
		manifest.String() + `</manifest><spine>` + spine.String() + `</spine></package>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serve(t *testing.T, body []byte, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func epubLink(srv *httptest.Server) []asset.Link {
	return []asset.Link{{
		Href: srv.URL + "/book.epub",
		Rel:  "http://opds-spec.org/acquisition",
		Type: "application/epub+zip",
	}}
}

func cacheFiles(t *testing.T, storage string) []string {
	t.Helper()
	entries, err := os.ReadDir(worker.CacheDir(storage))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPipeline_EndToEnd(t *testing.T) {
	storage := t.TempDir()
	set := newSettings(storage)
	tracker := newTracker()
	store := localstore.New()
	t.Cleanup(func() { _ = store.Close() })
	index := vector.NewIndex(set, store, hashEmbedder{})

	srv := serve(t, epubBytes(t, wordRange(0, 1500), wordRange(1500, 3000)), "application/epub+zip")
	p := worker.NewPipeline(set, tracker, asset.NewDownloader("", 0), extract.NewRegistry(), index)

	outcome, err := p.Process(context.Background(), worker.EmbeddingJob{
		DocumentID:     "b1",
		Title:          "Book One",
		ContentHash:    "h1",
		CandidateLinks: epubLink(srv),
	})
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIndexed, outcome)

	rec := tracker.record("b1")
	assert.Equal(t, status.StatusComplete, rec.Status)
	require.NotNil(t, rec.ChunkCount)
	assert.Equal(t, 5, *rec.ChunkCount)
	assert.Equal(t, "epub", rec.SourceFormat)
	assert.Equal(t, "h1", rec.ContentHash)
	assert.Equal(t, []string{"b1=running", "b1=complete"}, tracker.writes)

	matches, err := index.Query(context.Background(), "anything", 10, map[string]string{"document_id": "b1"})
	require.NoError(t, err)
	var ids []string
	for _, m := range matches {
		ids = append(ids, m.ID)
		assert.Equal(t, "Book One", m.Metadata["title"])
		assert.Equal(t, "epub", m.Metadata["source_format"])
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"b1:0", "b1:1", "b1:2", "b1:3", "b1:4"}, ids)

	assert.Empty(t, cacheFiles(t, storage))
}

func TestPipeline_Idempotence(t *testing.T) {
	set := newSettings(t.TempDir())
	tracker := newTracker()
	idx := new(MockIndexer)
	idx.On("Upsert", mock.Anything, "d1", mock.Anything, mock.Anything).Return(1, nil)
	p := worker.NewPipeline(set, tracker, new(MockDownloader), extract.NewRegistry(), idx)

	j := worker.EmbeddingJob{DocumentID: "d1", ContentHash: "abc", Description: "a short description"}

	outcome, err := p.Process(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIndexed, outcome)

	outcome, err = p.Process(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeSkipped, outcome)
	idx.AssertNumberOfCalls(t, "Upsert", 1)

	t.Run("Force Bypasses Skip", func(t *testing.T) {
		forced := j
		forced.Force = true
		outcome, err := p.Process(context.Background(), forced)
		require.NoError(t, err)
		assert.Equal(t, worker.OutcomeIndexed, outcome)
		idx.AssertNumberOfCalls(t, "Upsert", 2)
	})

	t.Run("Changed Hash Reprocesses", func(t *testing.T) {
		changed := j
		changed.ContentHash = "def"
		outcome, err := p.Process(context.Background(), changed)
		require.NoError(t, err)
		assert.Equal(t, worker.OutcomeIndexed, outcome)
	})
}

func TestPipeline_FailedWithMatchingHash(t *testing.T) {
	set := newSettings(t.TempDir())
	tracker := newTracker()
	tracker.seed(status.Record{DocumentID: "d1", Status: status.StatusFailed, ContentHash: "abc"})
	idx := new(MockIndexer)
	idx.On("Upsert", mock.Anything, "d1", mock.Anything, mock.Anything).Return(1, nil).Once()
	p := worker.NewPipeline(set, tracker, new(MockDownloader), extract.NewRegistry(), idx)

	j := worker.EmbeddingJob{DocumentID: "d1", ContentHash: "abc", Description: "text"}

	// default: a failed record is retried even when the hash matches
	outcome, err := p.Process(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIndexed, outcome)

	tracker.seed(status.Record{DocumentID: "d1", Status: status.StatusFailed, ContentHash: "abc"})
	set.update(func(s *settings.Settings) { s.SkipFailedOnHashMatch = true })
	outcome, err = p.Process(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeSkipped, outcome)
	idx.AssertExpectations(t)
}

func TestPipeline_StatusReadErrorTreatedAsNew(t *testing.T) {
	tracker := newTracker()
	tracker.getErr = errBoom
	idx := new(MockIndexer)
	idx.On("Upsert", mock.Anything, "d1", mock.Anything, mock.Anything).Return(1, nil)
	p := worker.NewPipeline(newSettings(t.TempDir()), tracker, new(MockDownloader), extract.NewRegistry(), idx)

	outcome, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d1", ContentHash: "abc", Description: "text"})
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeIndexed, outcome)
}

func TestPipeline_DescriptionFallback(t *testing.T) {
	t.Run("No Usable Asset", func(t *testing.T) {
		tracker := newTracker()
		idx := new(MockIndexer)
		idx.On("Upsert", mock.Anything, "d2", mock.MatchedBy(func(c []text.Chunk) bool {
			return len(c) == 1 && c[0].Text == "A short summary."
		}), mock.MatchedBy(func(md map[string]interface{}) bool {
			return md["source_format"] == worker.FormatMetadata && md["title"] == "T"
		})).Return(1, nil)
		dl := new(MockDownloader)
		p := worker.NewPipeline(newSettings(t.TempDir()), tracker, dl, extract.NewRegistry(), idx)

		_, err := p.Process(context.Background(), worker.EmbeddingJob{
			DocumentID:     "d2",
			Title:          "T",
			Description:    "A short summary.",
			CandidateLinks: []asset.Link{{Href: "http://example.com/cover.jpg", Rel: "http://opds-spec.org/image", Type: "image/jpeg"}},
		})
		require.NoError(t, err)
		dl.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
		assert.Equal(t, worker.FormatMetadata, tracker.record("d2").SourceFormat)
		idx.AssertExpectations(t)
	})

	t.Run("Extraction Failure", func(t *testing.T) {
		storage := t.TempDir()
		tracker := newTracker()
		idx := new(MockIndexer)
		idx.On("Upsert", mock.Anything, "d3", mock.Anything, mock.Anything).Return(1, nil)
		srv := serve(t, []byte("not a zip archive"), "application/epub+zip")
		p := worker.NewPipeline(newSettings(storage), tracker, asset.NewDownloader("", 0), extract.NewRegistry(), idx)

		_, err := p.Process(context.Background(), worker.EmbeddingJob{
			DocumentID:     "d3",
			Description:    "fallback text",
			CandidateLinks: epubLink(srv),
		})
		require.NoError(t, err)
		assert.Equal(t, worker.FormatMetadata, tracker.record("d3").SourceFormat)
		assert.Empty(t, cacheFiles(t, storage))
	})
}

func TestPipeline_Failures(t *testing.T) {
	t.Run("Download Error Is Transient", func(t *testing.T) {
		storage := t.TempDir()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		idx := new(MockIndexer)
		p := worker.NewPipeline(newSettings(storage), newTracker(), asset.NewDownloader("", 0), extract.NewRegistry(), idx)

		_, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d4", Description: "x", CandidateLinks: epubLink(srv)})
		var je *worker.JobError
		require.ErrorAs(t, err, &je)
		assert.Equal(t, worker.StageDownload, je.Stage)
		assert.False(t, je.Terminal)
		var de *asset.DownloadError
		assert.ErrorAs(t, err, &de)
		idx.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, cacheFiles(t, storage))
	})

	t.Run("No Text Is Terminal", func(t *testing.T) {
		p := worker.NewPipeline(newSettings(t.TempDir()), newTracker(), new(MockDownloader), extract.NewRegistry(), new(MockIndexer))
		_, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d5", Description: "   "})
		var je *worker.JobError
		require.ErrorAs(t, err, &je)
		assert.True(t, je.Terminal)
		assert.ErrorIs(t, err, worker.ErrNoText)
	})

	t.Run("Index Error", func(t *testing.T) {
		idx := new(MockIndexer)
		idx.On("Upsert", mock.Anything, "d6", mock.Anything, mock.Anything).Return(0, errBoom)
		tracker := newTracker()
		p := worker.NewPipeline(newSettings(t.TempDir()), tracker, new(MockDownloader), extract.NewRegistry(), idx)
		_, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d6", Description: "text"})
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, status.StatusRunning, tracker.record("d6").Status)
	})

	t.Run("Disabled", func(t *testing.T) {
		set := newSettings(t.TempDir())
		set.update(func(s *settings.Settings) { s.Enabled = false })
		p := worker.NewPipeline(set, newTracker(), new(MockDownloader), extract.NewRegistry(), new(MockIndexer))
		_, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d7", Description: "text"})
		assert.ErrorIs(t, err, vector.ErrIndexDisabled)
	})

	t.Run("Settings Error", func(t *testing.T) {
		set := newSettings(t.TempDir())
		set.err = errBoom
		p := worker.NewPipeline(set, newTracker(), new(MockDownloader), extract.NewRegistry(), new(MockIndexer))
		_, err := p.Process(context.Background(), worker.EmbeddingJob{DocumentID: "d8"})
		assert.ErrorIs(t, err, errBoom)
	})
}

func TestPipeline_PassesCredentialsToDownloader(t *testing.T) {
	storage := t.TempDir()
	dl := new(MockDownloader)
	dl.On("Download", mock.Anything, mock.MatchedBy(func(r asset.Request) bool {
		return r.Credentials != nil && r.Credentials.Username == "u" &&
			r.Headers["X-Token"] == "t" && r.Format == asset.FormatPDF &&
			r.MaxSizeMB == 50 && r.CacheDir == worker.CacheDir(storage)
	})).Return("", errBoom)
	p := worker.NewPipeline(newSettings(storage), newTracker(), dl, extract.NewRegistry(), new(MockIndexer))

	_, err := p.Process(context.Background(), worker.EmbeddingJob{
		DocumentID:     "d9",
		Credentials:    &asset.Credentials{Username: "u", Password: "p"},
		ExtraHeaders:   map[string]string{"X-Token": "t"},
		CandidateLinks: []asset.Link{{Href: "http://example.com/a.pdf", Rel: "http://opds-spec.org/acquisition", Type: "application/pdf"}},
	})
	assert.ErrorIs(t, err, errBoom)
	dl.AssertExpectations(t)
}
