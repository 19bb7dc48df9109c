package worker_test

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"opdsrag/features/job"
	"opdsrag/internal/asset"
	"opdsrag/internal/settings"
	"opdsrag/internal/status"
	"opdsrag/internal/text"
)

type stubSettings struct {
	mu  sync.Mutex
	s   settings.Settings
	err error
}

func newSettings(storage string) *stubSettings {
	return &stubSettings{s: settings.Settings{
		Enabled:        true,
		AutoIngest:     true,
		ChunkSize:      800,
		ChunkOverlap:   120,
		CollectionName: "books",
		StoragePath:    storage,
	}}
}

func (s *stubSettings) Get(ctx context.Context) (*settings.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	cp := s.s
	cp.Normalize()
	return &cp, nil
}

func (s *stubSettings) update(fn func(*settings.Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.s)
}

// memTracker is an in-memory status.Tracker that keeps every write.
type memTracker struct {
	mu      sync.Mutex
	records map[string]*status.Record
	writes  []string
	getErr  error
}

func newTracker() *memTracker {
	return &memTracker{records: make(map[string]*status.Record)}
}

func (m *memTracker) Get(ctx context.Context, documentID string) (*status.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[documentID]
	if !ok {
		return &status.Record{DocumentID: documentID, Status: status.StatusNone}, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memTracker) MarkStatus(ctx context.Context, documentID, st string, u status.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[documentID]
	if !ok {
		rec = &status.Record{DocumentID: documentID}
		m.records[documentID] = rec
	}
	rec.Status = st
	rec.Error = u.Error
	if st == status.StatusComplete {
		rec.Error = ""
	}
	if u.ChunkCount != nil {
		rec.ChunkCount = u.ChunkCount
	}
	if u.SourceURL != "" {
		rec.SourceURL = u.SourceURL
	}
	if u.SourceFormat != "" {
		rec.SourceFormat = u.SourceFormat
	}
	if u.ContentHash != "" {
		rec.ContentHash = u.ContentHash
	}
	m.writes = append(m.writes, documentID+"="+st)
	return nil
}

func (m *memTracker) record(documentID string) status.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[documentID]; ok {
		return *rec
	}
	return status.Record{DocumentID: documentID, Status: status.StatusNone}
}

func (m *memTracker) seed(rec status.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.DocumentID] = &rec
}

type MockIndexer struct{ mock.Mock }

func (m *MockIndexer) Upsert(ctx context.Context, documentID string, chunks []text.Chunk, metadata map[string]interface{}) (int, error) {
	args := m.Called(ctx, documentID, chunks, metadata)
	return args.Int(0), args.Error(1)
}

type MockDownloader struct{ mock.Mock }

func (m *MockDownloader) Download(ctx context.Context, req asset.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type recordingFailures struct {
	mu   sync.Mutex
	jobs []job.Job
}

func (r *recordingFailures) Record(ctx context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, *j)
	return nil
}

func (r *recordingFailures) all() []job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Job(nil), r.jobs...)
}

type MockPublisher struct{ mock.Mock }

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

// hashEmbedder returns small deterministic vectors.
type hashEmbedder struct{}

func (hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{1, float32(len(t) % 7), 0.5}
	}
	return out, nil
}

func (h hashEmbedder) EmbedOne(ctx context.Context, t string) ([]float32, error) {
	v, _ := h.EmbedBatch(ctx, []string{t})
	return v[0], nil
}

var errBoom = errors.New("boom")
