package job_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"opdsrag/features/job"
)

// MockRepo implements job.Repository
type MockRepo struct {
	mock.Mock
}

func (m *MockRepo) Save(ctx context.Context, j *job.Job) error {
	args := m.Called(ctx, j)
	return args.Error(0)
}
func (m *MockRepo) List(ctx context.Context) ([]job.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]job.Job), args.Error(1)
}
func (m *MockRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}
func (m *MockRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockRequeuer struct {
	mock.Mock
}

func (m *MockRequeuer) Requeue(ctx context.Context, payload json.RawMessage) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func TestHandler_List(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, nil, slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("List", mock.Anything).Return([]job.Job{{ID: "1", DocumentID: "b1", Handler: "download"}}, nil)

	req := httptest.NewRequest("GET", "/jobs/failed", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)
	require.Equal(t, http.StatusOK, w.Result().StatusCode)

	var resp struct {
		Data []job.Job      `json:"data"`
		Meta map[string]int `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "b1", resp.Data[0].DocumentID)
	assert.Equal(t, 1, resp.Meta["count"])
}

func TestHandler_Retry_NotFound(t *testing.T) {
	mockRepo := new(MockRepo)
	svc := job.NewService(mockRepo, new(MockRequeuer), slog.Default())
	handler := job.NewHandler(svc)

	mockRepo.On("Get", mock.Anything, "99").Return(nil, sql.ErrNoRows)

	req := httptest.NewRequest("POST", "/jobs/99/retry", nil)
	req.SetPathValue("id", "99")
	w := httptest.NewRecorder()

	handler.Retry(w, req)
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode)
}

func TestHandler_Retry(t *testing.T) {
	mockRepo := new(MockRepo)
	requeuer := new(MockRequeuer)
	svc := job.NewService(mockRepo, requeuer, slog.Default())
	handler := job.NewHandler(svc)

	jobID := "job-123"
	payload := json.RawMessage(`{"document_id":"b1"}`)
	mockRepo.On("Get", mock.Anything, jobID).Return(&job.Job{ID: jobID, DocumentID: "b1", Payload: payload}, nil)
	requeuer.On("Requeue", mock.Anything, payload).Return(nil)
	mockRepo.On("Delete", mock.Anything, jobID).Return(nil)

	req := httptest.NewRequest("POST", "/jobs/"+jobID+"/retry", nil)
	req.SetPathValue("id", jobID)
	w := httptest.NewRecorder()

	handler.Retry(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	mockRepo.AssertExpectations(t)
	requeuer.AssertExpectations(t)
}

func TestHandler_Retry_ResponseBody(t *testing.T) {
	mockRepo := new(MockRepo)
	requeuer := new(MockRequeuer)
	handler := job.NewHandler(job.NewService(mockRepo, requeuer, nil))

	mockRepo.On("Get", mock.Anything, "job-9").Return(&job.Job{ID: "job-9", Payload: json.RawMessage(`{"document_id":"b9"}`)}, nil)
	requeuer.On("Requeue", mock.Anything, mock.Anything).Return(nil)
	mockRepo.On("Delete", mock.Anything, "job-9").Return(nil)

	req := httptest.NewRequest("POST", "/jobs/job-9/retry", nil)
	req.SetPathValue("id", "job-9")
	w := httptest.NewRecorder()
	handler.Retry(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":"job-9","status":"requeued"}}`, w.Body.String())
}
