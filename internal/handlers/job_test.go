package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoferry/mongoferry/internal/guard"
	"github.com/mongoferry/mongoferry/internal/models"
	"github.com/mongoferry/mongoferry/internal/orchestrator"
	"github.com/mongoferry/mongoferry/internal/repository"
)

type stubJobService struct {
	start     func(orchestrator.StartRequest) (*models.MigrationJob, error)
	cancel    func(string) error
	get       func(string) (*models.MigrationJob, error)
	list      func() []*models.MigrationJob
	preflight func(context.Context, string, string) (*orchestrator.PreflightReport, error)
}

func (s *stubJobService) Start(req orchestrator.StartRequest) (*models.MigrationJob, error) {
	return s.start(req)
}

func (s *stubJobService) Cancel(jobID string) error { return s.cancel(jobID) }

func (s *stubJobService) Get(jobID string) (*models.MigrationJob, error) { return s.get(jobID) }

func (s *stubJobService) List() []*models.MigrationJob {
	if s.list == nil {
		return nil
	}
	return s.list()
}

func (s *stubJobService) Preflight(ctx context.Context, sourceID, targetID string) (*orchestrator.PreflightReport, error) {
	return s.preflight(ctx, sourceID, targetID)
}

func newJobRouter(svc JobService) *mux.Router {
	h := NewJobHandler(svc, zerolog.Nop())
	router := mux.NewRouter()
	router.HandleFunc("/api/preflight", h.Preflight).Methods(http.MethodPost)
	router.HandleFunc("/api/migrations", h.Start).Methods(http.MethodPost)
	router.HandleFunc("/api/migrations", h.List).Methods(http.MethodGet)
	router.HandleFunc("/api/migrations/{jobID}", h.Get).Methods(http.MethodGet)
	router.HandleFunc("/api/migrations/{jobID}/cancel", h.Cancel).Methods(http.MethodPost)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func doRaw(router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func validStartBody() map[string]interface{} {
	return map[string]interface{}{
		"source_id":         "src",
		"target_id":         "tgt",
		"risk_acknowledged": true,
		"confirm_db_name":   "orders_prod",
	}
}

func TestJobHandler_StartAccepted(t *testing.T) {
	var got orchestrator.StartRequest
	svc := &stubJobService{
		start: func(req orchestrator.StartRequest) (*models.MigrationJob, error) {
			got = req
			return &models.MigrationJob{ID: "job-1", State: models.JobStateConfirmed}, nil
		},
	}

	rec := doJSON(t, newJobRouter(svc), http.MethodPost, "/api/migrations", validStartBody())
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, "src", got.SourceID)
	assert.Equal(t, "tgt", got.TargetID)
	assert.True(t, got.RiskAcknowledged)
	assert.Equal(t, "orders_prod", got.ConfirmDBName)

	var jb models.MigrationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jb))
	assert.Equal(t, "job-1", jb.ID)
	assert.Equal(t, models.JobStateConfirmed, jb.State)
}

func TestJobHandler_StartErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"confirmation mismatch", guard.ErrConfirmationMismatch, http.StatusUnprocessableEntity},
		{"job in progress", guard.ErrJobInProgress, http.StatusConflict},
		{"unknown profile", errors.Wrap(repository.ErrNotFound, "resolve source profile"), http.StatusNotFound},
		{"internal error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubJobService{
				start: func(orchestrator.StartRequest) (*models.MigrationJob, error) { return nil, tc.err },
			}
			rec := doJSON(t, newJobRouter(svc), http.MethodPost, "/api/migrations", validStartBody())
			assert.Equal(t, tc.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestJobHandler_StartBadPayload(t *testing.T) {
	svc := &stubJobService{
		start: func(orchestrator.StartRequest) (*models.MigrationJob, error) {
			t.Fatal("service must not be called for a bad payload")
			return nil, nil
		},
	}
	router := newJobRouter(svc)

	rec := doRaw(router, http.MethodPost, "/api/migrations", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/migrations", map[string]interface{}{"source_id": "src"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandler_Cancel(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"unknown job", orchestrator.ErrJobNotFound, http.StatusNotFound},
		{"already finished", orchestrator.ErrJobNotActive, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubJobService{cancel: func(jobID string) error {
				assert.Equal(t, "job-1", jobID)
				return tc.err
			}}
			rec := doJSON(t, newJobRouter(svc), http.MethodPost, "/api/migrations/job-1/cancel", nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestJobHandler_Get(t *testing.T) {
	svc := &stubJobService{get: func(jobID string) (*models.MigrationJob, error) {
		if jobID != "job-1" {
			return nil, orchestrator.ErrJobNotFound
		}
		return &models.MigrationJob{ID: "job-1", State: models.JobStateCompleted}, nil
	}}
	router := newJobRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/migrations/job-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var jb models.MigrationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jb))
	assert.Equal(t, models.JobStateCompleted, jb.State)

	rec = doJSON(t, router, http.MethodGet, "/api/migrations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_List(t *testing.T) {
	svc := &stubJobService{list: func() []*models.MigrationJob {
		return []*models.MigrationJob{{ID: "b"}, {ID: "a"}}
	}}

	rec := doJSON(t, newJobRouter(svc), http.MethodGet, "/api/migrations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var jobs []models.MigrationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "b", jobs[0].ID)
}

func TestJobHandler_Preflight(t *testing.T) {
	svc := &stubJobService{preflight: func(_ context.Context, sourceID, targetID string) (*orchestrator.PreflightReport, error) {
		assert.Equal(t, "src", sourceID)
		assert.Equal(t, "tgt", targetID)
		return &orchestrator.PreflightReport{OK: true, Checks: []orchestrator.Check{
			{Name: "source_reachable", Status: orchestrator.CheckPass},
		}}, nil
	}}
	router := newJobRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/preflight", map[string]string{"source_id": "src", "target_id": "tgt"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var report orchestrator.PreflightReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.OK)

	rec = doJSON(t, router, http.MethodPost, "/api/preflight", map[string]string{"source_id": "src"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandler_PreflightUnknownProfile(t *testing.T) {
	svc := &stubJobService{preflight: func(context.Context, string, string) (*orchestrator.PreflightReport, error) {
		return nil, errors.Wrap(repository.ErrNotFound, "resolve target profile")
	}}

	rec := doJSON(t, newJobRouter(svc), http.MethodPost, "/api/preflight", map[string]string{"source_id": "src", "target_id": "gone"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
