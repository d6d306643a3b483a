package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaforged/pkg/api"
	"mediaforged/pkg/command"
	"mediaforged/pkg/executor"
	"mediaforged/pkg/executor/runner"
	"mediaforged/pkg/models"
	"mediaforged/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memStore is an in-memory JobStore for handler tests.
type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.JobRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uuid.UUID]*models.JobRecord)}
}

func (m *memStore) CreateJob(_ context.Context, rec *models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; ok {
		return storage.ErrConflict
	}
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, limit, offset int) ([]models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) MarkRunning(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok && rec.State == models.JobStatePending {
		rec.State = models.JobStateRunning
		rec.StartedAt = &startedAt
	}
	return nil
}

func (m *memStore) RecordOutcome(_ context.Context, id uuid.UUID, outcome models.Outcome, logURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.State = models.StateFor(outcome.Status)
	rec.ExitCode = outcome.ExitCode
	rec.Diagnostic = outcome.Diagnostic
	rec.LogURI = logURI
	rec.DurationMs = outcome.Duration.Milliseconds()
	completed := outcome.CompletedAt
	rec.CompletedAt = &completed
	return nil
}

func (m *memStore) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// stubRunner resolves every invocation with a canned result, or blocks
// until cancelled when block is set.
type stubRunner struct {
	block  bool
	result runner.Result
}

func (r *stubRunner) Run(ctx context.Context, _ models.Invocation, _ runner.RunOptions) runner.Result {
	if r.block {
		<-ctx.Done()
		return runner.Result{ExitCode: -1, Cancelled: true}
	}
	return r.result
}

type testEnv struct {
	store  *memStore
	server *api.Server
	pool   *executor.Pool
}

func newTestEnv(t *testing.T, r runner.Runner, poolCfg executor.Config) *testEnv {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "clip.mov"), []byte("not really media"), 0o644))

	builder := command.NewBuilder(command.Config{FFmpegPath: "ffmpeg", AllowedRoot: root})
	classifier, err := executor.NewClassifier([]int{137}, nil)
	require.NoError(t, err)

	pool := executor.NewPool(poolCfg, builder, r, classifier)
	pool.Start()
	t.Cleanup(pool.Stop)

	store := newMemStore()
	server := api.NewServer(api.Config{
		Port:          "0",
		ServiceName:   "mediaforged-test",
		MaxInputBytes: 1 << 20,
		JobStore:      store,
		Pool:          pool,
		Builder:       builder,
	})

	return &testEnv{store: store, server: server, pool: pool}
}

func (e *testEnv) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func submitBody(input string) api.SubmitJobRequest {
	return api.SubmitJobRequest{
		InputPath: input,
		Params:    models.TransformParams{Format: "mp4"},
	}
}

func TestSubmitJob_Succeeds(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	w := env.do("POST", "/api/v1/jobs", submitBody("clip.mov"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp api.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatePending, resp.State)
	assert.NotEqual(t, uuid.Nil, resp.ID)

	require.Eventually(t, func() bool {
		rec, err := env.store.GetJob(context.Background(), resp.ID)
		return err == nil && rec.State == models.JobState(models.OutcomeSucceeded)
	}, 2*time.Second, 10*time.Millisecond)

	get := env.do("GET", "/api/v1/jobs/"+resp.ID.String(), nil)
	require.Equal(t, http.StatusOK, get.Code)

	var got api.JobResponse
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &got))
	assert.Equal(t, models.JobState(models.OutcomeSucceeded), got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.Retryable)
	assert.False(t, *got.Retryable)
}

func TestSubmitJob_MissingInput(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	w := env.do("POST", "/api/v1/jobs", submitBody("no-such-file.mov"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitJob_RejectsBadFormat(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	body := api.SubmitJobRequest{
		InputPath: "clip.mov",
		Params:    models.TransformParams{Format: "exe"},
	}
	w := env.do("POST", "/api/v1/jobs", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJob_OverloadedReturns503(t *testing.T) {
	env := newTestEnv(t, &stubRunner{block: true}, executor.Config{Capacity: 1, QueueCapacity: 1})

	// First occupies the only worker; wait until it is actually running so
	// the queue is empty again.
	first := env.do("POST", "/api/v1/jobs", submitBody("clip.mov"))
	require.Equal(t, http.StatusAccepted, first.Code)
	var resp api.JobResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	require.Eventually(t, func() bool {
		rec, err := env.store.GetJob(context.Background(), resp.ID)
		return err == nil && rec.State == models.JobStateRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Second fills the single queue slot, third is rejected.
	require.Equal(t, http.StatusAccepted, env.do("POST", "/api/v1/jobs", submitBody("clip.mov")).Code)

	w := env.do("POST", "/api/v1/jobs", submitBody("clip.mov"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, &stubRunner{block: true}, executor.Config{Capacity: 1})

	w := env.do("POST", "/api/v1/jobs", submitBody("clip.mov"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp api.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	cancelResp := env.do("POST", "/api/v1/jobs/"+resp.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, cancelResp.Code)

	require.Eventually(t, func() bool {
		rec, err := env.store.GetJob(context.Background(), resp.ID)
		return err == nil && rec.State == models.JobState(models.OutcomeCancelled)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelJob_TerminalConflicts(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	w := env.do("POST", "/api/v1/jobs", submitBody("clip.mov"))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp api.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		rec, err := env.store.GetJob(context.Background(), resp.ID)
		return err == nil && rec.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	cancelResp := env.do("POST", "/api/v1/jobs/"+resp.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, cancelResp.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	w := env.do("GET", "/api/v1/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do("GET", "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, &stubRunner{result: runner.Result{ExitCode: 0}}, executor.Config{Capacity: 1})

	w := env.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}
