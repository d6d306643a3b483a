package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediaforged/pkg/executor"
	"mediaforged/pkg/models"
	"mediaforged/pkg/storage"
)

// --- Request/Response DTOs ---

// SubmitJobRequest is the payload for submitting a new transform job.
type SubmitJobRequest struct {
	InputPath      string                 `json:"input_path" binding:"required"`
	OutputPath     string                 `json:"output_path"`
	Params         models.TransformParams `json:"params"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
}

// JobResponse is the API representation of a job and, once terminal, its
// outcome.
type JobResponse struct {
	ID          uuid.UUID              `json:"id"`
	InputPath   string                 `json:"input_path,omitempty"`
	OutputPath  string                 `json:"output_path,omitempty"`
	Params      models.TransformParams `json:"params,omitempty"`
	State       models.JobState        `json:"state"`
	ExitCode    *int                   `json:"exit_code,omitempty"`
	Diagnostic  string                 `json:"diagnostic,omitempty"`
	Retryable   *bool                  `json:"retryable,omitempty"`
	LogURI      string                 `json:"log_uri,omitempty"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
	SubmittedAt time.Time              `json:"submitted_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// --- Job Handlers ---

// submitJob handles POST /api/v1/jobs
func (s *Server) submitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.validator.ValidatePath("input_path", req.InputPath); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OutputPath != "" {
		if err := s.validator.ValidatePath("output_path", req.OutputPath); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.validator.ValidateFormat(req.Params.Format); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if err := s.validator.ValidateTimeout(timeout); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The execution core validates paths lexically and never touches the
	// filesystem; existence and size of the input are checked here instead.
	resolved, err := s.builder.ResolveInput(req.InputPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "input file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to inspect input file"})
		return
	}
	if s.maxInputBytes > 0 && info.Size() > s.maxInputBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":     "input file exceeds maximum size",
			"max_bytes": s.maxInputBytes,
		})
		return
	}

	job := models.Job{
		ID:         uuid.New(),
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Params:     req.Params,
		Timeout:    timeout,
	}

	ticket, err := s.pool.Submit(job)
	if err != nil {
		if errors.Is(err, executor.ErrOverloaded) {
			c.Header("Retry-After", "10")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor overloaded, retry later"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor unavailable"})
		return
	}

	rec := &models.JobRecord{
		ID:          job.ID,
		InputPath:   job.InputPath,
		OutputPath:  job.OutputPath,
		Params:      job.Params,
		State:       models.JobStatePending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.jobStore.CreateJob(c.Request.Context(), rec); err != nil {
		// The ledger row is the source of truth for getOutcome; without it
		// the admission is rolled back.
		ticket.Cancel()
		s.log.Error("failed to persist job", zap.String("job_id", job.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist job"})
		return
	}

	s.registerTicket(job.ID, ticket)
	go s.watch(job.ID, ticket)

	c.JSON(http.StatusAccepted, JobResponse{
		ID:          job.ID,
		InputPath:   job.InputPath,
		OutputPath:  job.OutputPath,
		Params:      job.Params,
		State:       models.JobStatePending,
		SubmittedAt: rec.SubmittedAt,
	})
}

// watch follows one ticket to its terminal outcome and records it.
func (s *Server) watch(id uuid.UUID, t *executor.Ticket) {
	ctx := context.Background()

	select {
	case <-t.Started():
		if err := s.jobStore.MarkRunning(ctx, id, time.Now().UTC()); err != nil {
			s.log.Warn("failed to mark job running", zap.String("job_id", id.String()), zap.Error(err))
		}
		<-t.Done()
	case <-t.Done():
	}
	outcome := t.Outcome()

	logURI := ""
	if s.logStore != nil && outcome.Diagnostic != "" {
		uri, err := s.logStore.Store(ctx, id.String(), []byte(outcome.Diagnostic))
		if err != nil {
			s.log.Warn("failed to store job logs", zap.String("job_id", id.String()), zap.Error(err))
		} else {
			logURI = uri
		}
	}

	if err := s.jobStore.RecordOutcome(ctx, id, outcome, logURI); err != nil {
		s.log.Error("failed to record outcome", zap.String("job_id", id.String()), zap.Error(err))
	}

	if s.cache != nil {
		if err := s.cacheBreaker.Execute(ctx, func() error {
			return s.cache.Put(ctx, outcome)
		}); err != nil {
			s.log.Debug("outcome cache write skipped", zap.String("job_id", id.String()), zap.Error(err))
		}
	}

	s.dropTicket(id)
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	offset := parseIntQuery(c, "offset", 0)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	recs, err := s.jobStore.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	response := make([]JobResponse, len(recs))
	for i := range recs {
		response[i] = recordToResponse(&recs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	// Hot path: recently finished jobs resolve from the cache. The breaker
	// keeps cache outages from stalling reads; any miss falls to the ledger.
	if s.cache != nil {
		var cached *models.Outcome
		cerr := s.cacheBreaker.Execute(c.Request.Context(), func() error {
			var err error
			cached, err = s.cache.Get(c.Request.Context(), id)
			return err
		})
		if cerr == nil && cached != nil {
			c.JSON(http.StatusOK, outcomeToResponse(cached))
			return
		}
	}

	rec, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(http.StatusOK, recordToResponse(rec))
}

// getJobLogs handles GET /api/v1/jobs/:id/logs
func (s *Server) getJobLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	rec, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if rec.LogURI == "" || s.logStore == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no logs stored for job"})
		return
	}

	data, err := s.logStore.Retrieve(c.Request.Context(), rec.LogURI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve logs"})
		return
	}

	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	if t, ok := s.lookupTicket(id); ok {
		t.Cancel()
		c.JSON(http.StatusAccepted, gin.H{
			"id":      id,
			"message": "cancellation requested",
		})
		return
	}

	rec, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if rec.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "job already terminal", "state": rec.State})
		return
	}

	// Non-terminal but no live ticket: submitted before a restart. Nothing
	// is running for it anymore.
	c.JSON(http.StatusConflict, gin.H{"error": "job is not cancellable", "state": rec.State})
}

// --- helpers ---

func recordToResponse(rec *models.JobRecord) JobResponse {
	resp := JobResponse{
		ID:          rec.ID,
		InputPath:   rec.InputPath,
		OutputPath:  rec.OutputPath,
		Params:      rec.Params,
		State:       rec.State,
		Diagnostic:  rec.Diagnostic,
		LogURI:      rec.LogURI,
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Terminal() {
		exitCode := rec.ExitCode
		resp.ExitCode = &exitCode
		durationMs := rec.DurationMs
		resp.DurationMs = &durationMs
		retryable := models.OutcomeStatus(rec.State).Retryable()
		resp.Retryable = &retryable
	}
	return resp
}

func outcomeToResponse(out *models.Outcome) JobResponse {
	exitCode := out.ExitCode
	durationMs := out.Duration.Milliseconds()
	retryable := out.Status.Retryable()
	started := out.StartedAt
	completed := out.CompletedAt
	return JobResponse{
		ID:          out.JobID,
		State:       models.StateFor(out.Status),
		ExitCode:    &exitCode,
		Diagnostic:  out.Diagnostic,
		Retryable:   &retryable,
		DurationMs:  &durationMs,
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func parseIntQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
