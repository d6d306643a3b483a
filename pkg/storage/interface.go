package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mediaforged/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// JobStore is the durable job ledger kept by the API layer. The execution
// core itself owns no persistent state; this exists so callers can answer
// getOutcome long after the in-memory ticket is gone.
type JobStore interface {
	// CreateJob persists a newly submitted job in PENDING state.
	CreateJob(ctx context.Context, rec *models.JobRecord) error

	// GetJob retrieves a ledger row by ID.
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)

	// ListJobs returns recent jobs, newest first.
	ListJobs(ctx context.Context, limit, offset int) ([]models.JobRecord, error)

	// MarkRunning records that a worker picked the job up.
	MarkRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) error

	// RecordOutcome writes the terminal outcome. logURI references the full
	// captured diagnostics in the LogStore, if stored.
	RecordOutcome(ctx context.Context, id uuid.UUID, outcome models.Outcome, logURI string) error

	// PurgeTerminalBefore deletes terminal rows older than the cutoff and
	// returns how many were removed.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutcomeCache fronts hot getOutcome reads so recently finished jobs do not
// hit the ledger.
type OutcomeCache interface {
	Put(ctx context.Context, outcome models.Outcome) error
	Get(ctx context.Context, id uuid.UUID) (*models.Outcome, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
}
