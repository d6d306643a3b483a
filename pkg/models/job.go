package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// OutcomeStatus is the terminal state of a job.
type OutcomeStatus string

const (
	OutcomeSucceeded       OutcomeStatus = "SUCCEEDED"
	OutcomeFailedRetryable OutcomeStatus = "FAILED_RETRYABLE"
	OutcomeFailedFatal     OutcomeStatus = "FAILED_FATAL"
	OutcomeCancelled       OutcomeStatus = "CANCELLED"
	OutcomeTimedOut        OutcomeStatus = "TIMED_OUT"
)

// Retryable reports whether an unmodified resubmission of the job can be
// expected to succeed.
func (s OutcomeStatus) Retryable() bool {
	return s == OutcomeFailedRetryable || s == OutcomeTimedOut
}

// TransformParams describes the requested media transform. All fields are
// optional except that at least one must be set; validation happens in the
// command builder, not here.
type TransformParams struct {
	Format       string `json:"format,omitempty"`        // container, e.g. "mp4"
	VideoCodec   string `json:"video_codec,omitempty"`   // e.g. "libx264"
	AudioCodec   string `json:"audio_codec,omitempty"`   // e.g. "aac"
	VideoBitrate string `json:"video_bitrate,omitempty"` // e.g. "2500k"
	AudioBitrate string `json:"audio_bitrate,omitempty"` // e.g. "128k"
	Scale        string `json:"scale,omitempty"`         // "WxH", e.g. "1280x720"
	CRF          *int   `json:"crf,omitempty"`           // constant rate factor, 0-51
	StartOffset  string `json:"start_offset,omitempty"`  // "[HH:]MM:SS[.ms]"
	ClipDuration string `json:"clip_duration,omitempty"` // same syntax as StartOffset
	StripAudio   bool   `json:"strip_audio,omitempty"`
}

// JSONB support for GORM (ledger storage in the API layer).

func (p *TransformParams) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, p)
}

func (p TransformParams) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Job is one unit of media transformation work. A Job is immutable once
// submitted; only its Outcome changes over time.
type Job struct {
	ID         uuid.UUID
	InputPath  string
	OutputPath string
	Params     TransformParams

	// Timeout overrides the pool default when > 0.
	Timeout time.Duration
}

// Invocation is the concrete argument vector derived from a Job. It is
// deterministic given the same Job and builder configuration, and is passed
// to the external tool as discrete arguments, never through a shell.
type Invocation struct {
	Path    string   // tool binary, resolved via PATH if bare
	Args    []string // argv[1:]
	WorkDir string
}

// Outcome is the terminal, immutable result record for a Job. Exactly one
// Outcome is produced per submitted Job.
type Outcome struct {
	JobID       uuid.UUID     `json:"job_id"`
	Status      OutcomeStatus `json:"status"`
	ExitCode    int           `json:"exit_code"`
	Diagnostic  string        `json:"diagnostic"` // bounded stderr tail, truncation-marked
	Truncated   bool          `json:"truncated"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// JobState is the ledger-side lifecycle of a job, including the non-terminal
// states the core itself never exposes.
type JobState string

const (
	JobStatePending JobState = "PENDING"
	JobStateRunning JobState = "RUNNING"
)

// StateFor maps a terminal outcome status onto the ledger state domain.
func StateFor(s OutcomeStatus) JobState {
	return JobState(s)
}

// JobRecord is the durable ledger row kept by the API layer. The execution
// core does not persist anything itself.
type JobRecord struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	InputPath  string          `json:"input_path" gorm:"not null"`
	OutputPath string          `json:"output_path"`
	Params     TransformParams `json:"params" gorm:"type:jsonb"`
	State      JobState        `json:"state" gorm:"type:varchar(20);default:'PENDING';index"`
	ExitCode   int             `json:"exit_code"`
	Diagnostic string          `json:"diagnostic" gorm:"type:text"`
	LogURI     string          `json:"log_uri"`
	DurationMs int64           `json:"duration_ms"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the record has reached its final state.
func (r *JobRecord) Terminal() bool {
	return r.State != JobStatePending && r.State != JobStateRunning
}
