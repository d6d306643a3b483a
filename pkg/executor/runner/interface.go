package runner

import (
	"context"
	"time"

	"mediaforged/pkg/models"
)

// Defaults applied when RunOptions fields are zero.
const (
	DefaultTimeout      = 5 * time.Minute
	DefaultKillGrace    = 5 * time.Second
	DefaultCaptureLimit = 64 * 1024
)

// RunOptions bounds a single execution.
type RunOptions struct {
	// Timeout is how long the process may run before graceful termination.
	Timeout time.Duration
	// KillGrace is how long to wait after SIGTERM before SIGKILL.
	KillGrace time.Duration
	// CaptureLimit is the maximum retained size per output stream.
	CaptureLimit int
}

func (o RunOptions) withDefaults() RunOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.CaptureLimit <= 0 {
		o.CaptureLimit = DefaultCaptureLimit
	}
	return o
}

// Result captures the outcome of one process execution.
type Result struct {
	ExitCode        int
	Pid             int
	Stdout          []byte // bounded capture, oldest bytes dropped first
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	TimedOut        bool
	Cancelled       bool
	Err             error // spawn or wait error, nil on a plain non-zero exit
}

// Runner executes a single invocation as a child process.
type Runner interface {
	// Run spawns the invocation, captures its output and blocks until the
	// process has fully terminated. It never leaves the child running,
	// whatever the exit path.
	Run(ctx context.Context, inv models.Invocation, opts RunOptions) Result
}
