package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"mediaforged/pkg/command"
	"mediaforged/pkg/executor/runner"
	"mediaforged/pkg/logger"
	"mediaforged/pkg/metrics"
	"mediaforged/pkg/models"
)

var (
	// ErrOverloaded is returned when the intake queue is bounded and full.
	// The caller may retry with backoff.
	ErrOverloaded = errors.New("executor overloaded")

	// ErrClosed is returned for submissions after Stop.
	ErrClosed = errors.New("executor closed")
)

// Each concurrent transcode is budgeted this much resident memory when the
// worker capacity is derived from the host.
const memPerJob = 512 << 20

// Config sizes the pool and sets per-job execution bounds.
type Config struct {
	Capacity       int           // worker slots; 0 derives from host resources
	QueueCapacity  int           // 0 = unbounded admission (submissions queue, never rejected)
	DefaultTimeout time.Duration // applied when the job carries none
	MaxTimeout     time.Duration // hard ceiling on job-supplied deadlines
	KillGrace      time.Duration
	CaptureLimit   int
}

// Ticket tracks one submitted job until its terminal outcome.
type Ticket struct {
	job    models.Job
	cancel context.CancelFunc
	ctx    context.Context

	once      sync.Once
	done      chan struct{}
	outcome   models.Outcome
	startOnce sync.Once
	started   chan struct{}
}

// JobID returns the submitted job's identifier.
func (t *Ticket) JobID() string { return t.job.ID.String() }

// Done is closed once the terminal outcome is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Started is closed when a worker picks the job up. It never closes for jobs
// cancelled while still queued.
func (t *Ticket) Started() <-chan struct{} { return t.started }

func (t *Ticket) markStarted() {
	t.startOnce.Do(func() { close(t.started) })
}

// Outcome blocks until the job has resolved and returns its outcome.
func (t *Ticket) Outcome() models.Outcome {
	<-t.done
	return t.outcome
}

// Cancel requests cooperative cancellation. The external process, if
// running, is terminated; the outcome resolves to Cancelled.
func (t *Ticket) Cancel() { t.cancel() }

func (t *Ticket) resolve(o models.Outcome) {
	t.once.Do(func() {
		t.outcome = o
		close(t.done)
	})
}

// Pool drives jobs through build, run and classify with a fixed number of
// workers. Admission into a worker slot is FIFO; outcomes of concurrently
// running jobs resolve in no particular order.
type Pool struct {
	cfg        Config
	builder    *command.Builder
	runner     runner.Runner
	classifier *Classifier
	log        *zap.Logger

	ctx     context.Context
	cancelp context.CancelFunc
	queue   chan *Ticket
	bounded bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(cfg Config, builder *command.Builder, r runner.Runner, classifier *Classifier) *Pool {
	log := logger.WithFields(zap.String("component", "executor"))

	if cfg.Capacity <= 0 {
		cfg.Capacity = deriveCapacity(log)
	}
	bounded := cfg.QueueCapacity > 0
	queueCap := cfg.QueueCapacity
	if !bounded {
		queueCap = 4096
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = runner.DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		builder:    builder,
		runner:     r,
		classifier: classifier,
		log:        log,
		ctx:        ctx,
		cancelp:    cancel,
		queue:      make(chan *Ticket, queueCap),
		bounded:    bounded,
	}
}

// deriveCapacity sizes the pool from the host: one worker per CPU, capped by
// available memory.
func deriveCapacity(log *zap.Logger) int {
	capacity := runtime.NumCPU()
	v, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to probe host memory, sizing pool by CPU count", zap.Error(err))
		return capacity
	}
	byMem := int(v.Total / memPerJob)
	if byMem < 1 {
		byMem = 1
	}
	if byMem < capacity {
		capacity = byMem
	}
	return capacity
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.log.Info("starting worker pool",
		zap.Int("capacity", p.cfg.Capacity),
		zap.Bool("bounded_queue", p.bounded),
	)
	for i := 0; i < p.cfg.Capacity; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop shuts the pool down. In-flight processes are terminated; queued jobs
// that never reached a worker resolve as Cancelled. Every submitted job
// still ends with exactly one outcome.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancelp()
	p.wg.Wait()

	for {
		select {
		case t := <-p.queue:
			metrics.QueueDepth.Dec()
			t.resolve(cancelledOutcome(t.job))
		default:
			p.log.Info("worker pool stopped")
			return
		}
	}
}

// Submit enqueues a job and returns its Ticket. With a bounded queue a full
// queue rejects immediately with ErrOverloaded; an unbounded pool always
// admits.
func (p *Pool) Submit(job models.Job) (*Ticket, error) {
	// The lock spans the enqueue so no submission can slip in behind Stop's
	// drain of the queue.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	jobCtx, cancel := context.WithCancel(p.ctx)
	t := &Ticket{job: job, ctx: jobCtx, cancel: cancel, done: make(chan struct{}), started: make(chan struct{})}

	if p.bounded {
		select {
		case p.queue <- t:
		default:
			cancel()
			metrics.SubmissionsRejected.Inc()
			return nil, ErrOverloaded
		}
	} else {
		select {
		case p.queue <- t:
		case <-p.ctx.Done():
			cancel()
			return nil, ErrClosed
		}
	}
	metrics.QueueDepth.Inc()
	return t, nil
}

// Run is the synchronous embedding: submit, wait, return the outcome. If the
// caller's context expires first the job is cancelled and its (Cancelled)
// outcome returned.
func (p *Pool) Run(ctx context.Context, job models.Job) (models.Outcome, error) {
	t, err := p.Submit(job)
	if err != nil {
		return models.Outcome{}, err
	}
	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Cancel()
		<-t.Done()
	}
	return t.Outcome(), nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.queue:
			metrics.QueueDepth.Dec()
			p.process(t)
		}
	}
}

// process owns one job end to end. The worker slot is released on every
// path, including panics inside the build/run/classify chain.
func (p *Pool) process(t *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			p.log.Error("worker panic", zap.String("job_id", t.JobID()), zap.Any("panic", r))
			now := time.Now()
			t.resolve(models.Outcome{
				JobID:       t.job.ID,
				Status:      models.OutcomeFailedFatal,
				ExitCode:    -1,
				Diagnostic:  fmt.Sprintf("internal fault: %v", r),
				StartedAt:   now,
				CompletedAt: now,
			})
		}
	}()

	if t.ctx.Err() != nil {
		t.resolve(cancelledOutcome(t.job))
		return
	}
	t.markStarted()

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	started := time.Now()

	inv, err := p.builder.Build(t.job)
	if err != nil {
		// Caller error: fatal, and the runner is never invoked.
		p.log.Warn("rejected job", zap.String("job_id", t.JobID()), zap.Error(err))
		now := time.Now()
		t.resolve(models.Outcome{
			JobID:       t.job.ID,
			Status:      models.OutcomeFailedFatal,
			ExitCode:    -1,
			Diagnostic:  err.Error(),
			StartedAt:   started,
			CompletedAt: now,
		})
		metrics.RecordJob(string(models.OutcomeFailedFatal), 0)
		return
	}

	res := p.runner.Run(t.ctx, inv, runner.RunOptions{
		Timeout:      p.timeoutFor(t.job),
		KillGrace:    p.cfg.KillGrace,
		CaptureLimit: p.cfg.CaptureLimit,
	})
	status := p.classifier.Classify(res)

	diagnostic := string(res.Stderr)
	if res.Err != nil && diagnostic == "" {
		diagnostic = res.Err.Error()
	}

	outcome := models.Outcome{
		JobID:       t.job.ID,
		Status:      status,
		ExitCode:    res.ExitCode,
		Diagnostic:  diagnostic,
		Truncated:   res.StderrTruncated,
		Duration:    res.Duration,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	metrics.RecordJob(string(status), res.Duration.Seconds())

	p.log.Info("job finished",
		zap.String("job_id", t.JobID()),
		zap.String("status", string(status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	t.resolve(outcome)
}

// timeoutFor applies the default and clamps job-supplied deadlines.
func (p *Pool) timeoutFor(job models.Job) time.Duration {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	if p.cfg.MaxTimeout > 0 && timeout > p.cfg.MaxTimeout {
		timeout = p.cfg.MaxTimeout
	}
	return timeout
}

func cancelledOutcome(job models.Job) models.Outcome {
	now := time.Now()
	return models.Outcome{
		JobID:       job.ID,
		Status:      models.OutcomeCancelled,
		ExitCode:    -1,
		Diagnostic:  "cancelled before execution",
		StartedAt:   now,
		CompletedAt: now,
	}
}
