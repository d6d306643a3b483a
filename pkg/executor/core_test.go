package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaforged/pkg/command"
	"mediaforged/pkg/executor/runner"
	"mediaforged/pkg/models"
)

// fakeRunner stands in for the external tool: it records every invocation
// and the concurrent-run high-water mark.
type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	inputs    []string
	running   int32
	highWater int32
	fn        func(ctx context.Context, inv models.Invocation) runner.Result
}

func (f *fakeRunner) Run(ctx context.Context, inv models.Invocation, _ runner.RunOptions) runner.Result {
	f.mu.Lock()
	f.calls++
	f.inputs = append(f.inputs, inv.Args[4]) // arg after -hide_banner -nostdin -y -i
	f.mu.Unlock()

	cur := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		prev := atomic.LoadInt32(&f.highWater)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.highWater, prev, cur) {
			break
		}
	}

	if f.fn != nil {
		return f.fn(ctx, inv)
	}
	return runner.Result{ExitCode: 0}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPool(t *testing.T, cfg Config, r runner.Runner) *Pool {
	t.Helper()
	builder := command.NewBuilder(command.Config{FFmpegPath: "ffmpeg", AllowedRoot: "/data/media"})
	classifier, err := NewClassifier([]int{137}, nil)
	require.NoError(t, err)
	if cfg.Capacity == 0 {
		cfg.Capacity = 2
	}
	p := NewPool(cfg, builder, r, classifier)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func validJob() models.Job {
	return models.Job{
		ID:         uuid.New(),
		InputPath:  "in/clip.mkv",
		OutputPath: "out/clip.mp4",
		Params:     models.TransformParams{Format: "mp4", VideoCodec: "libx264"},
	}
}

func TestPool_SuccessfulJob(t *testing.T) {
	fr := &fakeRunner{}
	p := newTestPool(t, Config{}, fr)

	ticket, err := p.Submit(validJob())
	require.NoError(t, err)

	outcome := ticket.Outcome()
	assert.Equal(t, models.OutcomeSucceeded, outcome.Status)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.Equal(t, 1, fr.callCount())
}

func TestPool_InvalidParametersNeverSpawns(t *testing.T) {
	fr := &fakeRunner{}
	p := newTestPool(t, Config{}, fr)

	job := validJob()
	job.InputPath = "../../etc/shadow"

	ticket, err := p.Submit(job)
	require.NoError(t, err)

	outcome := ticket.Outcome()
	assert.Equal(t, models.OutcomeFailedFatal, outcome.Status)
	assert.Contains(t, outcome.Diagnostic, "invalid parameters")
	assert.Equal(t, 0, fr.callCount(), "runner must not be invoked for invalid jobs")
}

func TestPool_ExactlyOneOutcome(t *testing.T) {
	fr := &fakeRunner{}
	p := newTestPool(t, Config{}, fr)

	ticket, err := p.Submit(validJob())
	require.NoError(t, err)

	first := ticket.Outcome()
	second := ticket.Outcome()
	assert.Equal(t, first, second)

	// Done stays closed; no second terminal state can appear.
	select {
	case <-ticket.Done():
	default:
		t.Fatal("Done must remain closed after resolution")
	}
}

func TestPool_ConcurrencyHighWaterMark(t *testing.T) {
	const capacity = 3
	const jobs = 10

	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		time.Sleep(30 * time.Millisecond)
		return runner.Result{ExitCode: 0}
	}}
	p := newTestPool(t, Config{Capacity: capacity}, fr)

	tickets := make([]*Ticket, 0, jobs)
	for i := 0; i < jobs; i++ {
		ticket, err := p.Submit(validJob())
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	for _, ticket := range tickets {
		ticket.Outcome()
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&fr.highWater), int32(capacity))
	assert.Equal(t, jobs, fr.callCount())
}

func TestPool_BoundedQueueRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		<-release
		return runner.Result{ExitCode: 0}
	}}
	p := newTestPool(t, Config{Capacity: 1, QueueCapacity: 1}, fr)

	running, err := p.Submit(validJob())
	require.NoError(t, err)
	// Wait for the first job to occupy the only worker.
	require.Eventually(t, func() bool { return fr.callCount() == 1 }, time.Second, 5*time.Millisecond)

	queued, err := p.Submit(validJob())
	require.NoError(t, err)

	_, err = p.Submit(validJob())
	assert.ErrorIs(t, err, ErrOverloaded)

	close(release)
	running.Outcome()
	queued.Outcome()
}

func TestPool_FIFOAdmissionUnderSaturation(t *testing.T) {
	release := make(chan struct{})
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		<-release
		return runner.Result{ExitCode: 0}
	}}
	p := newTestPool(t, Config{Capacity: 1}, fr)

	inputs := []string{"in/a.mkv", "in/b.mkv", "in/c.mkv"}
	tickets := make([]*Ticket, 0, len(inputs))
	for _, input := range inputs {
		job := validJob()
		job.InputPath = input
		ticket, err := p.Submit(job)
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}

	close(release)
	for _, ticket := range tickets {
		ticket.Outcome()
	}

	fr.mu.Lock()
	defer fr.mu.Unlock()
	assert.Equal(t, []string{"/data/media/in/a.mkv", "/data/media/in/b.mkv", "/data/media/in/c.mkv"}, fr.inputs)
}

func TestPool_CancelInFlight(t *testing.T) {
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		<-ctx.Done()
		return runner.Result{Cancelled: true, ExitCode: -1}
	}}
	p := newTestPool(t, Config{}, fr)

	ticket, err := p.Submit(validJob())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fr.callCount() == 1 }, time.Second, 5*time.Millisecond)

	ticket.Cancel()
	outcome := ticket.Outcome()
	assert.Equal(t, models.OutcomeCancelled, outcome.Status)
}

func TestPool_WorkerPanicMapsToFatalAndSlotSurvives(t *testing.T) {
	var calls int32
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("corrupted state")
		}
		return runner.Result{ExitCode: 0}
	}}
	p := newTestPool(t, Config{Capacity: 1}, fr)

	bad, err := p.Submit(validJob())
	require.NoError(t, err)
	outcome := bad.Outcome()
	assert.Equal(t, models.OutcomeFailedFatal, outcome.Status)
	assert.Contains(t, outcome.Diagnostic, "internal fault")

	// The worker slot must survive the panic.
	good, err := p.Submit(validJob())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSucceeded, good.Outcome().Status)
}

func TestPool_RunSynchronous(t *testing.T) {
	fr := &fakeRunner{}
	p := newTestPool(t, Config{}, fr)

	outcome, err := p.Run(context.Background(), validJob())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSucceeded, outcome.Status)
}

func TestPool_RunHonorsCallerContext(t *testing.T) {
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		<-ctx.Done()
		return runner.Result{Cancelled: true, ExitCode: -1}
	}}
	p := newTestPool(t, Config{}, fr)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := p.Run(ctx, validJob())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCancelled, outcome.Status)
}

func TestPool_StopResolvesQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	fr := &fakeRunner{fn: func(ctx context.Context, _ models.Invocation) runner.Result {
		select {
		case <-release:
		case <-ctx.Done():
			return runner.Result{Cancelled: true, ExitCode: -1}
		}
		return runner.Result{ExitCode: 0}
	}}

	builder := command.NewBuilder(command.Config{FFmpegPath: "ffmpeg", AllowedRoot: "/data/media"})
	classifier, err := NewClassifier(nil, nil)
	require.NoError(t, err)
	p := NewPool(Config{Capacity: 1}, builder, fr, classifier)
	p.Start()

	inflight, err := p.Submit(validJob())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fr.callCount() == 1 }, time.Second, 5*time.Millisecond)

	queued, err := p.Submit(validJob())
	require.NoError(t, err)

	p.Stop()

	assert.Equal(t, models.OutcomeCancelled, inflight.Outcome().Status)
	assert.Equal(t, models.OutcomeCancelled, queued.Outcome().Status)

	_, err = p.Submit(validJob())
	assert.ErrorIs(t, err, ErrClosed)
}
