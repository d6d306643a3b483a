package runner

import (
	"context"
	"io"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediaforged/pkg/logger"
	"mediaforged/pkg/metrics"
	"mediaforged/pkg/models"
)

// FFmpegRunner executes a transcoding invocation as a child process. The
// process gets its own process group so the whole tree can be killed on
// timeout or cancellation. Output streams are drained into bounded capture
// buffers; a misbehaving child can neither stall its pipes nor exhaust
// memory.
type FFmpegRunner struct {
	log *zap.Logger
}

func NewFFmpegRunner() *FFmpegRunner {
	return &FFmpegRunner{log: logger.Get()}
}

func (r *FFmpegRunner) Run(ctx context.Context, inv models.Invocation, opts RunOptions) Result {
	opts = opts.withDefaults()
	res := Result{ExitCode: -1}

	// Cancellation requested before start: do not spawn at all.
	if ctx.Err() != nil {
		res.Cancelled = true
		return res
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := NewCaptureBuffer(opts.CaptureLimit)
	stderr := NewCaptureBuffer(opts.CaptureLimit)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		res.Err = err
		return res
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.Err = err
		return res
	}
	res.Pid = cmd.Process.Pid

	var drain errgroup.Group
	drain.Go(func() error { return copyAll(stdout, stdoutPipe) })
	drain.Go(func() error { return copyAll(stderr, stderrPipe) })

	// Wait must run after the pipe readers are done.
	waitErr := make(chan error, 1)
	go func() {
		_ = drain.Wait()
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		res.Cancelled = true
		metrics.ProcessKills.WithLabelValues("cancelled").Inc()
		err = r.terminate(res.Pid, opts.KillGrace, waitErr)
	case <-timer.C:
		res.TimedOut = true
		metrics.ProcessKills.WithLabelValues("timeout").Inc()
		err = r.terminate(res.Pid, opts.KillGrace, waitErr)
	}
	res.Duration = time.Since(start)

	res.ExitCode = exitCode(err)
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			res.Err = err
		}
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	if res.StdoutTruncated {
		metrics.OutputTruncations.WithLabelValues("stdout").Inc()
	}
	if res.StderrTruncated {
		metrics.OutputTruncations.WithLabelValues("stderr").Inc()
	}

	if res.TimedOut || res.Cancelled {
		// The direct child is reaped; make sure no grandchildren linger in
		// the process group.
		_ = syscall.Kill(-res.Pid, syscall.SIGKILL)
	}

	r.log.Debug("process finished",
		zap.String("tool", inv.Path),
		zap.Int("pid", res.Pid),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("timed_out", res.TimedOut),
		zap.Bool("cancelled", res.Cancelled),
	)
	return res
}

// terminate asks the process group to exit, waits out the grace interval,
// then force-kills. It always consumes the wait result so the child is
// reaped on every path.
func (r *FFmpegRunner) terminate(pid int, grace time.Duration, waitErr chan error) error {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-waitErr:
		return err
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	return <-waitErr
}

func copyAll(buf *CaptureBuffer, src io.Reader) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := src.Read(chunk)
		if n > 0 {
			_, _ = buf.Write(chunk[:n])
		}
		if err != nil {
			return nil // EOF and pipe-closed are both terminal here
		}
	}
}

// exitCode maps a Wait error onto the tool's exit code. Signal deaths use
// the shell convention of 128+signal.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	if code := ee.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}
