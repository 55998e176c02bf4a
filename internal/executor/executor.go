package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/log"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
)

const (
	DefaultMaxWorkers  = 4
	DefaultTimeout     = 10 * time.Minute
	DefaultGracePeriod = 5 * time.Second
	crashMessage       = "unknown error"
	stderrTailInResult = 2048
	workerSubcommand   = "worker"
)

// Config controls how workers are launched.
type Config struct {
	// WorkerCommand is the argv that starts a worker. Defaults to this
	// executable with the "worker" subcommand.
	WorkerCommand []string
	// Env is appended to the parent's environment for every worker.
	Env            []string
	MaxWorkers     int
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	GracePeriod    time.Duration
	Sandbox        bool
	Toolchain      protocol.Toolchain
	LogLevel       string
}

// Target is the already-forked workspace a command runs in.
type Target struct {
	ID       string
	ParentID string
	Dir      string
}

// Executor launches workers. One Executor is shared by every session of a
// process so MaxWorkers bounds the whole process.
type Executor struct {
	cfg     Config
	sem     *semaphore.Weighted
	metrics *metrics
	logger  *slog.Logger
}

// New validates cfg and registers metrics with reg (nil to skip).
func New(cfg Config, reg prometheus.Registerer) (*Executor, error) {
	if len(cfg.WorkerCommand) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker executable: %w", err)
		}
		cfg.WorkerCommand = []string{self, workerSubcommand}
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Executor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		metrics: newMetrics(reg),
		logger:  log.WithComponent("executor"),
	}, nil
}

// TimeoutFor returns the timeout applied to command.
func (e *Executor) TimeoutFor(command string) time.Duration {
	if d, ok := e.cfg.Timeouts[command]; ok && d > 0 {
		return d
	}
	return e.cfg.DefaultTimeout
}

// Execute runs command in t and returns its result. It never returns without
// an audit entry in t.Dir unless writing one failed, which is logged.
func (e *Executor) Execute(ctx context.Context, t Target, command string, args json.RawMessage) protocol.Result {
	logger := e.logger.With("workspace_id", t.ID, "command", command)
	started := time.Now()

	var (
		res     protocol.Result
		audited bool
	)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		res = interrupted(ctx, "waiting for a worker slot")
	} else {
		e.metrics.inFlight.Inc()
		res, audited = e.spawn(ctx, t, command, args, logger)
		e.metrics.inFlight.Dec()
		e.sem.Release(1)
	}

	if !audited && !audit.Exists(t.Dir) {
		entry := audit.NewEntry(t.ParentID, t.ID, command, args, res, audit.RecordedByExecutor)
		if err := audit.Write(t.Dir, entry); err != nil {
			logger.Error("best-effort audit entry failed", "error", err)
		}
	}

	e.metrics.commands.WithLabelValues(command, outcome(res.Success, string(res.FailureKind))).Inc()
	e.metrics.duration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	logger.Info("command finished", "success", res.Success, "failure_kind", res.FailureKind, "duration", time.Since(started))
	return res
}

func interrupted(ctx context.Context, during string) protocol.Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.Failed(protocol.FailureTimeout, "deadline exceeded "+during)
	}
	return protocol.Failed(protocol.FailureCanceled, "canceled "+during)
}

type decoded struct {
	resp *protocol.Response
	err  error
}

func (e *Executor) spawn(ctx context.Context, t Target, command string, args json.RawMessage, logger *slog.Logger) (protocol.Result, bool) {
	timeout := e.TimeoutFor(command)
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	argv := e.cfg.WorkerCommand
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	configureProc(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return crashed(fmt.Sprintf("create stdin pipe: %v", err), -1, ""), false
	}
	output := newCappedBuffer(maxStderrBytes)
	cmd.Stdout = output
	cmd.Stderr = output

	resultR, resultW, err := os.Pipe()
	if err != nil {
		return crashed(fmt.Sprintf("create result channel: %v", err), -1, ""), false
	}
	cmd.ExtraFiles = []*os.File{resultW}

	logger.Debug("spawning worker", "argv", argv, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		_ = resultR.Close()
		_ = resultW.Close()
		return crashed(fmt.Sprintf("start worker: %v", err), -1, ""), false
	}
	_ = resultW.Close()

	req := &protocol.Request{
		Protocol:     protocol.Version,
		WorkspaceID:  t.ID,
		ParentID:     t.ParentID,
		WorkspaceDir: t.Dir,
		Command:      command,
		Args:         args,
		DeadlineAt:   deadline,
		Toolchain:    e.cfg.Toolchain,
		Sandbox:      e.cfg.Sandbox,
		LogLevel:     e.cfg.LogLevel,
	}
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			logger.Warn("request not delivered to worker", "error", err)
		}
	}()

	results := make(chan decoded, 1)
	go func() {
		resp, err := protocol.DecodeResponse(resultR, t.ID)
		_ = resultR.Close()
		results <- decoded{resp, err}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var (
		got     *decoded
		exitErr error
		exited  bool
		res     protocol.Result
	)
	select {
	case <-timeoutTimer.C:
		logger.Warn("worker timed out, sending SIGTERM", "timeout", timeout)
		exitErr = e.terminate(cmd, waitErr, logger)
		res = protocol.Failed(protocol.FailureTimeout, fmt.Sprintf("timed out after %s", timeout))
	case <-ctx.Done():
		logger.Warn("worker interrupted, sending SIGTERM", "error", ctx.Err())
		exitErr = e.terminate(cmd, waitErr, logger)
		res = interrupted(ctx, "while running")
	case d := <-results:
		got = &d
		exited, exitErr = e.awaitExit(waitErr)
		if !exited {
			logger.Warn("worker did not exit after sending its result, sending SIGTERM")
			exitErr = e.terminate(cmd, waitErr, logger)
		}
	case exitErr = <-waitErr:
		d := <-results
		got = &d
	}

	e.saveLog(t.Dir, output, logger)

	if got == nil {
		return res, false
	}
	if got.err != nil {
		code := exitCode(exitErr)
		logger.Error("worker sent no result", "error", got.err, "exit_code", code, "stderr", output.tail(stderrTailInResult))
		return crashed(crashMessage, code, output.tail(stderrTailInResult)), false
	}
	return got.resp.Result, got.resp.AuditWritten
}

// awaitExit gives a worker that already answered the grace period to exit.
func (e *Executor) awaitExit(waitErr <-chan error) (bool, error) {
	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-waitErr:
		return true, err
	case <-grace.C:
		return false, nil
	}
}

func (e *Executor) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Debug("SIGTERM not delivered", "error", err)
	}
	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-waitErr:
		logger.Info("worker exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

func (e *Executor) saveLog(dir string, output *cappedBuffer, logger *slog.Logger) {
	text := output.String()
	if text == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(dir, snapshot.WorkerLogFile), []byte(text), 0o644); err != nil {
		logger.Warn("worker log not saved", "error", err)
	}
}

func crashed(message string, code int, stderrTail string) protocol.Result {
	res := protocol.Failed(protocol.FailureExecutorCrash, message)
	res.Data = map[string]any{"exit_code": code}
	if stderrTail != "" {
		res.Data["stderr_tail"] = stderrTail
	}
	return res
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}
