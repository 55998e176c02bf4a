package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/snapline/internal/audit"
	"github.com/mattjoyce/snapline/internal/command"
	"github.com/mattjoyce/snapline/internal/protocol"
	"github.com/mattjoyce/snapline/internal/snapshot"
	"github.com/mattjoyce/snapline/internal/toolchain"
	"github.com/mattjoyce/snapline/internal/worker"
)

const workerEnv = "SNAPLINE_EXECUTOR_TEST_WORKER"

type testArgs struct {
	Text string `json:"text,omitempty"`
}

func (a *testArgs) Validate() error { return nil }

func testRegistry() *command.Registry {
	r := command.Builtins()
	command.Register(r, command.Def{Name: "note"}, func(_ context.Context, eng *toolchain.Engine, a *testArgs) (protocol.Result, error) {
		eng.SetOption("note", a.Text)
		return protocol.OK("noted "+a.Text, nil), nil
	})
	command.Register(r, command.Def{Name: "crash"}, func(context.Context, *toolchain.Engine, *testArgs) (protocol.Result, error) {
		os.Stderr.WriteString("segfault in engine\n")
		os.Exit(3)
		return protocol.Result{}, nil
	})
	command.Register(r, command.Def{Name: "hang"}, func(context.Context, *toolchain.Engine, *testArgs) (protocol.Result, error) {
		time.Sleep(time.Hour)
		return protocol.Result{}, nil
	})
	command.Register(r, command.Def{Name: "stubborn"}, func(context.Context, *toolchain.Engine, *testArgs) (protocol.Result, error) {
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
		return protocol.Result{}, nil
	})
	command.Register(r, command.Def{Name: "fail"}, func(context.Context, *toolchain.Engine, *testArgs) (protocol.Result, error) {
		return protocol.Result{}, errors.New("model did not converge")
	})
	return r
}

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		worker.Main(testRegistry())
	}
	os.Exit(m.Run())
}

func newExecutor(t *testing.T, mutate func(*Config)) (*Executor, *prometheus.Registry) {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	cfg := Config{
		WorkerCommand:  []string{self},
		Env:            []string{workerEnv + "=1"},
		DefaultTimeout: 20 * time.Second,
		GracePeriod:    200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg := prometheus.NewRegistry()
	e, err := New(cfg, reg)
	require.NoError(t, err)
	return e, reg
}

func target(t *testing.T) Target {
	t.Helper()
	dir := filepath.Join(t.TempDir(), snapshot.DirName("child"))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return Target{ID: "child", ParentID: "parent", Dir: dir}
}

func TestExecuteSuccess(t *testing.T) {
	e, _ := newExecutor(t, nil)
	tg := target(t)

	res := e.Execute(context.Background(), tg, "note", json.RawMessage(`{"text":"hi"}`))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "noted hi", res.Message)

	entry, err := audit.Read(tg.Dir)
	require.NoError(t, err)
	assert.Equal(t, audit.RecordedByWorker, entry.RecordedBy)
	assert.FileExists(t, filepath.Join(tg.Dir, toolchain.StateFile))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.commands.WithLabelValues("note", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.inFlight))
}

func TestExecuteCommandFailure(t *testing.T) {
	e, _ := newExecutor(t, nil)
	tg := target(t)

	res := e.Execute(context.Background(), tg, "fail", nil)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.FailureCommandFailed, res.FailureKind)
	assert.Equal(t, "model did not converge", res.Message)

	entry, err := audit.Read(tg.Dir)
	require.NoError(t, err)
	assert.False(t, entry.Success)
	assert.Equal(t, audit.RecordedByWorker, entry.RecordedBy)
}

func TestExecuteCrashWithoutResult(t *testing.T) {
	e, _ := newExecutor(t, nil)
	tg := target(t)

	res := e.Execute(context.Background(), tg, "crash", nil)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.FailureExecutorCrash, res.FailureKind)
	assert.Equal(t, "unknown error", res.Message)
	assert.Equal(t, 3, res.Data["exit_code"])
	assert.Contains(t, res.Data["stderr_tail"], "segfault in engine")

	entry, err := audit.Read(tg.Dir)
	require.NoError(t, err)
	assert.Equal(t, audit.RecordedByExecutor, entry.RecordedBy)
	assert.Equal(t, "crash", entry.Command)
	assert.FileExists(t, filepath.Join(tg.Dir, snapshot.WorkerLogFile))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.commands.WithLabelValues("crash", "executor_crash")))
}

func TestExecuteTimeoutSendsSIGTERM(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) {
		c.Timeouts = map[string]time.Duration{"hang": 300 * time.Millisecond}
	})
	tg := target(t)

	started := time.Now()
	res := e.Execute(context.Background(), tg, "hang", nil)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, protocol.FailureTimeout, res.FailureKind)

	entry, err := audit.Read(tg.Dir)
	require.NoError(t, err)
	assert.Equal(t, audit.RecordedByExecutor, entry.RecordedBy)
}

func TestExecuteTimeoutEscalatesToSIGKILL(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) {
		c.Timeouts = map[string]time.Duration{"stubborn": 300 * time.Millisecond}
	})
	res := e.Execute(context.Background(), target(t), "stubborn", nil)
	assert.Equal(t, protocol.FailureTimeout, res.FailureKind)
}

func TestExecuteCancellationKillsWorker(t *testing.T) {
	e, _ := newExecutor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	res := e.Execute(ctx, target(t), "hang", nil)
	assert.Equal(t, protocol.FailureCanceled, res.FailureKind)
}

func TestExecuteBadWorkerCommand(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) {
		c.WorkerCommand = []string{filepath.Join(t.TempDir(), "no-such-binary")}
	})
	tg := target(t)

	res := e.Execute(context.Background(), tg, "note", nil)
	assert.Equal(t, protocol.FailureExecutorCrash, res.FailureKind)
	assert.True(t, audit.Exists(tg.Dir))
}

func TestExecuteWithSandbox(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) { c.Sandbox = true })
	tg := target(t)

	res := e.Execute(context.Background(), tg, "note", json.RawMessage(`{"text":"boxed"}`))
	require.True(t, res.Success, res.Message)
}

func TestExecuteSlotWaitHonoursContext(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) { c.MaxWorkers = 1 })
	require.NoError(t, e.sem.Acquire(context.Background(), 1))
	defer e.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tg := target(t)
	res := e.Execute(ctx, tg, "note", nil)
	assert.Equal(t, protocol.FailureTimeout, res.FailureKind)
	assert.True(t, audit.Exists(tg.Dir))
}

func TestTimeoutFor(t *testing.T) {
	e, _ := newExecutor(t, func(c *Config) {
		c.DefaultTimeout = time.Minute
		c.Timeouts = map[string]time.Duration{"create_dataset": time.Hour}
	})
	assert.Equal(t, time.Hour, e.TimeoutFor("create_dataset"))
	assert.Equal(t, time.Minute, e.TimeoutFor("note"))
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(4)
	_, _ = b.Write([]byte("abcdef"))
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd\n... [truncated 4 bytes]", b.String())
	assert.Equal(t, "bytes]", b.tail(6))
}
